package rewards

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// eligibilityStore serves the two reads CheckEligibility performs.
type eligibilityStore struct {
	ledger.Store
	totalSpent ledger.Credits
	milestones map[int64]bool
	lockErr    error
}

func (store *eligibilityStore) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	if store.lockErr != nil {
		return ledger.Balance{}, store.lockErr
	}
	return ledger.Balance{UserID: userID, TotalEarned: store.totalSpent, TotalSpent: store.totalSpent}, nil
}

func (store *eligibilityStore) MilestoneExists(ctx context.Context, userID ledger.UserID, thresholdValue int64) (bool, error) {
	return store.milestones[thresholdValue], nil
}

func TestCheckEligibility(test *testing.T) {
	test.Parallel()
	threshold := func(value int64) *int64 { return &value }
	testCases := []struct {
		name       string
		totalSpent ledger.Credits
		milestones map[int64]bool
		want       Eligibility
	}{
		{
			name: "new user gets welcome",
			want: Eligibility{Eligible: true, IsWelcome: true},
		},
		{
			name:       "welcome consumes pending threshold",
			totalSpent: 40,
			want:       Eligibility{Eligible: true, IsWelcome: true, Threshold: threshold(40)},
		},
		{
			name:       "no spend after welcome",
			milestones: map[int64]bool{ledger.WelcomeThreshold: true},
			want:       Eligibility{Reason: ReasonNotEligible},
		},
		{
			name:       "first threshold",
			totalSpent: 20,
			milestones: map[int64]bool{ledger.WelcomeThreshold: true},
			want:       Eligibility{Eligible: true, Threshold: threshold(20)},
		},
		{
			name:       "threshold already granted",
			totalSpent: 20,
			milestones: map[int64]bool{ledger.WelcomeThreshold: true, 20: true},
			want:       Eligibility{Reason: ReasonAlreadyGranted},
		},
		{
			name:       "between thresholds",
			totalSpent: 25,
			milestones: map[int64]bool{ledger.WelcomeThreshold: true, 20: true},
			want:       Eligibility{Reason: ReasonNotEligible},
		},
		{
			name:       "only the current threshold is checked",
			totalSpent: 60,
			milestones: map[int64]bool{ledger.WelcomeThreshold: true, 20: true},
			want:       Eligibility{Eligible: true, Threshold: threshold(60)},
		},
	}

	tracker, err := NewTracker(DefaultThresholdStep)
	if err != nil {
		test.Fatalf("tracker: %v", err)
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := &eligibilityStore{totalSpent: testCase.totalSpent, milestones: testCase.milestones}
			got, err := tracker.CheckEligibility(context.Background(), store, mustUserID(test, "user-1"))
			if err != nil {
				test.Fatalf("check eligibility: %v", err)
			}
			if got.Eligible != testCase.want.Eligible || got.IsWelcome != testCase.want.IsWelcome || got.Reason != testCase.want.Reason {
				test.Fatalf("expected %+v, got %+v", testCase.want, got)
			}
			if (got.Threshold == nil) != (testCase.want.Threshold == nil) {
				test.Fatalf("expected threshold %v, got %v", testCase.want.Threshold, got.Threshold)
			}
			if got.Threshold != nil && *got.Threshold != *testCase.want.Threshold {
				test.Fatalf("expected threshold %d, got %d", *testCase.want.Threshold, *got.Threshold)
			}
		})
	}
}

func TestCheckEligibilityPropagatesStoreErrors(test *testing.T) {
	test.Parallel()
	errLock := errors.New("lock timeout")
	tracker, _ := NewTracker(DefaultThresholdStep)
	_, err := tracker.CheckEligibility(context.Background(), &eligibilityStore{lockErr: errLock}, mustUserID(test, "user-1"))
	if !errors.Is(err, errLock) {
		test.Fatalf("expected %v, got %v", errLock, err)
	}
}

func TestNewTrackerRejectsNonPositiveStep(test *testing.T) {
	test.Parallel()
	for _, step := range []int64{0, -20} {
		if _, err := NewTracker(step); !errors.Is(err, ErrInvalidThresholdStep) {
			test.Fatalf("step %d: expected ErrInvalidThresholdStep, got %v", step, err)
		}
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}
