package rewards

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// Tracker decides which reward, if any, a user may claim from their cumulative spend.
type Tracker struct {
	step int64
}

// NewTracker returns a Tracker with thresholds at step, 2*step, 3*step, ...
func NewTracker(step int64) (*Tracker, error) {
	if step <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThresholdStep, step)
	}
	return &Tracker{step: step}, nil
}

// Step returns the threshold interval.
func (tracker *Tracker) Step() int64 {
	return tracker.step
}

// CheckEligibility must run on the transaction-scoped store of the grant that follows it.
// It locks the balance row so concurrent checks for one user serialize.
func (tracker *Tracker) CheckEligibility(ctx context.Context, txStore ledger.Store, userID ledger.UserID) (Eligibility, error) {
	balance, err := txStore.LockBalance(ctx, userID)
	if err != nil {
		return Eligibility{}, err
	}
	welcomeGranted, err := txStore.MilestoneExists(ctx, userID, ledger.WelcomeThreshold)
	if err != nil {
		return Eligibility{}, err
	}

	var (
		pending        *int64
		thresholdTaken bool
	)
	spent := balance.TotalSpent.Int64()
	if spent > 0 && spent%tracker.step == 0 {
		currentThreshold := (spent / tracker.step) * tracker.step
		exists, err := txStore.MilestoneExists(ctx, userID, currentThreshold)
		if err != nil {
			return Eligibility{}, err
		}
		if exists {
			thresholdTaken = true
		} else {
			pending = &currentThreshold
		}
	}

	switch {
	case !welcomeGranted:
		return Eligibility{Eligible: true, IsWelcome: true, Threshold: pending}, nil
	case pending != nil:
		return Eligibility{Eligible: true, Threshold: pending}, nil
	case thresholdTaken:
		return Eligibility{Reason: ReasonAlreadyGranted}, nil
	default:
		return Eligibility{Reason: ReasonNotEligible}, nil
	}
}
