package ledger

import (
	"errors"
	"testing"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewIdempotencyKey(t *testing.T) {
	t.Parallel()
	_, err := NewIdempotencyKey("   ")
	if !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	if NewOptionalIdempotencyKey("") != nil {
		t.Fatalf("expected nil optional key for blank input")
	}
	optional := NewOptionalIdempotencyKey(" recording-42 ")
	if optional == nil || optional.String() != "recording-42" {
		t.Fatalf("expected normalized optional key, got %v", optional)
	}
}

func TestNewPositiveCredits(t *testing.T) {
	t.Parallel()
	for _, raw := range []int64{0, -5} {
		if _, err := NewPositiveCredits(raw); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	value, err := NewPositiveCredits(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value.ToCredits().Negated() != -100 {
		t.Fatalf("expected -100, got %d", value.ToCredits().Negated())
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	for _, raw := range []string{"not-json", "[1,2]", "null", "42"} {
		if _, err := NewMetadataJSON(raw); !errors.Is(err, ErrInvalidMetadataJSON) {
			t.Fatalf("expected ErrInvalidMetadataJSON for %q, got %v", raw, err)
		}
	}
	fromMap, err := MetadataFromMap(map[string]any{"threshold": 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromMap.String() != `{"threshold":20}` {
		t.Fatalf("unexpected metadata %q", fromMap.String())
	}
}

func TestParseTransactionType(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"purchase", "debit", "reward", "adjustment"} {
		parsed, err := ParseTransactionType(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if parsed.String() != raw {
			t.Fatalf("expected %q, got %q", raw, parsed)
		}
	}
	if _, err := ParseTransactionType("grant"); !errors.Is(err, ErrInvalidTransactionType) {
		t.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
	if TransactionDebit.IsCredit() || !TransactionReward.IsCredit() {
		t.Fatalf("unexpected credit classification")
	}
}

func TestNewTransactionInputValidation(test *testing.T) {
	test.Parallel()
	user := mustUserID(test, "user-1")
	metadata := mustMetadata(test, "")
	emptyKey := IdempotencyKey{}
	testCases := []struct {
		name            string
		userID          UserID
		transactionType TransactionType
		amount          Credits
		balanceAfter    Credits
		idempotencyKey  *IdempotencyKey
		sequence        int64
		wantErr         error
	}{
		{name: "missing user", userID: UserID{}, transactionType: TransactionDebit, amount: -1, sequence: 1, wantErr: ErrInvalidUserID},
		{name: "unknown type", userID: user, transactionType: TransactionType("grant"), amount: 1, sequence: 1, wantErr: ErrInvalidTransactionType},
		{name: "zero amount", userID: user, transactionType: TransactionPurchase, amount: 0, sequence: 1, wantErr: ErrInvalidAmount},
		{name: "positive debit", userID: user, transactionType: TransactionDebit, amount: 5, sequence: 1, wantErr: ErrInvalidAmount},
		{name: "negative reward", userID: user, transactionType: TransactionReward, amount: -5, sequence: 1, wantErr: ErrInvalidAmount},
		{name: "negative balance", userID: user, transactionType: TransactionDebit, amount: -5, balanceAfter: -1, sequence: 1, wantErr: ErrInvalidBalance},
		{name: "zero sequence", userID: user, transactionType: TransactionPurchase, amount: 5, sequence: 0, wantErr: ErrInvalidBalance},
		{name: "empty key", userID: user, transactionType: TransactionPurchase, amount: 5, idempotencyKey: &emptyKey, sequence: 1, wantErr: ErrInvalidIdempotencyKey},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewTransactionInput(testCase.userID, testCase.transactionType, testCase.amount, "", testCase.balanceAfter, testCase.idempotencyKey, metadata, testCase.sequence, 100)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestNewMilestoneValidation(test *testing.T) {
	test.Parallel()
	user := mustUserID(test, "user-1")
	prize := mustPositiveCredits(test, 5)
	if _, err := NewMilestone(user, 20, MilestoneWelcome, "5 credits", prize, 1); !errors.Is(err, ErrInvalidMilestone) {
		test.Fatalf("expected ErrInvalidMilestone for welcome with threshold, got %v", err)
	}
	if _, err := NewMilestone(user, 0, MilestoneThreshold, "5 credits", prize, 1); !errors.Is(err, ErrInvalidMilestone) {
		test.Fatalf("expected ErrInvalidMilestone for zero threshold, got %v", err)
	}
	if _, err := NewMilestone(user, 20, MilestoneThreshold, "nothing", 0, 1); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	milestone, err := NewMilestone(user, WelcomeThreshold, MilestoneWelcome, " 5 credits ", prize, 1)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if milestone.PrizeLabel() != "5 credits" || milestone.Kind() != MilestoneWelcome {
		test.Fatalf("unexpected milestone %+v", milestone)
	}
}

func TestBalanceConsistent(test *testing.T) {
	test.Parallel()
	balance := Balance{Available: 80, TotalEarned: 100, TotalSpent: 20}
	if !balance.Consistent() {
		test.Fatalf("expected consistent balance")
	}
	if (Balance{Available: 90, TotalEarned: 100, TotalSpent: 20}).Consistent() {
		test.Fatalf("expected inconsistent balance")
	}
	if _, err := balance.withDebit(81); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	debited, err := balance.withDebit(80)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if debited.Available != 0 || debited.TotalSpent != 100 || debited.Version != 1 || !debited.Consistent() {
		test.Fatalf("unexpected debited balance %+v", debited)
	}
}
