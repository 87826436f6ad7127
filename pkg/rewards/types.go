package rewards

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// DefaultThresholdStep is the spend interval between reward thresholds.
const DefaultThresholdStep int64 = 20

const (
	// ReasonNotEligible means the user has not reached an unclaimed threshold.
	ReasonNotEligible = "not_eligible"
	// ReasonAlreadyGranted means the current threshold has already produced a reward.
	ReasonAlreadyGranted = "already_granted"
)

// PoolTag selects the prize pool a draw uses.
type PoolTag string

const (
	PoolStandard PoolTag = "standard"
	PoolWelcome  PoolTag = "welcome"
)

// ParsePoolTag validates a configured pool tag.
func ParsePoolTag(raw string) (PoolTag, error) {
	tag := PoolTag(strings.TrimSpace(raw))
	switch tag {
	case PoolStandard, PoolWelcome:
		return tag, nil
	default:
		return "", fmt.Errorf("%w: unknown pool %q", ErrInvalidPrize, raw)
	}
}

// String returns the configured representation.
func (tag PoolTag) String() string {
	return string(tag)
}

// PrizeEntry is one weighted outcome of a prize draw.
type PrizeEntry struct {
	credits ledger.PositiveCredits
	weight  int64
	label   string
	pool    PoolTag
}

// NewPrizeEntry validates a prize table row.
func NewPrizeEntry(credits int64, weight int64, label string, pool PoolTag) (PrizeEntry, error) {
	creditValue, err := ledger.NewPositiveCredits(credits)
	if err != nil {
		return PrizeEntry{}, fmt.Errorf("%w: %v", ErrInvalidPrize, err)
	}
	if weight <= 0 {
		return PrizeEntry{}, fmt.Errorf("%w: weight must be positive", ErrInvalidPrize)
	}
	if _, err := ParsePoolTag(pool.String()); err != nil {
		return PrizeEntry{}, err
	}
	trimmedLabel := strings.TrimSpace(label)
	if trimmedLabel == "" {
		trimmedLabel = fmt.Sprintf("%d credits", credits)
	}
	return PrizeEntry{credits: creditValue, weight: weight, label: trimmedLabel, pool: pool}, nil
}

// Credits returns the amount granted when the entry is drawn.
func (entry PrizeEntry) Credits() ledger.PositiveCredits { return entry.credits }

// Weight returns the relative draw weight within the entry's pool.
func (entry PrizeEntry) Weight() int64 { return entry.weight }

// Label returns the display label shown to the user.
func (entry PrizeEntry) Label() string { return entry.label }

// Pool returns the pool the entry belongs to.
func (entry PrizeEntry) Pool() PoolTag { return entry.pool }

// PrizeTable holds the standard and welcome pools in configured order.
type PrizeTable struct {
	pools map[PoolTag][]PrizeEntry
}

// NewPrizeTable groups entries by pool. Both pools must be present.
func NewPrizeTable(entries []PrizeEntry) (PrizeTable, error) {
	pools := make(map[PoolTag][]PrizeEntry, 2)
	for _, entry := range entries {
		if entry.weight <= 0 {
			return PrizeTable{}, fmt.Errorf("%w: weight must be positive", ErrInvalidPrize)
		}
		pools[entry.pool] = append(pools[entry.pool], entry)
	}
	for _, tag := range []PoolTag{PoolStandard, PoolWelcome} {
		if len(pools[tag]) == 0 {
			return PrizeTable{}, fmt.Errorf("%w: %s", ErrEmptyPrizePool, tag)
		}
	}
	return PrizeTable{pools: pools}, nil
}

// Pool returns a copy of the entries for tag.
func (table PrizeTable) Pool(tag PoolTag) []PrizeEntry {
	return append([]PrizeEntry(nil), table.pools[tag]...)
}

// DefaultPrizeTable returns the built-in prize pools.
func DefaultPrizeTable() PrizeTable {
	return PrizeTable{pools: map[PoolTag][]PrizeEntry{
		PoolStandard: {
			{credits: 1, weight: 30, label: "1 credit", pool: PoolStandard},
			{credits: 2, weight: 25, label: "2 credits", pool: PoolStandard},
			{credits: 3, weight: 20, label: "3 credits", pool: PoolStandard},
			{credits: 5, weight: 15, label: "5 credits", pool: PoolStandard},
			{credits: 10, weight: 8, label: "10 credits", pool: PoolStandard},
			{credits: 20, weight: 2, label: "20 credits", pool: PoolStandard},
		},
		PoolWelcome: {
			{credits: 5, weight: 40, label: "5 credits", pool: PoolWelcome},
			{credits: 10, weight: 35, label: "10 credits", pool: PoolWelcome},
			{credits: 15, weight: 15, label: "15 credits", pool: PoolWelcome},
			{credits: 20, weight: 10, label: "20 credits", pool: PoolWelcome},
		},
	}}
}

// Eligibility is the outcome of a threshold check.
// For a welcome grant, Threshold carries the pending spend threshold (if any) that the grant also consumes.
type Eligibility struct {
	Eligible  bool
	Threshold *int64
	IsWelcome bool
	Reason    string
}

// Grant describes a committed reward.
type Grant struct {
	CreditsWon    ledger.PositiveCredits
	PrizeLabel    string
	NewBalance    ledger.Credits
	Threshold     *int64
	IsWelcome     bool
	TransactionID ledger.TransactionID
}

// RewardResult is the caller-facing outcome of RequestReward.
type RewardResult struct {
	Granted    bool
	CreditsWon ledger.Credits
	PrizeLabel string
	NewBalance ledger.Credits
	IsWelcome  bool
	Threshold  *int64
	Reason     string
}
