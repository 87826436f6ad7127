package rewards

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

// Reward errors wrap ledger sentinels so the ledger retry policy treats them as permanent.
var (
	ErrEmptyPrizePool       = fmt.Errorf("%w: empty prize pool", ledger.ErrInvalidServiceConfig)
	ErrInvalidThresholdStep = fmt.Errorf("%w: threshold step must be positive", ledger.ErrInvalidServiceConfig)
	ErrInvalidPrize         = fmt.Errorf("%w: invalid prize entry", ledger.ErrInvalidServiceConfig)
	ErrNotEligible          = fmt.Errorf("%w: user is not eligible for a reward", ledger.ErrInvalidMilestone)
)

const (
	errorOperationEngine = "engine"
	errorSubjectPrize    = "prize"
	errorSubjectGrant    = "grant"
	errorCodePick        = "pick"
	errorCodeDuplicate   = "duplicate"
)
