package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
)

const (
	operationReward          = "reward"
	welcomeRewardKey         = ledger.ReservedIdempotencyPrefix + "welcome"
	thresholdRewardKeyFormat = ledger.ReservedIdempotencyPrefix + "threshold:%d"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPicker replaces the default weighted picker.
func WithPicker(picker Picker) EngineOption {
	return func(engine *Engine) {
		if picker != nil {
			engine.picker = picker
		}
	}
}

// WithOperationLogger reports every reward request to logger.
func WithOperationLogger(logger ledger.OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// Engine grants threshold and welcome rewards through the ledger service.
type Engine struct {
	service *ledger.Service
	tracker *Tracker
	prizes  PrizeTable
	picker  Picker
	logger  ledger.OperationLogger
}

// NewEngine wires an Engine.
func NewEngine(service *ledger.Service, tracker *Tracker, prizes PrizeTable, options ...EngineOption) (*Engine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ledger.ErrInvalidServiceConfig)
	}
	if tracker == nil {
		return nil, fmt.Errorf("%w: tracker is nil", ledger.ErrInvalidServiceConfig)
	}
	for _, tag := range []PoolTag{PoolStandard, PoolWelcome} {
		if len(prizes.Pool(tag)) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyPrizePool, tag)
		}
	}
	engine := &Engine{
		service: service,
		tracker: tracker,
		prizes:  prizes,
		picker:  NewWeightedPicker(nil),
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Eligibility previews what RequestReward would do without granting anything.
func (engine *Engine) Eligibility(ctx context.Context, userID ledger.UserID) (Eligibility, error) {
	var eligibility Eligibility
	err := engine.service.WithinTransaction(ctx, func(ctx context.Context, txStore ledger.Store) error {
		checked, err := engine.tracker.CheckEligibility(ctx, txStore, userID)
		if err != nil {
			return err
		}
		eligibility = checked
		return nil
	})
	return eligibility, err
}

// RequestReward checks eligibility and grants in one store transaction. Nothing to grant is
// reported through RewardResult.Reason, not as an error.
func (engine *Engine) RequestReward(ctx context.Context, userID ledger.UserID) (RewardResult, error) {
	var result RewardResult
	var grant Grant
	err := engine.service.WithinTransaction(ctx, func(ctx context.Context, txStore ledger.Store) error {
		eligibility, err := engine.tracker.CheckEligibility(ctx, txStore, userID)
		if err != nil {
			return err
		}
		if !eligibility.Eligible {
			result = RewardResult{Reason: eligibility.Reason}
			return nil
		}
		granted, err := engine.GrantReward(ctx, txStore, userID, eligibility)
		if err != nil {
			return err
		}
		grant = granted
		result = RewardResult{
			Granted:    true,
			CreditsWon: granted.CreditsWon.ToCredits(),
			PrizeLabel: granted.PrizeLabel,
			NewBalance: granted.NewBalance,
			IsWelcome:  granted.IsWelcome,
			Threshold:  granted.Threshold,
		}
		return nil
	})
	if errors.Is(err, ledger.ErrAlreadyGranted) {
		result = RewardResult{Reason: ReasonAlreadyGranted}
		err = nil
	}
	engine.logRequest(ctx, userID, result, grant, err)
	if err != nil {
		return RewardResult{}, err
	}
	return result, nil
}

// GrantReward draws a prize and records it inside the caller's transaction. The milestone
// rows are inserted before the credit so a lost race aborts with ErrAlreadyGranted.
func (engine *Engine) GrantReward(ctx context.Context, txStore ledger.Store, userID ledger.UserID, eligibility Eligibility) (Grant, error) {
	if !eligibility.Eligible {
		return Grant{}, ErrNotEligible
	}
	pool := PoolStandard
	if eligibility.IsWelcome {
		pool = PoolWelcome
	} else if eligibility.Threshold == nil {
		return Grant{}, fmt.Errorf("%w: threshold grant without a threshold", ErrNotEligible)
	}
	prize, err := engine.picker.Pick(engine.prizes.Pool(pool))
	if err != nil {
		return Grant{}, ledger.WrapError(errorOperationEngine, errorSubjectPrize, errorCodePick, err)
	}

	now := engine.service.Now()
	var milestones []ledger.Milestone
	if eligibility.IsWelcome {
		welcome, err := ledger.NewMilestone(userID, ledger.WelcomeThreshold, ledger.MilestoneWelcome, prize.Label(), prize.Credits(), now)
		if err != nil {
			return Grant{}, err
		}
		milestones = append(milestones, welcome)
	}
	if eligibility.Threshold != nil {
		threshold, err := ledger.NewMilestone(userID, *eligibility.Threshold, ledger.MilestoneThreshold, prize.Label(), prize.Credits(), now)
		if err != nil {
			return Grant{}, err
		}
		milestones = append(milestones, threshold)
	}
	for _, milestone := range milestones {
		if err := txStore.InsertMilestone(ctx, milestone); err != nil {
			if errors.Is(err, ledger.ErrMilestoneExists) {
				return Grant{}, ledger.WrapError(errorOperationEngine, errorSubjectGrant, errorCodeDuplicate, ledger.ErrAlreadyGranted)
			}
			return Grant{}, err
		}
	}

	idempotencyKey, description, thresholdValue := rewardIdentity(eligibility)
	metadata, err := ledger.MetadataFromMap(map[string]any{
		"threshold": thresholdValue,
		"pool":      pool.String(),
		"prize":     prize.Label(),
	})
	if err != nil {
		return Grant{}, err
	}
	receipt, err := engine.service.ApplyCreditInTx(ctx, txStore, userID, prize.Credits(), ledger.TransactionReward, description, &idempotencyKey, metadata)
	if err != nil {
		return Grant{}, err
	}
	if receipt.Replayed {
		return Grant{}, ledger.WrapError(errorOperationEngine, errorSubjectGrant, errorCodeDuplicate, ledger.ErrAlreadyGranted)
	}
	return Grant{
		CreditsWon:    prize.Credits(),
		PrizeLabel:    prize.Label(),
		NewBalance:    receipt.Balance,
		Threshold:     eligibility.Threshold,
		IsWelcome:     eligibility.IsWelcome,
		TransactionID: receipt.TransactionID,
	}, nil
}

func rewardIdentity(eligibility Eligibility) (ledger.IdempotencyKey, string, int64) {
	if eligibility.IsWelcome {
		key, _ := ledger.NewIdempotencyKey(welcomeRewardKey)
		return key, "welcome reward", ledger.WelcomeThreshold
	}
	threshold := *eligibility.Threshold
	key, _ := ledger.NewIdempotencyKey(fmt.Sprintf(thresholdRewardKeyFormat, threshold))
	return key, fmt.Sprintf("reward for reaching %d credits spent", threshold), threshold
}

func (engine *Engine) logRequest(ctx context.Context, userID ledger.UserID, result RewardResult, grant Grant, err error) {
	if engine.logger == nil {
		return
	}
	status := ledger.StatusForError(err)
	if err == nil && !result.Granted {
		status = result.Reason
	}
	engine.logger.LogOperation(ctx, ledger.OperationLog{
		Operation:       operationReward,
		UserID:          userID,
		TransactionType: ledger.TransactionReward,
		Amount:          result.CreditsWon,
		Balance:         result.NewBalance,
		TransactionID:   grant.TransactionID,
		Status:          status,
		Error:           err,
	})
}
