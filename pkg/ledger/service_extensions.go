package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

const defaultListLimit = 50

// ReconcileReport compares the balance row with the transaction history.
type ReconcileReport struct {
	Balance        Balance
	TransactionSum Credits
	Consistent     bool
}

// Charge debits the catalog cost of quantity units of a billable action.
func (service *Service) Charge(ctx context.Context, userID UserID, action string, quantity int64, idempotencyKey *IdempotencyKey, metadata MetadataJSON) (Receipt, error) {
	if service.costs == nil {
		return Receipt{}, fmt.Errorf("%w: cost table is not configured", ErrInvalidServiceConfig)
	}
	costPerUnit, known := service.costs.CostPerUnit(action)
	if !known {
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if quantity <= 0 {
		return Receipt{}, fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidAmount)
	}
	if quantity > math.MaxInt64/costPerUnit.Int64() {
		return Receipt{}, fmt.Errorf("%w: quantity overflows credit range", ErrInvalidAmount)
	}
	total, err := NewPositiveCredits(costPerUnit.Int64() * quantity)
	if err != nil {
		return Receipt{}, err
	}
	chargeMetadata, err := mergeMetadata(metadata, map[string]any{
		"action":   action,
		"quantity": quantity,
	})
	if err != nil {
		return Receipt{}, err
	}
	return service.execute(ctx, movement{
		operation:       operationCharge,
		userID:          userID,
		transactionType: TransactionDebit,
		amount:          total,
		description:     fmt.Sprintf("%s x%d", action, quantity),
		idempotencyKey:  idempotencyKey,
		metadata:        chargeMetadata,
	})
}

// ListTransactions returns up to limit transactions older than beforeSequence, newest first.
// A zero beforeSequence starts from the latest transaction.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeSequence int64, limit int) ([]Transaction, error) {
	if beforeSequence <= 0 {
		beforeSequence = math.MaxInt64
	}
	return service.store.ListTransactions(ctx, userID, beforeSequence, EffectiveListLimit(limit))
}

// EffectiveListLimit returns the page size ListTransactions applies for a requested limit.
func EffectiveListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// Reconcile verifies balance == totalEarned - totalSpent == sum of the transaction history.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (ReconcileReport, error) {
	var report ReconcileReport
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumTransactions(ctx, userID)
		if err != nil {
			return err
		}
		report = ReconcileReport{
			Balance:        balance,
			TransactionSum: sum,
			Consistent:     balance.Consistent() && sum == balance.Available,
		}
		return nil
	})
	if operationError == nil && !report.Consistent {
		operationError = WrapError(errorOperationService, errorSubjectHistory, errorCodeMismatch,
			fmt.Errorf("%w: balance %d, earned %d, spent %d, history %d", ErrLedgerInconsistent,
				report.Balance.Available, report.Balance.TotalEarned, report.Balance.TotalSpent, report.TransactionSum))
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Balance:   report.Balance.Available,
		Error:     operationError,
	})
	return report, operationError
}

func mergeMetadata(base MetadataJSON, extra map[string]any) (MetadataJSON, error) {
	merged := make(map[string]any, len(extra))
	if err := json.Unmarshal([]byte(base.String()), &merged); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	for key, value := range extra {
		merged[key] = value
	}
	return MetadataFromMap(merged)
}
