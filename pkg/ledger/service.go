package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service meters usage against per-user credit balances over a Store.
type Service struct {
	store        Store
	nowFn        func() int64
	logger       OperationLogger
	costs        CostTable
	retryBackoff time.Duration
}

type movement struct {
	operation       string
	userID          UserID
	transactionType TransactionType
	amount          PositiveCredits
	description     string
	idempotencyKey  *IdempotencyKey
	metadata        MetadataJSON
}

func (request movement) signedAmount() Credits {
	if request.transactionType == TransactionDebit {
		return request.amount.ToCredits().Negated()
	}
	return request.amount.ToCredits()
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		retryBackoff: defaultRetryBackoffMs * time.Millisecond,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Now returns the service clock reading in unix seconds.
func (service *Service) Now() int64 {
	return service.nowFn()
}

// Balance returns the current balance snapshot for a user.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	return service.store.GetBalance(ctx, userID)
}

// Debit removes amount from the user's balance, refusing to overdraw.
// A repeated idempotency key returns the original receipt without writing.
func (service *Service) Debit(ctx context.Context, userID UserID, amount PositiveCredits, description string, idempotencyKey *IdempotencyKey, metadata MetadataJSON) (Receipt, error) {
	return service.execute(ctx, movement{
		operation:       operationDebit,
		userID:          userID,
		transactionType: TransactionDebit,
		amount:          amount,
		description:     description,
		idempotencyKey:  idempotencyKey,
		metadata:        metadata,
	})
}

// Credit adds amount to the user's balance. Credits are never rejected for insufficiency.
func (service *Service) Credit(ctx context.Context, userID UserID, amount PositiveCredits, transactionType TransactionType, description string, idempotencyKey *IdempotencyKey, metadata MetadataJSON) (Receipt, error) {
	return service.execute(ctx, movement{
		operation:       operationCredit,
		userID:          userID,
		transactionType: transactionType,
		amount:          amount,
		description:     description,
		idempotencyKey:  idempotencyKey,
		metadata:        metadata,
	})
}

// ApplyCreditInTx credits a user inside a transaction opened by the caller.
func (service *Service) ApplyCreditInTx(ctx context.Context, txStore Store, userID UserID, amount PositiveCredits, transactionType TransactionType, description string, idempotencyKey *IdempotencyKey, metadata MetadataJSON) (Receipt, error) {
	return service.applyMovement(ctx, txStore, movement{
		operation:       operationCredit,
		userID:          userID,
		transactionType: transactionType,
		amount:          amount,
		description:     description,
		idempotencyKey:  idempotencyKey,
		metadata:        metadata,
	})
}

// WithinTransaction runs fn in a store transaction. A storage failure is retried once after
// the configured backoff and then reported as ErrLedgerWriteFailed.
func (service *Service) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	err := service.store.WithTx(ctx, fn)
	if !isTransient(ctx, err) {
		return err
	}
	if waitErr := service.waitForRetry(ctx); waitErr != nil {
		return fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
	}
	err = service.store.WithTx(ctx, fn)
	if !isTransient(ctx, err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
}

func (service *Service) execute(ctx context.Context, request movement) (Receipt, error) {
	var receipt Receipt
	var operationError error
	if request.idempotencyKey != nil && strings.HasPrefix(request.idempotencyKey.String(), ReservedIdempotencyPrefix) {
		operationError = fmt.Errorf("%w: prefix %q is reserved", ErrInvalidIdempotencyKey, ReservedIdempotencyPrefix)
	} else {
		operationError = service.WithinTransaction(ctx, func(ctx context.Context, transactionStore Store) error {
			applied, err := service.applyMovement(ctx, transactionStore, request)
			if err != nil {
				return err
			}
			receipt = applied
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       request.operation,
		UserID:          request.userID,
		TransactionType: request.transactionType,
		Amount:          request.signedAmount(),
		Balance:         receipt.Balance,
		TransactionID:   receipt.TransactionID,
		IdempotencyKey:  request.idempotencyKey,
		Metadata:        request.metadata,
		Status:          statusForReceipt(receipt, operationError),
		Error:           operationError,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

func (service *Service) applyMovement(ctx context.Context, transactionStore Store, request movement) (Receipt, error) {
	if request.userID.String() == "" {
		return Receipt{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.operation == operationCredit && !request.transactionType.IsCredit() {
		return Receipt{}, fmt.Errorf("%w: %q cannot add credits", ErrInvalidTransactionType, request.transactionType)
	}
	if request.operation != operationCredit && request.transactionType != TransactionDebit {
		return Receipt{}, fmt.Errorf("%w: %q cannot remove credits", ErrInvalidTransactionType, request.transactionType)
	}
	if request.description == "" {
		request.description = defaultDescription(request.transactionType)
	}
	balance, err := transactionStore.LockBalance(ctx, request.userID)
	if err != nil {
		return Receipt{}, err
	}
	if request.idempotencyKey != nil {
		existing, found, err := transactionStore.FindTransactionByIdempotencyKey(ctx, request.userID, *request.idempotencyKey)
		if err != nil {
			return Receipt{}, err
		}
		if found {
			if existing.Type() != request.transactionType || existing.Amount() != request.signedAmount() {
				return Receipt{}, fmt.Errorf("%w: %s", ErrIdempotencyKeyReused, request.idempotencyKey.String())
			}
			return Receipt{TransactionID: existing.TransactionID(), Balance: existing.BalanceAfter(), Replayed: true}, nil
		}
	}
	var updated Balance
	if request.transactionType == TransactionDebit {
		updated, err = balance.withDebit(request.amount)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: available %d, requested %d", err, balance.Available, request.amount)
		}
	} else {
		updated = balance.withCredit(request.amount)
	}
	updated.UserID = request.userID
	if !updated.Consistent() {
		return Receipt{}, WrapError(errorOperationService, errorSubjectBalance, errorCodeMismatch, ErrLedgerInconsistent)
	}
	if err := transactionStore.UpdateBalance(ctx, balance.Version, updated); err != nil {
		return Receipt{}, err
	}
	transactionInput, err := NewTransactionInput(
		request.userID,
		request.transactionType,
		request.signedAmount(),
		request.description,
		updated.Available,
		request.idempotencyKey,
		request.metadata,
		updated.Version,
		service.nowFn(),
	)
	if err != nil {
		return Receipt{}, err
	}
	transaction, err := transactionStore.InsertTransaction(ctx, transactionInput)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{TransactionID: transaction.TransactionID(), Balance: updated.Available}, nil
}

func (service *Service) waitForRetry(ctx context.Context) error {
	if service.retryBackoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(service.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		entry.Status = StatusForError(entry.Error)
	}
	service.logger.LogOperation(ctx, entry)
}

func defaultDescription(transactionType TransactionType) string {
	if transactionType == TransactionDebit {
		return defaultDescriptionDebit
	}
	return transactionType.String()
}

func statusForReceipt(receipt Receipt, err error) string {
	if err == nil && receipt.Replayed {
		return OperationStatusReplayed
	}
	return StatusForError(err)
}

func isTransient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsPermanent(err)
}
