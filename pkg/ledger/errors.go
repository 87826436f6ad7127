package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrLedgerWriteFailed       = errors.New("ledger write failed")
	ErrAlreadyGranted          = errors.New("reward already granted")
	ErrMilestoneExists         = errors.New("reward milestone exists")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrIdempotencyKeyReused    = errors.New("idempotency key reused with different request")
	ErrBalanceVersionConflict  = errors.New("balance version conflict")
	ErrLedgerInconsistent      = errors.New("ledger inconsistent")
	ErrUnknownAction           = errors.New("unknown billable action")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidMilestone        = errors.New("invalid milestone")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// permanentErrors are outcomes that a retry cannot change.
var permanentErrors = []error{
	ErrInsufficientCredits,
	ErrAlreadyGranted,
	ErrMilestoneExists,
	ErrIdempotencyKeyReused,
	ErrLedgerInconsistent,
	ErrUnknownAction,
	ErrInvalidAmount,
	ErrInvalidUserID,
	ErrInvalidTransactionID,
	ErrInvalidIdempotencyKey,
	ErrInvalidMetadataJSON,
	ErrInvalidTransactionType,
	ErrInvalidMilestone,
	ErrInvalidServiceConfig,
	ErrInvalidBalance,
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsPermanent reports whether err is a business or validation outcome that must not be retried.
func IsPermanent(err error) bool {
	for _, permanent := range permanentErrors {
		if errors.Is(err, permanent) {
			return true
		}
	}
	return false
}
