package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	UserID          UserID
	TransactionType TransactionType
	Amount          Credits
	Balance         Credits
	TransactionID   TransactionID
	IdempotencyKey  *IdempotencyKey
	Metadata        MetadataJSON
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCostTable wires the billable action catalog used by Charge.
func WithCostTable(costs CostTable) ServiceOption {
	return func(service *Service) {
		service.costs = costs
	}
}

// WithRetryBackoff sets the pause before the single retry of a failed write.
func WithRetryBackoff(backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if backoff >= 0 {
			service.retryBackoff = backoff
		}
	}
}

type operationLoggers []OperationLogger

// CombineOperationLoggers fans every operation out to all non-nil loggers.
func CombineOperationLoggers(loggers ...OperationLogger) OperationLogger {
	combined := make(operationLoggers, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			combined = append(combined, logger)
		}
	}
	return combined
}

func (loggers operationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		logger.LogOperation(ctx, entry)
	}
}

// StatusForError maps an operation outcome to a log status.
func StatusForError(err error) string {
	if err == nil {
		return OperationStatusOK
	}
	if IsPermanent(err) {
		return OperationStatusRejected
	}
	return OperationStatusError
}
