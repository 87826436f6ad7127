// Package oplog writes ledger operation events as structured zap logs.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const messageOperation = "ledger operation"

// ZapLogger implements ledger.OperationLogger on top of a zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger; a nil logger produces a no-op ZapLogger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation writes entry at a level derived from its status.
func (logger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("balance", entry.Balance.Int64()),
	}
	if entry.TransactionType != "" {
		fields = append(fields, zap.String("type", entry.TransactionType.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.TransactionID.String() != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.IdempotencyKey != nil {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	if checked := logger.logger.Check(levelFor(entry), messageOperation); checked != nil {
		checked.Write(fields...)
	}
}

func levelFor(entry ledger.OperationLog) zapcore.Level {
	if entry.Error == nil {
		return zapcore.InfoLevel
	}
	if errors.Is(entry.Error, ledger.ErrLedgerWriteFailed) || entry.Status == ledger.OperationStatusError {
		return zapcore.ErrorLevel
	}
	return zapcore.WarnLevel
}
