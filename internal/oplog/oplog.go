// Package oplog adapts the ledger's operation-log callbacks onto zap.
package oplog

import (
	"context"

	"github.com/arcanalabs/credits/pkg/credits"
	"go.uber.org/zap"
)

// Logger publishes ledger operation logs through a zap logger.
type Logger struct {
	base *zap.Logger
}

// New wires a Logger.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base}
}

// LogOperation implements credits.OperationLogger.
func (logger *Logger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.String("kind", entry.Kind.String()),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if entry.TransactionID.String() != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.ExternalReference.String() != "" {
		fields = append(fields, zap.String("external_reference", entry.ExternalReference.String()))
	}
	if entry.Description != "" {
		fields = append(fields, zap.String("description", entry.Description))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		logger.base.Error("ledger operation failed", fields...)
		return
	}
	if entry.Orphaned() {
		logger.base.Warn("refund without audit link", fields...)
		return
	}
	logger.base.Info("ledger operation", fields...)
}
