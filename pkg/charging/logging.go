package charging

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing charging operation.
type OperationLog struct {
	Operation   string
	UserID      UserID
	ProductID   ProductID
	SessionID   SessionID
	TxnID       TxnID
	AmountCents int64
	StatusCode  StatusCode
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// ZapOperationLogger emits one structured log line per operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger as an OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.Int64("user_id", entry.UserID.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.ProductID != 0 {
		fields = append(fields, zap.Int64("product_id", entry.ProductID.Int64()))
	}
	if entry.SessionID != 0 {
		fields = append(fields, zap.Int64("session_id", entry.SessionID.Int64()))
	}
	if entry.TxnID.String() != "" {
		fields = append(fields, zap.String("txn_id", entry.TxnID.String()))
	}
	if entry.AmountCents != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.AmountCents))
	}
	if entry.StatusCode != 0 {
		fields = append(fields, zap.String("status_code", entry.StatusCode.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("charging operation failed", fields...)
		return
	}
	operationLogger.logger.Info("charging operation", fields...)
}

// WithLockTimeout overrides the soft-lock expiry window.
func WithLockTimeout(timeoutMillis int64) ServiceOption {
	return func(service *Service) {
		if timeoutMillis > 0 {
			service.lockTimeoutMillis = timeoutMillis
		}
	}
}
