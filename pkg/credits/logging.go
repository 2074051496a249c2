package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation         string
	UserID            UserID
	Kind              TransactionKind
	Amount            SignedAmount
	TransactionID     TransactionID
	ExternalReference ExternalReference
	Description       string
	Status            string
	Error             error
}

// Orphaned reports whether the entry records a refund that could not be
// linked to its original transaction.
func (entry OperationLog) Orphaned() bool {
	return entry.Status == operationStatusOrphaned
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPriceTable overrides the default operation price table.
func WithPriceTable(prices PriceTable) ServiceOption {
	return func(service *Service) {
		service.prices = prices
	}
}

// WithSignupBonus overrides the credits granted when an account is created.
func WithSignupBonus(bonus PositiveAmount) ServiceOption {
	return func(service *Service) {
		service.signupBonus = bonus
	}
}
