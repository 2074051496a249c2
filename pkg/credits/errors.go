package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit ledger.
var (
	ErrInsufficientCredits        = errors.New("insufficient credits")
	ErrCreditDeductionFailed      = errors.New("credit deduction failed")
	ErrRefundFailed               = errors.New("refund failed")
	ErrSideEffectFailed           = errors.New("side effect failed")
	ErrAccountNotFound            = errors.New("account not found")
	ErrAccountExists              = errors.New("account already exists")
	ErrTransactionNotFound        = errors.New("transaction not found")
	ErrTransactionClosed          = errors.New("transaction already finalized")
	ErrDuplicateExternalReference = errors.New("duplicate external reference")
	ErrUnknownExternalReference   = errors.New("unknown external reference")
	ErrCaptureConflict            = errors.New("capture conflicts with recorded outcome")
	ErrIdempotencyConflict        = errors.New("idempotency key already claimed")
	ErrIdempotencyRecordNotFound  = errors.New("idempotency record not found")
	ErrIdempotencyInFlight        = errors.New("duplicate request still in flight")
	ErrInvalidUserID              = errors.New("invalid user id")
	ErrInvalidAccountID           = errors.New("invalid account id")
	ErrInvalidTransactionID       = errors.New("invalid transaction id")
	ErrInvalidExternalReference   = errors.New("invalid external reference")
	ErrInvalidIdempotencyKey      = errors.New("invalid idempotency key")
	ErrInvalidScope               = errors.New("invalid idempotency scope")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidTransactionKind     = errors.New("invalid transaction kind")
	ErrInvalidTransactionStatus   = errors.New("invalid transaction status")
	ErrInvalidOperationKind       = errors.New("invalid operation kind")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
	ErrInvalidBalance             = errors.New("invalid balance")
)

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
