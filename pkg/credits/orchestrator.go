package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SideEffect is the unreliable step of a paid operation (AI generation,
// external call). It cannot join the debit's database transaction, which is
// why the orchestrator compensates instead of rolling back.
type SideEffect func(ctx context.Context) (json.RawMessage, error)

// OrchestratorOption configures an Orchestrator instance.
type OrchestratorOption func(*Orchestrator)

// Orchestrator runs the deduct-first pattern for paid, side-effecting
// operations: check funds, debit, attempt the side effect, refund on failure.
// Debiting before the expensive work means nobody gets the paid action for
// free; the price of that ordering is the compensating refund, whose own
// failure stays independently observable.
type Orchestrator struct {
	ledger *Service
	logger OperationLogger
}

// PaidOutcome is the successful result of a paid operation.
type PaidOutcome struct {
	Result        json.RawMessage
	TransactionID TransactionID
	NewBalance    Amount
}

// PaidError reports a side-effect failure together with the compensation
// state, so the caller always learns both whether credits were deducted and
// whether they came back.
type PaidError struct {
	Cause         error
	TransactionID TransactionID
	Deducted      bool
	Refunded      bool
	RefundFailure error
}

// Error returns the formatted error message.
func (paidError *PaidError) Error() string {
	if paidError.RefundFailure != nil {
		return fmt.Sprintf("side effect failed: %v (refund also failed: %v)", paidError.Cause, paidError.RefundFailure)
	}
	if paidError.Refunded {
		return fmt.Sprintf("side effect failed: %v (credits refunded)", paidError.Cause)
	}
	return fmt.Sprintf("side effect failed: %v", paidError.Cause)
}

// Unwrap exposes the sentinel, the side-effect cause, and any refund failure.
func (paidError *PaidError) Unwrap() []error {
	unwrapped := []error{ErrSideEffectFailed, paidError.Cause}
	if paidError.RefundFailure != nil {
		unwrapped = append(unwrapped, paidError.RefundFailure)
	}
	return unwrapped
}

// NewOrchestrator wires an Orchestrator over the ledger.
func NewOrchestrator(ledger *Service, options ...OrchestratorOption) (*Orchestrator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	orchestrator := &Orchestrator{ledger: ledger}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// WithOrchestratorLogger wires a logger for paid-operation outcomes.
func WithOrchestratorLogger(logger OperationLogger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.logger = logger
	}
}

// Execute runs one paid operation end to end. Insufficient funds fail before
// any ledger mutation; a side-effect failure after the debit triggers exactly
// one compensating refund attempt and surfaces as *PaidError.
func (orchestrator *Orchestrator) Execute(ctx context.Context, userID UserID, kind OperationKind, description string, effect SideEffect) (PaidOutcome, error) {
	cost, err := orchestrator.ledger.CostOf(kind)
	if err != nil {
		return PaidOutcome{}, err
	}
	report, err := orchestrator.ledger.CheckSufficient(ctx, userID, cost)
	if err != nil {
		return PaidOutcome{}, err
	}
	if !report.Sufficient {
		return PaidOutcome{}, ErrInsufficientCredits
	}

	receipt, err := orchestrator.ledger.Deduct(ctx, userID, cost, kind.TransactionKind(), description)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			// Lost the funds race between check and deduct.
			return PaidOutcome{}, err
		}
		return PaidOutcome{}, fmt.Errorf("%w: %v", ErrCreditDeductionFailed, err)
	}

	result, effectErr := effect(ctx)
	if effectErr == nil {
		orchestrator.logOutcome(ctx, userID, kind, cost, receipt.TransactionID, operationStatusOK, nil)
		return PaidOutcome{
			Result:        result,
			TransactionID: receipt.TransactionID,
			NewBalance:    receipt.NewBalance,
		}, nil
	}

	paidError := &PaidError{
		Cause:         effectErr,
		TransactionID: receipt.TransactionID,
		Deducted:      true,
	}
	_, refundErr := orchestrator.ledger.Refund(ctx, userID, cost, "compensation: "+description, &receipt.TransactionID)
	if refundErr != nil {
		// Money the ledger owes the user was not returned: both failures
		// must stay visible for manual reconciliation.
		paidError.RefundFailure = fmt.Errorf("%w: %v", ErrRefundFailed, refundErr)
		orchestrator.logOutcome(ctx, userID, kind, cost, receipt.TransactionID, operationStatusError, paidError)
	} else {
		paidError.Refunded = true
		orchestrator.logOutcome(ctx, userID, kind, cost, receipt.TransactionID, operationStatusRefunded, effectErr)
	}
	return PaidOutcome{}, paidError
}

func (orchestrator *Orchestrator) logOutcome(ctx context.Context, userID UserID, kind OperationKind, cost PositiveAmount, transactionID TransactionID, status string, err error) {
	if orchestrator.logger == nil {
		return
	}
	orchestrator.logger.LogOperation(ctx, OperationLog{
		Operation:     operationPaid,
		UserID:        userID,
		Kind:          kind.TransactionKind(),
		Amount:        cost.Debit(),
		TransactionID: transactionID,
		Description:   kind.String(),
		Status:        status,
		Error:         err,
	})
}
