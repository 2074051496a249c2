package credits

import (
	"context"
	"errors"
)

// CaptureResult reports the outcome of a payment capture.
type CaptureResult struct {
	Receipt         Receipt
	AlreadyCaptured bool
}

// RecordPendingPurchase writes a PENDING purchase transaction keyed by the
// provider's external reference. The balance is untouched until capture.
func (service *Service) RecordPendingPurchase(ctx context.Context, userID UserID, amount PositiveAmount, reference ExternalReference, description string) (TransactionID, error) {
	var transactionID TransactionID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		ref := reference
		transactionID, err = txStore.InsertTransaction(ctx, Transaction{
			AccountID:         account.AccountID,
			Kind:              KindPurchase,
			Amount:            amount.Credit(),
			Description:       description,
			ExternalReference: &ref,
			Status:            StatusPending,
			CreatedUnixUTC:    service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationCapture,
		UserID:            userID,
		Kind:              KindPurchase,
		Amount:            amount.Credit(),
		TransactionID:     transactionID,
		ExternalReference: reference,
		Description:       description,
		Error:             operationError,
	})
	return transactionID, operationError
}

// CapturePurchase finalizes the PENDING purchase identified by the provider's
// external reference and credits the account in the same unit of work.
// Delivering the same reference twice credits the account exactly once: a
// replay returns the recorded outcome without touching the balance. The
// provider's order-id space is unique and stable, so this path needs no
// separate idempotency guard.
func (service *Service) CapturePurchase(ctx context.Context, reference ExternalReference) (CaptureResult, error) {
	var result CaptureResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		transaction, err := txStore.GetTransactionByExternalReference(ctx, reference)
		if err != nil {
			return err
		}
		switch transaction.Status {
		case StatusCompleted:
			account, err := txStore.GetAccountByID(ctx, transaction.AccountID)
			if err != nil {
				return err
			}
			result = CaptureResult{
				Receipt:         Receipt{TransactionID: transaction.TransactionID, NewBalance: account.Balance},
				AlreadyCaptured: true,
			}
			return nil
		case StatusFailed:
			return ErrCaptureConflict
		}
		if err := txStore.UpdateTransactionStatus(ctx, transaction.TransactionID, StatusPending, StatusCompleted); err != nil {
			if errors.Is(err, ErrTransactionClosed) {
				return ErrCaptureConflict
			}
			return err
		}
		account, err := txStore.GetAccountByIDForUpdate(ctx, transaction.AccountID)
		if err != nil {
			return err
		}
		amount := transaction.Amount.Magnitude()
		account.Balance += amount
		account.LifetimeEarned += amount
		if err := txStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		result = CaptureResult{
			Receipt: Receipt{TransactionID: transaction.TransactionID, NewBalance: account.Balance},
		}
		return nil
	})
	status := ""
	if operationError == nil && result.AlreadyCaptured {
		status = operationStatusReplayed
	}
	service.logOperation(ctx, OperationLog{
		Operation:         operationCapture,
		Kind:              KindPurchase,
		TransactionID:     result.Receipt.TransactionID,
		ExternalReference: reference,
		Status:            status,
		Error:             operationError,
	})
	return result, operationError
}

// FailCapture marks the PENDING purchase as failed without crediting.
// Repeated failure callbacks are no-ops; a failure callback after a
// successful capture is a conflict the provider must reconcile.
func (service *Service) FailCapture(ctx context.Context, reference ExternalReference) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		transaction, err := txStore.GetTransactionByExternalReference(ctx, reference)
		if err != nil {
			return err
		}
		switch transaction.Status {
		case StatusFailed:
			return nil
		case StatusCompleted:
			return ErrCaptureConflict
		}
		return txStore.UpdateTransactionStatus(ctx, transaction.TransactionID, StatusPending, StatusFailed)
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationCapture,
		Kind:              KindPurchase,
		ExternalReference: reference,
		Error:             operationError,
	})
	return operationError
}
