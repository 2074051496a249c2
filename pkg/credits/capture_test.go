package credits

import (
	"context"
	"errors"
	"testing"
)

func TestRecordPendingPurchaseLeavesBalanceUntouched(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer-1")
	seedAccount(test, store, userID, 0)
	reference := mustExternalReference(test, "order-abc")

	transactionID, err := service.RecordPendingPurchase(context.Background(), userID, mustPositiveAmount(test, 10), reference, "purchase of 10 credits")
	if err != nil {
		test.Fatalf("record pending: %v", err)
	}
	transaction := store.mustTransaction(test, transactionID)
	if transaction.Status != StatusPending || transaction.Amount != 10 || transaction.Kind != KindPurchase {
		test.Fatalf("unexpected pending row: %+v", transaction)
	}
	account, getErr := store.GetAccount(context.Background(), userID)
	if getErr != nil {
		test.Fatalf("get account: %v", getErr)
	}
	if account.Balance != 0 {
		test.Fatalf("expected balance untouched before capture, got %d", account.Balance)
	}
}

func TestRecordPendingPurchaseRejectsDuplicateReference(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer-dup")
	seedAccount(test, store, userID, 0)
	reference := mustExternalReference(test, "order-dup")

	if _, err := service.RecordPendingPurchase(context.Background(), userID, mustPositiveAmount(test, 5), reference, "first"); err != nil {
		test.Fatalf("first record: %v", err)
	}
	_, err := service.RecordPendingPurchase(context.Background(), userID, mustPositiveAmount(test, 5), reference, "second")
	if !errors.Is(err, ErrDuplicateExternalReference) {
		test.Fatalf("expected ErrDuplicateExternalReference, got %v", err)
	}
}

func TestCapturePurchaseCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer-2")
	seedAccount(test, store, userID, 1)
	reference := mustExternalReference(test, "order-once")

	transactionID, err := service.RecordPendingPurchase(context.Background(), userID, mustPositiveAmount(test, 10), reference, "purchase")
	if err != nil {
		test.Fatalf("record pending: %v", err)
	}

	first, err := service.CapturePurchase(context.Background(), reference)
	if err != nil {
		test.Fatalf("capture: %v", err)
	}
	if first.AlreadyCaptured {
		test.Fatal("first capture must not report a replay")
	}
	if first.Receipt.NewBalance != 11 {
		test.Fatalf("expected balance 11, got %d", first.Receipt.NewBalance)
	}

	second, err := service.CapturePurchase(context.Background(), reference)
	if err != nil {
		test.Fatalf("replayed capture: %v", err)
	}
	if !second.AlreadyCaptured {
		test.Fatal("expected replay to be flagged")
	}
	if second.Receipt.NewBalance != 11 {
		test.Fatalf("replay must not credit again, got balance %d", second.Receipt.NewBalance)
	}
	if second.Receipt.TransactionID.String() != transactionID.String() {
		test.Fatalf("replay must return the recorded transaction, got %s", second.Receipt.TransactionID.String())
	}
	transaction := store.mustTransaction(test, transactionID)
	if transaction.Status != StatusCompleted {
		test.Fatalf("expected completed status, got %s", transaction.Status)
	}
}

func TestCaptureUnknownReference(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)

	_, err := service.CapturePurchase(context.Background(), mustExternalReference(test, "order-ghost"))
	if !errors.Is(err, ErrUnknownExternalReference) {
		test.Fatalf("expected ErrUnknownExternalReference, got %v", err)
	}
}

func TestFailCaptureMarksPendingFailed(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer-3")
	seedAccount(test, store, userID, 0)
	reference := mustExternalReference(test, "order-failed")

	transactionID, err := service.RecordPendingPurchase(context.Background(), userID, mustPositiveAmount(test, 5), reference, "purchase")
	if err != nil {
		test.Fatalf("record pending: %v", err)
	}
	if err := service.FailCapture(context.Background(), reference); err != nil {
		test.Fatalf("fail capture: %v", err)
	}
	// A repeated failure callback is a no-op.
	if err := service.FailCapture(context.Background(), reference); err != nil {
		test.Fatalf("repeated fail capture: %v", err)
	}
	transaction := store.mustTransaction(test, transactionID)
	if transaction.Status != StatusFailed {
		test.Fatalf("expected failed status, got %s", transaction.Status)
	}
	account, getErr := store.GetAccount(context.Background(), userID)
	if getErr != nil {
		test.Fatalf("get account: %v", getErr)
	}
	if account.Balance != 0 {
		test.Fatalf("failed capture must not credit, got %d", account.Balance)
	}
}

func TestCaptureAfterFailureConflicts(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer-4")
	seedAccount(test, store, userID, 0)
	reference := mustExternalReference(test, "order-conflict")

	if _, err := service.RecordPendingPurchase(context.Background(), userID, mustPositiveAmount(test, 5), reference, "purchase"); err != nil {
		test.Fatalf("record pending: %v", err)
	}
	if err := service.FailCapture(context.Background(), reference); err != nil {
		test.Fatalf("fail capture: %v", err)
	}
	_, err := service.CapturePurchase(context.Background(), reference)
	if !errors.Is(err, ErrCaptureConflict) {
		test.Fatalf("expected ErrCaptureConflict, got %v", err)
	}
}

func TestFailCaptureAfterSuccessConflicts(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer-5")
	seedAccount(test, store, userID, 0)
	reference := mustExternalReference(test, "order-settled")

	if _, err := service.RecordPendingPurchase(context.Background(), userID, mustPositiveAmount(test, 5), reference, "purchase"); err != nil {
		test.Fatalf("record pending: %v", err)
	}
	if _, err := service.CapturePurchase(context.Background(), reference); err != nil {
		test.Fatalf("capture: %v", err)
	}
	err := service.FailCapture(context.Background(), reference)
	if !errors.Is(err, ErrCaptureConflict) {
		test.Fatalf("expected ErrCaptureConflict, got %v", err)
	}
}
