package credits

import (
	"context"
	"errors"
	"fmt"
)

const defaultSignupBonus PositiveAmount = 5

// Service is the credit ledger: the only writer of balances and transactions.
type Service struct {
	store       Store
	nowFn       func() int64
	prices      PriceTable
	signupBonus PositiveAmount
	logger      OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		prices:      DefaultPriceTable(),
		signupBonus: defaultSignupBonus,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Bootstrap creates the user's account with the signup bonus. Calling it for
// an existing account is a no-op that returns the current view.
func (service *Service) Bootstrap(ctx context.Context, userID UserID) (BalanceView, bool, error) {
	var (
		view    BalanceView
		created bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		existing, err := txStore.GetAccount(ctx, userID)
		if err == nil {
			view = viewOf(existing)
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		nowUnixUTC := service.nowFn()
		account, err := txStore.CreateAccount(ctx, Account{
			UserID:         userID,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if _, err := txStore.InsertTransaction(ctx, Transaction{
			AccountID:      account.AccountID,
			Kind:           KindSignupBonus,
			Amount:         service.signupBonus.Credit(),
			Description:    "signup bonus",
			Status:         StatusCompleted,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		account.Balance = service.signupBonus.ToAmount()
		account.LifetimeEarned = service.signupBonus.ToAmount()
		if err := txStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		view = viewOf(account)
		created = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBootstrap,
		UserID:    userID,
		Kind:      KindSignupBonus,
		Amount:    service.signupBonus.Credit(),
		Error:     operationError,
	})
	return view, created, operationError
}

// Deduct removes credits from the user's balance and appends a completed
// debit transaction. The balance check and the decrement run against the same
// locked account row, so two concurrent deducts cannot both pass the check
// and overdraw.
func (service *Service) Deduct(ctx context.Context, userID UserID, amount PositiveAmount, kind TransactionKind, description string) (Receipt, error) {
	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if account.Balance < amount.ToAmount() {
			return ErrInsufficientCredits
		}
		transactionID, err := txStore.InsertTransaction(ctx, Transaction{
			AccountID:      account.AccountID,
			Kind:           kind,
			Amount:         amount.Debit(),
			Description:    description,
			Status:         StatusCompleted,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		account.Balance -= amount.ToAmount()
		account.LifetimeSpent += amount.ToAmount()
		if err := txStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		receipt = Receipt{TransactionID: transactionID, NewBalance: account.Balance}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeduct,
		UserID:        userID,
		Kind:          kind,
		Amount:        amount.Debit(),
		TransactionID: receipt.TransactionID,
		Description:   description,
		Error:         operationError,
	})
	return receipt, operationError
}

// Add grants credits to an existing account and appends a completed credit
// transaction.
func (service *Service) Add(ctx context.Context, userID UserID, amount PositiveAmount, kind TransactionKind, description string) (Receipt, error) {
	receipt, operationError := service.credit(ctx, userID, amount, kind, description, nil)
	service.logOperation(ctx, OperationLog{
		Operation:     operationAdd,
		UserID:        userID,
		Kind:          kind,
		Amount:        amount.Credit(),
		TransactionID: receipt.TransactionID,
		Description:   description,
		Error:         operationError,
	})
	return receipt, operationError
}

// Refund grants credits back, tagged as a refund and linked to the original
// debit for audit traceability. A missing original never fails the caller:
// losing the audit link is preferable to losing the user's funds, so the
// refund proceeds unlinked and the orphan is reported through the operation
// log.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveAmount, description string, originalTransactionID *TransactionID) (Receipt, error) {
	var orphaned bool
	refundOf := originalTransactionID
	if refundOf != nil {
		if _, err := service.store.GetTransaction(ctx, *refundOf); err != nil {
			if !errors.Is(err, ErrTransactionNotFound) {
				return Receipt{}, err
			}
			refundOf = nil
			orphaned = true
		}
	}
	receipt, operationError := service.credit(ctx, userID, amount, KindRefund, description, refundOf)
	status := ""
	if operationError == nil && orphaned {
		status = operationStatusOrphaned
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        userID,
		Kind:          KindRefund,
		Amount:        amount.Credit(),
		TransactionID: receipt.TransactionID,
		Description:   description,
		Status:        status,
		Error:         operationError,
	})
	return receipt, operationError
}

func (service *Service) credit(ctx context.Context, userID UserID, amount PositiveAmount, kind TransactionKind, description string, refundOf *TransactionID) (Receipt, error) {
	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		transactionID, err := txStore.InsertTransaction(ctx, Transaction{
			AccountID:      account.AccountID,
			Kind:           kind,
			Amount:         amount.Credit(),
			Description:    description,
			RefundOf:       refundOf,
			Status:         StatusCompleted,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		account.Balance += amount.ToAmount()
		account.LifetimeEarned += amount.ToAmount()
		if err := txStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		receipt = Receipt{TransactionID: transactionID, NewBalance: account.Balance}
		return nil
	})
	return receipt, operationError
}

// CheckSufficient reports whether the balance covers the amount. Read-only;
// callers use it to fail fast before starting a multi-step operation, never
// as a substitute for the atomic check inside Deduct.
func (service *Service) CheckSufficient(ctx context.Context, userID UserID, amount PositiveAmount) (SufficiencyReport, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return SufficiencyReport{}, err
	}
	return SufficiencyReport{
		Sufficient: account.Balance >= amount.ToAmount(),
		Balance:    account.Balance,
	}, nil
}

// Balance returns the account's balance and lifetime counters.
func (service *Service) Balance(ctx context.Context, userID UserID) (BalanceView, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return BalanceView{}, err
	}
	return viewOf(account), nil
}

// ListTransactions lists ledger transactions for a user before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, account.AccountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func viewOf(account Account) BalanceView {
	return BalanceView{
		Balance:        account.Balance,
		LifetimeEarned: account.LifetimeEarned,
		LifetimeSpent:  account.LifetimeSpent,
	}
}
