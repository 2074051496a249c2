package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionExternalRef = "uniq_transactions_external_ref"
	constraintIdempotencyPrimary     = "idempotency_records_pkey"
	constraintAccountUser            = "idx_accounts_user"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectTransaction          = "transaction"
	errorSubjectIdempotency          = "idempotency"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeSave                    = "save"
	errorCodeUpdateStatus            = "update_status"
	errorCodeClaim                   = "claim"
	errorCodeComplete                = "complete"
	errorCodeRelease                 = "release"
	errorCodeSweep                   = "sweep"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite; postgres schemas are managed
// externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &CreditTransaction{}, &IdempotencyRecord{})
}

// supportsRowLocking reports whether the dialect understands SELECT ... FOR
// UPDATE. sqlite does not; its single-writer model serializes the
// check-then-act sections on its own.
func (store *Store) supportsRowLocking() bool {
	return store.db.Dialector.Name() != "sqlite"
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) (credits.Account, error) {
	model := Account{
		AccountID:      account.AccountID.String(),
		UserID:         account.UserID.String(),
		BalanceCredits: account.Balance.Int64(),
		LifetimeEarned: account.LifetimeEarned.Int64(),
		LifetimeSpent:  account.LifetimeSpent.Int64(),
		CreatedAt:      timeFromUnix(account.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintAccountUser) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return mapAccount(model)
}

func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	return store.getAccount(ctx, "user_id = ?", userID.String(), false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	return store.getAccount(ctx, "user_id = ?", userID.String(), true)
}

func (store *Store) GetAccountByID(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	return store.getAccount(ctx, "account_id = ?", accountID.String(), false)
}

func (store *Store) GetAccountByIDForUpdate(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	return store.getAccount(ctx, "account_id = ?", accountID.String(), true)
}

func (store *Store) getAccount(ctx context.Context, query string, argument string, forUpdate bool) (credits.Account, error) {
	db := store.db.WithContext(ctx)
	if forUpdate && store.supportsRowLocking() {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := db.Where(query, argument).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) SaveAccount(ctx context.Context, account credits.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", account.AccountID.String()).
		Updates(map[string]interface{}{
			"balance_credits": account.Balance.Int64(),
			"lifetime_earned": account.LifetimeEarned.Int64(),
			"lifetime_spent":  account.LifetimeSpent.Int64(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.TransactionID, error) {
	var externalReference *string
	if transaction.ExternalReference != nil {
		value := transaction.ExternalReference.String()
		externalReference = &value
	}
	var refundOf *string
	if transaction.RefundOf != nil {
		value := transaction.RefundOf.String()
		refundOf = &value
	}
	model := CreditTransaction{
		TransactionID:     transaction.TransactionID.String(),
		AccountID:         transaction.AccountID.String(),
		Kind:              transaction.Kind.String(),
		AmountCredits:     transaction.Amount.Int64(),
		Description:       transaction.Description,
		ExternalReference: externalReference,
		RefundOf:          refundOf,
		Status:            transaction.Status.String(),
		CreatedAt:         timeFromUnix(transaction.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTransactionExternalRef) {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateExternalReference)
	}
	if err != nil {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transactionID, err := credits.NewTransactionID(model.TransactionID)
	if err != nil {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID credits.TransactionID) (credits.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
		}
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) GetTransactionByExternalReference(ctx context.Context, reference credits.ExternalReference) (credits.Transaction, error) {
	db := store.db.WithContext(ctx)
	if store.supportsRowLocking() {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditTransaction
	err := db.
		Where("external_reference = ?", reference.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrUnknownExternalReference)
		}
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID credits.TransactionID, from, to credits.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, credits.ErrTransactionClosed)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ClaimKey(ctx context.Context, record credits.IdempotencyRecord) error {
	model := IdempotencyRecord{
		Key:       record.Key.String(),
		Scope:     record.Scope.String(),
		Status:    record.Status.String(),
		CreatedAt: timeFromUnix(record.CreatedUnixUTC),
		ExpiresAt: timeFromUnix(record.ExpiresAtUnixUTC),
	}
	if len(record.ResultSnapshot) > 0 {
		model.ResultSnapshot = datatypes.JSON(record.ResultSnapshot)
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintIdempotencyPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, credits.ErrIdempotencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeClaim, err)
	}
	return nil
}

func (store *Store) GetRecord(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope) (credits.IdempotencyRecord, error) {
	var model IdempotencyRecord
	err := store.db.WithContext(ctx).
		Where("key = ? AND scope = ?", key.String(), scope.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, credits.ErrIdempotencyRecordNotFound)
		}
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return mapIdempotencyRecord(model)
}

func (store *Store) CompleteRecord(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope, snapshot []byte, expiresAtUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&IdempotencyRecord{}).
		Where("key = ? AND scope = ?", key.String(), scope.String()).
		Updates(map[string]interface{}{
			"status":          credits.IdempotencyCompleted.String(),
			"result_snapshot": datatypes.JSON(snapshot),
			"expires_at":      timeFromUnix(expiresAtUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeComplete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIdempotency, errorCodeComplete, credits.ErrIdempotencyRecordNotFound)
	}
	return nil
}

func (store *Store) ReleaseKey(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope) error {
	err := store.db.WithContext(ctx).
		Where("key = ? AND scope = ?", key.String(), scope.String()).
		Delete(&IdempotencyRecord{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeRelease, err)
	}
	return nil
}

func (store *Store) ReleaseExpiredKey(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope, nowUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Where("key = ? AND scope = ? AND expires_at <= ?", key.String(), scope.String(), timeFromUnix(nowUnixUTC)).
		Delete(&IdempotencyRecord{})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectIdempotency, errorCodeRelease, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) DeleteExpired(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at <= ?", timeFromUnix(nowUnixUTC)).
		Delete(&IdempotencyRecord{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodeSweep, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (credits.Account, error) {
	accountID, err := credits.NewAccountID(model.AccountID)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := credits.NewAmount(model.BalanceCredits)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	lifetimeEarned, err := credits.NewAmount(model.LifetimeEarned)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	lifetimeSpent, err := credits.NewAmount(model.LifetimeSpent)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return credits.Account{
		AccountID:      accountID,
		UserID:         userID,
		Balance:        balance,
		LifetimeEarned: lifetimeEarned,
		LifetimeSpent:  lifetimeSpent,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(model CreditTransaction) (credits.Transaction, error) {
	transactionID, err := credits.NewTransactionID(model.TransactionID)
	if err != nil {
		return credits.Transaction{}, err
	}
	accountID, err := credits.NewAccountID(model.AccountID)
	if err != nil {
		return credits.Transaction{}, err
	}
	kind, err := credits.ParseTransactionKind(model.Kind)
	if err != nil {
		return credits.Transaction{}, err
	}
	amount, err := credits.NewSignedAmount(model.AmountCredits)
	if err != nil {
		return credits.Transaction{}, err
	}
	status, err := credits.ParseTransactionStatus(model.Status)
	if err != nil {
		return credits.Transaction{}, err
	}
	var externalReference *credits.ExternalReference
	if model.ExternalReference != nil {
		parsed, err := credits.NewExternalReference(*model.ExternalReference)
		if err != nil {
			return credits.Transaction{}, err
		}
		externalReference = &parsed
	}
	var refundOf *credits.TransactionID
	if model.RefundOf != nil {
		parsed, err := credits.NewTransactionID(*model.RefundOf)
		if err != nil {
			return credits.Transaction{}, err
		}
		refundOf = &parsed
	}
	return credits.Transaction{
		TransactionID:     transactionID,
		AccountID:         accountID,
		Kind:              kind,
		Amount:            amount,
		Description:       model.Description,
		ExternalReference: externalReference,
		RefundOf:          refundOf,
		Status:            status,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}, nil
}

func mapIdempotencyRecord(model IdempotencyRecord) (credits.IdempotencyRecord, error) {
	key, err := credits.NewIdempotencyKey(model.Key)
	if err != nil {
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeInvalid, err)
	}
	scope, err := credits.ParseScope(model.Scope)
	if err != nil {
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeInvalid, err)
	}
	return credits.IdempotencyRecord{
		Key:              key,
		Scope:            scope,
		Status:           credits.IdempotencyStatus(model.Status),
		ResultSnapshot:   []byte(model.ResultSnapshot),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
	}, nil
}

func timeFromUnix(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		// sqlite reports a bare constraint code; each insert has one
		// realistic unique constraint, so attribute it to that one.
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
