// Package pgstore implements credits.Store directly on pgx for deployments
// that manage the schema themselves and skip the ORM.
package pgstore

import (
	"context"
	"errors"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionExternalRef = "uniq_transactions_external_ref"
	constraintIdempotencyPrimary     = "idempotency_records_pkey"
	constraintAccountUser            = "idx_accounts_user"
	pgUniqueViolationCode            = "23505"
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectTransaction          = "transaction"
	errorSubjectIdempotency          = "idempotency"
	errorCodeBegin                   = "begin"
	errorCodeCommit                  = "commit"
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

	sqlInsertAccount = `
		insert into accounts(account_id, user_id, balance_credits, lifetime_earned, lifetime_spent, created_at)
		values(coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5, to_timestamp($6))
		returning account_id::text, user_id, balance_credits, lifetime_earned, lifetime_spent, extract(epoch from created_at)::bigint
	`

	sqlSelectAccountByUser = `
		select account_id::text, user_id, balance_credits, lifetime_earned, lifetime_spent, extract(epoch from created_at)::bigint
		from accounts where user_id = $1
	`

	sqlSelectAccountByID = `
		select account_id::text, user_id, balance_credits, lifetime_earned, lifetime_spent, extract(epoch from created_at)::bigint
		from accounts where account_id = $1
	`

	sqlForUpdate = ` for update`

	sqlSaveAccount = `
		update accounts
		set balance_credits = $2, lifetime_earned = $3, lifetime_spent = $4
		where account_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, account_id, kind, amount_credits, description,
			external_reference, refund_of, status, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,''), nullif($6,'')::uuid, $7, to_timestamp($8)
		)
		returning transaction_id::text
	`

	sqlSelectTransaction = `
		select transaction_id::text, account_id::text, kind, amount_credits, description,
			coalesce(external_reference,''), coalesce(refund_of::text,''), status,
			extract(epoch from created_at)::bigint
		from credit_transactions
	`

	sqlWhereTransactionID = ` where transaction_id = $1`

	sqlWhereExternalReference = ` where external_reference = $1 for update`

	sqlUpdateTransactionStatus = `
		update credit_transactions
		set status = $3
		where transaction_id = $1 and status = $2
	`

	sqlListTransactionsBefore = ` where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3`

	sqlClaimKey = `
		insert into idempotency_records(key, scope, status, result_snapshot, created_at, expires_at)
		values($1, $2, $3, nullif($4,'')::jsonb, to_timestamp($5), to_timestamp($6))
	`

	sqlSelectRecord = `
		select key, scope, status, coalesce(result_snapshot::text,''),
			extract(epoch from created_at)::bigint, extract(epoch from expires_at)::bigint
		from idempotency_records
		where key = $1 and scope = $2
	`

	sqlCompleteRecord = `
		update idempotency_records
		set status = $3, result_snapshot = $4::jsonb, expires_at = to_timestamp($5)
		where key = $1 and scope = $2
	`

	sqlReleaseKey = `
		delete from idempotency_records where key = $1 and scope = $2
	`

	sqlReleaseExpiredKey = `
		delete from idempotency_records
		where key = $1 and scope = $2 and expires_at <= to_timestamp($3)
	`

	sqlDeleteExpired = `
		delete from idempotency_records where expires_at <= to_timestamp($1)
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx; Store runs every
// method against it so the autocommit and in-transaction paths share one
// implementation.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		// Already transactional; reentrant WithTx joins the outer tx.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) (credits.Account, error) {
	row := store.q.QueryRow(ctx, sqlInsertAccount,
		account.AccountID.String(),
		account.UserID.String(),
		account.Balance.Int64(),
		account.LifetimeEarned.Int64(),
		account.LifetimeSpent.Int64(),
		account.CreatedUnixUTC,
	)
	created, err := scanAccount(row)
	if isUniqueViolation(err, constraintAccountUser) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return created, nil
}

func (store *Store) GetAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	return store.getAccount(ctx, sqlSelectAccountByUser, userID.String())
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	return store.getAccount(ctx, sqlSelectAccountByUser+sqlForUpdate, userID.String())
}

func (store *Store) GetAccountByID(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	return store.getAccount(ctx, sqlSelectAccountByID, accountID.String())
}

func (store *Store) GetAccountByIDForUpdate(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	return store.getAccount(ctx, sqlSelectAccountByID+sqlForUpdate, accountID.String())
}

func (store *Store) getAccount(ctx context.Context, sql string, argument string) (credits.Account, error) {
	account, err := scanAccount(store.q.QueryRow(ctx, sql, argument))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) SaveAccount(ctx context.Context, account credits.Account) error {
	tag, err := store.q.Exec(ctx, sqlSaveAccount,
		account.AccountID.String(),
		account.Balance.Int64(),
		account.LifetimeEarned.Int64(),
		account.LifetimeSpent.Int64(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.TransactionID, error) {
	externalReference := ""
	if transaction.ExternalReference != nil {
		externalReference = transaction.ExternalReference.String()
	}
	refundOf := ""
	if transaction.RefundOf != nil {
		refundOf = transaction.RefundOf.String()
	}
	var transactionIDValue string
	err := store.q.QueryRow(ctx, sqlInsertTransaction,
		transaction.AccountID.String(),
		transaction.Kind.String(),
		transaction.Amount.Int64(),
		transaction.Description,
		externalReference,
		refundOf,
		transaction.Status.String(),
		transaction.CreatedUnixUTC,
	).Scan(&transactionIDValue)
	if isUniqueViolation(err, constraintTransactionExternalRef) {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateExternalReference)
	}
	if err != nil {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transactionID, err := credits.NewTransactionID(transactionIDValue)
	if err != nil {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID credits.TransactionID) (credits.Transaction, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectTransaction+sqlWhereTransactionID, transactionID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrTransactionNotFound)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) GetTransactionByExternalReference(ctx context.Context, reference credits.ExternalReference) (credits.Transaction, error) {
	transaction, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectTransaction+sqlWhereExternalReference, reference.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credits.ErrUnknownExternalReference)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID credits.TransactionID, from, to credits.TransactionStatus) error {
	tag, err := store.q.Exec(ctx, sqlUpdateTransactionStatus, transactionID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, credits.ErrTransactionClosed)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlSelectTransaction+sqlListTransactionsBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) ClaimKey(ctx context.Context, record credits.IdempotencyRecord) error {
	_, err := store.q.Exec(ctx, sqlClaimKey,
		record.Key.String(),
		record.Scope.String(),
		record.Status.String(),
		string(record.ResultSnapshot),
		record.CreatedUnixUTC,
		record.ExpiresAtUnixUTC,
	)
	if isUniqueViolation(err, constraintIdempotencyPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, credits.ErrIdempotencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeClaim, err)
	}
	return nil
}

func (store *Store) GetRecord(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope) (credits.IdempotencyRecord, error) {
	var (
		keyValue      string
		scopeValue    string
		statusValue   string
		snapshotValue string
		createdAt     int64
		expiresAt     int64
	)
	err := store.q.QueryRow(ctx, sqlSelectRecord, key.String(), scope.String()).Scan(
		&keyValue, &scopeValue, &statusValue, &snapshotValue, &createdAt, &expiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, credits.ErrIdempotencyRecordNotFound)
	}
	if err != nil {
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	parsedKey, err := credits.NewIdempotencyKey(keyValue)
	if err != nil {
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeInvalid, err)
	}
	parsedScope, err := credits.ParseScope(scopeValue)
	if err != nil {
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeInvalid, err)
	}
	return credits.IdempotencyRecord{
		Key:              parsedKey,
		Scope:            parsedScope,
		Status:           credits.IdempotencyStatus(statusValue),
		ResultSnapshot:   []byte(snapshotValue),
		CreatedUnixUTC:   createdAt,
		ExpiresAtUnixUTC: expiresAt,
	}, nil
}

func (store *Store) CompleteRecord(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope, snapshot []byte, expiresAtUnixUTC int64) error {
	tag, err := store.q.Exec(ctx, sqlCompleteRecord,
		key.String(),
		scope.String(),
		credits.IdempotencyCompleted.String(),
		string(snapshot),
		expiresAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeComplete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectIdempotency, errorCodeComplete, credits.ErrIdempotencyRecordNotFound)
	}
	return nil
}

func (store *Store) ReleaseKey(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope) error {
	_, err := store.q.Exec(ctx, sqlReleaseKey, key.String(), scope.String())
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeRelease, err)
	}
	return nil
}

func (store *Store) ReleaseExpiredKey(ctx context.Context, key credits.IdempotencyKey, scope credits.Scope, nowUnixUTC int64) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlReleaseExpiredKey, key.String(), scope.String(), nowUnixUTC)
	if err != nil {
		return false, wrapStoreError(errorSubjectIdempotency, errorCodeRelease, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) DeleteExpired(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.q.Exec(ctx, sqlDeleteExpired, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodeSweep, err)
	}
	return tag.RowsAffected(), nil
}

func scanAccount(row pgx.Row) (credits.Account, error) {
	var (
		accountIDValue string
		userIDValue    string
		balanceValue   int64
		earnedValue    int64
		spentValue     int64
		createdAtValue int64
	)
	if err := row.Scan(&accountIDValue, &userIDValue, &balanceValue, &earnedValue, &spentValue, &createdAtValue); err != nil {
		return credits.Account{}, err
	}
	accountID, err := credits.NewAccountID(accountIDValue)
	if err != nil {
		return credits.Account{}, err
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.Account{}, err
	}
	balance, err := credits.NewAmount(balanceValue)
	if err != nil {
		return credits.Account{}, err
	}
	earned, err := credits.NewAmount(earnedValue)
	if err != nil {
		return credits.Account{}, err
	}
	spent, err := credits.NewAmount(spentValue)
	if err != nil {
		return credits.Account{}, err
	}
	return credits.Account{
		AccountID:      accountID,
		UserID:         userID,
		Balance:        balance,
		LifetimeEarned: earned,
		LifetimeSpent:  spent,
		CreatedUnixUTC: createdAtValue,
	}, nil
}

func scanTransaction(row pgx.Row) (credits.Transaction, error) {
	var (
		transactionIDValue string
		accountIDValue     string
		kindValue          string
		amountValue        int64
		descriptionValue   string
		referenceValue     string
		refundOfValue      string
		statusValue        string
		createdAtValue     int64
	)
	if err := row.Scan(
		&transactionIDValue,
		&accountIDValue,
		&kindValue,
		&amountValue,
		&descriptionValue,
		&referenceValue,
		&refundOfValue,
		&statusValue,
		&createdAtValue,
	); err != nil {
		return credits.Transaction{}, err
	}
	transactionID, err := credits.NewTransactionID(transactionIDValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	accountID, err := credits.NewAccountID(accountIDValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	kind, err := credits.ParseTransactionKind(kindValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	amount, err := credits.NewSignedAmount(amountValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	status, err := credits.ParseTransactionStatus(statusValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	var externalReference *credits.ExternalReference
	if referenceValue != "" {
		parsed, err := credits.NewExternalReference(referenceValue)
		if err != nil {
			return credits.Transaction{}, err
		}
		externalReference = &parsed
	}
	var refundOf *credits.TransactionID
	if refundOfValue != "" {
		parsed, err := credits.NewTransactionID(refundOfValue)
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
		Description:       descriptionValue,
		ExternalReference: externalReference,
		RefundOf:          refundOf,
		Status:            status,
		CreatedUnixUTC:    createdAtValue,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
