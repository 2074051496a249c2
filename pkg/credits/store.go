package credits

import "context"

// BalanceStore persists per-user balances and lifetime counters.
// Implementations back a relational accounts table; the ForUpdate variants
// take a row lock so check-then-act sequences inside WithTx are linearized
// per account.
type BalanceStore interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error)
	GetAccountByID(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountByIDForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	SaveAccount(ctx context.Context, account Account) error
}

// TransactionLog is the append-only record of balance-affecting events.
// Only the ledger service writes to it.
type TransactionLog interface {
	InsertTransaction(ctx context.Context, transaction Transaction) (TransactionID, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	GetTransactionByExternalReference(ctx context.Context, reference ExternalReference) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from, to TransactionStatus) error
	ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}

// IdempotencyStore persists (key, scope) claims and result snapshots.
// ClaimKey must rely on a uniqueness constraint so exactly one of N
// concurrent claimants wins.
type IdempotencyStore interface {
	ClaimKey(ctx context.Context, record IdempotencyRecord) error
	GetRecord(ctx context.Context, key IdempotencyKey, scope Scope) (IdempotencyRecord, error)
	CompleteRecord(ctx context.Context, key IdempotencyKey, scope Scope, snapshot []byte, expiresAtUnixUTC int64) error
	ReleaseKey(ctx context.Context, key IdempotencyKey, scope Scope) error
	// ReleaseExpiredKey deletes the record only while it is still expired at
	// nowUnixUTC and reports whether a row was removed, so a caller observing
	// an expired record cannot destroy a fresh claim made in the meantime.
	ReleaseExpiredKey(ctx context.Context, key IdempotencyKey, scope Scope, nowUnixUTC int64) (bool, error)
	DeleteExpired(ctx context.Context, nowUnixUTC int64) (int64, error)
}

// Store is the composite persistence contract used by the ledger.
// WithTx scopes every write of one operation to a single atomic unit:
// balance update and transaction insert commit or fail together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	BalanceStore
	TransactionLog
	IdempotencyStore
}
