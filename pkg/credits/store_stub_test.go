package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// memoryStore is an in-memory Store for service-level tests. WithTx snapshots
// the state and restores it when fn fails, mirroring a database rollback;
// individual operations are mutex-guarded so guard race tests can hammer it
// from multiple goroutines.
type memoryStore struct {
	mu           sync.Mutex
	txMu         sync.Mutex
	accounts     map[string]Account // keyed by account id
	userIndex    map[string]string  // user id -> account id
	transactions map[string]Transaction
	order        []string
	records      map[string]IdempotencyRecord
	sequence     int

	createAccountErr  error
	insertErr         error
	saveAccountErr    error
	completeRecordErr error
	releaseKeyErr     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts:     make(map[string]Account),
		userIndex:    make(map[string]string),
		transactions: make(map[string]Transaction),
		records:      make(map[string]IdempotencyRecord),
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[string]Account
	userIndex    map[string]string
	transactions map[string]Transaction
	order        []string
	records      map[string]IdempotencyRecord
	sequence     int
}

func (store *memoryStore) snapshot() memorySnapshot {
	store.mu.Lock()
	defer store.mu.Unlock()
	return memorySnapshot{
		accounts:     copyMap(store.accounts),
		userIndex:    copyMap(store.userIndex),
		transactions: copyMap(store.transactions),
		order:        append([]string(nil), store.order...),
		records:      copyMap(store.records),
		sequence:     store.sequence,
	}
}

func (store *memoryStore) restore(snapshot memorySnapshot) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts = snapshot.accounts
	store.userIndex = snapshot.userIndex
	store.transactions = snapshot.transactions
	store.order = snapshot.order
	store.records = snapshot.records
	store.sequence = snapshot.sequence
}

func copyMap[V any](source map[string]V) map[string]V {
	target := make(map[string]V, len(source))
	for key, value := range source {
		target[key] = value
	}
	return target
}

func (store *memoryStore) CreateAccount(ctx context.Context, account Account) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createAccountErr != nil {
		return Account{}, store.createAccountErr
	}
	if _, exists := store.userIndex[account.UserID.String()]; exists {
		return Account{}, ErrAccountExists
	}
	store.sequence++
	accountID, err := NewAccountID(fmt.Sprintf("acct-%d", store.sequence))
	if err != nil {
		return Account{}, err
	}
	account.AccountID = accountID
	store.accounts[accountID.String()] = account
	store.userIndex[account.UserID.String()] = accountID.String()
	return account, nil
}

func (store *memoryStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	accountID, ok := store.userIndex[userID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return store.accounts[accountID], nil
}

func (store *memoryStore) GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *memoryStore) GetAccountByID(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) GetAccountByIDForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return store.GetAccountByID(ctx, accountID)
}

func (store *memoryStore) SaveAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saveAccountErr != nil {
		return store.saveAccountErr
	}
	if _, ok := store.accounts[account.AccountID.String()]; !ok {
		return ErrAccountNotFound
	}
	store.accounts[account.AccountID.String()] = account
	return nil
}

func (store *memoryStore) InsertTransaction(ctx context.Context, transaction Transaction) (TransactionID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertErr != nil {
		return TransactionID{}, store.insertErr
	}
	if transaction.ExternalReference != nil {
		for _, existing := range store.transactions {
			if existing.ExternalReference != nil && existing.ExternalReference.String() == transaction.ExternalReference.String() {
				return TransactionID{}, ErrDuplicateExternalReference
			}
		}
	}
	store.sequence++
	transactionID, err := NewTransactionID(fmt.Sprintf("txn-%d", store.sequence))
	if err != nil {
		return TransactionID{}, err
	}
	transaction.TransactionID = transactionID
	store.transactions[transactionID.String()] = transaction
	store.order = append(store.order, transactionID.String())
	return transactionID, nil
}

func (store *memoryStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID.String()]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *memoryStore) GetTransactionByExternalReference(ctx context.Context, reference ExternalReference) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.ExternalReference != nil && transaction.ExternalReference.String() == reference.String() {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownExternalReference
}

func (store *memoryStore) UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from, to TransactionStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID.String()]
	if !ok {
		return ErrTransactionNotFound
	}
	if transaction.Status != from {
		return ErrTransactionClosed
	}
	transaction.Status = to
	store.transactions[transactionID.String()] = transaction
	return nil
}

func (store *memoryStore) ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]Transaction, 0, limit)
	for index := len(store.order) - 1; index >= 0 && len(listed) < limit; index-- {
		transaction := store.transactions[store.order[index]]
		if transaction.AccountID.String() != accountID.String() {
			continue
		}
		if transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
	}
	return listed, nil
}

func recordKeyOf(key IdempotencyKey, scope Scope) string {
	return key.String() + "|" + scope.String()
}

func (store *memoryStore) ClaimKey(ctx context.Context, record IdempotencyRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	recordKey := recordKeyOf(record.Key, record.Scope)
	if _, exists := store.records[recordKey]; exists {
		return ErrIdempotencyConflict
	}
	store.records[recordKey] = record
	return nil
}

func (store *memoryStore) GetRecord(ctx context.Context, key IdempotencyKey, scope Scope) (IdempotencyRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.records[recordKeyOf(key, scope)]
	if !ok {
		return IdempotencyRecord{}, ErrIdempotencyRecordNotFound
	}
	return record, nil
}

func (store *memoryStore) CompleteRecord(ctx context.Context, key IdempotencyKey, scope Scope, snapshot []byte, expiresAtUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.completeRecordErr != nil {
		return store.completeRecordErr
	}
	recordKey := recordKeyOf(key, scope)
	record, ok := store.records[recordKey]
	if !ok {
		return ErrIdempotencyRecordNotFound
	}
	record.Status = IdempotencyCompleted
	record.ResultSnapshot = snapshot
	record.ExpiresAtUnixUTC = expiresAtUnixUTC
	store.records[recordKey] = record
	return nil
}

func (store *memoryStore) ReleaseKey(ctx context.Context, key IdempotencyKey, scope Scope) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.releaseKeyErr != nil {
		return store.releaseKeyErr
	}
	delete(store.records, recordKeyOf(key, scope))
	return nil
}

func (store *memoryStore) ReleaseExpiredKey(ctx context.Context, key IdempotencyKey, scope Scope, nowUnixUTC int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	recordKey := recordKeyOf(key, scope)
	record, ok := store.records[recordKey]
	if !ok || record.ExpiresAtUnixUTC > nowUnixUTC {
		return false, nil
	}
	delete(store.records, recordKey)
	return true, nil
}

func (store *memoryStore) DeleteExpired(ctx context.Context, nowUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var removed int64
	for recordKey, record := range store.records {
		if record.ExpiresAtUnixUTC <= nowUnixUTC {
			delete(store.records, recordKey)
			removed++
		}
	}
	return removed, nil
}

func (store *memoryStore) transactionCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

func (store *memoryStore) mustTransaction(test *testing.T, transactionID TransactionID) Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID.String()]
	if !ok {
		test.Fatalf("transaction %s not found", transactionID.String())
	}
	return transaction
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("positive amount: %v", err)
	}
	return amount
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustExternalReference(test *testing.T, raw string) ExternalReference {
	test.Helper()
	reference, err := NewExternalReference(raw)
	if err != nil {
		test.Fatalf("external reference: %v", err)
	}
	return reference
}

// seedAccount provisions an account with a starting balance outside the
// bootstrap flow.
func seedAccount(test *testing.T, store *memoryStore, userID UserID, balance int64) Account {
	test.Helper()
	account, err := store.CreateAccount(context.Background(), Account{UserID: userID})
	if err != nil {
		test.Fatalf("seed account: %v", err)
	}
	amount, err := NewAmount(balance)
	if err != nil {
		test.Fatalf("seed balance: %v", err)
	}
	account.Balance = amount
	account.LifetimeEarned = amount
	if err := store.SaveAccount(context.Background(), account); err != nil {
		test.Fatalf("seed save: %v", err)
	}
	return account
}
