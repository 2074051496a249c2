package credits

import (
	"fmt"
	"strings"
)

// Amount is a non-negative quantity of credits (the ledger's base unit).
type Amount int64

// SignedAmount is the signed value of a single ledger transaction:
// positive for credits, negative for debits.
type SignedAmount int64

// PositiveAmount is a strictly positive operation amount.
type PositiveAmount int64

// UserID identifies an account owner, as supplied by the identity provider.
type UserID struct {
	value string
}

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// ExternalReference is a payment-provider order or session id.
type ExternalReference struct {
	value string
}

// IdempotencyKey scopes duplicate detection for guarded operations.
type IdempotencyKey struct {
	value string
}

// Scope names the logical operation an idempotency key applies to.
// The (key, scope) pair is unique; the same client key may safely be
// reused across different scopes.
type Scope string

const (
	ScopeBootstrap  Scope = "bootstrap"
	ScopeDeduct     Scope = "deduct"
	ScopeAdd        Scope = "add"
	ScopeRefund     Scope = "refund"
	ScopeReading    Scope = "reading"
	ScopeQuestion   Scope = "question"
	ScopeDailyBonus Scope = "daily-bonus"
)

// String returns the scope name.
func (scope Scope) String() string {
	return string(scope)
}

// ParseScope validates a scope name.
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case ScopeBootstrap, ScopeDeduct, ScopeAdd, ScopeRefund, ScopeReading, ScopeQuestion, ScopeDailyBonus:
		return Scope(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, raw)
}

// TransactionKind classifies a balance-affecting event.
type TransactionKind string

const (
	KindPurchase      TransactionKind = "purchase"
	KindReading       TransactionKind = "reading"
	KindQuestion      TransactionKind = "question"
	KindDailyBonus    TransactionKind = "daily_bonus"
	KindAchievement   TransactionKind = "achievement"
	KindReferralBonus TransactionKind = "referral_bonus"
	KindRefund        TransactionKind = "refund"
	KindSignupBonus   TransactionKind = "signup_bonus"
)

// String returns the kind name.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a transaction kind name.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindPurchase, KindReading, KindQuestion, KindDailyBonus, KindAchievement, KindReferralBonus, KindRefund, KindSignupBonus:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// TransactionStatus defines the transaction lifecycle. Transitions are
// pending->completed or pending->failed only; completed rows are immutable.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// String returns the status name.
func (status TransactionStatus) String() string {
	return string(status)
}

// ParseTransactionStatus validates a transaction status name.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case StatusPending, StatusCompleted, StatusFailed:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// IdempotencyStatus defines the idempotency-record lifecycle.
type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "in_flight"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// String returns the status name.
func (status IdempotencyStatus) String() string {
	return string(status)
}

// Account is the durable per-user balance row with lifetime audit counters.
type Account struct {
	AccountID      AccountID
	UserID         UserID
	Balance        Amount
	LifetimeEarned Amount
	LifetimeSpent  Amount
	CreatedUnixUTC int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID     TransactionID
	AccountID         AccountID
	Kind              TransactionKind
	Amount            SignedAmount
	Description       string
	ExternalReference *ExternalReference
	RefundOf          *TransactionID
	Status            TransactionStatus
	CreatedUnixUTC    int64
}

// IdempotencyRecord stores the claim and result snapshot for a (key, scope) pair.
type IdempotencyRecord struct {
	Key              IdempotencyKey
	Scope            Scope
	Status           IdempotencyStatus
	ResultSnapshot   []byte
	CreatedUnixUTC   int64
	ExpiresAtUnixUTC int64
}

// BalanceView is the read model of an account.
type BalanceView struct {
	Balance        Amount
	LifetimeEarned Amount
	LifetimeSpent  Amount
}

// Receipt is the proof of payment returned by a successful mutation.
type Receipt struct {
	TransactionID TransactionID
	NewBalance    Amount
}

// SufficiencyReport is the fail-fast funds check result. It never substitutes
// for the atomic check inside Deduct.
type SufficiencyReport struct {
	Sufficient bool
	Balance    Amount
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewExternalReference validates and normalizes a provider order/session id.
func NewExternalReference(raw string) (ExternalReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalReference{}, fmt.Errorf("%w: empty value", ErrInvalidExternalReference)
	}
	return ExternalReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference ExternalReference) String() string {
	return reference.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewAmount validates a non-negative credit amount.
func NewAmount(raw int64) (Amount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmount validates a strictly positive operation amount.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// ToAmount widens a positive amount into a balance-valued amount.
func (amount PositiveAmount) ToAmount() Amount {
	return Amount(amount)
}

// Credit returns the signed transaction value of a credit.
func (amount PositiveAmount) Credit() SignedAmount {
	return SignedAmount(amount)
}

// Debit returns the signed transaction value of a debit.
func (amount PositiveAmount) Debit() SignedAmount {
	return SignedAmount(-amount)
}

// NewSignedAmount validates a non-zero transaction amount.
func NewSignedAmount(raw int64) (SignedAmount, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	return SignedAmount(raw), nil
}

// Int64 returns the raw value.
func (amount SignedAmount) Int64() int64 {
	return int64(amount)
}

// IsCredit reports whether the amount increases a balance.
func (amount SignedAmount) IsCredit() bool {
	return amount > 0
}

// Magnitude returns the absolute value of the transaction amount.
func (amount SignedAmount) Magnitude() Amount {
	if amount < 0 {
		return Amount(-amount)
	}
	return Amount(amount)
}
