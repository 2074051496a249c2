package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID      string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index:idx_accounts_user,unique"`
	BalanceCredits int64     `gorm:"not null"`
	LifetimeEarned int64     `gorm:"not null"`
	LifetimeSpent  int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID     string    `gorm:"type:uuid;primaryKey"`
	AccountID         string    `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	Kind              string    `gorm:"not null"`
	AmountCredits     int64     `gorm:"not null"`
	Description       string    `gorm:"not null"`
	ExternalReference *string   `gorm:"index:uniq_transactions_external_ref,unique"`
	RefundOf          *string   `gorm:"type:uuid"`
	Status            string    `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// IdempotencyRecord mirrors the idempotency_records table. (key, scope) is
// the primary key; the claim race is decided by this constraint.
type IdempotencyRecord struct {
	Key            string         `gorm:"primaryKey"`
	Scope          string         `gorm:"primaryKey"`
	Status         string         `gorm:"not null"`
	ResultSnapshot datatypes.JSON `gorm:""`
	CreatedAt      time.Time      `gorm:"not null"`
	ExpiresAt      time.Time      `gorm:"not null;index:idx_idempotency_expires"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
