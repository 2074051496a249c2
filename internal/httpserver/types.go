package httpserver

import "encoding/json"

// WalletEnvelope wraps wallet payloads returned by the API endpoints.
type WalletEnvelope struct {
	Wallet WalletPayload `json:"wallet"`
}

// WalletPayload describes the account balance and transaction history.
type WalletPayload struct {
	Balance      BalancePayload       `json:"balance"`
	Transactions []TransactionPayload `json:"transactions"`
}

// BalancePayload mirrors the account read model for the UI.
type BalancePayload struct {
	Credits        int64 `json:"credits"`
	LifetimeEarned int64 `json:"lifetime_earned"`
	LifetimeSpent  int64 `json:"lifetime_spent"`
}

// TransactionPayload mirrors the ledger transaction contract for the UI.
type TransactionPayload struct {
	TransactionID     string `json:"transaction_id"`
	Kind              string `json:"kind"`
	AmountCredits     int64  `json:"amount_credits"`
	Description       string `json:"description"`
	ExternalReference string `json:"external_reference,omitempty"`
	RefundOf          string `json:"refund_of,omitempty"`
	Status            string `json:"status"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

// BootstrapEnvelope reports whether the account was freshly provisioned.
type BootstrapEnvelope struct {
	Created bool           `json:"created"`
	Balance BalancePayload `json:"balance"`
}

// ReceiptEnvelope includes the transaction id and the updated balance.
type ReceiptEnvelope struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    int64  `json:"new_balance"`
}

// ReadingEnvelope wraps a completed paid reading with its receipt.
type ReadingEnvelope struct {
	Reading       json.RawMessage `json:"reading"`
	TransactionID string          `json:"transaction_id"`
	NewBalance    int64           `json:"new_balance"`
}

// AnswerEnvelope wraps a follow-up answer with its receipt.
type AnswerEnvelope struct {
	Answer        json.RawMessage `json:"answer"`
	TransactionID string          `json:"transaction_id"`
	NewBalance    int64           `json:"new_balance"`
}

// CheckoutEnvelope returns the provider reference for a pending purchase.
type CheckoutEnvelope struct {
	OrderReference string `json:"order_reference"`
	TransactionID  string `json:"transaction_id"`
	Credits        int64  `json:"credits"`
}

// CaptureEnvelope reports the capture outcome to the payment provider.
type CaptureEnvelope struct {
	Status          string `json:"status"`
	TransactionID   string `json:"transaction_id,omitempty"`
	NewBalance      int64  `json:"new_balance,omitempty"`
	AlreadyCaptured bool   `json:"already_captured,omitempty"`
}

// PricingEnvelope lists the credit cost per paid operation.
type PricingEnvelope struct {
	Prices map[string]int64 `json:"prices"`
}

// SessionEnvelope represents the session payload returned to the UI.
type SessionEnvelope struct {
	UserID  string   `json:"user_id"`
	Email   string   `json:"email"`
	Display string   `json:"display"`
	Avatar  string   `json:"avatar_url"`
	Roles   []string `json:"roles"`
	Expires int64    `json:"expires"`
}

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors. For
// failed paid operations Deducted and Refunded report what happened to the
// caller's credits, so the client knows whether a retry with the same key is
// safe.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Deducted *bool  `json:"deducted,omitempty"`
	Refunded *bool  `json:"refunded,omitempty"`
}

type readingRequest struct {
	Spread   string `json:"spread"`
	Question string `json:"question"`
}

type questionRequest struct {
	Question string `json:"question"`
}

type adminCreditRequest struct {
	UserID        string `json:"user_id"`
	AmountCredits int64  `json:"amount_credits"`
	Kind          string `json:"kind"`
	Description   string `json:"description"`
	RefundOf      string `json:"refund_of"`
}

type checkoutRequest struct {
	Credits int64 `json:"credits"`
}

type captureRequest struct {
	OrderReference string `json:"order_reference"`
	Status         string `json:"status"`
}

// snapshotEnvelope is the byte-stable form a guarded handler persists; a
// replayed duplicate serves the identical status and body.
type snapshotEnvelope struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`
}
