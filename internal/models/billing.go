package models

import "time"

// Balance is the per-user credit snapshot. Remaining is signed: debt
// tolerance allows it to go negative by up to one job's cost.
type Balance struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// Percent returns the share of lifetime credits still unspent, for the
// credits endpoint. Zero-total accounts report 0.
func (b Balance) Percent() float64 {
	if b.Total <= 0 {
		return 0
	}
	p := float64(b.Remaining) / float64(b.Total) * 100
	if p < 0 {
		return 0
	}
	return p
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxnCredit TransactionType = "credit"
	TxnDebit  TransactionType = "debit"
	TxnBonus  TransactionType = "bonus"
	TxnRefund TransactionType = "refund"
)

// Signed returns the amount with the sign convention used by balance replay:
// debits are negative, everything else positive.
func (t TransactionType) Signed(amount int) int {
	if t == TxnDebit {
		return -amount
	}
	return amount
}

// Transaction is one append-only ledger entry. PrevHash/RowHash chain each
// user's log for tamper evidence; the chain is computed by the ledger
// service before the row is stored.
type Transaction struct {
	ID            string          `json:"id"`
	Owner         string          `json:"owner"`
	Type          TransactionType `json:"type"`
	Amount        int             `json:"amount"`
	Description   string          `json:"description"`
	JobID         string          `json:"job_id,omitempty"`
	APIKeyID      string          `json:"api_key_id,omitempty"`
	PaymentID     string          `json:"payment_id,omitempty"`
	BalanceBefore int             `json:"balance_before"`
	BalanceAfter  int             `json:"balance_after"`
	PrevHash      string          `json:"prev_hash,omitempty"`
	RowHash       string          `json:"row_hash,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PaymentStatus is the gateway-facing order state.
type PaymentStatus string

const (
	PaymentCreated  PaymentStatus = "created"
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

var paymentRank = map[PaymentStatus]int{
	PaymentCreated:  0,
	PaymentPending:  1,
	PaymentSuccess:  2,
	PaymentFailed:   2,
	PaymentRefunded: 3,
}

// CanTransition enforces monotone status movement; the only lateral move
// allowed is success → refunded.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	if s == to {
		return false
	}
	if to == PaymentRefunded {
		return s == PaymentSuccess
	}
	if s == PaymentFailed || s == PaymentSuccess || s == PaymentRefunded {
		return false
	}
	return paymentRank[to] > paymentRank[s]
}

// Payment is one gateway order and its reconciliation state. OrderID is the
// idempotency key for webhook replays.
type Payment struct {
	ID          string        `json:"id"`
	Owner       string        `json:"owner"`
	OrderID     string        `json:"order_id"`
	PaymentID   string        `json:"payment_id,omitempty"`
	Signature   string        `json:"signature,omitempty"`
	PlanID      string        `json:"plan_id"`
	PlanName    string        `json:"plan_name"`
	Credits     int           `json:"credits"`
	Amount      int64         `json:"amount"` // minor units (paise)
	Currency    string        `json:"currency"`
	Status      PaymentStatus `json:"status"`
	Method      string        `json:"method,omitempty"`
	CardLast4   string        `json:"card_last4,omitempty"`
	CardNetwork string        `json:"card_network,omitempty"`

	CreditsAdded  bool   `json:"credits_added"`
	RefundID      string `json:"refund_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
