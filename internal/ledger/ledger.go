// Package ledger meters credit usage. Balances are three integers (total,
// used, remaining) per owner; every mutation appends one Transaction, and
// balance update plus append are a single unit of visibility. Remaining is
// signed: a job that finishes after the admission gate passed may push the
// owner into debt, which the next payment clears.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/models"
)

var (
	// ErrInvalidAmount rejects non-positive mutation amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrChainBroken reports a transaction log that no longer replays to the
	// stored balance, or whose hash chain fails verification.
	ErrChainBroken = errors.New("ledger: transaction chain broken")
)

// PaymentCredit is the outcome of AddCreditsFromPayment.
type PaymentCredit struct {
	Balance     models.Balance      `json:"balance"`
	Txn         *models.Transaction `json:"transaction,omitempty"`
	DebtCleared int                 `json:"debt_cleared"`
	Duplicate   bool                `json:"duplicate"`
}

const stripes = 64

// Service serializes mutations per owner over a Store. One striped mutex per
// owner hash; the store only sees ordered writes for any single owner.
type Service struct {
	store  Store
	locks  [stripes]sync.Mutex
	alerts *alerts.Recorder
	logger *log.Logger
}

// NewService wraps a store. rec may be nil.
func NewService(store Store, rec *alerts.Recorder) *Service {
	return &Service{
		store:  store,
		alerts: rec,
		logger: log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

func (s *Service) lock(owner string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return &s.locks[h.Sum32()%stripes]
}

// AddCredits grants amount to owner. kind is credit or bonus; anything else
// is recorded as credit.
func (s *Service) AddCredits(ctx context.Context, owner string, amount int, description string, kind models.TransactionType) (models.Balance, error) {
	if amount <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}
	if kind != models.TxnBonus {
		kind = models.TxnCredit
	}

	mu := s.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	bal, txn, err := s.applyLocked(ctx, owner, func(b models.Balance) (models.Balance, *models.Transaction) {
		b.Total += amount
		b.Remaining += amount
		return b, &models.Transaction{Type: kind, Amount: amount, Description: description}
	})
	if err != nil {
		return models.Balance{}, err
	}
	s.logger.Printf("✅ Added %d credits to %s (%s, balance=%d)", amount, owner, txn.Type, bal.Remaining)
	return bal, nil
}

// SetCredits replaces the owner's balance outright: total and remaining
// become amount, used resets to zero. Admin surface only. The appended
// transaction carries the remaining-delta so log replay stays exact.
func (s *Service) SetCredits(ctx context.Context, owner string, amount int, description string) (models.Balance, error) {
	if amount < 0 {
		return models.Balance{}, ErrInvalidAmount
	}

	mu := s.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	bal, _, err := s.applyLocked(ctx, owner, func(b models.Balance) (models.Balance, *models.Transaction) {
		delta := amount - b.Remaining
		kind := models.TxnCredit
		if delta < 0 {
			kind = models.TxnDebit
			delta = -delta
		}
		next := models.Balance{Total: amount, Used: 0, Remaining: amount}
		return next, &models.Transaction{Type: kind, Amount: delta, Description: description}
	})
	if err != nil {
		return models.Balance{}, err
	}
	s.logger.Printf("✅ Set %s balance to %d", owner, amount)
	return bal, nil
}

// DeductUsage charges amount against owner with no pre-check: remaining may
// go negative. The admission gate runs at ingestion, not here.
func (s *Service) DeductUsage(ctx context.Context, owner string, amount int, jobID, apiKeyID, description string) (models.Balance, error) {
	if amount <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}

	mu := s.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	bal, _, err := s.applyLocked(ctx, owner, func(b models.Balance) (models.Balance, *models.Transaction) {
		b.Used += amount
		b.Remaining -= amount
		return b, &models.Transaction{
			Type:        models.TxnDebit,
			Amount:      amount,
			Description: description,
			JobID:       jobID,
			APIKeyID:    apiKeyID,
		}
	})
	if err != nil {
		return models.Balance{}, err
	}

	if bal.Remaining < 0 {
		s.logger.Printf("⚠️ %s is in debt: %d credits (job=%s)", owner, bal.Remaining, jobID)
	} else {
		s.logger.Printf("💳 Deducted %d credits from %s (job=%s, balance=%d)", amount, owner, jobID, bal.Remaining)
	}
	return bal, nil
}

// Refund returns amount to owner. used decreases without clamping at zero,
// so the books always replay exactly.
func (s *Service) Refund(ctx context.Context, owner string, amount int, jobID, reason string) (models.Balance, error) {
	if amount <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}

	mu := s.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	bal, _, err := s.applyLocked(ctx, owner, func(b models.Balance) (models.Balance, *models.Transaction) {
		b.Used -= amount
		b.Remaining += amount
		return b, &models.Transaction{
			Type:        models.TxnRefund,
			Amount:      amount,
			Description: reason,
			JobID:       jobID,
		}
	})
	if err != nil {
		return models.Balance{}, err
	}
	s.logger.Printf("↩️ Refunded %d credits to %s (job=%s)", amount, owner, jobID)
	return bal, nil
}

// HasAtLeast is the admission gate.
func (s *Service) HasAtLeast(ctx context.Context, owner string, threshold int) (bool, models.Balance, error) {
	bal, err := s.store.GetBalance(ctx, owner)
	if err != nil {
		return false, models.Balance{}, err
	}
	return bal.Remaining >= threshold, bal, nil
}

// AddCreditsFromPayment reconciles a captured payment into the balance.
// Idempotent per payment id: a replayed webhook sees Duplicate=true and no
// new transaction. If the owner is in debt, the transaction description
// gains a debt-clearance suffix.
func (s *Service) AddCreditsFromPayment(ctx context.Context, owner string, amount int, paymentID, description string) (*PaymentCredit, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if paymentID == "" {
		return nil, errors.New("ledger: payment id required")
	}

	mu := s.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	dup, err := s.store.HasPaymentCredit(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: payment lookup: %w", err)
	}
	if dup {
		bal, err := s.store.GetBalance(ctx, owner)
		if err != nil {
			return nil, err
		}
		s.logger.Printf("⚠️ Payment %s already credited, skipping", paymentID)
		return &PaymentCredit{Balance: bal, Duplicate: true}, nil
	}

	var debt int
	bal, txn, err := s.applyLocked(ctx, owner, func(b models.Balance) (models.Balance, *models.Transaction) {
		if b.Remaining < 0 {
			debt = -b.Remaining
		}
		desc := description
		if debt > 0 {
			desc += fmt.Sprintf(" (Debt cleared: %d credits)", debt)
		}
		b.Total += amount
		b.Remaining += amount
		return b, &models.Transaction{
			Type:        models.TxnCredit,
			Amount:      amount,
			Description: desc,
			PaymentID:   paymentID,
		}
	})
	if err != nil {
		return nil, err
	}

	if debt > 0 {
		s.logger.Printf("✅ Payment %s credited %d to %s, cleared %d debt (balance=%d)", paymentID, amount, owner, debt, bal.Remaining)
	} else {
		s.logger.Printf("✅ Payment %s credited %d to %s (balance=%d)", paymentID, amount, owner, bal.Remaining)
	}
	return &PaymentCredit{Balance: bal, Txn: txn, DebtCleared: debt}, nil
}

// Balance returns the current snapshot, zero for untouched owners.
func (s *Service) Balance(ctx context.Context, owner string) (models.Balance, error) {
	return s.store.GetBalance(ctx, owner)
}

// Transactions pages the owner's log, newest first.
func (s *Service) Transactions(ctx context.Context, owner string, page, limit int) ([]*models.Transaction, int, error) {
	return s.store.Transactions(ctx, owner, page, limit)
}

// VerifyChain replays the owner's full log: hash linkage, per-row balance
// continuity, and the replayed sum against the stored balance. Run at
// startup for owners flagged by reconciliation, and on demand from the
// admin surface.
func (s *Service) VerifyChain(ctx context.Context, owner string) error {
	mu := s.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	txns, err := s.store.AllTransactions(ctx, owner)
	if err != nil {
		return err
	}
	bal, err := s.store.GetBalance(ctx, owner)
	if err != nil {
		return err
	}

	prevHash := ""
	prevAfter := 0
	sum := 0
	for i, t := range txns {
		if t.PrevHash != prevHash {
			return s.chainFailure(owner, fmt.Sprintf("row %d: prev_hash mismatch", i))
		}
		if chainHash(t) != t.RowHash {
			return s.chainFailure(owner, fmt.Sprintf("row %d: row_hash mismatch", i))
		}
		if t.BalanceBefore != prevAfter {
			return s.chainFailure(owner, fmt.Sprintf("row %d: balance discontinuity", i))
		}
		sum += t.Type.Signed(t.Amount)
		prevAfter = t.BalanceAfter
		prevHash = t.RowHash
	}

	if sum != bal.Remaining {
		return s.chainFailure(owner, fmt.Sprintf("replay=%d stored=%d", sum, bal.Remaining))
	}
	return nil
}

func (s *Service) chainFailure(owner, detail string) error {
	if s.alerts != nil {
		s.alerts.Record(alerts.KindChainBroken, detail, "verify_chain", alerts.SeverityCritical)
	}
	s.logger.Printf("🚨 Chain verification failed for %s: %s", owner, detail)
	return fmt.Errorf("%w: %s: %s", ErrChainBroken, owner, detail)
}

// applyLocked runs one mutation under the caller-held stripe lock: read the
// balance, build the transaction, link it to the chain, persist both.
func (s *Service) applyLocked(ctx context.Context, owner string, mutate func(models.Balance) (models.Balance, *models.Transaction)) (models.Balance, *models.Transaction, error) {
	bal, err := s.store.GetBalance(ctx, owner)
	if err != nil {
		return models.Balance{}, nil, fmt.Errorf("ledger: read balance: %w", err)
	}

	next, txn := mutate(bal)
	txn.ID = models.NewID()
	txn.Owner = owner
	txn.BalanceBefore = bal.Remaining
	txn.BalanceAfter = next.Remaining
	// Microsecond precision survives a Postgres round-trip; nanoseconds
	// would not, and the row hash covers the timestamp.
	txn.CreatedAt = time.Now().Truncate(time.Microsecond)

	last, err := s.store.LastTransaction(ctx, owner)
	if err != nil {
		return models.Balance{}, nil, fmt.Errorf("ledger: read chain head: %w", err)
	}
	if last != nil {
		txn.PrevHash = last.RowHash
	}
	txn.RowHash = chainHash(txn)

	if err := s.store.Apply(ctx, owner, next, txn); err != nil {
		return models.Balance{}, nil, fmt.Errorf("ledger: apply: %w", err)
	}
	return next, txn, nil
}

// chainHash covers every field that matters for tamper evidence.
func chainHash(t *models.Transaction) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s|%s|%s|%d|%d|%d|%s",
		t.ID, t.Owner, t.Type, t.Amount, t.Description,
		t.JobID, t.APIKeyID, t.PaymentID,
		t.BalanceBefore, t.BalanceAfter, t.CreatedAt.UnixMicro(), t.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}
