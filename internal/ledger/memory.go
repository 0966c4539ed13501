package ledger

import (
	"context"
	"sync"

	"github.com/deepbin/backend/internal/models"
)

// MemoryStore is the in-process backend for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]models.Balance
	txns     map[string][]*models.Transaction // append order
	payments map[string]bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]models.Balance),
		txns:     make(map[string][]*models.Transaction),
		payments: make(map[string]bool),
	}
}

func (s *MemoryStore) GetBalance(ctx context.Context, owner string) (models.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[owner], nil
}

func (s *MemoryStore) Apply(ctx context.Context, owner string, balance models.Balance, txn *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *txn
	s.balances[owner] = balance
	s.txns[owner] = append(s.txns[owner], &cp)
	if cp.PaymentID != "" {
		s.payments[cp.PaymentID] = true
	}
	return nil
}

func (s *MemoryStore) LastTransaction(ctx context.Context, owner string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.txns[owner]
	if len(log) == 0 {
		return nil, nil
	}
	cp := *log[len(log)-1]
	return &cp, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, owner string, page, limit int) ([]*models.Transaction, int, error) {
	page, limit = normalizePage(page, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.txns[owner]
	total := len(log)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}

	// Newest first.
	out := make([]*models.Transaction, 0, end-start)
	for i := total - 1 - start; i >= total-end; i-- {
		cp := *log[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemoryStore) AllTransactions(ctx context.Context, owner string) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.txns[owner]
	out := make([]*models.Transaction, 0, len(log))
	for _, t := range log {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) HasPaymentCredit(ctx context.Context, paymentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payments[paymentID], nil
}
