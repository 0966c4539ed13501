package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepbin/backend/internal/models"
)

// MemoryStore is the in-process backend for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byOrder map[string]*models.Payment
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byOrder: make(map[string]*models.Payment)}
}

func clonePayment(p *models.Payment) *models.Payment {
	cp := *p
	return &cp
}

func (s *MemoryStore) Insert(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOrder[payment.OrderID]; ok {
		return fmt.Errorf("payments: duplicate order id %s", payment.OrderID)
	}
	s.byOrder[payment.OrderID] = clonePayment(payment)
	return nil
}

func (s *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return clonePayment(payment), nil
}

func (s *MemoryStore) Update(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOrder[payment.OrderID]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, payment.OrderID)
	}
	s.byOrder[payment.OrderID] = clonePayment(payment)
	return nil
}
