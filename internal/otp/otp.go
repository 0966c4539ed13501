// Package otp issues and verifies short-lived one-time codes for dashboard
// actions. Codes are six digits, single use, and expire two minutes after
// issue. A code exactly two minutes old is already expired.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/deepbin/backend/internal/models"
)

// DefaultTTL is how long a code stays valid after issue.
const DefaultTTL = 2 * time.Minute

// ErrInvalidCode covers unknown, already-used, and expired codes. Callers
// must not learn which.
var ErrInvalidCode = errors.New("otp: invalid or expired code")

var codeSpace = big.NewInt(1000000)

// Store persists issued codes.
type Store interface {
	Insert(ctx context.Context, code *models.OTP) error

	// Find returns the newest unused code matching owner/code/purpose, or
	// (nil, nil) when there is none.
	Find(ctx context.Context, owner, code, purpose string) (*models.OTP, error)

	// MarkUsed flips the used flag and reports whether this call made the
	// transition. False means another verification got there first or the
	// row is gone.
	MarkUsed(ctx context.Context, id string) (bool, error)

	// DeleteExpired removes codes whose expiry is at or before now and
	// returns how many went.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Service wraps a store with generate/verify flows.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *log.Logger
}

func NewService(store Store) *Service {
	return &Service{
		store:  store,
		ttl:    DefaultTTL,
		logger: log.New(log.Writer(), "[OTP] ", log.LstdFlags),
	}
}

// Generate mints a fresh code for owner. The code itself is returned to the
// caller for delivery and never logged.
func (s *Service) Generate(ctx context.Context, owner, purpose string) (*models.OTP, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return nil, fmt.Errorf("otp: generate code: %w", err)
	}

	now := time.Now()
	code := &models.OTP{
		ID:        models.NewID(),
		Owner:     owner,
		Code:      fmt.Sprintf("%06d", n.Int64()),
		Purpose:   purpose,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	if err := s.store.Insert(ctx, code); err != nil {
		return nil, fmt.Errorf("otp: persist code: %w", err)
	}

	s.logger.Printf("📨 Issued %s code for %s", purpose, owner)
	return code, nil
}

// Verify consumes a code. Success marks it used; a second verification of
// the same code fails.
func (s *Service) Verify(ctx context.Context, owner, code, purpose string) error {
	rec, err := s.store.Find(ctx, owner, code, purpose)
	if err != nil {
		return fmt.Errorf("otp: lookup: %w", err)
	}
	if rec == nil {
		return ErrInvalidCode
	}
	if rec.Expired(time.Now()) {
		return ErrInvalidCode
	}

	ok, err := s.store.MarkUsed(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("otp: mark used: %w", err)
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}

// SweepExpired deletes dead codes. The janitor calls this daily.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("otp: sweep: %w", err)
	}
	if n > 0 {
		s.logger.Printf("🧹 Swept %d expired codes", n)
	}
	return n, nil
}
