// Package apikeys issues and validates the SDK's bearer credentials. A full
// key reads db_<keyID>.<secret>; the keyID is the lookup handle and only a
// bcrypt hash of the secret is stored, so a leaked database cannot
// reconstruct live keys.
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/deepbin/backend/internal/models"
)

// Prefix identifies our keys in logs and dashboards.
const Prefix = "db_"

var (
	// ErrInvalidKey covers malformed tokens, unknown key ids, and secret
	// mismatches. Callers must not learn which.
	ErrInvalidKey = errors.New("apikeys: invalid api key")

	// ErrInactive reports a revoked key.
	ErrInactive = errors.New("apikeys: api key inactive")

	// ErrExpired reports a key past its expiry.
	ErrExpired = errors.New("apikeys: api key expired")
)

// Store persists key records, keyed by the public keyID.
type Store interface {
	Insert(ctx context.Context, key *models.APIKey) error
	GetByKeyID(ctx context.Context, keyID string) (*models.APIKey, error)

	// Touch bumps last-used and the request counter. Best effort.
	Touch(ctx context.Context, id string, when time.Time) error

	SetActive(ctx context.Context, keyID string, active bool) error
	ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error)
}

// Service wraps a store with the issue/validate flows.
type Service struct {
	store  Store
	logger *log.Logger
}

func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: log.New(log.Writer(), "[APIKeys] ", log.LstdFlags),
	}
}

// Issue mints a key for owner. The returned fullKey is shown exactly once;
// afterwards only the hash survives. Empty capabilities default to the full
// set.
func (s *Service) Issue(ctx context.Context, owner, name string, capabilities []models.Capability, expiresAt *time.Time) (*models.APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("apikeys: generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("apikeys: generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey := Prefix + keyID + "." + secret

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("apikeys: hash secret: %w", err)
	}

	if len(capabilities) == 0 {
		capabilities = append([]models.Capability(nil), models.AllCapabilities...)
	}

	key := &models.APIKey{
		ID:           models.NewID(),
		Owner:        owner,
		Name:         name,
		KeyID:        keyID,
		SecretHash:   string(secretHash),
		Capabilities: capabilities,
		Active:       true,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}

	if err := s.store.Insert(ctx, key); err != nil {
		return nil, "", fmt.Errorf("apikeys: persist key: %w", err)
	}

	s.logger.Printf("✅ Issued key %s%s for %s (%s)", Prefix, keyID, owner, name)
	return key, fullKey, nil
}

// Validate checks a presented token and returns its record. A valid call
// bumps the key's usage counter.
func (s *Service) Validate(ctx context.Context, fullKey string) (*models.APIKey, error) {
	keyID, secret, err := splitKey(fullKey)
	if err != nil {
		return nil, err
	}

	key, err := s.store.GetByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("apikeys: lookup: %w", err)
	}
	if key == nil {
		return nil, ErrInvalidKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidKey
	}
	if !key.Active {
		return nil, ErrInactive
	}
	if key.Expired(time.Now()) {
		return nil, ErrExpired
	}

	if err := s.store.Touch(ctx, key.ID, time.Now()); err != nil {
		s.logger.Printf("⚠️ Failed to record key usage for %s: %v", key.KeyID, err)
	}
	return key, nil
}

// Revoke deactivates a key by its public id.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	if err := s.store.SetActive(ctx, keyID, false); err != nil {
		return fmt.Errorf("apikeys: revoke: %w", err)
	}
	s.logger.Printf("🔒 Revoked key %s%s", Prefix, keyID)
	return nil
}

// ListByOwner returns the owner's keys, hashes omitted by the model's json
// tags.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error) {
	return s.store.ListByOwner(ctx, owner)
}

func splitKey(fullKey string) (keyID, secret string, err error) {
	if !strings.HasPrefix(fullKey, Prefix) {
		return "", "", ErrInvalidKey
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, Prefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}
