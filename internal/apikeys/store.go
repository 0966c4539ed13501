package apikeys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepbin/backend/internal/models"
)

// MemoryStore backs development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*models.APIKey // by keyID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*models.APIKey)}
}

func cloneKey(k *models.APIKey) *models.APIKey {
	cp := *k
	cp.Capabilities = append([]models.Capability(nil), k.Capabilities...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func (s *MemoryStore) Insert(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.KeyID]; ok {
		return fmt.Errorf("apikeys: duplicate key id %s", key.KeyID)
	}
	s.keys[key.KeyID] = cloneKey(key)
	return nil
}

func (s *MemoryStore) GetByKeyID(ctx context.Context, keyID string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, nil
	}
	return cloneKey(key), nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if key.ID == id {
			t := when
			key.LastUsedAt = &t
			key.RequestCount++
			return nil
		}
	}
	return fmt.Errorf("apikeys: no key with id %s", id)
}

func (s *MemoryStore) SetActive(ctx context.Context, keyID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return fmt.Errorf("apikeys: no key %s", keyID)
	}
	key.Active = active
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.APIKey
	for _, key := range s.keys {
		if key.Owner == owner {
			out = append(out, cloneKey(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PostgresStore persists keys in api_keys. DDL in scripts/schema.sql.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("apikeys: nil database handle")
	}
	return &PostgresStore{db: db}, nil
}

const keyColumns = `id, owner, name, key_id, secret_hash, capabilities, active,
	expires_at, last_used_at, request_count, created_at`

func (s *PostgresStore) Insert(ctx context.Context, key *models.APIKey) error {
	caps, err := json.Marshal(key.Capabilities)
	if err != nil {
		return fmt.Errorf("apikeys: encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		key.ID, key.Owner, key.Name, key.KeyID, key.SecretHash, caps, key.Active,
		key.ExpiresAt, key.LastUsedAt, key.RequestCount, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("apikeys: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByKeyID(ctx context.Context, keyID string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_id = $1`, keyID)

	var (
		key        models.APIKey
		caps       []byte
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&key.ID, &key.Owner, &key.Name, &key.KeyID, &key.SecretHash,
		&caps, &key.Active, &expiresAt, &lastUsedAt, &key.RequestCount, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("apikeys: scan: %w", err)
	}

	if err := json.Unmarshal(caps, &key.Capabilities); err != nil {
		return nil, fmt.Errorf("apikeys: decode capabilities: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = $2, request_count = request_count + 1
		WHERE id = $1`, id, when)
	if err != nil {
		return fmt.Errorf("apikeys: touch: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, keyID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = $2 WHERE key_id = $1`, keyID, active)
	if err != nil {
		return fmt.Errorf("apikeys: set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("apikeys: no key %s", keyID)
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE owner = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("apikeys: list: %w", err)
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		var (
			key        models.APIKey
			caps       []byte
			expiresAt  sql.NullTime
			lastUsedAt sql.NullTime
		)
		err := rows.Scan(&key.ID, &key.Owner, &key.Name, &key.KeyID, &key.SecretHash,
			&caps, &key.Active, &expiresAt, &lastUsedAt, &key.RequestCount, &key.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("apikeys: scan: %w", err)
		}
		if err := json.Unmarshal(caps, &key.Capabilities); err != nil {
			return nil, fmt.Errorf("apikeys: decode capabilities: %w", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			key.ExpiresAt = &t
		}
		if lastUsedAt.Valid {
			t := lastUsedAt.Time
			key.LastUsedAt = &t
		}
		out = append(out, &key)
	}
	return out, rows.Err()
}
