package otp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepbin/backend/internal/models"
)

// MemoryStore keeps codes in process. Used by tests and single-node dev.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]*models.OTP
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]*models.OTP)}
}

func (m *MemoryStore) Insert(_ context.Context, code *models.OTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[code.ID] = &cp
	return nil
}

func (m *MemoryStore) Find(_ context.Context, owner, code, purpose string) (*models.OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *models.OTP
	for _, rec := range m.codes {
		if rec.Used || rec.Owner != owner || rec.Code != code || rec.Purpose != purpose {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) MarkUsed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.codes[id]
	if !ok || rec.Used {
		return false, nil
	}
	rec.Used = true
	return true, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, rec := range m.codes {
		if rec.Expired(now) {
			delete(m.codes, id)
			deleted++
		}
	}
	return deleted, nil
}

// PostgresStore persists codes in the otps table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, code *models.OTP) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO otps (id, owner, code, purpose, used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		code.ID, code.Owner, code.Code, code.Purpose, code.Used, code.ExpiresAt, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert otp: %w", err)
	}
	return nil
}

func (p *PostgresStore) Find(ctx context.Context, owner, code, purpose string) (*models.OTP, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, owner, code, purpose, used, expires_at, created_at
		FROM otps
		WHERE owner = $1 AND code = $2 AND purpose = $3 AND used = FALSE
		ORDER BY created_at DESC
		LIMIT 1`,
		owner, code, purpose)

	var rec models.OTP
	err := row.Scan(&rec.ID, &rec.Owner, &rec.Code, &rec.Purpose, &rec.Used, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan otp: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) MarkUsed(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE otps SET used = TRUE WHERE id = $1 AND used = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark otp used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark otp used: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM otps WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired otps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired otps: %w", err)
	}
	return int(n), nil
}
