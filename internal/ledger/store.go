package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/models"
)

// Store persists balances and the transaction log. Apply must make the
// balance write and the transaction append one atomic unit; the Service
// guarantees per-owner ordering, stores guarantee durability.
type Store interface {
	// GetBalance returns the owner's row, zero-valued for untouched owners.
	GetBalance(ctx context.Context, owner string) (models.Balance, error)

	// Apply persists balance and appends txn atomically.
	Apply(ctx context.Context, owner string, balance models.Balance, txn *models.Transaction) error

	// LastTransaction returns the chain head, nil when the log is empty.
	LastTransaction(ctx context.Context, owner string) (*models.Transaction, error)

	// Transactions pages the log, newest first. page starts at 1.
	Transactions(ctx context.Context, owner string, page, limit int) ([]*models.Transaction, int, error)

	// AllTransactions returns the full log in append order.
	AllTransactions(ctx context.Context, owner string) ([]*models.Transaction, error)

	// HasPaymentCredit reports whether any transaction references paymentID.
	HasPaymentCredit(ctx context.Context, paymentID string) (bool, error)
}

// NewStore selects a backend from config. db is the shared Postgres handle,
// required only for the postgres backend.
func NewStore(cfg config.LedgerConfig, db *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		if db == nil {
			return nil, errors.New("ledger: postgres backend requires a database handle")
		}
		return NewPostgresStore(db)

	case "spanner":
		if cfg.SpannerProject == "" || cfg.SpannerInstance == "" || cfg.SpannerDatabase == "" {
			return nil, errors.New("ledger: spanner configuration incomplete")
		}
		return NewSpannerStore(cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)

	case "memory", "":
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("ledger: unknown backend %q", cfg.Backend)
	}
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
