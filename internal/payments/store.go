package payments

import (
	"context"
	"database/sql"

	"github.com/deepbin/backend/internal/models"
)

// Store persists gateway orders. The order id is unique; Update replaces the
// whole row so a settle is one write.
type Store interface {
	Insert(ctx context.Context, payment *models.Payment) error
	GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	Update(ctx context.Context, payment *models.Payment) error
}

// NewStore returns the Postgres store when a handle is present, the
// in-process store otherwise.
func NewStore(db *sql.DB) (Store, error) {
	if db == nil {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(db)
}
