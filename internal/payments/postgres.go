package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/deepbin/backend/internal/models"
)

// PostgresStore is the production payment store. DDL lives in
// scripts/schema.sql.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("payments: nil database handle")
	}
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[PaymentStore] ", log.LstdFlags),
	}, nil
}

const paymentColumns = `id, owner, order_id, payment_id, signature, plan_id, plan_name, credits,
	amount, currency, status, method, card_last4, card_network, credits_added, refund_id,
	failure_reason, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, p *models.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		p.ID, p.Owner, p.OrderID, p.PaymentID, p.Signature, p.PlanID, p.PlanName, p.Credits,
		p.Amount, p.Currency, string(p.Status), p.Method, p.CardLast4, p.CardNetwork,
		p.CreditsAdded, p.RefundID, p.FailureReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("payments: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)

	var (
		p      models.Payment
		status string
	)
	err := row.Scan(
		&p.ID, &p.Owner, &p.OrderID, &p.PaymentID, &p.Signature, &p.PlanID, &p.PlanName, &p.Credits,
		&p.Amount, &p.Currency, &status, &p.Method, &p.CardLast4, &p.CardNetwork,
		&p.CreditsAdded, &p.RefundID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("payments: scan: %w", err)
	}
	p.Status = models.PaymentStatus(status)
	return &p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *models.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			payment_id = $2, signature = $3, status = $4, method = $5,
			card_last4 = $6, card_network = $7, credits_added = $8,
			refund_id = $9, failure_reason = $10, updated_at = $11
		WHERE order_id = $1`,
		p.OrderID, p.PaymentID, p.Signature, string(p.Status), p.Method,
		p.CardLast4, p.CardNetwork, p.CreditsAdded, p.RefundID, p.FailureReason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("payments: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payments: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, p.OrderID)
	}
	return nil
}
