package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deepbin/backend/internal/models"
)

// PostgresStore keeps balances in ledger_balances and the log in
// transactions. Apply runs both writes in one SQL transaction. DDL in
// scripts/schema.sql.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("ledger: nil database handle")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, owner string) (models.Balance, error) {
	var b models.Balance
	err := s.db.QueryRowContext(ctx,
		`SELECT total, used, remaining FROM ledger_balances WHERE owner = $1`,
		owner,
	).Scan(&b.Total, &b.Used, &b.Remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, nil
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("ledger: read balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Apply(ctx context.Context, owner string, balance models.Balance, txn *models.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (owner, total, used, remaining, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (owner) DO UPDATE
		SET total = $2, used = $3, remaining = $4, updated_at = now()`,
		owner, balance.Total, balance.Used, balance.Remaining,
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, owner, type, amount, description, job_id, api_key_id, payment_id,
			 balance_before, balance_after, prev_hash, row_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		txn.ID, txn.Owner, string(txn.Type), txn.Amount, txn.Description,
		txn.JobID, txn.APIKeyID, txn.PaymentID,
		txn.BalanceBefore, txn.BalanceAfter, txn.PrevHash, txn.RowHash, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: append transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

const txnColumns = `id, owner, type, amount, description, job_id, api_key_id, payment_id,
	balance_before, balance_after, prev_hash, row_hash, created_at`

func (s *PostgresStore) LastTransaction(ctx context.Context, owner string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE owner = $1 ORDER BY seq DESC LIMIT 1`,
		owner,
	)
	txn, err := scanTxn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

func (s *PostgresStore) Transactions(ctx context.Context, owner string, page, limit int) ([]*models.Transaction, int, error) {
	page, limit = normalizePage(page, limit)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transactions WHERE owner = $1`, owner,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ledger: count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE owner = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		owner, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	out, err := collectTxns(rows)
	return out, total, err
}

func (s *PostgresStore) AllTransactions(ctx context.Context, owner string) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE owner = $1 ORDER BY seq ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: read log: %w", err)
	}
	defer rows.Close()
	return collectTxns(rows)
}

func (s *PostgresStore) HasPaymentCredit(ctx context.Context, paymentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE payment_id = $1)`,
		paymentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: payment lookup: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTxn(row rowScanner) (*models.Transaction, error) {
	var (
		t    models.Transaction
		kind string
	)
	err := row.Scan(
		&t.ID, &t.Owner, &kind, &t.Amount, &t.Description,
		&t.JobID, &t.APIKeyID, &t.PaymentID,
		&t.BalanceBefore, &t.BalanceAfter, &t.PrevHash, &t.RowHash, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(kind)
	return &t, nil
}

func collectTxns(rows *sql.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
