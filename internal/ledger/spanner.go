package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/deepbin/backend/internal/models"
)

// SpannerStore is the Cloud Spanner ledger backend. The balance upsert and
// the transaction append are buffered into one ReadWriteTransaction. DDL in
// scripts/spanner.sql.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

var _ Store = (*SpannerStore)(nil)

func NewSpannerStore(project, instance, database string) (*SpannerStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: create spanner client: %w", err)
	}

	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[SpannerLedger] ", log.LstdFlags),
	}, nil
}

func (s *SpannerStore) Close() {
	s.client.Close()
}

func (s *SpannerStore) GetBalance(ctx context.Context, owner string) (models.Balance, error) {
	row, err := s.client.Single().ReadRow(ctx, "LedgerBalances",
		spanner.Key{owner}, []string{"Total", "Used", "Remaining"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return models.Balance{}, nil
		}
		return models.Balance{}, fmt.Errorf("ledger: read balance: %w", err)
	}

	var total, used, remaining int64
	if err := row.Columns(&total, &used, &remaining); err != nil {
		return models.Balance{}, fmt.Errorf("ledger: scan balance: %w", err)
	}
	return models.Balance{Total: int(total), Used: int(used), Remaining: int(remaining)}, nil
}

func (s *SpannerStore) Apply(ctx context.Context, owner string, balance models.Balance, txn *models.Transaction) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, rw *spanner.ReadWriteTransaction) error {
		seq := int64(1)
		iter := rw.Query(ctx, spanner.Statement{
			SQL:    `SELECT Seq FROM LedgerTransactions WHERE Owner = @owner ORDER BY Seq DESC LIMIT 1`,
			Params: map[string]interface{}{"owner": owner},
		})
		defer iter.Stop()

		row, err := iter.Next()
		switch {
		case err == iterator.Done:
			// first entry for this owner
		case err != nil:
			return err
		default:
			var last int64
			if err := row.Columns(&last); err != nil {
				return err
			}
			seq = last + 1
		}

		balMut := spanner.InsertOrUpdate("LedgerBalances",
			[]string{"Owner", "Total", "Used", "Remaining", "UpdatedAt"},
			[]interface{}{owner, int64(balance.Total), int64(balance.Used), int64(balance.Remaining), spanner.CommitTimestamp},
		)
		txnMut := spanner.Insert("LedgerTransactions",
			[]string{"Owner", "Seq", "Id", "Type", "Amount", "Description", "JobId", "ApiKeyId",
				"PaymentId", "BalanceBefore", "BalanceAfter", "PrevHash", "RowHash", "CreatedAt"},
			[]interface{}{owner, seq, txn.ID, string(txn.Type), int64(txn.Amount), txn.Description,
				txn.JobID, txn.APIKeyID, txn.PaymentID, int64(txn.BalanceBefore), int64(txn.BalanceAfter),
				txn.PrevHash, txn.RowHash, txn.CreatedAt},
		)
		return rw.BufferWrite([]*spanner.Mutation{balMut, txnMut})
	})
	if err != nil {
		return fmt.Errorf("ledger: spanner apply: %w", err)
	}
	return nil
}

const spannerTxnColumns = `Id, Owner, Type, Amount, Description, JobId, ApiKeyId, PaymentId,
	BalanceBefore, BalanceAfter, PrevHash, RowHash, CreatedAt`

func (s *SpannerStore) LastTransaction(ctx context.Context, owner string) (*models.Transaction, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT ` + spannerTxnColumns + ` FROM LedgerTransactions
			WHERE Owner = @owner ORDER BY Seq DESC LIMIT 1`,
		Params: map[string]interface{}{"owner": owner},
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read chain head: %w", err)
	}
	return scanSpannerTxn(row)
}

func (s *SpannerStore) Transactions(ctx context.Context, owner string, page, limit int) ([]*models.Transaction, int, error) {
	page, limit = normalizePage(page, limit)

	var total int64
	countIter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    `SELECT COUNT(*) FROM LedgerTransactions WHERE Owner = @owner`,
		Params: map[string]interface{}{"owner": owner},
	})
	defer countIter.Stop()
	row, err := countIter.Next()
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: count transactions: %w", err)
	}
	if err := row.Columns(&total); err != nil {
		return nil, 0, fmt.Errorf("ledger: scan count: %w", err)
	}

	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT ` + spannerTxnColumns + ` FROM LedgerTransactions
			WHERE Owner = @owner ORDER BY Seq DESC LIMIT @limit OFFSET @offset`,
		Params: map[string]interface{}{
			"owner":  owner,
			"limit":  int64(limit),
			"offset": int64((page - 1) * limit),
		},
	})
	defer iter.Stop()

	out, err := collectSpannerTxns(iter)
	return out, int(total), err
}

func (s *SpannerStore) AllTransactions(ctx context.Context, owner string) ([]*models.Transaction, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT ` + spannerTxnColumns + ` FROM LedgerTransactions
			WHERE Owner = @owner ORDER BY Seq ASC`,
		Params: map[string]interface{}{"owner": owner},
	})
	defer iter.Stop()
	return collectSpannerTxns(iter)
}

func (s *SpannerStore) HasPaymentCredit(ctx context.Context, paymentID string) (bool, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    `SELECT COUNT(*) FROM LedgerTransactions WHERE PaymentId = @pid`,
		Params: map[string]interface{}{"pid": paymentID},
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return false, fmt.Errorf("ledger: payment lookup: %w", err)
	}
	var n int64
	if err := row.Columns(&n); err != nil {
		return false, fmt.Errorf("ledger: scan payment lookup: %w", err)
	}
	return n > 0, nil
}

func scanSpannerTxn(row *spanner.Row) (*models.Transaction, error) {
	var (
		t                     models.Transaction
		kind                  string
		amount, before, after int64
		created               time.Time
	)
	err := row.Columns(&t.ID, &t.Owner, &kind, &amount, &t.Description,
		&t.JobID, &t.APIKeyID, &t.PaymentID, &before, &after,
		&t.PrevHash, &t.RowHash, &created)
	if err != nil {
		return nil, fmt.Errorf("ledger: scan transaction: %w", err)
	}

	t.Type = models.TransactionType(kind)
	t.Amount = int(amount)
	t.BalanceBefore = int(before)
	t.BalanceAfter = int(after)
	t.CreatedAt = created
	return &t, nil
}

func collectSpannerTxns(iter *spanner.RowIterator) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: iterate transactions: %w", err)
		}
		t, err := scanSpannerTxn(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
}
