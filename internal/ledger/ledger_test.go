package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/models"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, nil), store
}

func TestAddAndDeduct(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	bal, err := svc.AddCredits(ctx, "user-1", 100, "signup grant", models.TxnCredit)
	require.NoError(t, err)
	assert.Equal(t, models.Balance{Total: 100, Used: 0, Remaining: 100}, bal)

	bal, err = svc.DeductUsage(ctx, "user-1", 2, "job-1", "key-1", "SDK Binary Analysis")
	require.NoError(t, err)
	assert.Equal(t, models.Balance{Total: 100, Used: 2, Remaining: 98}, bal)

	_, err = svc.AddCredits(ctx, "user-1", 0, "zero", models.TxnCredit)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.DeductUsage(ctx, "user-1", -5, "job-2", "", "bad")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDebtTolerance(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// Admission passed with 10 remaining, then a huge job charged 65.
	_, err := svc.AddCredits(ctx, "user-1", 10, "grant", models.TxnCredit)
	require.NoError(t, err)

	ok, bal, err := svc.HasAtLeast(ctx, "user-1", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10, bal.Remaining)

	bal, err = svc.DeductUsage(ctx, "user-1", 65, "job-1", "", "SDK Binary Analysis")
	require.NoError(t, err)
	assert.Equal(t, -55, bal.Remaining)
	assert.Equal(t, 65, bal.Used)

	ok, _, err = svc.HasAtLeast(ctx, "user-1", 5)
	require.NoError(t, err)
	assert.False(t, ok, "debtor must not pass the admission gate")
}

func TestPaymentClearsDebt(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, "user-1", 10, "grant", models.TxnCredit)
	require.NoError(t, err)
	_, err = svc.DeductUsage(ctx, "user-1", 65, "job-1", "", "SDK Binary Analysis")
	require.NoError(t, err)

	res, err := svc.AddCreditsFromPayment(ctx, "user-1", 500, "pay_123", "Purchased standard plan")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 55, res.DebtCleared)
	assert.Equal(t, 445, res.Balance.Remaining)
	assert.Equal(t, 510, res.Balance.Total)
	require.NotNil(t, res.Txn)
	assert.Equal(t, "Purchased standard plan (Debt cleared: 55 credits)", res.Txn.Description)
}

func TestPaymentIdempotency(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	first, err := svc.AddCreditsFromPayment(ctx, "user-1", 100, "pay_once", "Purchased starter plan")
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// Replay the webhook three times.
	for i := 0; i < 3; i++ {
		res, err := svc.AddCreditsFromPayment(ctx, "user-1", 100, "pay_once", "Purchased starter plan")
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Equal(t, 100, res.Balance.Remaining)
		assert.Nil(t, res.Txn)
	}

	txns, err := store.AllTransactions(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, txns, 1, "exactly one credit transaction per payment id")
}

func TestPaymentWithoutDebtHasPlainDescription(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.AddCreditsFromPayment(ctx, "user-1", 100, "pay_1", "Purchased starter plan")
	require.NoError(t, err)
	assert.Zero(t, res.DebtCleared)
	assert.Equal(t, "Purchased starter plan", res.Txn.Description)
}

func TestRefundUnclamped(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, "user-1", 10, "grant", models.TxnCredit)
	require.NoError(t, err)

	// Refund with no prior usage drives used negative rather than breaking
	// the replay invariant.
	bal, err := svc.Refund(ctx, "user-1", 4, "job-x", "goodwill")
	require.NoError(t, err)
	assert.Equal(t, -4, bal.Used)
	assert.Equal(t, 14, bal.Remaining)

	require.NoError(t, svc.VerifyChain(ctx, "user-1"))
}

func TestSetCreditsReplaysExactly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, "user-1", 100, "grant", models.TxnCredit)
	require.NoError(t, err)
	_, err = svc.DeductUsage(ctx, "user-1", 30, "job-1", "", "usage")
	require.NoError(t, err)

	bal, err := svc.SetCredits(ctx, "user-1", 50, "admin reset")
	require.NoError(t, err)
	assert.Equal(t, models.Balance{Total: 50, Used: 0, Remaining: 50}, bal)

	require.NoError(t, svc.VerifyChain(ctx, "user-1"))

	// Setting below the current remaining must also replay.
	_, err = svc.SetCredits(ctx, "user-1", 5, "admin shrink")
	require.NoError(t, err)
	require.NoError(t, svc.VerifyChain(ctx, "user-1"))
}

func TestReplayInvariantUnderMixedHistory(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	ops := []func() error{
		func() error { _, err := svc.AddCredits(ctx, "u", 100, "grant", models.TxnCredit); return err },
		func() error { _, err := svc.DeductUsage(ctx, "u", 35, "j1", "", "usage"); return err },
		func() error { _, err := svc.AddCredits(ctx, "u", 20, "promo", models.TxnBonus); return err },
		func() error { _, err := svc.DeductUsage(ctx, "u", 110, "j2", "", "usage"); return err },
		func() error { _, err := svc.Refund(ctx, "u", 10, "j2", "partial"); return err },
		func() error {
			_, err := svc.AddCreditsFromPayment(ctx, "u", 500, "pay_9", "Purchased standard plan")
			return err
		},
	}
	for _, op := range ops {
		require.NoError(t, op())
	}

	bal, err := svc.Balance(ctx, "u")
	require.NoError(t, err)

	txns, err := store.AllTransactions(ctx, "u")
	require.NoError(t, err)

	sum := 0
	for _, txn := range txns {
		sum += txn.Type.Signed(txn.Amount)
	}
	assert.Equal(t, bal.Remaining, sum, "transaction log must replay to the balance")

	require.NoError(t, svc.VerifyChain(ctx, "u"))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, "u", 100, "grant", models.TxnCredit)
	require.NoError(t, err)
	_, err = svc.DeductUsage(ctx, "u", 10, "j1", "", "usage")
	require.NoError(t, err)

	// Tamper with a stored amount.
	store.mu.Lock()
	store.txns["u"][0].Amount = 1000
	store.mu.Unlock()

	assert.ErrorIs(t, svc.VerifyChain(ctx, "u"), ErrChainBroken)
}

func TestConcurrentDeductions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, "user-1", 1000, "grant", models.TxnCredit)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.DeductUsage(ctx, "user-1", 2, fmt.Sprintf("job-%d", n), "", "usage")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 900, bal.Remaining)
	assert.Equal(t, 100, bal.Used)

	require.NoError(t, svc.VerifyChain(ctx, "user-1"))
}

func TestTransactionsPagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := svc.AddCredits(ctx, "u", 1+i, fmt.Sprintf("grant %d", i), models.TxnCredit)
		require.NoError(t, err)
	}

	page1, total, err := svc.Transactions(ctx, "u", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 15, total)
	require.Len(t, page1, 10)
	assert.Equal(t, "grant 14", page1[0].Description, "newest first")

	page2, _, err := svc.Transactions(ctx, "u", 2, 10)
	require.NoError(t, err)
	assert.Len(t, page2, 5)
	assert.Equal(t, "grant 0", page2[4].Description)
}
