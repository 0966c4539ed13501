package otp

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/models"
)

func TestGenerateAndVerify(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	code, err := svc.Generate(ctx, "user-1", "payment")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code.Code)
	assert.WithinDuration(t, code.CreatedAt.Add(DefaultTTL), code.ExpiresAt, time.Second)

	require.NoError(t, svc.Verify(ctx, "user-1", code.Code, "payment"))
}

func TestVerifyIsSingleUse(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	code, err := svc.Generate(ctx, "user-1", "payment")
	require.NoError(t, err)

	require.NoError(t, svc.Verify(ctx, "user-1", code.Code, "payment"))
	assert.ErrorIs(t, svc.Verify(ctx, "user-1", code.Code, "payment"), ErrInvalidCode)
}

func TestVerifyRejectsMismatches(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	code, err := svc.Generate(ctx, "user-1", "payment")
	require.NoError(t, err)

	tests := []struct {
		name                 string
		owner, code, purpose string
	}{
		{"wrong owner", "user-2", code.Code, "payment"},
		{"wrong code", "user-1", "000000", "payment"},
		{"wrong purpose", "user-1", code.Code, "login"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, svc.Verify(ctx, tt.owner, tt.code, tt.purpose), ErrInvalidCode)
		})
	}

	// The real code is still spendable after the misses above.
	require.NoError(t, svc.Verify(ctx, "user-1", code.Code, "payment"))
}

func TestVerifyRejectsExpired(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	stale := &models.OTP{
		ID:        models.NewID(),
		Owner:     "user-1",
		Code:      "123456",
		Purpose:   "payment",
		ExpiresAt: time.Now().Add(-time.Millisecond),
		CreatedAt: time.Now().Add(-DefaultTTL),
	}
	require.NoError(t, store.Insert(ctx, stale))

	assert.ErrorIs(t, svc.Verify(ctx, "user-1", "123456", "payment"), ErrInvalidCode)
}

func TestExpiryBoundaryIsStrict(t *testing.T) {
	issued := time.Now()
	code := &models.OTP{ExpiresAt: issued.Add(DefaultTTL)}

	assert.False(t, code.Expired(issued.Add(DefaultTTL-time.Nanosecond)))
	assert.True(t, code.Expired(issued.Add(DefaultTTL)))
	assert.True(t, code.Expired(issued.Add(DefaultTTL+time.Second)))
}

func TestVerifyPrefersNewestCode(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	old := &models.OTP{
		ID:        models.NewID(),
		Owner:     "user-1",
		Code:      "777777",
		Purpose:   "payment",
		ExpiresAt: time.Now().Add(time.Minute),
		CreatedAt: time.Now().Add(-time.Minute),
	}
	fresh := &models.OTP{
		ID:        models.NewID(),
		Owner:     "user-1",
		Code:      "777777",
		Purpose:   "payment",
		ExpiresAt: time.Now().Add(DefaultTTL),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Insert(ctx, old))
	require.NoError(t, store.Insert(ctx, fresh))

	require.NoError(t, svc.Verify(ctx, "user-1", "777777", "payment"))

	used := 0
	for _, rec := range store.codes {
		if rec.Used {
			used++
			assert.Equal(t, fresh.ID, rec.ID)
		}
	}
	assert.Equal(t, 1, used)
}

func TestSweepExpired(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stale := &models.OTP{
			ID:        models.NewID(),
			Owner:     "user-1",
			Code:      "111111",
			Purpose:   "payment",
			ExpiresAt: time.Now().Add(-time.Hour),
			CreatedAt: time.Now().Add(-2 * time.Hour),
		}
		require.NoError(t, store.Insert(ctx, stale))
	}
	live, err := svc.Generate(ctx, "user-1", "payment")
	require.NoError(t, err)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, svc.Verify(ctx, "user-1", live.Code, "payment"))
}
