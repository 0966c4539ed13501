package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/models"
)

func TestMemoryDirectory(t *testing.T) {
	dir := NewMemoryDirectory(&models.User{
		ID:     "user-1",
		Email:  "dev@example.com",
		Tier:   models.TierOne,
		Active: true,
	})
	ctx := context.Background()

	u, err := dir.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, models.TierOne, u.Tier)
	assert.True(t, u.Active)

	// Callers get copies, not the stored record.
	u.Active = false
	again, err := dir.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, again.Active)

	missing, err := dir.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNewDirectory(t *testing.T) {
	dir, err := NewDirectory(config.UsersConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryDirectory{}, dir)

	_, err = NewDirectory(config.UsersConfig{Backend: "supabase"})
	assert.Error(t, err, "supabase backend requires credentials")

	_, err = NewDirectory(config.UsersConfig{Backend: "dynamo"})
	assert.Error(t, err)
}
