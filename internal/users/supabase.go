package users

import (
	"context"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/deepbin/backend/internal/models"
)

// userRow mirrors the users table. Credit balances live in the ledger, never
// here.
type userRow struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Tier   string `json:"tier"`
	Active bool   `json:"active"`
}

// SupabaseDirectory reads the users table through PostgREST.
type SupabaseDirectory struct {
	client *supabase.Client
}

var _ Directory = (*SupabaseDirectory)(nil)

func NewSupabaseDirectory(url, key string) (*SupabaseDirectory, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("users: supabase url and key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("users: create supabase client: %w", err)
	}
	return &SupabaseDirectory{client: client}, nil
}

func (d *SupabaseDirectory) GetUser(_ context.Context, id string) (*models.User, error) {
	var rows []userRow
	_, err := d.client.From("users").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("users: get user: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	return &models.User{
		ID:     row.ID,
		Email:  row.Email,
		Tier:   models.Tier(row.Tier),
		Active: row.Active,
	}, nil
}
