// Package users resolves owner identities at ingestion time. The directory
// answers two questions: does this account exist and is it active, and which
// service tier does it ride.
package users

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/models"
)

// Directory looks up user records. GetUser returns (nil, nil) for an unknown
// id; errors are reserved for backend trouble.
type Directory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// NewDirectory selects a backend from config.
func NewDirectory(cfg config.UsersConfig) (Directory, error) {
	switch cfg.Backend {
	case "supabase":
		return NewSupabaseDirectory(cfg.SupabaseURL, cfg.SupabaseKey)
	case "memory", "":
		return NewMemoryDirectory(), nil
	default:
		return nil, fmt.Errorf("users: unknown backend %q", cfg.Backend)
	}
}

// MemoryDirectory is a seedable in-process table for dev and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory(seed ...*models.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*models.User)}
	for _, u := range seed {
		d.Put(u)
	}
	return d
}

func (d *MemoryDirectory) Put(u *models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	d.users[u.ID] = &cp
}

func (d *MemoryDirectory) GetUser(_ context.Context, id string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}
