package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/rollcall/internal/domain/model"
)

// Roster lists the subjects a source can recognize.
type Roster interface {
	Roster(ctx context.Context) ([]model.User, error)
}

// RosterFunc adapts a function to Roster.
type RosterFunc func(ctx context.Context) ([]model.User, error)

func (f RosterFunc) Roster(ctx context.Context) ([]model.User, error) { return f(ctx) }

// CachedRoster serves a snapshot of another roster until Refresh is called.
type CachedRoster struct {
	src Roster

	mu     sync.RWMutex
	users  []model.User
	loaded bool
}

// NewCachedRoster wraps src. The first read loads it lazily.
func NewCachedRoster(src Roster) *CachedRoster {
	return &CachedRoster{src: src}
}

// Roster returns the cached snapshot.
func (c *CachedRoster) Roster(ctx context.Context) ([]model.User, error) {
	c.mu.RLock()
	if c.loaded {
		users := c.users
		c.mu.RUnlock()
		return users, nil
	}
	c.mu.RUnlock()

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users, nil
}

// Refresh reloads the snapshot from the underlying roster.
func (c *CachedRoster) Refresh(ctx context.Context) error {
	users, err := c.src.Roster(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	snapshot := make([]model.User, len(users))
	copy(snapshot, users)

	c.mu.Lock()
	c.users = snapshot
	c.loaded = true
	c.mu.Unlock()
	return nil
}
