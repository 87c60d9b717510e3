package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hackgods/hospital-appointments/internal/appointment"
)

// PgDirectory reads accounts from the users table.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) ResolveUser(ctx context.Context, id string) (appointment.User, error) {
	var (
		u    appointment.User
		role string
	)

	err := d.pool.QueryRow(ctx, `
		SELECT id, role
		FROM users
		WHERE id = $1 AND is_active
	`, id).Scan(&u.ID, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return appointment.User{}, appointment.ErrUserNotFound
		}
		return appointment.User{}, fmt.Errorf("load user: %w", err)
	}

	u.Role, err = appointment.ParseRole(role)
	if err != nil {
		return appointment.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return u, nil
}

// Cached is a read-through cache in front of another directory. Misses are
// not cached so that newly registered users resolve immediately.
type Cached struct {
	next  appointment.UserDirectory
	cache *gocache.Cache
}

func NewCached(next appointment.UserDirectory, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *Cached) ResolveUser(ctx context.Context, id string) (appointment.User, error) {
	if v, ok := c.cache.Get(id); ok {
		return v.(appointment.User), nil
	}

	u, err := c.next.ResolveUser(ctx, id)
	if err != nil {
		return appointment.User{}, err
	}

	c.cache.SetDefault(id, u)
	return u, nil
}

// Invalidate drops a cached entry, e.g. after a role change.
func (c *Cached) Invalidate(id string) {
	c.cache.Delete(id)
}

// Memory is an in-process directory for tests and the memory store driver.
type Memory struct {
	mu    sync.RWMutex
	users map[string]appointment.User
}

func NewMemory(users ...appointment.User) *Memory {
	m := &Memory{users: make(map[string]appointment.User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *Memory) Add(u appointment.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) ResolveUser(_ context.Context, id string) (appointment.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return appointment.User{}, appointment.ErrUserNotFound
	}
	return u, nil
}
