// Package directory resolves user ids to identities owned by the identity
// service.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

// Directory looks up identities. Unknown users yield model.ErrNotFound.
type Directory interface {
	Lookup(ctx context.Context, userID string) (model.Identity, error)
}

// Postgres reads the users table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Lookup implements Directory.
func (d *Postgres) Lookup(ctx context.Context, userID string) (model.Identity, error) {
	var (
		id   model.Identity
		role string
	)
	err := d.pool.QueryRow(ctx,
		`SELECT id, role, display_name FROM users WHERE id = $1`, userID,
	).Scan(&id.UserID, &role, &id.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Identity{}, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return model.Identity{}, err
	}
	id.Role = model.Role(role)
	return id, nil
}

// Upsert writes an identity. Used to seed development databases.
func (d *Postgres) Upsert(ctx context.Context, id model.Identity) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO users (id, role, display_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, display_name = EXCLUDED.display_name`,
		id.UserID, string(id.Role), id.DisplayName)
	return err
}

// Static is an in-memory Directory.
type Static struct {
	mu    sync.RWMutex
	users map[string]model.Identity
}

// NewStatic returns a directory holding ids.
func NewStatic(ids ...model.Identity) *Static {
	s := &Static{users: make(map[string]model.Identity, len(ids))}
	for _, id := range ids {
		s.users[id.UserID] = id
	}
	return s
}

// Lookup implements Directory.
func (s *Static) Lookup(ctx context.Context, userID string) (model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.users[userID]
	if !ok {
		return model.Identity{}, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return id, nil
}

// Put adds or replaces an identity.
func (s *Static) Put(id model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id.UserID] = id
}

// ParseSeed reads "id:role[:display name]" entries separated by commas.
func ParseSeed(seed string) ([]model.Identity, error) {
	var out []model.Identity
	for _, part := range strings.Split(seed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("directory seed %q: want id:role[:name]", part)
		}
		id := model.Identity{UserID: fields[0], Role: model.Role(fields[1])}
		if !id.Role.Valid() {
			return nil, fmt.Errorf("directory seed %q: unknown role %q", part, fields[1])
		}
		if len(fields) == 3 {
			id.DisplayName = fields[2]
		}
		out = append(out, id)
	}
	return out, nil
}
