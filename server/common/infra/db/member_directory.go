package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultCacheTTL      = 30 * time.Second
	defaultCacheCapacity = 50_000
)

// NewPool opens and pings a pgx pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// MemberProvider answers whether a user belongs to a workspace.
type MemberProvider interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// MemberTable names the membership join table of the web app schema.
// Identifiers are expected to be validated by the caller.
type MemberTable struct {
	Table           string
	WorkspaceColumn string
	UserColumn      string
}

type pgMemberProvider struct {
	pool  *pgxpool.Pool
	query string
}

func NewPostgresMemberProvider(pool *pgxpool.Pool, table MemberTable) MemberProvider {
	query := fmt.Sprintf(
		`SELECT 1 FROM %s WHERE %s = $1 AND %s = $2 LIMIT 1`,
		pgx.Identifier{table.Table}.Sanitize(),
		pgx.Identifier{table.WorkspaceColumn}.Sanitize(),
		pgx.Identifier{table.UserColumn}.Sanitize(),
	)
	return &pgMemberProvider{pool: pool, query: query}
}

func (p *pgMemberProvider) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, p.query, workspaceID, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type membershipKey struct {
	WorkspaceID string
	UserID      string
}

// MemberDirectory caches positive and negative membership answers for a
// bounded time and a bounded number of (workspace, user) pairs.
type MemberDirectory struct {
	provider MemberProvider
	cache    *ttlcache.Cache[membershipKey, bool]
}

// NewMemberDirectory wraps provider with a cache. Zero ttl or capacity pick
// the defaults.
func NewMemberDirectory(provider MemberProvider, ttl time.Duration, capacity uint64) *MemberDirectory {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if capacity == 0 {
		capacity = defaultCacheCapacity
	}
	return &MemberDirectory{
		provider: provider,
		cache: ttlcache.New[membershipKey, bool](
			ttlcache.WithTTL[membershipKey, bool](ttl),
			ttlcache.WithCapacity[membershipKey, bool](capacity),
			ttlcache.WithDisableTouchOnHit[membershipKey, bool](),
		),
	}
}

func (d *MemberDirectory) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	key := membershipKey{WorkspaceID: strings.TrimSpace(workspaceID), UserID: strings.TrimSpace(userID)}
	if key.WorkspaceID == "" || key.UserID == "" {
		return false, nil
	}
	if item := d.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	member, err := d.provider.IsMember(ctx, key.WorkspaceID, key.UserID)
	if err != nil {
		return false, err
	}
	d.cache.Set(key, member, ttlcache.DefaultTTL)
	return member, nil
}

// Invalidate drops cached answers for a workspace, e.g. after it is deleted.
func (d *MemberDirectory) Invalidate(workspaceID string) {
	workspaceID = strings.TrimSpace(workspaceID)
	for _, key := range d.cache.Keys() {
		if key.WorkspaceID == workspaceID {
			d.cache.Delete(key)
		}
	}
}

// Run evicts expired answers until ctx is done.
func (d *MemberDirectory) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.cache.Stop()
	}()
	d.cache.Start()
	return nil
}
