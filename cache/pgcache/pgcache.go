// Package pgcache implements cache.Storage on Postgres so several edge
// processes can share one set of cache generations.
package pgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/briangreenhill/devkit/cache"
)

// DBTX is the subset of pgxpool.Pool, pgx.Conn and pgx.Tx used here
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS sw_caches (
	name       TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sw_cache_entries (
	cache_name TEXT NOT NULL REFERENCES sw_caches(name) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	seq        BIGSERIAL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	type       TEXT NOT NULL,
	header     JSONB NOT NULL DEFAULT '{}'::jsonb,
	body       BYTEA NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (cache_name, key)
);`

// Storage is a Postgres-backed cache.Storage
type Storage struct {
	db DBTX
}

// New wraps db. Call Migrate once before use.
func New(db DBTX) *Storage {
	return &Storage{db: db}
}

// Migrate creates the tables when missing
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate cache schema: %w", err)
	}
	return nil
}

// Open implements cache.Storage
func (s *Storage) Open(ctx context.Context, name string) (cache.Cache, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sw_caches (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &pgCache{db: s.db, name: name}, nil
}

// Has implements cache.Storage
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sw_caches WHERE name = $1)`, name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check cache %s: %w", name, err)
	}
	return ok, nil
}

// Delete implements cache.Storage
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sw_caches WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Keys implements cache.Storage
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM sw_caches ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	return names, nil
}

type pgCache struct {
	db   DBTX
	name string
}

func (c *pgCache) Name() string { return c.name }

const selectEntry = `SELECT url, status, type, header, body, stored_at FROM sw_cache_entries`

func (c *pgCache) Match(ctx context.Context, key string, opts cache.MatchOptions) (*cache.Entry, error) {
	var row pgx.Row
	if opts.IgnoreSearch {
		bare, _, _ := strings.Cut(key, "?")
		row = c.db.QueryRow(ctx,
			selectEntry+` WHERE cache_name = $1 AND split_part(key, '?', 1) = $2 ORDER BY seq LIMIT 1`,
			c.name, bare)
	} else {
		row = c.db.QueryRow(ctx,
			selectEntry+` WHERE cache_name = $1 AND key = $2`, c.name, key)
	}

	var (
		e      cache.Entry
		typ    string
		header []byte
	)
	err := row.Scan(&e.URL, &e.Status, &typ, &header, &e.Body, &e.StoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match %s in %s: %w", key, c.name, err)
	}
	e.Type = cache.ResponseType(typ)
	if len(header) > 0 {
		e.Header = make(http.Header)
		if err := json.Unmarshal(header, &e.Header); err != nil {
			return nil, fmt.Errorf("decode header of %s: %w", key, err)
		}
	}
	return &e, nil
}

func (c *pgCache) Put(ctx context.Context, key string, entry *cache.Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encode header of %s: %w", key, err)
	}
	if entry.Header == nil {
		header = []byte("{}")
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	_, err = c.db.Exec(ctx, `
INSERT INTO sw_cache_entries (cache_name, key, url, status, type, header, body, stored_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
ON CONFLICT (cache_name, key) DO UPDATE SET
	url = EXCLUDED.url,
	status = EXCLUDED.status,
	type = EXCLUDED.type,
	header = EXCLUDED.header,
	body = EXCLUDED.body,
	stored_at = EXCLUDED.stored_at`,
		c.name, key, entry.URL, entry.Status, string(entry.Type), string(header), body, storedAt)
	if err != nil {
		return fmt.Errorf("put %s into %s: %w", key, c.name, err)
	}
	return nil
}

func (c *pgCache) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := c.db.Exec(ctx,
		`DELETE FROM sw_cache_entries WHERE cache_name = $1 AND key = $2`, c.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %s from %s: %w", key, c.name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (c *pgCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.Query(ctx,
		`SELECT key FROM sw_cache_entries WHERE cache_name = $1 ORDER BY seq`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list entries of %s: %w", c.name, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list entries of %s: %w", c.name, err)
	}
	return keys, nil
}
