package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IdentityEntry is one cached identity -> local-username mapping.
type IdentityEntry struct {
	Identity  string
	Username  string
	FetchedAt time.Time
}

// IdentityCache is the durable TTL cache consulted by the directory-backed
// identity mapper. Expiry policy lives with the mapper; the cache only
// stores entries and their fetch timestamps. Safe for concurrent use.
type IdentityCache struct {
	db *sql.DB
}

func NewIdentityCache(db *sql.DB) *IdentityCache {
	return &IdentityCache{db: db}
}

// Get returns the cached entry for identity, or ok=false when absent.
func (c *IdentityCache) Get(ctx context.Context, identity string) (IdentityEntry, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT identity, username, fetched_at FROM identity_mappings WHERE identity = ?`,
		identity)

	var entry IdentityEntry
	var fetchedAt string
	if err := row.Scan(&entry.Identity, &entry.Username, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IdentityEntry{}, false, nil
		}
		return IdentityEntry{}, false, fmt.Errorf("get identity mapping: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return IdentityEntry{}, false, fmt.Errorf("parse fetched_at: %w", err)
	}
	entry.FetchedAt = t
	return entry, true, nil
}

// Put stores or refreshes the mapping for identity.
func (c *IdentityCache) Put(ctx context.Context, entry IdentityEntry) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO identity_mappings (identity, username, fetched_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   username = excluded.username,
		   fetched_at = excluded.fetched_at`,
		entry.Identity, entry.Username, entry.FetchedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put identity mapping: %w", err)
	}
	return nil
}

// PruneExpired deletes entries fetched before cutoff and returns how many
// were removed. Run by the garbage collection task.
func (c *IdentityCache) PruneExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM identity_mappings WHERE fetched_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune identity mappings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
