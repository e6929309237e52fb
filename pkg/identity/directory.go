package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/store"
)

// Directory is the external lookup service consulted on cache misses.
type Directory interface {
	// Lookup returns the local username for identity, or ErrNotFound.
	Lookup(ctx context.Context, identity string) (string, error)
}

// CachedDirectoryMapper resolves identities through a Directory, fronted
// by a durable TTL cache.
//
// Expiry policy:
//   - an entry younger than TTL is served from cache without a lookup
//   - an entry older than TTL is treated as absent and re-fetched
//   - a failed re-fetch with any cached entry still returns the cached
//     value (stale-while-error, with a logged warning)
//   - a failed fetch with no cached entry is ErrUnresolved
type CachedDirectoryMapper struct {
	directory Directory
	cache     *store.IdentityCache
	ttl       time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

func NewCachedDirectoryMapper(directory Directory, cache *store.IdentityCache, ttl time.Duration, logger *zap.Logger) (*CachedDirectoryMapper, error) {
	if directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("identity cache is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("identity cache ttl must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedDirectoryMapper{
		directory: directory,
		cache:     cache,
		ttl:       ttl,
		clock:     clock.New(),
		logger:    logger,
	}, nil
}

// WithClock replaces the time source. Intended for tests.
func (m *CachedDirectoryMapper) WithClock(c clock.Clock) *CachedDirectoryMapper {
	m.clock = c
	return m
}

func (m *CachedDirectoryMapper) Resolve(ctx context.Context, ownerIdentity string) (string, error) {
	ownerIdentity = strings.TrimSpace(ownerIdentity)
	if ownerIdentity == "" {
		return "", fmt.Errorf("%w: empty owner identity", ErrUnresolved)
	}

	now := m.clock.Now()

	entry, cached, err := m.cache.Get(ctx, ownerIdentity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	if cached && now.Sub(entry.FetchedAt) <= m.ttl {
		return entry.Username, nil
	}

	username, lookupErr := m.directory.Lookup(ctx, ownerIdentity)
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrNotFound) {
			// A definitive miss is not a transient failure; the stale
			// entry, if any, no longer reflects the directory.
			return "", fmt.Errorf("%w: %s has no directory entry", ErrUnresolved, ownerIdentity)
		}
		if cached {
			m.logger.Warn("directory lookup failed, serving stale mapping",
				zap.String("identity", ownerIdentity),
				zap.Time("fetched_at", entry.FetchedAt),
				zap.Error(lookupErr))
			return entry.Username, nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnresolved, lookupErr)
	}

	if err := m.cache.Put(ctx, store.IdentityEntry{
		Identity:  ownerIdentity,
		Username:  username,
		FetchedAt: now,
	}); err != nil {
		// The lookup succeeded; a cache write failure costs one extra
		// fetch later, nothing more.
		m.logger.Warn("failed to cache identity mapping",
			zap.String("identity", ownerIdentity),
			zap.Error(err))
	}

	return username, nil
}
