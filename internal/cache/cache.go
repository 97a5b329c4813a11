// Package cache is a time-boxed read-through cache over a localstore.Store.
// Entries are immutable JSON envelopes carrying their own expiry; a refresh
// replaces the envelope wholesale.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/researchsync/internal/localstore"
)

const (
	DefaultTTL = 5 * time.Minute

	// Past this fraction of the TTL an entry is considered stale enough to
	// refresh in the background while still being served.
	refreshAgeFraction = 0.8

	backgroundRefreshTimeout = 30 * time.Second
)

var ErrInvalidInput = errors.New("invalid input")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	TTL               time.Duration
	ForceRefresh      bool
	BackgroundRefresh bool
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	CachedAt  time.Time       `json:"cachedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type Cache struct {
	store  localstore.Store
	logger Logger
	now    func() time.Time

	refreshMu sync.Mutex
	refreshes map[string]struct{}
	wg        sync.WaitGroup
}

func New(store localstore.Store, logger Logger) (*Cache, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	return &Cache{
		store:     store,
		logger:    logger,
		now:       time.Now,
		refreshes: map[string]struct{}{},
	}, nil
}

// GetOrFetch returns the cached value for key when an unexpired entry exists,
// otherwise it calls producer and caches the result. Producer failures are
// returned to the caller and never cached. With BackgroundRefresh set, an
// entry older than 80% of its TTL is still returned synchronously while a
// detached refresh replaces it; a failed background refresh is logged and
// discarded.
func GetOrFetch[T any](ctx context.Context, c *Cache, key string, producer func(context.Context) (T, error), opts Options) (T, error) {
	var zero T
	if c == nil || producer == nil || strings.TrimSpace(key) == "" {
		return zero, ErrInvalidInput
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if !opts.ForceRefresh {
		if env, ok := c.readEnvelope(key); ok {
			var value T
			if err := json.Unmarshal(env.Data, &value); err != nil {
				c.logf("cache entry %s is unreadable, refetching: %v", key, err)
			} else {
				if opts.BackgroundRefresh && c.now().Sub(env.CachedAt) > staleAge(ttl) {
					refreshInBackground(c, key, ttl, producer)
				}
				return value, nil
			}
		}
	}
	value, err := producer(ctx)
	if err != nil {
		return zero, err
	}
	if err := c.writeEntry(key, ttl, value); err != nil {
		// Serving the fresh value matters more than persisting it.
		c.logf("cache write for %s failed: %v", key, err)
	}
	return value, nil
}

// Put stores a value directly, without a producer round trip. Callers that
// already hold an authoritative result use it to keep the cache warm.
func Put[T any](c *Cache, key string, value T, ttl time.Duration) error {
	if c == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return c.writeEntry(key, ttl, value)
}

func (c *Cache) Remove(key string) error {
	if c == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return c.store.Delete(key)
}

func (c *Cache) RemoveByPrefix(prefix string) error {
	if c == nil || strings.TrimSpace(prefix) == "" {
		return ErrInvalidInput
	}
	keys, err := c.store.Keys()
	if err != nil {
		return err
	}
	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return c.store.DeleteAll(matched)
}

type PrefixStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

type Stats struct {
	TotalEntries int                    `json:"totalEntries"`
	TotalBytes   int64                  `json:"totalBytes"`
	ByPrefix     map[string]PrefixStats `json:"byPrefix"`
}

// Stats reports entry counts and approximate serialized sizes per key-type
// prefix (the part of the key before the first ':'). Diagnostic only.
func (c *Cache) Stats() (Stats, error) {
	if c == nil {
		return Stats{}, ErrInvalidInput
	}
	keys, err := c.store.Keys()
	if err != nil {
		return Stats{}, err
	}
	sort.Strings(keys)
	stats := Stats{ByPrefix: map[string]PrefixStats{}}
	for _, key := range keys {
		raw, err := c.store.Get(key)
		if err != nil {
			continue
		}
		prefix := key
		if idx := strings.Index(key, ":"); idx >= 0 {
			prefix = key[:idx]
		}
		entry := stats.ByPrefix[prefix]
		entry.Entries++
		entry.Bytes += int64(len(raw))
		stats.ByPrefix[prefix] = entry
		stats.TotalEntries++
		stats.TotalBytes += int64(len(raw))
	}
	return stats, nil
}

// Close waits for in-flight background refreshes to settle.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.wg.Wait()
	return nil
}

func (c *Cache) readEnvelope(key string) (envelope, bool) {
	raw, err := c.store.Get(key)
	if err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			c.logf("cache read for %s failed: %v", key, err)
		}
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A malformed entry is a miss, not a failure.
		c.logf("cache entry %s is malformed, treating as miss: %v", key, err)
		return envelope{}, false
	}
	if !c.now().Before(env.ExpiresAt) {
		return envelope{}, false
	}
	return env, true
}

func (c *Cache) writeEntry(key string, ttl time.Duration, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := c.now()
	env := envelope{
		Data:      data,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.store.Set(key, raw)
}

// refreshInBackground starts at most one detached refresh per key. The
// triggering caller is never blocked and never sees a refresh failure.
func refreshInBackground[T any](c *Cache, key string, ttl time.Duration, producer func(context.Context) (T, error)) {
	c.refreshMu.Lock()
	if _, inFlight := c.refreshes[key]; inFlight {
		c.refreshMu.Unlock()
		return
	}
	c.refreshes[key] = struct{}{}
	c.refreshMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.refreshMu.Lock()
			delete(c.refreshes, key)
			c.refreshMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		value, err := producer(ctx)
		if err != nil {
			c.logf("background refresh for %s failed: %v", key, err)
			return
		}
		if err := c.writeEntry(key, ttl, value); err != nil {
			c.logf("background refresh write for %s failed: %v", key, err)
		}
	}()
}

func staleAge(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl) * refreshAgeFraction)
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
