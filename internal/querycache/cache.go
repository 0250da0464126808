// Package querycache keeps fetched query results keyed by their exact
// parameters, coalesces concurrent fetches of the same key and lets writers
// drop whole families of keys by prefix.
package querycache

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultStaleAfter   = 5 * time.Minute
	DefaultExpiryMargin = 60 * time.Second
)

// Key is an ordered list of segments. The first segment names the query.
type Key []string

func NewKey(parts ...string) Key { return Key(parts) }

func (k Key) String() string { return strings.Join(k, "\x1f") }

// HasPrefix matches whole segments, so ["accessAsset"] does not match
// ["accessAssets", ...].
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

type Entry struct {
	Value     any
	FetchedAt time.Time
}

// Expiring is implemented by values that carry their own validity deadline.
type Expiring interface {
	Expiry() (time.Time, bool)
}

type stored struct {
	key   Key
	entry Entry
}

type flight struct {
	key   Key
	stale bool
}

type Cache struct {
	mu       sync.Mutex
	entries  map[string]stored
	inflight map[string]*flight
	group    singleflight.Group

	staleAfter   time.Duration
	expiryMargin time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

type Option func(*Cache)

func WithStaleAfter(d time.Duration) Option { return func(c *Cache) { c.staleAfter = d } }

func WithExpiryMargin(d time.Duration) Option { return func(c *Cache) { c.expiryMargin = d } }

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.logger = l } }

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:      map[string]stored{},
		inflight:     map[string]*flight{},
		staleAfter:   DefaultStaleAfter,
		expiryMargin: DefaultExpiryMargin,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key.String()]
	return s.entry, ok
}

func (c *Cache) Put(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

func (c *Cache) putLocked(key Key, value any) {
	k := append(Key(nil), key...)
	c.entries[k.String()] = stored{key: k, entry: Entry{Value: value, FetchedAt: c.now()}}
}

// Invalidate removes every entry under prefix and returns how many were
// dropped. Fetches in flight for matching keys finish for their current
// waiters but are not stored, and the next reader starts a new fetch.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, s := range c.entries {
		if s.key.HasPrefix(prefix) {
			delete(c.entries, k)
			n++
		}
	}
	for k, f := range c.inflight {
		if f.key.HasPrefix(prefix) {
			f.stale = true
			// A reader arriving after the write must not join a fetch that
			// may predate it, so it gets a flight of its own while the old
			// one drains.
			c.group.Forget(k)
		}
	}
	c.logger.Debug("Cache invalidated", zap.Strings("prefix", prefix), zap.Int("dropped", n))
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot copies every entry, keyed by Key.String().
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for k, s := range c.entries {
		out[k] = s.entry
	}
	return out
}

// Fresh reports whether e may still be served at now.
func (c *Cache) Fresh(e Entry, now time.Time) bool {
	if exp, ok := e.Value.(Expiring); ok {
		if deadline, ok := exp.Expiry(); ok {
			return now.Before(deadline.Add(-c.expiryMargin))
		}
	}
	return now.Before(e.FetchedAt.Add(c.staleAfter))
}

// Fetch serves key from the cache while fresh, otherwise runs fn once for all
// concurrent callers of the same key. A caller whose ctx ends stops waiting,
// but fn keeps running without that cancellation and its result is cached.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if e, ok := c.Get(key); ok && c.Fresh(e, c.now()) {
		if v, ok := e.Value.(T); ok {
			return v, nil
		}
	}

	k := key.String()
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (any, error) {
		f := &flight{key: append(Key(nil), key...)}
		c.mu.Lock()
		c.inflight[k] = f
		c.mu.Unlock()

		v, err := fn(detached)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inflight[k] == f {
			delete(c.inflight, k)
		}
		if err != nil {
			return nil, err
		}
		if f.stale {
			c.logger.Debug("Discarding result invalidated mid-flight", zap.Strings("key", key))
		} else {
			c.putLocked(key, v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}
