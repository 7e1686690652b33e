// Package resolver maps conversation references onto canonical handles,
// with a time-bounded cache and a joined-list fallback scan.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

const (
	// DefaultTTL bounds how long a resolved handle is served from cache.
	DefaultTTL = time.Hour

	// DefaultScanLimit bounds the fallback scan over joined conversations.
	DefaultScanLimit = 200
)

type Config struct {
	TTL       time.Duration
	ScanLimit int
}

// Resolver resolves references through the provider, caching by normalized
// key. One instance is shared by all workers; the cache is mutex-guarded.
type Resolver struct {
	provider relay.Provider
	log      logx.Logger

	ttl       time.Duration
	scanLimit int

	mu    sync.Mutex
	cache map[string]cacheEntry

	// lookups counts provider hits, for operational visibility.
	lookups uint64
}

type cacheEntry struct {
	resolved relay.Resolved
	storedAt time.Time
}

func New(cfg Config, provider relay.Provider, log logx.Logger) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultScanLimit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		provider:  provider,
		log:       log,
		ttl:       cfg.TTL,
		scanLimit: cfg.ScanLimit,
		cache:     map[string]cacheEntry{},
	}
}

// Resolve returns the canonical handle for ref. Cache hits within the TTL
// never touch the provider. A permission-style failure surfaces as
// KindNeedsMembership and is not cached, so the host can suggest an
// explicit join instead of retrying silently.
func (r *Resolver) Resolve(ctx context.Context, ref relay.ChatRef) (*relay.Resolved, error) {
	if ref.IsZero() {
		return nil, relay.E(relay.KindResolutionFailed, "empty reference")
	}
	key := ref.Key()

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Since(e.storedAt) < r.ttl {
		res := e.resolved
		r.mu.Unlock()
		return &res, nil
	}
	r.mu.Unlock()

	res, err := r.provider.ResolveChat(ctx, ref)
	r.countLookup()
	if err != nil {
		switch relay.KindOf(err) {
		case relay.KindNeedsMembership:
			return nil, err
		case relay.KindTransient:
			return nil, err
		}
		// Direct lookup failed for "not known to this session" style
		// reasons; scan joined conversations before giving up.
		if found, ok := r.scanJoined(ctx, ref); ok {
			r.store(key, found)
			out := found
			return &out, nil
		}
		return nil, relay.WrapErr(relay.KindResolutionFailed, err)
	}

	r.store(key, res)
	out := res
	return &out, nil
}

// Invalidate eagerly drops the cached handle for ref. Called when a later
// operation against the same conversation fails with a resolution-class
// error, so stale handles are never served.
func (r *Resolver) Invalidate(ref relay.ChatRef) {
	r.mu.Lock()
	delete(r.cache, ref.Key())
	r.mu.Unlock()
}

// Lookups reports how many provider lookups were made (cache misses).
func (r *Resolver) Lookups() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

func (r *Resolver) store(key string, res relay.Resolved) {
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{resolved: res, storedAt: time.Now()}
	r.mu.Unlock()
}

func (r *Resolver) countLookup() {
	r.mu.Lock()
	r.lookups++
	r.mu.Unlock()
}

func (r *Resolver) scanJoined(ctx context.Context, ref relay.ChatRef) (relay.Resolved, bool) {
	joined, err := r.provider.JoinedChats(ctx, r.scanLimit)
	if err != nil {
		r.log.Debug("joined-chat scan failed", logx.Err(err))
		return relay.Resolved{}, false
	}
	for _, c := range joined {
		if ref.ID != 0 && c.CanonicalID == ref.ID {
			c.Ref = ref
			return c, true
		}
		if ref.Name != "" && strings.EqualFold(c.Ref.Name, ref.Name) {
			c.Ref = ref
			return c, true
		}
	}
	return relay.Resolved{}, false
}
