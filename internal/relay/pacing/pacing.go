// Package pacing spaces provider operations out per caller and absorbs
// provider-issued backoff directives for the shared connection.
package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

const (
	// DefaultStandardInterval is the minimum spacing for standard callers.
	DefaultStandardInterval = 2 * time.Second

	// DefaultPrivilegedInterval is the spacing for owner/allow-listed callers.
	DefaultPrivilegedInterval = 500 * time.Millisecond

	// BackoffCap is the hard ceiling on a provider-advised wait; flood waits
	// beyond five minutes are clamped.
	BackoffCap = 300 * time.Second
)

type Config struct {
	StandardInterval   time.Duration
	PrivilegedInterval time.Duration
	BackoffCap         time.Duration
}

// Controller owns all pacing state: one limiter per caller plus one global
// backoff deadline shared by everyone on the provider connection. A single
// instance is passed to all workers; state is mutex-guarded.
type Controller struct {
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiters map[int64]*rate.Limiter
	tiers    map[int64]relay.Tier

	// globalUntil is the shared not-before deadline set by provider backoff
	// directives. It applies to every caller, because the provider issues
	// the wait against the connection as a whole.
	globalUntil time.Time

	backoffs uint64
}

func New(cfg Config, log logx.Logger) *Controller {
	if cfg.StandardInterval <= 0 {
		cfg.StandardInterval = DefaultStandardInterval
	}
	if cfg.PrivilegedInterval <= 0 {
		cfg.PrivilegedInterval = DefaultPrivilegedInterval
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = BackoffCap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		log:      log,
		cfg:      cfg,
		limiters: map[int64]*rate.Limiter{},
		tiers:    map[int64]relay.Tier{},
	}
}

// Apply swaps intervals at runtime (config reload, owner /delay command).
// Existing per-caller limiters are rebuilt lazily on their next turn.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.StandardInterval > 0 {
		c.cfg.StandardInterval = cfg.StandardInterval
	}
	if cfg.PrivilegedInterval > 0 {
		c.cfg.PrivilegedInterval = cfg.PrivilegedInterval
	}
	if cfg.BackoffCap > 0 {
		c.cfg.BackoffCap = cfg.BackoffCap
	}
	c.limiters = map[int64]*rate.Limiter{}
	c.tiers = map[int64]relay.Tier{}
}

// StandardInterval reports the current standard-tier spacing.
func (c *Controller) StandardInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.StandardInterval
}

// WaitTurn blocks until the caller's minimum inter-operation interval has
// elapsed and any global provider backoff has passed. It returns early only
// on context cancellation.
func (c *Controller) WaitTurn(ctx context.Context, caller relay.Caller) error {
	c.mu.Lock()
	lim := c.limiterLocked(caller)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		until := c.globalUntil
		c.mu.Unlock()
		if wait := time.Until(until); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		// A backoff raised while this caller was blocked in the limiter
		// still applies; go around until both gates pass together.
		c.mu.Lock()
		pending := time.Until(c.globalUntil) > 0
		c.mu.Unlock()
		if !pending {
			return nil
		}
	}
}

// OnProviderBackoff absorbs a mandatory wait signaled by the provider. The
// wait is capped, applied globally, and this method never fails: the caller
// resumes after the delay and is expected to retry the triggering operation.
func (c *Controller) OnProviderBackoff(ctx context.Context, d time.Duration) {
	c.mu.Lock()
	if d > c.cfg.BackoffCap {
		d = c.cfg.BackoffCap
	}
	if d < 0 {
		d = 0
	}
	deadline := time.Now().Add(d)
	if deadline.After(c.globalUntil) {
		c.globalUntil = deadline
	}
	c.backoffs++
	c.mu.Unlock()

	if d > 0 {
		c.log.Warn("provider backoff", logx.Duration("wait", d))
		_ = sleepCtx(ctx, d)
	}
}

// Backoffs reports how many provider backoff directives were absorbed.
func (c *Controller) Backoffs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffs
}

func (c *Controller) limiterLocked(caller relay.Caller) *rate.Limiter {
	if lim, ok := c.limiters[caller.ID]; ok && c.tiers[caller.ID] == caller.Tier {
		return lim
	}
	interval := c.cfg.StandardInterval
	if caller.Tier == relay.TierPrivileged {
		interval = c.cfg.PrivilegedInterval
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	c.limiters[caller.ID] = lim
	c.tiers[caller.ID] = caller.Tier
	return lim
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
