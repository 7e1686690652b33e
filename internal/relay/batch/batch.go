// Package batch drives the relay strategy engine across a message-id range:
// pacing before each item, one automatic retry after a provider backoff,
// periodic progress, per-item outcome recording and final accounting.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	"relaybot/internal/relay/ref"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// DefaultProgressEvery is the progress cadence in items.
const DefaultProgressEvery = 10

// Resolver is the conversation resolution port.
type Resolver interface {
	Resolve(ctx context.Context, chatRef relay.ChatRef) (*relay.Resolved, error)
	Invalidate(chatRef relay.ChatRef)
}

// Pacer is the pacing port.
type Pacer interface {
	WaitTurn(ctx context.Context, caller relay.Caller) error
	OnProviderBackoff(ctx context.Context, d time.Duration)
}

// Relayer is the per-message strategy engine port.
type Relayer interface {
	Relay(ctx context.Context, conv *relay.Resolved, msgID int, target kit.ChatTarget) relay.Outcome
}

// OutcomeLog is the persistence port for processed items.
type OutcomeLog interface {
	AppendOutcome(ctx context.Context, o relay.Outcome) error
	StatsSince(ctx context.Context, since time.Time) (relay.Stats, error)
}

type Config struct {
	// ProgressEvery controls the progress cadence; 0 means the default.
	ProgressEvery int

	// MaxSpan is handed to the reference parser; 0 means ref.DefaultMaxSpan.
	MaxSpan int
}

// Progress is a running tally emitted while a range is being processed.
type Progress struct {
	BatchID    string
	Chat       string
	Processed  int
	Total      int
	Successful int
	Failed     int
	Restricted int
	Done       bool
}

// ProgressFunc receives periodic tallies. May be nil.
type ProgressFunc func(Progress)

// Orchestrator is the entry point the host hands references to. Batches from
// different callers may run concurrently; each batch is a strictly
// sequential pipeline.
type Orchestrator struct {
	cfg      Config
	resolver Resolver
	pacer    Pacer
	engine   Relayer
	outlog   OutcomeLog
	bus      eventbus.Bus
	log      logx.Logger

	mu       sync.Mutex
	profiles map[int64]*relay.CallerProfile
}

func New(cfg Config, resolver Resolver, pacer Pacer, engine Relayer, outlog OutcomeLog, bus eventbus.Bus, log logx.Logger) *Orchestrator {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		cfg:      cfg,
		resolver: resolver,
		pacer:    pacer,
		engine:   engine,
		outlog:   outlog,
		bus:      bus,
		log:      log,
		profiles: map[int64]*relay.CallerProfile{},
	}
}

// HandleReference parses text, resolves the conversation and processes the
// range. Parse and membership failures surface immediately without
// consuming a pacing slot.
func (o *Orchestrator) HandleReference(ctx context.Context, text string, target kit.ChatTarget, caller relay.Caller, onProgress ProgressFunc) (relay.BatchResult, error) {
	rng, err := ref.Parser{MaxSpan: o.cfg.MaxSpan}.Parse(text)
	if err != nil {
		return relay.BatchResult{}, err
	}

	conv, err := o.resolver.Resolve(ctx, rng.Chat)
	if err != nil {
		return relay.BatchResult{}, err
	}

	return o.Process(ctx, rng, conv, target, caller, onProgress)
}

// Process runs the range in ascending message-id order. A later item is
// never attempted before the earlier one's outcome is recorded. Item
// failures never abort the batch; only cancellation stops it early, after
// the current item's outcome is written.
func (o *Orchestrator) Process(ctx context.Context, rng relay.MessageRange, conv *relay.Resolved, target kit.ChatTarget, caller relay.Caller, onProgress ProgressFunc) (relay.BatchResult, error) {
	batchID := uuid.NewString()
	start := time.Now()
	res := relay.BatchResult{Truncated: rng.Truncated}

	o.touchProfile(caller, 1, 0)
	o.log.Info("batch started",
		logx.String("batch", batchID),
		logx.String("range", rng.String()),
		logx.Int("total", rng.Len()),
		logx.Int64("caller", caller.ID))

	for id := rng.StartID; id <= rng.EndID; id++ {
		if err := ctx.Err(); err != nil {
			o.finish(batchID, conv.DisplayName, rng, &res, start, onProgress)
			return res, err
		}

		out, err := o.processOne(ctx, conv, id, target, caller)
		if err != nil {
			// Canceled while waiting for a slot: nothing was attempted for
			// this id, so nothing is recorded.
			o.finish(batchID, conv.DisplayName, rng, &res, start, onProgress)
			return res, err
		}
		// The item already ran; its outcome is recorded even when the batch
		// was canceled mid-item, so drivers that honor ctx don't drop it.
		if err := o.outlog.AppendOutcome(context.WithoutCancel(ctx), out); err != nil {
			o.log.Warn("outcome append failed", logx.String("batch", batchID), logx.Err(err))
		}

		res.Total++
		switch out.Status {
		case relay.StatusSuccess:
			res.Successful++
		case relay.StatusRestricted:
			res.Restricted++
			res.Failed++
		default:
			res.Failed++
		}

		if out.FailKind == relay.KindResolutionFailed {
			// A stale handle would keep failing; drop it so the next batch
			// re-resolves.
			o.resolver.Invalidate(rng.Chat)
		}

		if res.Total%o.cfg.ProgressEvery == 0 && res.Total < rng.Len() {
			o.emit(onProgress, Progress{
				BatchID:    batchID,
				Chat:       conv.DisplayName,
				Processed:  res.Total,
				Total:      rng.Len(),
				Successful: res.Successful,
				Failed:     res.Failed,
				Restricted: res.Restricted,
			})
		}
	}

	o.touchProfile(caller, 0, res.Successful)
	o.finish(batchID, conv.DisplayName, rng, &res, start, onProgress)
	return res, nil
}

// processOne runs one item: pacing slot, strategy engine, and on a
// transient failure one backoff plus one retry of the same id. The error
// return is cancellation only.
func (o *Orchestrator) processOne(ctx context.Context, conv *relay.Resolved, id int, target kit.ChatTarget, caller relay.Caller) (relay.Outcome, error) {
	if err := o.pacer.WaitTurn(ctx, caller); err != nil {
		return relay.Outcome{}, err
	}

	out := o.engine.Relay(ctx, conv, id, target)
	if out.Status != relay.StatusTransient {
		return out, nil
	}

	o.pacer.OnProviderBackoff(ctx, out.RetryAfter)
	if err := o.pacer.WaitTurn(ctx, caller); err != nil {
		// The first attempt's transient outcome stands as the record.
		return out, nil
	}

	// A second transient stands as the recorded failure; never retried
	// again so batch latency stays bounded.
	return o.engine.Relay(ctx, conv, id, target), nil
}

// Statistics aggregates outcome counts over a trailing window.
func (o *Orchestrator) Statistics(ctx context.Context, window time.Duration) (relay.Stats, error) {
	return o.outlog.StatsSince(ctx, time.Now().Add(-window))
}

// Profile returns a copy of the caller's in-memory usage profile.
func (o *Orchestrator) Profile(callerID int64) (relay.CallerProfile, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.profiles[callerID]
	if !ok {
		return relay.CallerProfile{}, false
	}
	return *p, true
}

func (o *Orchestrator) finish(batchID, chat string, rng relay.MessageRange, res *relay.BatchResult, start time.Time, onProgress ProgressFunc) {
	o.emit(onProgress, Progress{
		BatchID:    batchID,
		Chat:       chat,
		Processed:  res.Total,
		Total:      rng.Len(),
		Successful: res.Successful,
		Failed:     res.Failed,
		Restricted: res.Restricted,
		Done:       true,
	})
	fields := []logx.Field{
		logx.String("batch", batchID),
		logx.Int("total", res.Total),
		logx.Int("ok", res.Successful),
		logx.Int("failed", res.Failed),
		logx.Int("restricted", res.Restricted),
		logx.Duration("took", time.Since(start)),
	}
	if res.Failed > 0 {
		o.log.Warn("batch finished with failures", fields...)
	} else {
		o.log.Info("batch finished", fields...)
	}
}

func (o *Orchestrator) emit(onProgress ProgressFunc, p Progress) {
	if onProgress != nil {
		onProgress(p)
	}
	if o.bus != nil {
		typ := "relay.progress"
		if p.Done {
			typ = "relay.batch_done"
		}
		o.bus.Publish(eventbus.Event{Type: typ, Data: p})
	}
}

func (o *Orchestrator) touchProfile(caller relay.Caller, requests, successes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.profiles[caller.ID]
	if p == nil {
		p = &relay.CallerProfile{ID: caller.ID, Tier: caller.Tier}
		o.profiles[caller.ID] = p
	}
	p.Tier = caller.Tier
	p.LastOpAt = time.Now()
	p.RequestCount += requests
	p.SuccessCount += successes
}

