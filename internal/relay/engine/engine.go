// Package engine implements the per-message relay state machine: an ordered
// strategy table evaluated until one strategy reproduces the message in the
// target conversation, or all applicable strategies are exhausted.
package engine

import (
	"context"
	"os"
	"time"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// DefaultMaxMediaBytes is the payload ceiling before the local download
// strategy is rejected with too_large.
const DefaultMaxMediaBytes = 2 << 30 // 2 GiB, the provider's own bot ceiling

type Config struct {
	// MaxMediaBytes rejects payloads larger than this before any download
	// is attempted. 0 means DefaultMaxMediaBytes.
	MaxMediaBytes int64

	// CallTimeout bounds each provider call. 0 disables the per-call bound.
	CallTimeout time.Duration
}

// Engine drives the ordered strategy list for one message at a time.
type Engine struct {
	provider relay.Provider
	cfg      Config
	log      logx.Logger
}

func New(cfg Config, provider relay.Provider, log logx.Logger) *Engine {
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{provider: provider, cfg: cfg, log: log}
}

// attempt carries the per-message state shared by the strategies, including
// the content descriptor fetched at most once.
type attempt struct {
	conv    *relay.Resolved
	msgID   int
	target  kit.ChatTarget
	content *relay.Content
	fetched bool
}

// fetch materializes the content descriptor on first use.
func (e *Engine) fetch(ctx context.Context, at *attempt) (*relay.Content, error) {
	if at.fetched {
		return at.content, nil
	}
	c, err := e.provider.FetchMessage(ctx, at.conv.CanonicalID, at.msgID)
	if err != nil {
		return nil, err
	}
	at.content = c
	at.fetched = true
	return c, nil
}

// strategy is one entry of the static table: a precondition filter plus the
// reproduction step itself.
type strategy struct {
	name string

	// applies filters the strategy out before it is attempted, so a
	// guaranteed failure never consumes a pacing slot.
	applies func(e *Engine, at *attempt) bool

	run func(ctx context.Context, e *Engine, at *attempt) error
}

// strategies is the static, declaratively ordered table. Order matters:
// direct relay is cheapest, local republish is the last resort.
var strategies = []strategy{
	{
		name: "direct",
		applies: func(_ *Engine, at *attempt) bool {
			// A conversation known to be restricted makes direct relay a
			// guaranteed failure; skip rather than burn the attempt.
			return !at.conv.Restricted
		},
		run: func(ctx context.Context, e *Engine, at *attempt) error {
			return e.provider.RelayMessage(ctx, at.conv.CanonicalID, at.msgID, at.target)
		},
	},
	{
		name:    "reemit",
		applies: func(_ *Engine, _ *attempt) bool { return true },
		run: func(ctx context.Context, e *Engine, at *attempt) error {
			content, err := e.fetch(ctx, at)
			if err != nil {
				return err
			}
			if content == nil || (!content.HasMedia() && content.Text == "") {
				return relay.E(relay.KindNotFound, "message %d has no content", at.msgID)
			}
			return e.provider.Republish(ctx, at.target, content)
		},
	},
	{
		name: "local",
		applies: func(_ *Engine, at *attempt) bool {
			// Only worth trying when a media payload exists; text-only
			// failures from reemit are terminal.
			return at.fetched && at.content.HasMedia()
		},
		run: func(ctx context.Context, e *Engine, at *attempt) error {
			return e.republishViaLocal(ctx, at)
		},
	},
}

// Relay runs the strategy table for one message and classifies the result.
// A transient/throttling failure aborts immediately; the orchestrator owns
// backoff and the retry decision.
func (e *Engine) Relay(ctx context.Context, conv *relay.Resolved, msgID int, target kit.ChatTarget) relay.Outcome {
	at := &attempt{conv: conv, msgID: msgID, target: target}

	var lastErr error
	var lastStrategy string

	for _, s := range strategies {
		if !s.applies(e, at) {
			continue
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.CallTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		}
		err := s.run(runCtx, e, at)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return e.outcome(at, relay.StatusSuccess, s.name, "")
		}

		kind := relay.KindOf(err)
		e.log.Debug("strategy failed",
			logx.String("strategy", s.name),
			logx.Int64("chat_id", conv.CanonicalID),
			logx.Int("message_id", msgID),
			logx.String("kind", string(kind)),
			logx.Err(err))

		switch kind {
		case relay.KindTransient:
			// Abort the whole attempt; the caller owns backoff and retry.
			out := e.outcome(at, relay.StatusTransient, s.name, err.Error())
			out.RetryAfter = relay.RetryAfterOf(err)
			out.FailKind = relay.KindTransient
			return out
		case relay.KindNotFound:
			// The message is gone; no later strategy can find it.
			out := e.outcome(at, relay.StatusNotFound, s.name, err.Error())
			out.FailKind = relay.KindNotFound
			return out
		case relay.KindTooLarge:
			out := e.outcome(at, relay.StatusTooLarge, s.name, err.Error())
			out.FailKind = relay.KindTooLarge
			return out
		}

		lastErr = err
		lastStrategy = s.name
	}

	if lastErr == nil {
		// Every strategy was filtered out: restricted source and nothing
		// fetchable.
		out := e.outcome(at, relay.StatusRestricted, "", "no applicable strategy")
		out.FailKind = relay.KindRestricted
		return out
	}
	out := e.outcome(at, relay.StatusOf(lastErr), lastStrategy, lastErr.Error())
	out.FailKind = relay.KindOf(lastErr)
	return out
}

func (e *Engine) outcome(at *attempt, status relay.Status, strategyName, reason string) relay.Outcome {
	return relay.Outcome{
		ChatID:    at.conv.CanonicalID,
		MessageID: at.msgID,
		TargetID:  at.target.ChatID,
		Status:    status,
		Strategy:  strategyName,
		Reason:    reason,
		At:        time.Now(),
	}
}

// republishViaLocal materializes the payload locally, publishes it, and
// removes the local copy on every exit path.
func (e *Engine) republishViaLocal(ctx context.Context, at *attempt) error {
	media := at.content.Media
	if media.Size > e.cfg.MaxMediaBytes {
		return relay.E(relay.KindTooLarge, "payload %d bytes exceeds ceiling %d", media.Size, e.cfg.MaxMediaBytes)
	}

	path, err := e.provider.DownloadMedia(ctx, media)
	if err != nil {
		return err
	}
	defer func() {
		if path == "" {
			return
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			e.log.Warn("transient download not removed", logx.String("path", path), logx.Err(rmErr))
		}
	}()

	caption := at.content.Caption
	if caption == "" {
		caption = at.content.Text
	}
	return e.provider.PublishLocal(ctx, at.target, path, media, caption)
}
