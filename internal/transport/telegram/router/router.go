// Package router bridges inbound chat updates to the relay pipeline: it
// parses commands, authorizes callers and renders batch progress back into
// the chat.
package router

import (
	"context"
	"runtime"
	"strings"
	"time"

	"relaybot/internal/relay"
	"relaybot/internal/relay/batch"
	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// RelayService is the orchestrator port the router drives.
type RelayService interface {
	HandleReference(ctx context.Context, text string, target kit.ChatTarget, caller relay.Caller, onProgress batch.ProgressFunc) (relay.BatchResult, error)
	Statistics(ctx context.Context, window time.Duration) (relay.Stats, error)
}

// PacingAdmin lets the owner retune pacing at runtime.
type PacingAdmin interface {
	Apply(standard, privileged time.Duration)
	StandardInterval() time.Duration
}

// SettingsStore persists runtime overrides across restarts. May be nil.
type SettingsStore interface {
	PutSetting(ctx context.Context, key, value string) error
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // "" for plain text
	Args    []string
	Caller  relay.Caller
}

type Config struct {
	Owners []int64

	// HandlerTimeout bounds command handlers. Batch processing is exempt;
	// it runs under the dispatch context and is paced internally.
	HandlerTimeout time.Duration
}

type Router struct {
	cfg     Config
	log     logx.Logger
	adapter kit.Adapter
	svc     RelayService
	pacing  PacingAdmin
	store   SettingsStore

	owners map[int64]bool
	handle HandlerFunc
}

func New(cfg Config, adapter kit.Adapter, svc RelayService, pacing PacingAdmin, store SettingsStore, log logx.Logger) *Router {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	owners := make(map[int64]bool, len(cfg.Owners))
	for _, id := range cfg.Owners {
		owners[id] = true
	}
	r := &Router{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		svc:     svc,
		pacing:  pacing,
		store:   store,
		owners:  owners,
	}
	r.handle = Chain(r.route,
		MWPanicRecover(log),
		MWRequestLog(log),
	)
	return r
}

// MenuCommands returns the command list published to the platform menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "what this bot does"},
		{Command: "help", Description: "usage and link formats"},
		{Command: "stats", Description: "relay totals for the last 24h"},
		{Command: "ping", Description: "check the bot is alive"},
		{Command: "delay", Description: "show or set pacing (owner)"},
	}
}

// DispatchLoop consumes updates until ctx is canceled. Each update is handled
// on a bounded worker pool so one long batch doesn't starve commands.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("dispatcher started", logx.Int("workers", workers))

	jobs := make(chan kit.Update, 64)
	for i := 0; i < workers; i++ {
		sup.Go0("worker", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case up, ok := <-jobs:
					if !ok {
						return
					}
					r.dispatch(c, up)
				}
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return sup.Wait(wctx)
		case up, ok := <-updates:
			if !ok {
				close(jobs)
				sup.Cancel()
				return nil
			}
			select {
			case jobs <- up:
			default:
				r.log.Warn("update dropped (queue full)")
			}
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil || strings.TrimSpace(m.Text) == "" {
		return
	}

	req := &Request{
		Update: up,
		Chat:   kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID},
		FromID: m.FromID,
		Caller: relay.Caller{ID: m.FromID, Tier: r.tierOf(m.FromID)},
	}
	if cmd, args, ok := parseCommand(m.Text); ok {
		req.Command = cmd
		req.Args = args
	}
	_ = r.handle(ctx, req)
}

func (r *Router) tierOf(userID int64) relay.Tier {
	if r.owners[userID] {
		return relay.TierPrivileged
	}
	return relay.TierStandard
}

func (r *Router) isOwner(userID int64) bool { return r.owners[userID] }

// parseCommand recognizes "/cmd arg arg" and strips a trailing @botname.
func parseCommand(text string) (cmd string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	cmd = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}
