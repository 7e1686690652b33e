// Package app wires configuration, transport, the relay pipeline and the
// background services into one process.
package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	"relaybot/internal/relay/batch"
	"relaybot/internal/relay/engine"
	"relaybot/internal/relay/pacing"
	"relaybot/internal/relay/resolver"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/services/maintenance"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram/adapter"
	"relaybot/internal/transport/telegram/router"
	logx "relaybot/pkg/logx"
)

// settingPacingStandard is the settings key the /delay command persists.
const settingPacingStandard = "pacing.standard_interval"

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	adapter *adapter.Adapter

	pacer  *pacing.Controller
	res    *resolver.Resolver
	eng    *engine.Engine
	orch   *batch.Orchestrator
	router *router.Router
	maint  *maintenance.Service

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

// relayTuning is the parsed form of config.RelayConfig.
type relayTuning struct {
	pollTimeout        time.Duration
	callTimeout        time.Duration
	standardInterval   time.Duration
	privilegedInterval time.Duration
	backoffCap         time.Duration
	cacheTTL           time.Duration
}

func parseTuning(cfg *config.Config) (relayTuning, error) {
	var t relayTuning
	var err error
	if t.pollTimeout, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return t, err
	}
	if t.callTimeout, err = config.ParseDurationOrDefault("relay.call_timeout", cfg.Relay.CallTimeout, 0); err != nil {
		return t, err
	}
	if t.standardInterval, err = config.ParseDurationOrDefault("relay.standard_interval", cfg.Relay.StandardInterval, pacing.DefaultStandardInterval); err != nil {
		return t, err
	}
	if t.privilegedInterval, err = config.ParseDurationOrDefault("relay.privileged_interval", cfg.Relay.PrivilegedInterval, pacing.DefaultPrivilegedInterval); err != nil {
		return t, err
	}
	if t.backoffCap, err = config.ParseDurationOrDefault("relay.backoff_cap", cfg.Relay.BackoffCap, pacing.BackoffCap); err != nil {
		return t, err
	}
	if t.cacheTTL, err = config.ParseDurationOrDefault("relay.cache_ttl", cfg.Relay.CacheTTL, resolver.DefaultTTL); err != nil {
		return t, err
	}
	return t, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

// pacingAdmin adapts the pacing controller to the router's admin port. The
// router only retunes intervals; the backoff cap stays as configured.
type pacingAdmin struct{ c *pacing.Controller }

func (p pacingAdmin) Apply(standard, privileged time.Duration) {
	p.c.Apply(pacing.Config{StandardInterval: standard, PrivilegedInterval: privileged})
}

func (p pacingAdmin) StandardInterval() time.Duration { return p.c.StandardInterval() }

// nopOutcomeLog stands in when storage is disabled: outcomes are dropped and
// statistics read as zero.
type nopOutcomeLog struct{}

func (nopOutcomeLog) AppendOutcome(context.Context, relay.Outcome) error { return nil }
func (nopOutcomeLog) StatsSince(context.Context, time.Time) (relay.Stats, error) {
	return relay.Stats{}, nil
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	tuning, err := parseTuning(cfg)
	if err != nil {
		return nil, err
	}

	// Console-only logger until the full log service (file/telegram sinks)
	// is up; the telegram sink needs the adapter first.
	bootLog := logx.NewConsole(cfg.Logging.Level)

	ad, err := adapter.New(adapter.Config{
		Token:         cfg.Telegram.Token,
		PollTimeout:   tuning.pollTimeout,
		ScratchChatID: cfg.Telegram.ScratchChatID,
		DownloadsDir:  cfg.Relay.DownloadsDir,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	bus := eventbus.New()

	pacer := pacing.New(pacing.Config{
		StandardInterval:   tuning.standardInterval,
		PrivilegedInterval: tuning.privilegedInterval,
		BackoffCap:         tuning.backoffCap,
	}, log.With(logx.String("comp", "pacing")))

	res := resolver.New(resolver.Config{TTL: tuning.cacheTTL}, ad,
		log.With(logx.String("comp", "resolver")))

	eng := engine.New(engine.Config{
		MaxMediaBytes: cfg.Relay.MaxMediaBytes,
		CallTimeout:   tuning.callTimeout,
	}, ad, log.With(logx.String("comp", "engine")))

	var outlog batch.OutcomeLog = nopOutcomeLog{}
	if store != nil {
		outlog = store
	}
	orch := batch.New(batch.Config{
		ProgressEvery: cfg.Relay.ProgressEvery,
		MaxSpan:       cfg.Relay.MaxRange,
	}, res, pacer, eng, outlog, bus, log.With(logx.String("comp", "batch")))

	var settings router.SettingsStore
	if store != nil {
		settings = store
	}
	rt := router.New(router.Config{Owners: cfg.Telegram.OwnerUserIDs},
		ad, orch, pacingAdmin{c: pacer}, settings,
		log.With(logx.String("comp", "router")))

	var maint *maintenance.Service
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		retention, err := config.ParseDurationOrDefault("maintenance.retention", cfg.Maintenance.Retention, maintenance.DefaultRetention)
		if err != nil {
			return nil, err
		}
		maxAge, err := config.ParseDurationOrDefault("maintenance.download_max_age", cfg.Maintenance.DownloadMaxAge, maintenance.DefaultDownloadMaxAge)
		if err != nil {
			return nil, err
		}
		var pruner maintenance.Pruner
		if store != nil {
			pruner = store
		}
		maint = maintenance.New(maintenance.Config{
			Schedule:       cfg.Maintenance.Schedule,
			Retention:      retention,
			DownloadsDir:   cfg.Relay.DownloadsDir,
			DownloadMaxAge: maxAge,
		}, pruner, log.With(logx.String("comp", "maintenance")))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		pacer:   pacer,
		res:     res,
		eng:     eng,
		orch:    orch,
		router:  rt,
		maint:   maint,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: a bad edit is rejected before commit.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, err := parseTuning(cfg)
		return err
	})

	a.restorePacing(ctx)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.maint != nil {
		if err := a.maint.Start(a.sup.Context()); err != nil {
			a.log.Warn("maintenance start failed", logx.Err(err))
		}
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Best-effort: publish the command menu so clients autocomplete.
	a.sup.Go0("menu.publish", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("menu publish failed", logx.Err(err))
		}
	})

	// Relay pipeline events land in the debug log so a tail of the log file
	// shows batch activity without the operator chat.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.watchConfig()
	a.notifyOwners()

	a.log.Info("relaybot started",
		logx.Int64("bot_id", a.adapter.Me()),
		logx.Bool("storage", a.store != nil),
		logx.Bool("maintenance", a.maint != nil))
	return nil
}

// restorePacing reapplies the owner's persisted /delay override.
func (a *App) restorePacing(ctx context.Context) {
	if a.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, ok, err := a.store.GetSetting(sctx, settingPacingStandard)
	if err != nil || !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		a.log.Warn("ignoring bad persisted pacing interval", logx.String("value", v))
		return
	}
	a.pacer.Apply(pacing.Config{StandardInterval: d})
	a.log.Info("restored pacing interval", logx.Duration("standard", d))
}

// watchConfig starts the file watcher and applies hot-reloadable sections:
// logging and pacing. Everything else needs a restart.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	tuning, err := parseTuning(cfg)
	if err != nil {
		// The validator should have rejected this; belt and suspenders.
		a.log.Warn("reloaded config rejected", logx.Err(err))
		return
	}
	a.logs.Apply(mapLogConfig(cfg))
	a.pacer.Apply(pacing.Config{
		StandardInterval:   tuning.standardInterval,
		PrivilegedInterval: tuning.privilegedInterval,
		BackoffCap:         tuning.backoffCap,
	})
	a.log.Info("config reloaded",
		logx.Duration("standard_interval", tuning.standardInterval),
		logx.Duration("privileged_interval", tuning.privilegedInterval))
}

// notifyOwners sends a one-line startup note to each owner's private chat.
func (a *App) notifyOwners() {
	cfg := a.cfgm.Get()
	if cfg == nil || len(cfg.Telegram.OwnerUserIDs) == 0 {
		return
	}
	owners := append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	a.sup.Go0("startup.notify", func(c context.Context) {
		nctx, cancel := context.WithTimeout(c, 20*time.Second)
		defer cancel()
		text := "relaybot is up (" + strconv.FormatInt(a.adapter.Me(), 10) + ")"
		for _, id := range owners {
			if _, err := a.adapter.SendText(nctx, kit.ChatTarget{ChatID: id}, text, nil); err != nil {
				a.log.Debug("startup notify failed", logx.Int64("owner", id), logx.Err(err))
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.maint != nil {
		a.maint.Stop()
	}
	if a.adapter != nil {
		_ = a.adapter.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
