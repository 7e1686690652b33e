package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

// Store is the persistence API used by the orchestrator and the host
// command bridge.
type Store interface {
	AppendOutcome(ctx context.Context, o relay.Outcome) error
	OutcomesSince(ctx context.Context, since time.Time, limit int) ([]relay.Outcome, error)
	StatsSince(ctx context.Context, since time.Time) (relay.Stats, error)
	PruneOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PutSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
