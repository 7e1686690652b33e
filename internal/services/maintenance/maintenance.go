// Package maintenance runs the background retention job: pruning old outcome
// records and sweeping stale files out of the downloads directory.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

// Pruner is the storage port the retention job drives.
type Pruner interface {
	PruneOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string

	// Retention is how long outcome records are kept.
	Retention time.Duration

	// DownloadsDir is swept for files older than DownloadMaxAge. Empty
	// disables the sweep.
	DownloadsDir   string
	DownloadMaxAge time.Duration
}

const (
	DefaultSchedule       = "17 3 * * *"
	DefaultRetention      = 30 * 24 * time.Hour
	DefaultDownloadMaxAge = 24 * time.Hour
)

type Service struct {
	cfg    Config
	pruner Pruner
	log    logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, pruner Pruner, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.DownloadMaxAge <= 0 {
		cfg.DownloadMaxAge = DefaultDownloadMaxAge
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, pruner: pruner, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance scheduled",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("maintenance stop timed out")
	}
}

// RunOnce executes one maintenance pass immediately.
func (s *Service) RunOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if s.pruner != nil {
		cutoff := time.Now().Add(-s.cfg.Retention)
		n, err := s.pruner.PruneOutcomesBefore(cctx, cutoff)
		if err != nil {
			s.log.Warn("outcome prune failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("outcomes pruned", logx.Any("removed", n), logx.Time("cutoff", cutoff))
		}
	}

	if s.cfg.DownloadsDir != "" {
		if n := s.sweepDownloads(); n > 0 {
			s.log.Info("stale downloads removed", logx.Int("count", n))
		}
	}
}

// sweepDownloads removes leftovers from relay attempts that crashed between
// download and cleanup.
func (s *Service) sweepDownloads() int {
	cutoff := time.Now().Add(-s.cfg.DownloadMaxAge)
	entries, err := os.ReadDir(s.cfg.DownloadsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("downloads sweep failed", logx.Err(err))
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.DownloadsDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}
