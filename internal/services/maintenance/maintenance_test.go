package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

type fakePruner struct {
	mu     sync.Mutex
	cutoff time.Time
	calls  int
}

func (f *fakePruner) PruneOutcomesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoff = cutoff
	f.calls++
	f.mu.Unlock()
	return 3, nil
}

func TestRunOncePrunesWithRetentionCutoff(t *testing.T) {
	t.Parallel()
	p := &fakePruner{}
	s := New(Config{Retention: 48 * time.Hour}, p, logx.Nop())

	before := time.Now().Add(-48 * time.Hour)
	s.RunOnce(context.Background())
	after := time.Now().Add(-48 * time.Hour)

	if p.calls != 1 {
		t.Fatalf("prune calls = %d, want 1", p.calls)
	}
	if p.cutoff.Before(before) || p.cutoff.After(after) {
		t.Fatalf("cutoff = %v, want about 48h ago", p.cutoff)
	}
}

func TestSweepRemovesOnlyStaleFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	stale := filepath.Join(dir, "old.bin")
	fresh := filepath.Join(dir, "new.bin")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s := New(Config{DownloadsDir: dir, DownloadMaxAge: 24 * time.Hour}, nil, logx.Nop())
	if n := s.sweepDownloads(); n != 1 {
		t.Fatalf("swept %d files, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale file should be gone")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh file should remain")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{Schedule: "every 61 seconds"}, &fakePruner{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakePruner{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop()
	s.Stop()
}
