package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %T, want nil store", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		dir := t.TempDir()
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "relay.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func sampleOutcome(msgID int, status relay.Status, at time.Time) relay.Outcome {
	return relay.Outcome{
		ChatID:    -100123,
		MessageID: msgID,
		TargetID:  42,
		Status:    status,
		Strategy:  "direct",
		At:        at,
	}
}

func TestAppendAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	for driver, st := range openDrivers(t) {
		for i, status := range []relay.Status{relay.StatusSuccess, relay.StatusSuccess, relay.StatusRestricted} {
			if err := st.AppendOutcome(ctx, sampleOutcome(10+i, status, now)); err != nil {
				t.Fatalf("%s: AppendOutcome: %v", driver, err)
			}
		}

		stats, err := st.StatsSince(ctx, now.Add(-time.Minute))
		if err != nil {
			t.Fatalf("%s: StatsSince: %v", driver, err)
		}
		if stats.Total != 3 {
			t.Fatalf("%s: total = %d, want 3", driver, stats.Total)
		}
		if stats.ByStatus[relay.StatusSuccess] != 2 || stats.ByStatus[relay.StatusRestricted] != 1 {
			t.Fatalf("%s: by-status = %v", driver, stats.ByStatus)
		}
	}
}

func TestAppendOnlyKeepsDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	for driver, st := range openDrivers(t) {
		// Same (chat, message) pair twice: both records must remain.
		for i := 0; i < 2; i++ {
			if err := st.AppendOutcome(ctx, sampleOutcome(7, relay.StatusSuccess, now)); err != nil {
				t.Fatalf("%s: AppendOutcome: %v", driver, err)
			}
		}
		got, err := st.OutcomesSince(ctx, now.Add(-time.Minute), 10)
		if err != nil {
			t.Fatalf("%s: OutcomesSince: %v", driver, err)
		}
		if len(got) != 2 {
			t.Fatalf("%s: %d records, want 2", driver, len(got))
		}
	}
}

func TestOutcomesSinceFiltersAndOrders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	for driver, st := range openDrivers(t) {
		if err := st.AppendOutcome(ctx, sampleOutcome(1, relay.StatusSuccess, now.Add(-2*time.Hour))); err != nil {
			t.Fatalf("%s: AppendOutcome: %v", driver, err)
		}
		for _, id := range []int{5, 6, 7} {
			if err := st.AppendOutcome(ctx, sampleOutcome(id, relay.StatusSuccess, now)); err != nil {
				t.Fatalf("%s: AppendOutcome: %v", driver, err)
			}
		}

		got, err := st.OutcomesSince(ctx, now.Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("%s: OutcomesSince: %v", driver, err)
		}
		if len(got) != 3 {
			t.Fatalf("%s: %d records, want 3 (old one filtered)", driver, len(got))
		}
		for i, want := range []int{5, 6, 7} {
			if got[i].MessageID != want {
				t.Fatalf("%s: record[%d].MessageID = %d, want %d", driver, i, got[i].MessageID, want)
			}
		}
	}
}

func TestWindowQueriesExactAcrossSecondBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// A whole-second timestamp and a fractional one inside the same second;
	// a trimmed text encoding would order these wrongly.
	whole := time.Date(2026, 2, 3, 10, 0, 45, 0, time.UTC)
	frac := whole.Add(500 * time.Millisecond)

	for driver, st := range openDrivers(t) {
		if err := st.AppendOutcome(ctx, sampleOutcome(1, relay.StatusSuccess, whole)); err != nil {
			t.Fatalf("%s: AppendOutcome: %v", driver, err)
		}
		if err := st.AppendOutcome(ctx, sampleOutcome(2, relay.StatusSuccess, frac)); err != nil {
			t.Fatalf("%s: AppendOutcome: %v", driver, err)
		}

		got, err := st.OutcomesSince(ctx, whole, 10)
		if err != nil {
			t.Fatalf("%s: OutcomesSince: %v", driver, err)
		}
		if len(got) != 2 {
			t.Fatalf("%s: %d records from the whole second on, want 2", driver, len(got))
		}

		got, err = st.OutcomesSince(ctx, whole.Add(200*time.Millisecond), 10)
		if err != nil {
			t.Fatalf("%s: OutcomesSince: %v", driver, err)
		}
		if len(got) != 1 || got[0].MessageID != 2 {
			t.Fatalf("%s: mid-second window returned %+v, want only the fractional record", driver, got)
		}

		stats, err := st.StatsSince(ctx, whole)
		if err != nil {
			t.Fatalf("%s: StatsSince: %v", driver, err)
		}
		if stats.Total != 2 {
			t.Fatalf("%s: StatsSince.Total = %d, want 2", driver, stats.Total)
		}
	}
}

func TestPruneOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()

	for driver, st := range openDrivers(t) {
		if err := st.AppendOutcome(ctx, sampleOutcome(1, relay.StatusSuccess, now.Add(-48*time.Hour))); err != nil {
			t.Fatalf("%s: AppendOutcome: %v", driver, err)
		}
		if err := st.AppendOutcome(ctx, sampleOutcome(2, relay.StatusSuccess, now)); err != nil {
			t.Fatalf("%s: AppendOutcome: %v", driver, err)
		}

		n, err := st.PruneOutcomesBefore(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("%s: PruneOutcomesBefore: %v", driver, err)
		}
		if n != 1 {
			t.Fatalf("%s: pruned %d, want 1", driver, n)
		}

		stats, err := st.StatsSince(ctx, now.Add(-72*time.Hour))
		if err != nil {
			t.Fatalf("%s: StatsSince: %v", driver, err)
		}
		if stats.Total != 1 {
			t.Fatalf("%s: total after prune = %d, want 1", driver, stats.Total)
		}
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for driver, st := range openDrivers(t) {
		if _, ok, err := st.GetSetting(ctx, "pacing.standard_interval"); err != nil || ok {
			t.Fatalf("%s: GetSetting on empty store = ok=%v err=%v", driver, ok, err)
		}
		if err := st.PutSetting(ctx, "pacing.standard_interval", "3s"); err != nil {
			t.Fatalf("%s: PutSetting: %v", driver, err)
		}
		if err := st.PutSetting(ctx, "pacing.standard_interval", "5s"); err != nil {
			t.Fatalf("%s: PutSetting overwrite: %v", driver, err)
		}
		v, ok, err := st.GetSetting(ctx, "pacing.standard_interval")
		if err != nil || !ok {
			t.Fatalf("%s: GetSetting: ok=%v err=%v", driver, ok, err)
		}
		if v != "5s" {
			t.Fatalf("%s: value = %q, want 5s", driver, v)
		}
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}
	now := time.Now()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.AppendOutcome(ctx, sampleOutcome(3, relay.StatusSuccess, now)); err != nil {
		t.Fatalf("AppendOutcome: %v", err)
	}
	if err := st.PutSetting(ctx, "pacing.standard_interval", "4s"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	stats, err := st2.StatsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("StatsSince after reopen: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("total after reopen = %d, want 1", stats.Total)
	}
	v, ok, err := st2.GetSetting(ctx, "pacing.standard_interval")
	if err != nil || !ok || v != "4s" {
		t.Fatalf("setting after reopen = %q ok=%v err=%v", v, ok, err)
	}
}
