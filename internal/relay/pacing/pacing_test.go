package pacing

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

func TestWaitTurnSpacesOperations(t *testing.T) {
	t.Parallel()
	c := New(Config{StandardInterval: 50 * time.Millisecond}, logx.Nop())
	caller := relay.Caller{ID: 1, Tier: relay.TierStandard}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.WaitTurn(context.Background(), caller); err != nil {
			t.Fatalf("WaitTurn: %v", err)
		}
	}
	// First turn is free (burst 1); the next two each wait ~50ms.
	if got := time.Since(start); got < 90*time.Millisecond {
		t.Fatalf("three turns took %v, want >= ~100ms", got)
	}
}

func TestPrivilegedTierIsFaster(t *testing.T) {
	t.Parallel()
	c := New(Config{
		StandardInterval:   200 * time.Millisecond,
		PrivilegedInterval: 10 * time.Millisecond,
	}, logx.Nop())
	caller := relay.Caller{ID: 7, Tier: relay.TierPrivileged}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.WaitTurn(context.Background(), caller); err != nil {
			t.Fatalf("WaitTurn: %v", err)
		}
	}
	if got := time.Since(start); got > 150*time.Millisecond {
		t.Fatalf("privileged turns took %v, want well under the standard interval", got)
	}
}

func TestProviderBackoffIsGlobalAndCapped(t *testing.T) {
	t.Parallel()
	c := New(Config{
		StandardInterval: time.Millisecond,
		BackoffCap:       40 * time.Millisecond,
	}, logx.Nop())

	start := time.Now()
	c.OnProviderBackoff(context.Background(), time.Hour)
	if got := time.Since(start); got > 200*time.Millisecond {
		t.Fatalf("backoff slept %v, want capped at 40ms", got)
	}
	if c.Backoffs() != 1 {
		t.Fatalf("Backoffs = %d, want 1", c.Backoffs())
	}

	// The shared deadline holds back other callers too: start a backoff in
	// the background and take a turn as a different caller meanwhile.
	done := make(chan struct{})
	go func() {
		c.OnProviderBackoff(context.Background(), 30*time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond) // let the deadline get set
	other := relay.Caller{ID: 99, Tier: relay.TierPrivileged}
	start = time.Now()
	if err := c.WaitTurn(context.Background(), other); err != nil {
		t.Fatalf("WaitTurn: %v", err)
	}
	if got := time.Since(start); got < 15*time.Millisecond {
		t.Fatalf("other caller waited only %v, want the shared backoff to apply", got)
	}
	<-done
}

func TestBackoffRaisedDuringLimiterWaitApplies(t *testing.T) {
	t.Parallel()
	c := New(Config{StandardInterval: 80 * time.Millisecond, BackoffCap: time.Second}, logx.Nop())
	caller := relay.Caller{ID: 3, Tier: relay.TierStandard}

	// Burn the free burst slot so the next turn blocks in the limiter.
	if err := c.WaitTurn(context.Background(), caller); err != nil {
		t.Fatalf("WaitTurn: %v", err)
	}

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.OnProviderBackoff(context.Background(), 250*time.Millisecond)
	}()

	if err := c.WaitTurn(context.Background(), caller); err != nil {
		t.Fatalf("WaitTurn: %v", err)
	}
	// The directive lands while this caller sits in the limiter wait; the
	// turn must not resume before the shared deadline (about 270ms in).
	if got := time.Since(start); got < 220*time.Millisecond {
		t.Fatalf("turn resumed after %v, want the mid-wait backoff honored", got)
	}
}

func TestWaitTurnHonorsCancellation(t *testing.T) {
	t.Parallel()
	c := New(Config{StandardInterval: time.Hour}, logx.Nop())
	caller := relay.Caller{ID: 3, Tier: relay.TierStandard}

	// Burn the free burst slot.
	if err := c.WaitTurn(context.Background(), caller); err != nil {
		t.Fatalf("WaitTurn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitTurn(ctx, caller); err == nil {
		t.Fatal("expected context error on second turn")
	}
}
