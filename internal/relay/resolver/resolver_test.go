package resolver

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func discardLog() logx.Logger { return logx.Nop() }

// fakeProvider implements relay.Provider; only the resolver-facing methods
// do anything.
type fakeProvider struct {
	resolveCalls int
	joinedCalls  int

	resolveFn func(ref relay.ChatRef) (relay.Resolved, error)
	joined    []relay.Resolved
}

func (f *fakeProvider) ResolveChat(_ context.Context, ref relay.ChatRef) (relay.Resolved, error) {
	f.resolveCalls++
	if f.resolveFn != nil {
		return f.resolveFn(ref)
	}
	return relay.Resolved{Ref: ref, CanonicalID: ref.ID, DisplayName: "chat"}, nil
}

func (f *fakeProvider) JoinedChats(_ context.Context, _ int) ([]relay.Resolved, error) {
	f.joinedCalls++
	return f.joined, nil
}

func (f *fakeProvider) FetchMessage(context.Context, int64, int) (*relay.Content, error) {
	return nil, relay.E(relay.KindFatal, "not implemented")
}
func (f *fakeProvider) RelayMessage(context.Context, int64, int, kit.ChatTarget) error {
	return relay.E(relay.KindFatal, "not implemented")
}
func (f *fakeProvider) Republish(context.Context, kit.ChatTarget, *relay.Content) error {
	return relay.E(relay.KindFatal, "not implemented")
}
func (f *fakeProvider) DownloadMedia(context.Context, *relay.MediaRef) (string, error) {
	return "", relay.E(relay.KindFatal, "not implemented")
}
func (f *fakeProvider) PublishLocal(context.Context, kit.ChatTarget, string, *relay.MediaRef, string) error {
	return relay.E(relay.KindFatal, "not implemented")
}
func (f *fakeProvider) JoinChat(context.Context, string) (relay.Resolved, error) {
	return relay.Resolved{}, relay.E(relay.KindFatal, "not implemented")
}

func TestResolveCachesWithinTTL(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{}
	r := New(Config{TTL: time.Hour}, fp, discardLog())

	ref := relay.ChatRef{ID: -100123}
	if _, err := r.Resolve(context.Background(), ref); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), ref); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if fp.resolveCalls != 1 {
		t.Fatalf("resolveCalls = %d, want 1 (cache hit expected)", fp.resolveCalls)
	}
}

func TestResolveExpiredEntryReResolves(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{}
	r := New(Config{TTL: time.Nanosecond}, fp, discardLog())

	ref := relay.ChatRef{ID: -100123}
	if _, err := r.Resolve(context.Background(), ref); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := r.Resolve(context.Background(), ref); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if fp.resolveCalls != 2 {
		t.Fatalf("resolveCalls = %d, want 2", fp.resolveCalls)
	}
}

func TestResolveFallbackScan(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{
		resolveFn: func(ref relay.ChatRef) (relay.Resolved, error) {
			return relay.Resolved{}, relay.E(relay.KindResolutionFailed, "peer unknown to session")
		},
		joined: []relay.Resolved{
			{Ref: relay.ChatRef{Name: "elsewhere"}, CanonicalID: -100999},
			{Ref: relay.ChatRef{Name: "wanted"}, CanonicalID: -100555, DisplayName: "Wanted"},
		},
	}
	r := New(Config{}, fp, discardLog())

	got, err := r.Resolve(context.Background(), relay.ChatRef{Name: "Wanted"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.CanonicalID != -100555 {
		t.Fatalf("CanonicalID = %d, want -100555", got.CanonicalID)
	}
	if fp.joinedCalls != 1 {
		t.Fatalf("joinedCalls = %d, want 1", fp.joinedCalls)
	}

	// The scan result is cached: a second resolve hits neither path.
	if _, err := r.Resolve(context.Background(), relay.ChatRef{Name: "wanted"}); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if fp.resolveCalls != 1 || fp.joinedCalls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", fp.resolveCalls, fp.joinedCalls)
	}
}

func TestResolveNeedsMembershipNotCached(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{
		resolveFn: func(ref relay.ChatRef) (relay.Resolved, error) {
			return relay.Resolved{}, relay.E(relay.KindNeedsMembership, "private channel")
		},
	}
	r := New(Config{}, fp, discardLog())

	ref := relay.ChatRef{ID: -100321}
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), ref)
		if !relay.IsKind(err, relay.KindNeedsMembership) {
			t.Fatalf("kind = %v, want needs_membership", relay.KindOf(err))
		}
	}
	if fp.resolveCalls != 2 {
		t.Fatalf("resolveCalls = %d, want 2 (failure must not be cached)", fp.resolveCalls)
	}
	if fp.joinedCalls != 0 {
		t.Fatalf("joinedCalls = %d, want 0 (no fallback on membership errors)", fp.joinedCalls)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{}
	r := New(Config{}, fp, discardLog())

	ref := relay.ChatRef{ID: -100777}
	if _, err := r.Resolve(context.Background(), ref); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r.Invalidate(ref)
	if _, err := r.Resolve(context.Background(), ref); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if fp.resolveCalls != 2 {
		t.Fatalf("resolveCalls = %d, want 2", fp.resolveCalls)
	}
}
