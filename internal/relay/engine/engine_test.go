package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// scriptedProvider lets each test script the provider's behavior and records
// call counts.
type scriptedProvider struct {
	t *testing.T

	relayErr     error
	fetchContent *relay.Content
	fetchErr     error
	republishErr error
	downloadDir  string
	downloadErr  error
	publishErr   error

	relayCalls     int
	fetchCalls     int
	republishCalls int
	downloadCalls  int
	publishCalls   int

	lastDownloadPath string
}

func (p *scriptedProvider) ResolveChat(context.Context, relay.ChatRef) (relay.Resolved, error) {
	return relay.Resolved{}, relay.E(relay.KindFatal, "unused")
}
func (p *scriptedProvider) JoinedChats(context.Context, int) ([]relay.Resolved, error) {
	return nil, relay.E(relay.KindFatal, "unused")
}
func (p *scriptedProvider) JoinChat(context.Context, string) (relay.Resolved, error) {
	return relay.Resolved{}, relay.E(relay.KindFatal, "unused")
}

func (p *scriptedProvider) RelayMessage(context.Context, int64, int, kit.ChatTarget) error {
	p.relayCalls++
	return p.relayErr
}

func (p *scriptedProvider) FetchMessage(context.Context, int64, int) (*relay.Content, error) {
	p.fetchCalls++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.fetchContent, nil
}

func (p *scriptedProvider) Republish(context.Context, kit.ChatTarget, *relay.Content) error {
	p.republishCalls++
	return p.republishErr
}

func (p *scriptedProvider) DownloadMedia(context.Context, *relay.MediaRef) (string, error) {
	p.downloadCalls++
	if p.downloadErr != nil {
		return "", p.downloadErr
	}
	path := filepath.Join(p.downloadDir, "payload.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		p.t.Fatalf("write fake download: %v", err)
	}
	p.lastDownloadPath = path
	return path, nil
}

func (p *scriptedProvider) PublishLocal(context.Context, kit.ChatTarget, string, *relay.MediaRef, string) error {
	p.publishCalls++
	return p.publishErr
}

func newEngine(p relay.Provider) *Engine {
	return New(Config{MaxMediaBytes: 1 << 20}, p, logx.Nop())
}

func conv(restricted bool) *relay.Resolved {
	return &relay.Resolved{
		Ref:         relay.ChatRef{ID: -100123},
		CanonicalID: -100123,
		DisplayName: "src",
		ResolvedAt:  time.Now(),
		Restricted:  restricted,
	}
}

var target = kit.ChatTarget{ChatID: 42}

func TestDirectRelaySucceeds(t *testing.T) {
	t.Parallel()
	p := &scriptedProvider{t: t}
	out := newEngine(p).Relay(context.Background(), conv(false), 10, target)

	if out.Status != relay.StatusSuccess || out.Strategy != "direct" {
		t.Fatalf("outcome = %s via %q, want success via direct", out.Status, out.Strategy)
	}
	if p.relayCalls != 1 || p.fetchCalls != 0 {
		t.Fatalf("calls relay=%d fetch=%d, want 1/0", p.relayCalls, p.fetchCalls)
	}
}

func TestRestrictedConversationSkipsDirect(t *testing.T) {
	t.Parallel()
	p := &scriptedProvider{t: t, fetchContent: &relay.Content{Text: "hello"}}
	out := newEngine(p).Relay(context.Background(), conv(true), 10, target)

	if p.relayCalls != 0 {
		t.Fatalf("relayCalls = %d, want 0 for a restricted source", p.relayCalls)
	}
	if out.Status != relay.StatusSuccess || out.Strategy != "reemit" {
		t.Fatalf("outcome = %s via %q, want success via reemit", out.Status, out.Strategy)
	}
}

func TestRestrictedDirectFallsBackToReemit(t *testing.T) {
	t.Parallel()
	p := &scriptedProvider{
		t:            t,
		relayErr:     relay.E(relay.KindRestricted, "forwards are disabled"),
		fetchContent: &relay.Content{Text: "hello"},
	}
	out := newEngine(p).Relay(context.Background(), conv(false), 10, target)

	if out.Status != relay.StatusSuccess || out.Strategy != "reemit" {
		t.Fatalf("outcome = %s via %q, want success via reemit", out.Status, out.Strategy)
	}
	if p.relayCalls != 1 || p.republishCalls != 1 {
		t.Fatalf("calls relay=%d republish=%d, want 1/1", p.relayCalls, p.republishCalls)
	}
}

func TestNotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	p := &scriptedProvider{t: t, relayErr: relay.E(relay.KindNotFound, "message deleted")}
	out := newEngine(p).Relay(context.Background(), conv(false), 10, target)

	if out.Status != relay.StatusNotFound {
		t.Fatalf("status = %s, want not_found", out.Status)
	}
	if p.fetchCalls != 0 {
		t.Fatalf("fetchCalls = %d, want 0 (no later strategy after not_found)", p.fetchCalls)
	}
}

func TestTransientAbortsImmediately(t *testing.T) {
	t.Parallel()
	p := &scriptedProvider{t: t, relayErr: relay.Throttled(17 * time.Second)}
	out := newEngine(p).Relay(context.Background(), conv(false), 10, target)

	if out.Status != relay.StatusTransient {
		t.Fatalf("status = %s, want transient_error", out.Status)
	}
	if out.RetryAfter != 17*time.Second {
		t.Fatalf("RetryAfter = %v, want 17s", out.RetryAfter)
	}
	if p.fetchCalls != 0 || p.republishCalls != 0 {
		t.Fatal("transient failure must not fall through to later strategies")
	}
}

func TestMediaFallsBackToLocalRepublish(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := &scriptedProvider{
		t:            t,
		relayErr:     relay.E(relay.KindRestricted, "forwards are disabled"),
		republishErr: relay.E(relay.KindRestricted, "file reference unusable"),
		fetchContent: &relay.Content{
			Caption: "a photo",
			Media:   &relay.MediaRef{FileID: "f1", Kind: relay.MediaPhoto, Size: 1000},
		},
		downloadDir: dir,
	}
	out := newEngine(p).Relay(context.Background(), conv(false), 10, target)

	if out.Status != relay.StatusSuccess || out.Strategy != "local" {
		t.Fatalf("outcome = %s via %q, want success via local", out.Status, out.Strategy)
	}
	if p.downloadCalls != 1 || p.publishCalls != 1 {
		t.Fatalf("calls download=%d publish=%d, want 1/1", p.downloadCalls, p.publishCalls)
	}
	if _, err := os.Stat(p.lastDownloadPath); !os.IsNotExist(err) {
		t.Fatalf("transient download %q not cleaned up", p.lastDownloadPath)
	}
}

func TestLocalCleanupOnPublishFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := &scriptedProvider{
		t:            t,
		relayErr:     relay.E(relay.KindRestricted, "forwards are disabled"),
		republishErr: relay.E(relay.KindRestricted, "file reference unusable"),
		publishErr:   relay.E(relay.KindFatal, "target rejected upload"),
		fetchContent: &relay.Content{
			Media: &relay.MediaRef{FileID: "f1", Kind: relay.MediaDocument, Size: 1000},
		},
		downloadDir: dir,
	}
	out := newEngine(p).Relay(context.Background(), conv(false), 10, target)

	if out.Status != relay.StatusFatal {
		t.Fatalf("status = %s, want fatal_error", out.Status)
	}
	if _, err := os.Stat(p.lastDownloadPath); !os.IsNotExist(err) {
		t.Fatalf("download %q must be removed even when publish fails", p.lastDownloadPath)
	}
}

func TestTooLargeRejectedBeforeDownload(t *testing.T) {
	t.Parallel()
	p := &scriptedProvider{
		t:            t,
		relayErr:     relay.E(relay.KindRestricted, "forwards are disabled"),
		republishErr: relay.E(relay.KindRestricted, "file reference unusable"),
		fetchContent: &relay.Content{
			Media: &relay.MediaRef{FileID: "f1", Kind: relay.MediaVideo, Size: 10 << 20},
		},
	}
	out := newEngine(p).Relay(context.Background(), conv(false), 10, target)

	if out.Status != relay.StatusTooLarge {
		t.Fatalf("status = %s, want too_large", out.Status)
	}
	if p.downloadCalls != 0 {
		t.Fatalf("downloadCalls = %d, want 0", p.downloadCalls)
	}
}

func TestAllStrategiesExhaustedKeepsLastReason(t *testing.T) {
	t.Parallel()
	p := &scriptedProvider{
		t:            t,
		fetchContent: &relay.Content{Text: "hello"},
		republishErr: relay.E(relay.KindRestricted, "cannot send to target"),
	}
	out := newEngine(p).Relay(context.Background(), conv(true), 10, target)

	if out.Status != relay.StatusRestricted {
		t.Fatalf("status = %s, want restricted", out.Status)
	}
	if out.Reason == "" {
		t.Fatal("reason must carry the last strategy's failure")
	}
}
