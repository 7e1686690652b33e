package adapter

import (
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 30)
	got := splitTelegramText(text, 100)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	for i, c := range got {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has dangling newline: %q", i, c)
		}
	}
}

func TestSplitTelegramTextHardWrap(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 250)
	got := splitTelegramText(text, 100)
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
}

func TestClassifyFlood(t *testing.T) {
	t.Parallel()
	err := classify(tele.FloodError{RetryAfter: 17}, "forward")
	if !relay.IsKind(err, relay.KindTransient) {
		t.Fatalf("kind = %v, want transient", relay.KindOf(err))
	}
	if got := relay.RetryAfterOf(err); got != 17*time.Second {
		t.Fatalf("retry after = %v, want 17s", got)
	}
}

func TestClassifyByDescription(t *testing.T) {
	t.Parallel()
	cases := []struct {
		desc string
		want relay.Kind
	}{
		{"Bad Request: message can't be forwarded", relay.KindRestricted},
		{"Bad Request: the message can't be forwarded because of protected content", relay.KindRestricted},
		{"Bad Request: message to forward not found", relay.KindNotFound},
		{"Bad Request: chat not found", relay.KindResolutionFailed},
		{"Forbidden: bot was kicked from the supergroup chat", relay.KindNeedsMembership},
		{"Bad Request: file is too big", relay.KindTooLarge},
		{"Bad Request: something inexplicable", relay.KindFatal},
	}
	for _, tc := range cases {
		err := classify(&tele.Error{Code: 400, Description: tc.desc}, "op")
		if got := relay.KindOf(err); got != tc.want {
			t.Fatalf("classify(%q) = %v, want %v", tc.desc, got, tc.want)
		}
	}
}

func TestClassifyServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	err := classify(&tele.Error{Code: 502, Description: "Bad Gateway"}, "op")
	if !relay.IsKind(err, relay.KindTransient) {
		t.Fatalf("kind = %v, want transient", relay.KindOf(err))
	}
}

func TestContentFromMessage(t *testing.T) {
	t.Parallel()
	m := &tele.Message{Text: "plain"}
	c := contentFromMessage(m)
	if c.Text != "plain" || c.HasMedia() {
		t.Fatalf("content = %+v", c)
	}

	m = &tele.Message{
		Caption:  "look",
		Document: &tele.Document{File: tele.File{FileID: "doc1", FileSize: 2048}, FileName: "notes.pdf"},
	}
	c = contentFromMessage(m)
	if !c.HasMedia() || c.Media.Kind != relay.MediaDocument {
		t.Fatalf("content = %+v", c)
	}
	if c.Media.FileID != "doc1" || c.Size() != 2048 || c.Media.FileName != "notes.pdf" {
		t.Fatalf("media = %+v", c.Media)
	}
	if c.Caption != "look" {
		t.Fatalf("caption = %q", c.Caption)
	}
}

func TestResolvedFromChatMarksProtectedRestricted(t *testing.T) {
	t.Parallel()
	ref := relay.ChatRef{ID: -1002112233445}

	open := resolvedFromChat(ref, &tele.Chat{ID: -1002112233445, Title: "open news"})
	if open.Restricted {
		t.Fatal("unprotected chat marked restricted")
	}
	if open.CanonicalID != -1002112233445 || open.DisplayName != "open news" {
		t.Fatalf("resolved = %+v", open)
	}

	prot := resolvedFromChat(ref, &tele.Chat{ID: -1002112233445, Title: "closed", Protected: true})
	if !prot.Restricted {
		t.Fatal("protected chat not marked restricted")
	}

	// Username stands in when the chat has no title.
	user := resolvedFromChat(relay.ChatRef{Name: "someone"}, &tele.Chat{ID: 555, Username: "someone"})
	if user.DisplayName != "someone" {
		t.Fatalf("display name = %q, want username fallback", user.DisplayName)
	}
}
