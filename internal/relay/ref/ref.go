// Package ref parses free-text message references into structured ranges.
// Parsing is pure: no network, no side effects.
package ref

import (
	"regexp"
	"strconv"
	"strings"

	"relaybot/internal/relay"
)

// DefaultMaxSpan bounds how many message ids a single reference may expand
// to. Longer declared spans are clamped and reported via Truncated.
const DefaultMaxSpan = 50

// supergroupPrefix is the provider's marker for broadcast/supergroup ids:
// t.me/c/ links carry the id in "short" form without it.
const supergroupPrefix = "-100"

var (
	// t.me/c/<short_id>/<msg>[-<msg>]: restricted/internal-numbering links.
	reInternal = regexp.MustCompile(`(?:https?://)?t\.me/c/(\d+)/(\d+)(?:-(\d+))?(?:\s|$|\?)`)

	// t.me/<name>/<msg>[-<msg>]: public links.
	reNamed = regexp.MustCompile(`(?:https?://)?t\.me/([a-zA-Z][a-zA-Z0-9_]{3,31})/(\d+)(?:-(\d+))?(?:\s|$|\?)`)

	// -100<id>/<msg>[-<msg>]: bare chat-id shorthand.
	reBare = regexp.MustCompile(`(-100\d+)/(\d+)(?:-(\d+))?(?:\s|$)`)

	reInvite = regexp.MustCompile(`(?:https?://)?t\.me/(?:joinchat/|\+)\S+`)
)

// Parser turns reference text into a MessageRange.
type Parser struct {
	// MaxSpan clamps the range length; 0 means DefaultMaxSpan.
	MaxSpan int
}

// Parse recognizes the first reference in text. Unrecognized text yields a
// relay.Error with KindInvalidFormat.
func Parse(text string) (relay.MessageRange, error) {
	return Parser{}.Parse(text)
}

func (p Parser) Parse(text string) (relay.MessageRange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return relay.MessageRange{}, relay.E(relay.KindInvalidFormat, "empty reference")
	}

	// Pad so the end-of-input alternation matches references at the end.
	probe := text + " "

	if m := reInternal.FindStringSubmatch(probe); m != nil {
		short, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return relay.MessageRange{}, relay.E(relay.KindInvalidFormat, "bad chat id %q", m[1])
		}
		return p.rangeFor(relay.ChatRef{ID: canonicalID(short)}, m[2], m[3])
	}

	if m := reNamed.FindStringSubmatch(probe); m != nil {
		name := m[1]
		// "c" with a numeric path is the internal form; a bare "c" username
		// is a malformed internal link, not a real handle.
		if !strings.EqualFold(name, "c") {
			return p.rangeFor(relay.ChatRef{Name: name}, m[2], m[3])
		}
	}

	if m := reBare.FindStringSubmatch(probe); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return relay.MessageRange{}, relay.E(relay.KindInvalidFormat, "bad chat id %q", m[1])
		}
		return p.rangeFor(relay.ChatRef{ID: id}, m[2], m[3])
	}

	return relay.MessageRange{}, relay.E(relay.KindInvalidFormat, "unrecognized reference %q", text)
}

// IsInvite reports whether text is a join/invite link rather than a message
// reference. The engine never auto-joins; hosts route invites explicitly.
func IsInvite(text string) bool {
	return reInvite.MatchString(strings.TrimSpace(text))
}

func (p Parser) rangeFor(chat relay.ChatRef, startRaw, endRaw string) (relay.MessageRange, error) {
	start, err := strconv.Atoi(startRaw)
	if err != nil || start <= 0 {
		return relay.MessageRange{}, relay.E(relay.KindInvalidFormat, "bad message id %q", startRaw)
	}
	end := start
	if endRaw != "" {
		end, err = strconv.Atoi(endRaw)
		if err != nil || end <= 0 {
			return relay.MessageRange{}, relay.E(relay.KindInvalidFormat, "bad message id %q", endRaw)
		}
	}
	if end < start {
		return relay.MessageRange{}, relay.E(relay.KindInvalidFormat, "range %d-%d is reversed", start, end)
	}

	maxSpan := p.MaxSpan
	if maxSpan <= 0 {
		maxSpan = DefaultMaxSpan
	}

	r := relay.MessageRange{Chat: chat, StartID: start, EndID: end}
	if r.Len() > maxSpan {
		r.EndID = start + maxSpan - 1
		r.Truncated = true
	}
	return r, nil
}

// canonicalID applies the supergroup prefix convention to a short-form id.
// The prefix is positional, so this is digit concatenation, not arithmetic.
func canonicalID(short int64) int64 {
	if short <= 0 {
		return short
	}
	full, err := strconv.ParseInt(supergroupPrefix+strconv.FormatInt(short, 10), 10, 64)
	if err != nil {
		return short
	}
	return full
}
