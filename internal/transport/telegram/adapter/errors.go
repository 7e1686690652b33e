package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
)

func tag(kind relay.Kind, op string, err error) *relay.Error {
	return &relay.Error{Kind: kind, Detail: op, Err: err}
}

// classify maps a raw telebot error onto the relay error taxonomy. The Bot
// API signals everything through HTTP codes and free-text descriptions, so
// classification is by code first, description substring second.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return tag(relay.KindTransient, op, err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		d := time.Duration(flood.RetryAfter) * time.Second
		return &relay.Error{Kind: relay.KindTransient, Detail: op, RetryAfter: d, Err: err}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Description)
		switch {
		case apiErr.Code == 429:
			return &relay.Error{Kind: relay.KindTransient, Detail: op, RetryAfter: 5 * time.Second, Err: err}
		case apiErr.Code >= 500:
			return tag(relay.KindTransient, op, err)
		case strings.Contains(desc, "can't be forwarded"),
			strings.Contains(desc, "protected content"),
			strings.Contains(desc, "not enough rights"),
			strings.Contains(desc, "have no rights"):
			return tag(relay.KindRestricted, op, err)
		case strings.Contains(desc, "message to forward not found"),
			strings.Contains(desc, "message to copy not found"),
			strings.Contains(desc, "message not found"),
			strings.Contains(desc, "message_id_invalid"):
			return tag(relay.KindNotFound, op, err)
		case strings.Contains(desc, "chat not found"),
			strings.Contains(desc, "user not found"),
			strings.Contains(desc, "username not found"),
			strings.Contains(desc, "peer_id_invalid"):
			return tag(relay.KindResolutionFailed, op, err)
		case strings.Contains(desc, "bot was kicked"),
			strings.Contains(desc, "bot is not a member"),
			strings.Contains(desc, "chat_admin_required"),
			strings.Contains(desc, "member list is inaccessible"):
			return tag(relay.KindNeedsMembership, op, err)
		case strings.Contains(desc, "too large"),
			strings.Contains(desc, "file is too big"):
			return tag(relay.KindTooLarge, op, err)
		}
		return tag(relay.KindFatal, op, err)
	}

	// Anything else is plumbing (network, timeouts inside telebot's client).
	return tag(relay.KindTransient, op, err)
}
