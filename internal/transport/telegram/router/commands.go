package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"relaybot/internal/relay"
	"relaybot/internal/relay/batch"
	"relaybot/internal/relay/ref"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const helpText = `I copy messages from channels and groups into this chat.

Send me a message link and I relay it here:
  https://t.me/c/2112233445/100
  https://t.me/c/2112233445/100-120
  https://t.me/channelname/50
  -1002112233445/100-110

Ranges are processed oldest first. Protected channels are relayed by
re-sending the content when plain forwarding is blocked.

Commands:
  /stats - relay totals for the last 24h
  /ping  - check the bot is alive
  /delay - show or set pacing (owner only)`

func (r *Router) route(ctx context.Context, req *Request) error {
	if req.Command != "" {
		handler, ok := map[string]HandlerFunc{
			"start": r.cmdHelp,
			"help":  r.cmdHelp,
			"ping":  r.cmdPing,
			"stats": r.cmdStats,
			"delay": r.cmdDelay,
		}[req.Command]
		if !ok {
			if req.Update.Message.IsPrivate {
				return r.reply(ctx, req, "Unknown command. Try /help.")
			}
			return nil
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
		return handler(cctx, req)
	}

	text := strings.TrimSpace(req.Update.Message.Text)
	if ref.IsInvite(text) {
		return r.reply(ctx, req,
			"That's an invite link. I can't join chats on my own; add me to the chat, then send a message link.")
	}

	// Not a command: treat it as a message reference. Batches run under the
	// dispatch context, not the handler timeout; pacing bounds them.
	return r.runBatch(ctx, req, text)
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	return r.reply(ctx, req, helpText)
}

func (r *Router) cmdPing(ctx context.Context, req *Request) error {
	start := time.Now()
	ref_, err := r.adapter.SendText(ctx, req.Chat, "pong", nil)
	if err != nil {
		return err
	}
	return r.adapter.EditText(ctx, ref_, fmt.Sprintf("pong (%s)", time.Since(start).Round(time.Millisecond)), nil)
}

func (r *Router) cmdStats(ctx context.Context, req *Request) error {
	stats, err := r.svc.Statistics(ctx, 24*time.Hour)
	if err != nil {
		r.log.Warn("stats query failed", logx.Err(err))
		return r.reply(ctx, req, "Stats are unavailable right now.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last 24h: %d message(s) processed\n", stats.Total)
	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "  %s: %d\n", s, stats.ByStatus[relay.Status(s)])
	}
	return r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdDelay(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return r.reply(ctx, req,
			fmt.Sprintf("Current delay between relays: %s\nSet it with /delay <duration>, e.g. /delay 3s", r.pacing.StandardInterval()))
	}
	if !r.isOwner(req.FromID) {
		return r.reply(ctx, req, "Only the owner can change the delay.")
	}

	d, err := time.ParseDuration(req.Args[0])
	if err != nil {
		return r.reply(ctx, req, "That doesn't parse as a duration. Try something like 2s or 500ms.")
	}
	if d < 100*time.Millisecond || d > time.Minute {
		return r.reply(ctx, req, "Delay must be between 100ms and 1m.")
	}

	r.pacing.Apply(d, 0)
	if r.store != nil {
		if err := r.store.PutSetting(ctx, "pacing.standard_interval", d.String()); err != nil {
			r.log.Warn("delay setting not persisted", logx.Err(err))
		}
	}
	r.log.Info("pacing updated", logx.Duration("standard_interval", d), logx.Int64("by", req.FromID))
	return r.reply(ctx, req, fmt.Sprintf("Delay set to %s.", d))
}

func (r *Router) runBatch(ctx context.Context, req *Request, text string) error {
	// Cheap pre-parse keeps group chatter from triggering a status message.
	if _, err := (ref.Parser{}).Parse(text); err != nil {
		if req.Update.Message.IsPrivate {
			return r.reply(ctx, req, "I can't read that as a message link. See /help for the formats I understand.")
		}
		return nil
	}

	status, serr := r.adapter.SendText(ctx, req.Chat, "Working on it...", nil)

	onProgress := func(p batch.Progress) {
		if serr != nil || p.Done {
			return
		}
		_ = r.adapter.EditText(ctx, status,
			fmt.Sprintf("Relaying %d/%d (ok %d, failed %d)...", p.Processed, p.Total, p.Successful, p.Failed), nil)
	}

	res, err := r.svc.HandleReference(ctx, text, req.Chat, req.Caller, onProgress)
	if err != nil {
		msg := r.batchErrorText(err, req)
		if msg == "" {
			// Unparseable chatter in a group; remove the status message noise.
			if serr == nil {
				_ = r.adapter.EditText(ctx, status, "Nothing to relay there.", nil)
			}
			return nil
		}
		if serr == nil {
			return r.adapter.EditText(ctx, status, msg, nil)
		}
		return r.reply(ctx, req, msg)
	}

	summary := r.summaryText(res)
	if serr == nil {
		return r.adapter.EditText(ctx, status, summary, nil)
	}
	return r.reply(ctx, req, summary)
}

func (r *Router) batchErrorText(err error, req *Request) string {
	switch relay.KindOf(err) {
	case relay.KindInvalidFormat:
		if req.Update.Message.IsPrivate {
			return "I can't read that as a message link. See /help for the formats I understand."
		}
		return ""
	case relay.KindNeedsMembership:
		return "I'm not a member of that chat. Add me there first, then resend the link."
	case relay.KindResolutionFailed:
		return "I couldn't find that chat. Check the link and that the chat still exists."
	case relay.KindTransient:
		return "The messaging service is throttling right now. Try again in a bit."
	default:
		return "Something went wrong while relaying. Try again later."
	}
}

func (r *Router) summaryText(res relay.BatchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Done: %d/%d relayed", res.Successful, res.Total)
	if res.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", res.Failed)
	}
	if res.Restricted > 0 {
		fmt.Fprintf(&b, " (%d restricted)", res.Restricted)
	}
	if res.Truncated {
		b.WriteString("\nThe range was longer than allowed; I relayed the first part only.")
	}
	return b.String()
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := r.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}
