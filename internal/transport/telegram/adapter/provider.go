package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// The Bot API exposes no generic "read message" call, so FetchMessage
// materializes content by forwarding the message into a private scratch chat,
// reading the copy and deleting it. Conversations with protected content
// reject that forward; the restriction surfaces as a classified error and the
// engine's fallback order takes it from there.

func (a *Adapter) ResolveChat(ctx context.Context, ref relay.ChatRef) (relay.Resolved, error) {
	select {
	case <-ctx.Done():
		return relay.Resolved{}, classify(ctx.Err(), "resolve")
	default:
	}

	var (
		chat *tele.Chat
		err  error
	)
	if ref.Name != "" {
		chat, err = a.bot.ChatByUsername("@" + ref.Name)
	} else {
		chat, err = a.bot.ChatByID(ref.ID)
	}
	if err != nil {
		return relay.Resolved{}, classify(err, "resolve "+ref.String())
	}

	return resolvedFromChat(ref, chat), nil
}

// resolvedFromChat maps a provider chat onto the canonical handle. Protected
// chats are marked restricted up front so direct forwarding is never tried
// against them.
func resolvedFromChat(ref relay.ChatRef, chat *tele.Chat) relay.Resolved {
	name := chat.Title
	if name == "" {
		name = chat.Username
	}
	return relay.Resolved{
		Ref:         ref,
		CanonicalID: chat.ID,
		DisplayName: name,
		Restricted:  chat.Protected,
		ResolvedAt:  time.Now(),
	}
}

// JoinedChats is empty for a Bot API session: the API has no membership
// enumeration. The resolver's fallback scan simply finds nothing here.
func (a *Adapter) JoinedChats(ctx context.Context, limit int) ([]relay.Resolved, error) {
	_ = ctx
	_ = limit
	return nil, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, chatID int64, messageID int) (*relay.Content, error) {
	if a.cfg.ScratchChatID == 0 {
		return nil, relay.E(relay.KindFatal, "no scratch chat configured for content fetch")
	}
	select {
	case <-ctx.Done():
		return nil, classify(ctx.Err(), "fetch")
	default:
	}

	src := tele.StoredMessage{ChatID: chatID, MessageID: strconv.Itoa(messageID)}
	copyMsg, err := a.bot.Forward(&tele.Chat{ID: a.cfg.ScratchChatID}, src)
	if err != nil {
		return nil, classify(err, "fetch "+strconv.Itoa(messageID))
	}
	defer func() {
		if derr := a.bot.Delete(copyMsg); derr != nil {
			a.log.Debug("scratch copy delete failed", logx.Err(derr))
		}
	}()

	return contentFromMessage(copyMsg), nil
}

func (a *Adapter) RelayMessage(ctx context.Context, chatID int64, messageID int, target kit.ChatTarget) error {
	select {
	case <-ctx.Done():
		return classify(ctx.Err(), "relay")
	default:
	}
	src := tele.StoredMessage{ChatID: chatID, MessageID: strconv.Itoa(messageID)}
	_, err := a.bot.Forward(&tele.Chat{ID: target.ChatID}, src, &tele.SendOptions{ThreadID: target.ThreadID})
	return classify(err, "forward "+strconv.Itoa(messageID))
}

func (a *Adapter) Republish(ctx context.Context, target kit.ChatTarget, content *relay.Content) error {
	select {
	case <-ctx.Done():
		return classify(ctx.Err(), "republish")
	default:
	}
	chat := &tele.Chat{ID: target.ChatID}
	opts := &tele.SendOptions{ThreadID: target.ThreadID}

	if !content.HasMedia() {
		_, err := a.bot.Send(chat, content.Text, opts)
		return classify(err, "republish text")
	}

	// Reuse the provider-hosted copy of the payload.
	what := sendableFor(content.Media, tele.File{FileID: content.Media.FileID}, content.Caption)
	_, err := a.bot.Send(chat, what, opts)
	return classify(err, "republish media")
}

func (a *Adapter) DownloadMedia(ctx context.Context, media *relay.MediaRef) (string, error) {
	select {
	case <-ctx.Done():
		return "", classify(ctx.Err(), "download")
	default:
	}

	f, err := a.bot.FileByID(media.FileID)
	if err != nil {
		return "", classify(err, "file lookup")
	}

	dir := a.cfg.DownloadsDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", relay.WrapErr(relay.KindFatal, err)
	}

	name := media.FileName
	if name == "" {
		name = uuid.NewString()
	}
	dst := filepath.Join(dir, uuid.NewString()[:8]+"_"+filepath.Base(name))
	if err := a.bot.Download(&f, dst); err != nil {
		_ = os.Remove(dst)
		return "", classify(err, "download")
	}
	return dst, nil
}

func (a *Adapter) PublishLocal(ctx context.Context, target kit.ChatTarget, path string, media *relay.MediaRef, caption string) error {
	select {
	case <-ctx.Done():
		return classify(ctx.Err(), "publish local")
	default:
	}
	chat := &tele.Chat{ID: target.ChatID}
	opts := &tele.SendOptions{ThreadID: target.ThreadID}

	what := sendableFor(media, tele.FromDisk(path), caption)
	if _, err := a.bot.Send(chat, what, opts); err != nil {
		return classify(err, "publish local")
	}
	// Stickers carry no caption on the platform; send it as a follow-up.
	if media.Kind == relay.MediaSticker && caption != "" {
		_, err := a.bot.Send(chat, caption, opts)
		return classify(err, "publish caption")
	}
	return nil
}

// JoinChat always demands explicit membership: a Bot API session cannot
// consume invite links, someone has to add the bot to the conversation.
func (a *Adapter) JoinChat(ctx context.Context, inviteOrRef string) (relay.Resolved, error) {
	_ = ctx
	return relay.Resolved{}, relay.E(relay.KindNeedsMembership,
		"bots cannot join %q on their own; add the bot to the chat first", inviteOrRef)
}

func sendableFor(media *relay.MediaRef, file tele.File, caption string) interface{} {
	switch media.Kind {
	case relay.MediaPhoto:
		return &tele.Photo{File: file, Caption: caption}
	case relay.MediaVideo:
		return &tele.Video{File: file, Caption: caption, FileName: media.FileName}
	case relay.MediaAudio:
		return &tele.Audio{File: file, Caption: caption, FileName: media.FileName}
	case relay.MediaVoice:
		return &tele.Voice{File: file, Caption: caption}
	case relay.MediaAnimation:
		return &tele.Animation{File: file, Caption: caption, FileName: media.FileName}
	case relay.MediaSticker:
		return &tele.Sticker{File: file}
	default:
		return &tele.Document{File: file, Caption: caption, FileName: media.FileName}
	}
}

func contentFromMessage(m *tele.Message) *relay.Content {
	if m == nil {
		return &relay.Content{}
	}
	c := &relay.Content{Text: m.Text, Caption: m.Caption}

	switch {
	case m.Photo != nil:
		c.Media = &relay.MediaRef{FileID: m.Photo.FileID, Kind: relay.MediaPhoto, Size: int64(m.Photo.FileSize)}
	case m.Video != nil:
		c.Media = &relay.MediaRef{FileID: m.Video.FileID, Kind: relay.MediaVideo, Size: int64(m.Video.FileSize), FileName: m.Video.FileName}
	case m.Audio != nil:
		c.Media = &relay.MediaRef{FileID: m.Audio.FileID, Kind: relay.MediaAudio, Size: int64(m.Audio.FileSize), FileName: m.Audio.FileName}
	case m.Voice != nil:
		c.Media = &relay.MediaRef{FileID: m.Voice.FileID, Kind: relay.MediaVoice, Size: int64(m.Voice.FileSize)}
	case m.Animation != nil:
		c.Media = &relay.MediaRef{FileID: m.Animation.FileID, Kind: relay.MediaAnimation, Size: int64(m.Animation.FileSize), FileName: m.Animation.FileName}
	case m.Sticker != nil:
		c.Media = &relay.MediaRef{FileID: m.Sticker.FileID, Kind: relay.MediaSticker, Size: int64(m.Sticker.FileSize)}
	case m.Document != nil:
		c.Media = &relay.MediaRef{FileID: m.Document.FileID, Kind: relay.MediaDocument, Size: int64(m.Document.FileSize), FileName: m.Document.FileName}
	}
	return c
}
