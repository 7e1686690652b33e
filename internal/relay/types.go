package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	kit "relaybot/internal/transport"
)

// ChatRef identifies a source conversation by numeric id or public name.
// Exactly one of ID/Name is set. Immutable once parsed.
type ChatRef struct {
	ID   int64
	Name string
}

func (r ChatRef) IsZero() bool { return r.ID == 0 && r.Name == "" }

// Key returns the normalized cache key for this reference.
func (r ChatRef) Key() string {
	if r.Name != "" {
		return "name:" + strings.ToLower(r.Name)
	}
	return "id:" + strconv.FormatInt(r.ID, 10)
}

func (r ChatRef) String() string {
	if r.Name != "" {
		return "@" + r.Name
	}
	return strconv.FormatInt(r.ID, 10)
}

// MessageRange is a contiguous run of message ids in one conversation.
// StartID <= EndID always holds; a single message is a range of length 1.
type MessageRange struct {
	Chat    ChatRef
	StartID int
	EndID   int

	// Truncated reports that the input declared a longer span and the range
	// was clamped to the configured maximum. The caller is told, not just
	// the logs.
	Truncated bool
}

func (r MessageRange) Len() int { return r.EndID - r.StartID + 1 }

func (r MessageRange) String() string {
	if r.StartID == r.EndID {
		return fmt.Sprintf("%s/%d", r.Chat, r.StartID)
	}
	return fmt.Sprintf("%s/%d-%d", r.Chat, r.StartID, r.EndID)
}

// Resolved is a canonical conversation handle produced by the resolver.
// Shared read-only; owned by the resolver cache.
type Resolved struct {
	Ref         ChatRef
	CanonicalID int64
	DisplayName string
	ResolvedAt  time.Time

	// Restricted marks a conversation whose owner disabled re-sharing.
	// The engine skips the direct-relay strategy when set.
	Restricted bool
}

// Status classifies the outcome of one relayed message.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusRestricted Status = "restricted"
	StatusNotFound   Status = "not_found"
	StatusTooLarge   Status = "too_large"
	StatusTransient  Status = "transient_error"
	StatusFatal      Status = "fatal_error"
)

// Outcome is the append-only record of one processed (chat, message) pair.
// Created once, never mutated.
type Outcome struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	TargetID  int64     `json:"target_id"`
	Status    Status    `json:"status"`
	Strategy  string    `json:"strategy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`

	// RetryAfter is the provider-advised wait attached to a transient
	// outcome. Advisory only; never persisted.
	RetryAfter time.Duration `json:"-"`

	// FailKind carries the error class of a failed outcome so the
	// orchestrator can react (cache invalidation). Never persisted.
	FailKind Kind `json:"-"`
}

// Stats aggregates outcome counts within a trailing window.
type Stats struct {
	Since    time.Time
	Total    int
	ByStatus map[Status]int
}

// CallerProfile tracks per-caller usage for the process lifetime.
type CallerProfile struct {
	ID           int64
	Tier         Tier
	LastOpAt     time.Time
	RequestCount int
	SuccessCount int
}

// BatchResult aggregates one processed range. Derived, never persisted.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
	Restricted int

	// Truncated is carried over from the parsed range so the host can tell
	// the user the span was clamped.
	Truncated bool
}

// Tier selects the pacing interval class for a caller.
type Tier int

const (
	TierStandard Tier = iota
	TierPrivileged
)

// Caller identifies who initiated a batch.
type Caller struct {
	ID   int64
	Tier Tier
}

// MediaKind mirrors the provider's coarse media classes.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
	MediaSticker   MediaKind = "sticker"
)

// MediaRef points at a provider-hosted media payload.
type MediaRef struct {
	FileID   string
	Kind     MediaKind
	Size     int64
	FileName string
}

// Content is the fetched descriptor of a message: text and/or one media
// payload with its caption.
type Content struct {
	Text    string
	Caption string
	Media   *MediaRef
}

func (c *Content) HasMedia() bool { return c != nil && c.Media != nil }

// Size returns the media payload size in bytes (0 for text-only content).
func (c *Content) Size() int64 {
	if c == nil || c.Media == nil {
		return 0
	}
	return c.Media.Size
}

// Provider is the messaging backend the engine runs against. Implementations
// classify failures with Error kinds (see errors.go); in particular a
// provider-issued mandatory wait must surface as KindTransient with
// RetryAfter set.
type Provider interface {
	// ResolveChat maps a reference onto a canonical conversation handle.
	ResolveChat(ctx context.Context, ref ChatRef) (Resolved, error)

	// JoinedChats enumerates conversations this session is a member of,
	// up to limit. Used as the resolver's fallback scan.
	JoinedChats(ctx context.Context, limit int) ([]Resolved, error)

	// FetchMessage materializes a message's content descriptor.
	FetchMessage(ctx context.Context, chatID int64, messageID int) (*Content, error)

	// RelayMessage reproduces the message as-is, keeping the forward
	// attribution marker.
	RelayMessage(ctx context.Context, chatID int64, messageID int, target kit.ChatTarget) error

	// Republish publishes equivalent content to the target without
	// attribution, reusing the provider's hosted copy of any media.
	Republish(ctx context.Context, target kit.ChatTarget, content *Content) error

	// DownloadMedia fetches the payload into local transient storage and
	// returns the local path. The caller owns cleanup.
	DownloadMedia(ctx context.Context, media *MediaRef) (string, error)

	// PublishLocal publishes a locally stored payload to the target.
	PublishLocal(ctx context.Context, target kit.ChatTarget, path string, media *MediaRef, caption string) error

	// JoinChat joins a conversation via invite link or reference.
	JoinChat(ctx context.Context, inviteOrRef string) (Resolved, error)
}
