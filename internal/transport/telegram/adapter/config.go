package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration

	// ScratchChatID is a private staging chat used to materialize message
	// content the Bot API cannot read in place. Zero disables fetching.
	ScratchChatID int64

	// DownloadsDir holds transient media payloads. Empty means os.TempDir.
	DownloadsDir string
}
