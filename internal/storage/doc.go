package storage

// Package storage persists the relay engine's durable state.
//
// It currently holds:
//   - The append-only outcome log (one record per processed message)
//   - Small key/value settings that survive restarts (pacing overrides)
