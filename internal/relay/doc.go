// Package relay holds the shared vocabulary of the content relay engine:
// conversation references, message ranges, relay outcomes and the provider
// port the strategies run against.
//
// The moving parts live in subpackages:
//
//   - ref:      link/reference parsing (pure)
//   - resolver: conversation resolution with a TTL cache
//   - pacing:   per-caller pacing and provider backoff absorption
//   - engine:   the per-message strategy state machine
//   - batch:    sequential range processing with progress and accounting
package relay
