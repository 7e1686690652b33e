// Package logx wraps zerolog behind a small structured-logging facade.
//
// A Logger created from a Service stays live across Service.Apply() calls,
// so config hot reloads retarget every component logger at once. The zero
// value is a safe no-op logger.
package logx
