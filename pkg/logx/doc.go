// Package logx configures musterd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Call sites decoupled from the zerolog API (Field helpers)
//
// The zero Logger value is a safe no-op, so components can take a Logger
// without nil checks.
package logx
