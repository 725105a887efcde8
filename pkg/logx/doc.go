// Package logx configures pewcast's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - An optional Telegram sink forwards warnings to an operator chat,
//     bounded by a minimum level and a token-bucket rate limit
package logx
