// Package logx is rankbot's structured logging on zerolog.
//
// Loggers obtained from a Service follow Service.Apply, so a config reload
// changes level and sinks without rebuilding components. Sinks:
//   - console, human readable with a short caller
//   - a JSON file
//   - the ops chat, for WARN and above, rate limited
package logx
