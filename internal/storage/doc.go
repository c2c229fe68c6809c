// Package storage persists the account -> username link map and an audit log
// of role changes and link edits.
//
// Drivers:
//   - "file": a JSON object file (atomic temp+rename writes) plus a JSONL audit log
//   - "sqlite": a SQLite database (pure-Go modernc.org/sqlite)
package storage
