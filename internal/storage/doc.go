// Package storage persists delivery jobs, sending identities, templates and
// subscribers, and keeps the append-only audit log of every state transition.
//
// Drivers:
//   - "memory": process-local maps; an optional JSONL journal keeps the audit
//     trail on disk for compliance replay
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
