// Package journal keeps an append-only operational record of broker
// lifecycle events: sessions opening and closing, exchanges and queues being
// declared, bindings changing and queues overflowing.
//
// Messages themselves are never persisted. Drivers:
//   - "file": JSON Lines, compacted to the retained tail
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package journal
