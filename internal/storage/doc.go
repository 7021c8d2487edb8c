// Package storage persists the node's ledger stream and the messages the bus
// could not deliver.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// Missed messages are replayed by the watchdog's recovery loop.
package storage
