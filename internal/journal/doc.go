// Package journal keeps an append-only record of terminal task outcomes.
//
// It is an audit trail, not queue persistence: nothing is replayed into the
// queue on start. Drivers:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package journal
