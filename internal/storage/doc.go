// Package storage persists the command queue and the media domain facts.
//
// Drivers:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local maps, for tests and dry runs
package storage
