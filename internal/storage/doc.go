// Package storage persists user reminder specs and the delivery audit
// trail.
//
// Drivers:
//   - "file": a YAML spec file plus <prefix>.deliveries.jsonl
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// Driver "none" (or empty) disables persistence.
package storage
