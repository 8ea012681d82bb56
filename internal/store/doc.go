// Package store persists transaction conflict profiles in SQLite.
//
// Every finished top-level transaction becomes one row in transactions,
// with one conflict_vars row per variable it conflicted on. Rows are grouped
// by session: one session per engine run (a scenario file or a benchmark).
//
// # Deterministic Query Results
//
// Reports order by counts and then by name COLLATE BINARY, so two reports
// over the same rows are identical.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Recorder adapts a Store to engine.Recorder. The engine calls recorders on
// the committing goroutine, so Recorder only queues records and a single
// writer goroutine inserts them.
package store
