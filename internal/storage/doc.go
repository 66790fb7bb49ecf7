// Package storage persists tasks, execution history, notification targets
// and notifier dedup state.
//
// Drivers:
//   - "sqlite": single-file database (modernc.org/sqlite, no cgo); default
//   - "postgres": gorm over pgx, for deployments sharing a database server
//   - "memory": process-local maps; tests and throwaway runs
package storage
