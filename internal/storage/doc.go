// Package storage keeps the outcome journal: one record per completed task
// invocation (success, failure, timeout or shutdown cancellation).
//
// Backends:
//   - "file": JSON Lines, compacted on prune
//   - "sqlite": SQLite via modernc.org/sqlite (build tag "sqlite")
//   - "redis": one sorted set per task, capped and pruned by score
//
// The journal is operational history only; device readings are never stored.
package storage
