// Package poll is the centralized polling manager of the hub.
//
// Integrations (camera status, energy meters, weather refresh, ...) register
// a Task with a priority and a requested interval. The manager:
//   - clamps the interval to the priority floor and the backoff ceiling
//   - runs a single coordinator goroutine that dispatches due tasks
//     concurrently, never re-entering a task whose previous run is outstanding
//   - stretches the interval of failing tasks (exponential backoff) and
//     relaxes it again after successes
//   - exposes read-only snapshots and a health verdict for dashboards and
//     health checks
//
// The manager does no device I/O itself and never gives up on a task: a
// chronically failing task keeps being retried at the capped interval and
// is surfaced through Health.
package poll
