// Package txn executes caller-supplied units of work inside database
// transactions with per-attempt timeouts, retry-with-backoff on transient
// errors, a bounded concurrency ceiling, stale-transaction sweeping, and
// aggregate metrics.
//
// Each tenant's connection supervisor owns one Coordinator. A unit of work
// receives a transaction-scoped *gorm.DB; on transient failure (deadlock,
// lock-wait timeout, connection reset, serialization failure) the whole
// attempt restarts — new transaction, same transaction id — until the
// retry budget is exhausted.
package txn
