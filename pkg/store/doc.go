/*
Package storage provides optional BoltDB-backed persistence for broker and
executor state.

Nothing in pkg/broker or pkg/executor requires a Store: every caller that
accepts one treats a nil Store as a no-op, so a broker or executor can run
entirely in memory. When a data directory is configured, BoltStore gives
job submissions, accepted results, and executor records a durable home
across restarts, using BoltDB for ACID transactions with zero external
dependencies.

Three buckets hold JSON-encoded records keyed by id: "jobs", "results",
and "executors". Reads use db.View for concurrent access; writes use
db.Update for serialized, fsync'd transactions.
*/
package storage
