// Package stores provides the SQLite persistence layer for idler.
//
// It records append-only resource lifecycle rows, approval requests, the
// restore bookkeeping parameter store, durable workflow executions with their
// memoized steps, processed audit-event ids and an audit log. The database runs
// in WAL mode and schema changes are applied through embedded migrations.
package stores
