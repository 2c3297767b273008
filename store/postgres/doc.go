// Package postgres provides the PostgreSQL store backend using pgx/v5.
//
// Conditional transitions are single UPDATE statements guarded by a
// status predicate; the row lock makes the check-and-set atomic without
// application-side locking. The change feed rides LISTEN/NOTIFY on a
// dedicated pooled connection, with the notification payload carrying
// only the job ID — watchers re-fetch the row, so a dropped
// notification costs freshness, never correctness.
package postgres
