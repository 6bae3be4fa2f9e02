// Package stores persists update stages in SQLite.
//
// SQLiteStore implements engine.StageStore and engine.LockStore on top of
// modernc.org/sqlite with WAL mode and embedded golang-migrate migrations.
// The stage_locks table is keyed by project root, so inserting a lock record
// is the atomic test-and-set behind StageLock. Failure markers, the stage
// event timeline and the audit log live in the same database.
package stores
