// Package stores provides persistence layer implementations for polemarch.
// It includes SQLite-based storage with WAL mode, connection pooling and
// embedded migrations for projects, sync records, execution histories and
// their output lines, jobs, schedule entries, facts and audit logs.
//
// History lines are keyed by (history_id, line_number) so paging is a range
// read that never loads a whole record. Status transitions are conditional
// updates: FinalizeHistory only affects records still in DELAY or RUN.
package stores
