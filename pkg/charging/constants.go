package charging

import "time"

const (
	operationAddCredit     = "add_credit"
	operationReportUsage   = "report_usage"
	operationUpsertUser    = "upsert_user"
	operationAcquireLock   = "acquire_lock"
	operationReleaseLock   = "release_lock"
	operationUpdateSession = "update_session"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultLockTimeout bounds how long an acquired soft lock is honored.
	DefaultLockTimeout = 500 * time.Millisecond

	// Upserts of an existing user prune that user's idempotency rows
	// older than this, except the row for the current transaction.
	upsertPruneAge = 2 * time.Hour
)
