package charging

import (
	"context"
	"fmt"
)

// LockResult reports the outcome of AcquireLock and ReleaseLock. The
// snapshot is populated regardless of the lock outcome so callers can
// always see current state.
type LockResult struct {
	Status              StatusCode
	StatusText          string
	LockSessionID       int64
	LockExpiryUnixMilli int64
	Snapshot            UserSnapshot
}

// AcquireLock grants a time-bounded advisory lock over the user's
// profile. An unexpired lock held by anyone is never overwritten; the
// expiry comparison and the new expiry both use one reading of the
// service clock.
func (service *Service) AcquireLock(ctx context.Context, userID UserID) (LockResult, error) {
	var result LockResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		nowUnixMilli := service.nowFn()
		if lockActive(user, nowUnixMilli) {
			result.Status = StatusAlreadyLocked
			result.LockSessionID = *user.LockSessionID
			result.LockExpiryUnixMilli = *user.LockExpiryUnixMilli
			result.StatusText = fmt.Sprintf("user %d has already been locked by session %d", userID.Int64(), result.LockSessionID)
		} else {
			lockSessionID := service.nextIDFn()
			expiryUnixMilli := nowUnixMilli + service.lockTimeoutMillis
			if err := transactionStore.SetUserLock(ctx, userID, lockSessionID, expiryUnixMilli); err != nil {
				return err
			}
			result.Status = StatusNewlyLocked
			result.LockSessionID = lockSessionID
			result.LockExpiryUnixMilli = expiryUnixMilli
			result.StatusText = fmt.Sprintf("user %d newly locked by session %d", userID.Int64(), lockSessionID)
		}
		result.Snapshot, err = loadSnapshot(ctx, transactionStore, userID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationAcquireLock,
		UserID:     userID,
		SessionID:  SessionID(result.LockSessionID),
		StatusCode: result.Status,
		Error:      operationError,
	})
	return result, operationError
}

// ReleaseLock clears the lock and persists the edited profile when the
// caller holds the lock or the lock has lapsed. A live lock held by a
// different session rejects the update without mutating anything.
func (service *Service) ReleaseLock(ctx context.Context, userID UserID, lockSessionID int64, profile string) (LockResult, error) {
	var result LockResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		nowUnixMilli := service.nowFn()
		if lockActive(user, nowUnixMilli) && *user.LockSessionID != lockSessionID {
			result.Status = StatusLockHeldByOther
			result.LockSessionID = *user.LockSessionID
			result.LockExpiryUnixMilli = *user.LockExpiryUnixMilli
			result.StatusText = fmt.Sprintf("user %d currently locked by session %d, expires at %s",
				userID.Int64(), result.LockSessionID, formatMillis(result.LockExpiryUnixMilli))
		} else {
			if err := transactionStore.ClearUserLock(ctx, userID, profile); err != nil {
				return err
			}
			result.Status = StatusOK
			result.StatusText = fmt.Sprintf("user %d updated", userID.Int64())
		}
		result.Snapshot, err = loadSnapshot(ctx, transactionStore, userID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationReleaseLock,
		UserID:     userID,
		SessionID:  SessionID(lockSessionID),
		StatusCode: result.Status,
		Error:      operationError,
	})
	return result, operationError
}

// lockActive reports whether the user carries an unexpired soft lock.
func lockActive(user UserRecord, nowUnixMilli int64) bool {
	return user.LockSessionID != nil && user.LockExpiryUnixMilli != nil && *user.LockExpiryUnixMilli > nowUnixMilli
}
