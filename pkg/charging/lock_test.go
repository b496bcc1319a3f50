package charging

import (
	"context"
	"errors"
	"testing"
)

func newLockFixture(test *testing.T) (*stubStore, *fakeClock, *Service) {
	test.Helper()
	store := newStubStore(test)
	clock := &fakeClock{nowUnixMilli: 1_700_000_000_000}
	service := mustService(test, store, clock)
	seedUser(store, 42)
	return store, clock, service
}

func TestAcquireLockGrantsWithExpiry(test *testing.T) {
	test.Parallel()
	store, clock, service := newLockFixture(test)

	result, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	if result.Status != StatusNewlyLocked {
		test.Fatalf("status = %v, want %v", result.Status, StatusNewlyLocked)
	}
	if result.LockSessionID <= 0 {
		test.Fatalf("lock session id = %d, want a minted positive id", result.LockSessionID)
	}
	wantExpiry := clock.now() + DefaultLockTimeout.Milliseconds()
	if result.LockExpiryUnixMilli != wantExpiry {
		test.Fatalf("expiry = %d, want %d", result.LockExpiryUnixMilli, wantExpiry)
	}
	user := store.users[42]
	if user.LockSessionID == nil || *user.LockSessionID != result.LockSessionID {
		test.Fatalf("stored lock holder = %v, want %d", user.LockSessionID, result.LockSessionID)
	}
}

func TestAcquireLockRejectsWhileHeld(test *testing.T) {
	test.Parallel()
	store, _, service := newLockFixture(test)

	first, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("first acquire: %v", err)
	}
	second, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("second acquire: %v", err)
	}
	if second.Status != StatusAlreadyLocked {
		test.Fatalf("second status = %v, want %v", second.Status, StatusAlreadyLocked)
	}
	if second.LockSessionID != first.LockSessionID {
		test.Fatalf("reported holder = %d, want %d", second.LockSessionID, first.LockSessionID)
	}
	user := store.users[42]
	if *user.LockSessionID != first.LockSessionID || *user.LockExpiryUnixMilli != first.LockExpiryUnixMilli {
		test.Fatalf("rejected acquire mutated the stored lock")
	}
}

func TestAcquireLockAfterExpiry(test *testing.T) {
	test.Parallel()
	_, clock, service := newLockFixture(test)

	first, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("first acquire: %v", err)
	}
	clock.advance(DefaultLockTimeout.Milliseconds() + 1)
	second, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("second acquire: %v", err)
	}
	if second.Status != StatusNewlyLocked {
		test.Fatalf("status after expiry = %v, want %v", second.Status, StatusNewlyLocked)
	}
	if second.LockSessionID == first.LockSessionID {
		test.Fatalf("expired lock was not replaced with a fresh session")
	}
}

func TestReleaseLockByHolderPersistsProfile(test *testing.T) {
	test.Parallel()
	store, _, service := newLockFixture(test)

	granted, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	released, err := service.ReleaseLock(context.Background(), 42, granted.LockSessionID, `{"edited":true}`)
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if released.Status != StatusOK {
		test.Fatalf("status = %v, want %v", released.Status, StatusOK)
	}
	user := store.users[42]
	if user.LockSessionID != nil || user.LockExpiryUnixMilli != nil {
		test.Fatalf("lock fields survived the release")
	}
	if user.Profile != `{"edited":true}` {
		test.Fatalf("profile = %q, want the edited payload", user.Profile)
	}
}

func TestReleaseLockByOtherRejected(test *testing.T) {
	test.Parallel()
	store, _, service := newLockFixture(test)

	granted, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	rejected, err := service.ReleaseLock(context.Background(), 42, granted.LockSessionID+1, `{"stolen":true}`)
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if rejected.Status != StatusLockHeldByOther {
		test.Fatalf("status = %v, want %v", rejected.Status, StatusLockHeldByOther)
	}
	user := store.users[42]
	if user.LockSessionID == nil || *user.LockSessionID != granted.LockSessionID {
		test.Fatalf("rejected release cleared the lock")
	}
	if user.Profile == `{"stolen":true}` {
		test.Fatalf("rejected release wrote the profile")
	}
}

func TestReleaseLockAfterExpiryAllowed(test *testing.T) {
	test.Parallel()
	store, clock, service := newLockFixture(test)

	granted, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	clock.advance(DefaultLockTimeout.Milliseconds() + 1)
	released, err := service.ReleaseLock(context.Background(), 42, granted.LockSessionID+1, `{"late":true}`)
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if released.Status != StatusOK {
		test.Fatalf("status = %v, want %v after the lock lapsed", released.Status, StatusOK)
	}
	if store.users[42].Profile != `{"late":true}` {
		test.Fatalf("expired lock still blocked the profile update")
	}
}

func TestLockResultsCarrySnapshot(test *testing.T) {
	test.Parallel()
	store, _, service := newLockFixture(test)
	seedBalance(test, store, service, 42, 800, "txn-seed")

	result, err := service.AcquireLock(context.Background(), 42)
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	if result.Snapshot.User.UserID != 42 {
		test.Fatalf("snapshot user = %d, want 42", result.Snapshot.User.UserID)
	}
	if result.Snapshot.Balance.BalanceCents != 800 {
		test.Fatalf("snapshot balance = %d, want 800", result.Snapshot.Balance.BalanceCents)
	}
	if len(result.Snapshot.RecentTransactions) != 1 {
		test.Fatalf("snapshot transactions = %d, want 1", len(result.Snapshot.RecentTransactions))
	}
}

func TestLockUnknownUser(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &fakeClock{nowUnixMilli: 1_700_000_000_000}
	service := mustService(test, store, clock)

	if _, err := service.AcquireLock(context.Background(), 7); !errors.Is(err, ErrUnknownUser) {
		test.Fatalf("acquire error = %v, want ErrUnknownUser", err)
	}
	if _, err := service.ReleaseLock(context.Background(), 7, 1, "{}"); !errors.Is(err, ErrUnknownUser) {
		test.Fatalf("release error = %v, want ErrUnknownUser", err)
	}
}
