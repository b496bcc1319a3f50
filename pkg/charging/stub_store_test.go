package charging

import (
	"context"
	"sort"
	"testing"
)

type allocationKey struct {
	userID    UserID
	productID ProductID
	sessionID SessionID
}

type txnKey struct {
	userID UserID
	txnID  string
}

// stubStore is an in-memory Store whose WithTx discards every write
// when the callback fails, mirroring the abort contract.
type stubStore struct {
	users        map[UserID]UserRecord
	products     map[ProductID]ProductRecord
	events       []EventRecord
	balances     map[UserID]BalanceRecord
	allocations  map[allocationKey]AllocationRecord
	transactions map[txnKey]TransactionRecord
	sessions     map[SessionID]SessionRecord
	failWith     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		users:        map[UserID]UserRecord{},
		products:     map[ProductID]ProductRecord{},
		balances:     map[UserID]BalanceRecord{},
		allocations:  map[allocationKey]AllocationRecord{},
		transactions: map[txnKey]TransactionRecord{},
		sessions:     map[SessionID]SessionRecord{},
	}
}

func (store *stubStore) snapshot() *stubStore {
	copied := &stubStore{
		users:        make(map[UserID]UserRecord, len(store.users)),
		products:     make(map[ProductID]ProductRecord, len(store.products)),
		events:       append([]EventRecord(nil), store.events...),
		balances:     make(map[UserID]BalanceRecord, len(store.balances)),
		allocations:  make(map[allocationKey]AllocationRecord, len(store.allocations)),
		transactions: make(map[txnKey]TransactionRecord, len(store.transactions)),
		sessions:     make(map[SessionID]SessionRecord, len(store.sessions)),
	}
	for key, value := range store.users {
		copied.users[key] = value
	}
	for key, value := range store.products {
		copied.products[key] = value
	}
	for key, value := range store.balances {
		copied.balances[key] = value
	}
	for key, value := range store.allocations {
		copied.allocations[key] = value
	}
	for key, value := range store.transactions {
		copied.transactions[key] = value
	}
	for key, value := range store.sessions {
		copied.sessions[key] = value
	}
	return copied
}

func (store *stubStore) restore(from *stubStore) {
	store.users = from.users
	store.products = from.products
	store.events = from.events
	store.balances = from.balances
	store.allocations = from.allocations
	store.transactions = from.transactions
	store.sessions = from.sessions
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.failWith != nil {
		return store.failWith
	}
	before := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(before)
		return err
	}
	return nil
}

func (store *stubStore) GetUser(_ context.Context, userID UserID) (UserRecord, error) {
	if store.failWith != nil {
		return UserRecord{}, store.failWith
	}
	user, found := store.users[userID]
	if !found {
		return UserRecord{}, ErrUnknownUser
	}
	return user, nil
}

func (store *stubStore) UpsertUser(_ context.Context, user UserRecord) error {
	existing, found := store.users[user.UserID]
	if found {
		existing.Profile = user.Profile
		existing.LastSeenUnixMilli = user.LastSeenUnixMilli
		store.users[user.UserID] = existing
		return nil
	}
	store.users[user.UserID] = user
	return nil
}

func (store *stubStore) SetUserLock(_ context.Context, userID UserID, lockSessionID int64, expiryUnixMilli int64) error {
	user, found := store.users[userID]
	if !found {
		return ErrUnknownUser
	}
	user.LockSessionID = &lockSessionID
	user.LockExpiryUnixMilli = &expiryUnixMilli
	store.users[userID] = user
	return nil
}

func (store *stubStore) ClearUserLock(_ context.Context, userID UserID, profile string) error {
	user, found := store.users[userID]
	if !found {
		return ErrUnknownUser
	}
	user.LockSessionID = nil
	user.LockExpiryUnixMilli = nil
	user.Profile = profile
	store.users[userID] = user
	return nil
}

func (store *stubStore) GetProduct(_ context.Context, productID ProductID) (ProductRecord, error) {
	product, found := store.products[productID]
	if !found {
		return ProductRecord{}, ErrUnknownProduct
	}
	return product, nil
}

func (store *stubStore) GetTransaction(_ context.Context, userID UserID, txnID TxnID) (TransactionRecord, bool, error) {
	transaction, found := store.transactions[txnKey{userID: userID, txnID: txnID.String()}]
	return transaction, found, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction TransactionRecord) error {
	key := txnKey{userID: transaction.UserID, txnID: transaction.TxnID.String()}
	if _, exists := store.transactions[key]; exists {
		return ErrDuplicateTxn
	}
	store.transactions[key] = transaction
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID) ([]TransactionRecord, error) {
	var transactions []TransactionRecord
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			transactions = append(transactions, transaction)
		}
	}
	sort.Slice(transactions, func(left, right int) bool {
		if transactions[left].TxnTimeUnixMilli != transactions[right].TxnTimeUnixMilli {
			return transactions[left].TxnTimeUnixMilli < transactions[right].TxnTimeUnixMilli
		}
		return transactions[left].TxnID.String() < transactions[right].TxnID.String()
	})
	return transactions, nil
}

func (store *stubStore) DeleteUserTransactionsBefore(_ context.Context, userID UserID, keep TxnID, cutoffUnixMilli int64) (int64, error) {
	var removed int64
	for key, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.TxnID.String() != keep.String() && transaction.TxnTimeUnixMilli < cutoffUnixMilli {
			delete(store.transactions, key)
			removed++
		}
	}
	return removed, nil
}

func (store *stubStore) DeleteTransactionsBefore(_ context.Context, cutoffUnixMilli int64, limit int64) (int64, error) {
	var candidates []TransactionRecord
	for _, transaction := range store.transactions {
		if transaction.TxnTimeUnixMilli < cutoffUnixMilli {
			candidates = append(candidates, transaction)
		}
	}
	sort.Slice(candidates, func(left, right int) bool {
		if candidates[left].TxnTimeUnixMilli != candidates[right].TxnTimeUnixMilli {
			return candidates[left].TxnTimeUnixMilli < candidates[right].TxnTimeUnixMilli
		}
		if candidates[left].UserID != candidates[right].UserID {
			return candidates[left].UserID < candidates[right].UserID
		}
		return candidates[left].TxnID.String() < candidates[right].TxnID.String()
	})
	if int64(len(candidates)) > limit {
		candidates = candidates[:limit]
	}
	for _, transaction := range candidates {
		delete(store.transactions, txnKey{userID: transaction.UserID, txnID: transaction.TxnID.String()})
	}
	return int64(len(candidates)), nil
}

func (store *stubStore) InsertEvent(_ context.Context, event EventRecord) error {
	store.events = append(store.events, event)
	return nil
}

func (store *stubStore) RefreshBalance(_ context.Context, userID UserID) error {
	var total int64
	var count int64
	for _, event := range store.events {
		if event.UserID == userID {
			total += event.AmountCents
			count++
		}
	}
	store.balances[userID] = BalanceRecord{UserID: userID, BalanceCents: total, TranCount: count}
	return nil
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID) (BalanceRecord, bool, error) {
	balance, found := store.balances[userID]
	if !found {
		return BalanceRecord{UserID: userID}, false, nil
	}
	return balance, true, nil
}

func (store *stubStore) GetAllocation(_ context.Context, userID UserID, productID ProductID, sessionID SessionID) (AllocationRecord, bool, error) {
	allocation, found := store.allocations[allocationKey{userID: userID, productID: productID, sessionID: sessionID}]
	return allocation, found, nil
}

func (store *stubStore) InsertAllocation(_ context.Context, allocation AllocationRecord) error {
	key := allocationKey{userID: allocation.UserID, productID: allocation.ProductID, sessionID: allocation.SessionID}
	if _, exists := store.allocations[key]; exists {
		return ErrAllocationExists
	}
	store.allocations[key] = allocation
	return nil
}

func (store *stubStore) DeleteAllocation(_ context.Context, userID UserID, productID ProductID, sessionID SessionID) (int64, error) {
	key := allocationKey{userID: userID, productID: productID, sessionID: sessionID}
	if _, exists := store.allocations[key]; !exists {
		return 0, nil
	}
	delete(store.allocations, key)
	return 1, nil
}

func (store *stubStore) ListAllocations(_ context.Context, userID UserID) ([]AllocationRecord, error) {
	var allocations []AllocationRecord
	for _, allocation := range store.allocations {
		if allocation.UserID == userID {
			allocations = append(allocations, allocation)
		}
	}
	sort.Slice(allocations, func(left, right int) bool {
		if allocations[left].ProductID != allocations[right].ProductID {
			return allocations[left].ProductID < allocations[right].ProductID
		}
		return allocations[left].SessionID < allocations[right].SessionID
	})
	return allocations, nil
}

func (store *stubStore) SumReservedCostCents(_ context.Context, userID UserID) (int64, bool, error) {
	var total int64
	var count int64
	for _, allocation := range store.allocations {
		if allocation.UserID != userID {
			continue
		}
		product, found := store.products[allocation.ProductID]
		if !found {
			continue
		}
		total += allocation.AllocatedUnits * product.UnitCostCents
		count++
	}
	return total, count > 0, nil
}

func (store *stubStore) DeleteAllocationsBefore(_ context.Context, cutoffUnixMilli int64, limit int64) (int64, error) {
	var candidates []AllocationRecord
	for _, allocation := range store.allocations {
		if allocation.TouchedUnixMilli < cutoffUnixMilli {
			candidates = append(candidates, allocation)
		}
	}
	sort.Slice(candidates, func(left, right int) bool {
		if candidates[left].TouchedUnixMilli != candidates[right].TouchedUnixMilli {
			return candidates[left].TouchedUnixMilli < candidates[right].TouchedUnixMilli
		}
		if candidates[left].UserID != candidates[right].UserID {
			return candidates[left].UserID < candidates[right].UserID
		}
		if candidates[left].ProductID != candidates[right].ProductID {
			return candidates[left].ProductID < candidates[right].ProductID
		}
		return candidates[left].SessionID < candidates[right].SessionID
	})
	if int64(len(candidates)) > limit {
		candidates = candidates[:limit]
	}
	for _, allocation := range candidates {
		delete(store.allocations, allocationKey{userID: allocation.UserID, productID: allocation.ProductID, sessionID: allocation.SessionID})
	}
	return int64(len(candidates)), nil
}

func (store *stubStore) GetSession(_ context.Context, sessionID SessionID) (SessionRecord, error) {
	session, found := store.sessions[sessionID]
	if !found {
		return SessionRecord{}, ErrUnknownSession
	}
	return session, nil
}

func (store *stubStore) UpsertSession(_ context.Context, session SessionRecord) error {
	store.sessions[session.SessionID] = session
	return nil
}

// fakeClock is an advanceable test clock in unix milliseconds.
type fakeClock struct {
	nowUnixMilli int64
}

func (clock *fakeClock) now() int64 {
	return clock.nowUnixMilli
}

func (clock *fakeClock) advance(deltaMillis int64) {
	clock.nowUnixMilli += deltaMillis
}

// sequenceIDs returns a deterministic unique-id generator starting at
// the given value.
func sequenceIDs(next int64) func() int64 {
	current := next - 1
	return func() int64 {
		current++
		return current
	}
}

func mustService(test *testing.T, store Store, clock *fakeClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.now, sequenceIDs(9000), options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustTxnID(test *testing.T, raw string) TxnID {
	test.Helper()
	txnID, err := NewTxnID(raw)
	if err != nil {
		test.Fatalf("txn id %q: %v", raw, err)
	}
	return txnID
}

func seedUser(store *stubStore, userID UserID) {
	store.users[userID] = UserRecord{UserID: userID, Profile: "{}"}
}

func seedProduct(store *stubStore, productID ProductID, unitCostCents int64) {
	store.products[productID] = ProductRecord{ProductID: productID, Name: "test product", UnitCostCents: unitCostCents}
}

func seedBalance(test *testing.T, store *stubStore, service *Service, userID UserID, amountCents int64, txn string) {
	test.Helper()
	if _, err := service.AddCredit(context.Background(), userID, amountCents, mustTxnID(test, txn)); err != nil {
		test.Fatalf("seed balance: %v", err)
	}
}

// checkLedgerBalanceInvariant asserts the materialized balance equals
// the sum of the user's financial events.
func checkLedgerBalanceInvariant(test *testing.T, store *stubStore, userID UserID) {
	test.Helper()
	var total int64
	for _, event := range store.events {
		if event.UserID == userID {
			total += event.AmountCents
		}
	}
	balance := store.balances[userID]
	if balance.BalanceCents != total {
		test.Fatalf("balance %d diverged from ledger sum %d", balance.BalanceCents, total)
	}
}
