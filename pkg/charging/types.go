package charging

import (
	"context"
	"fmt"
	"strings"
)

// UserID identifies a charged subscriber.
type UserID int64

// ProductID identifies a metered product.
type ProductID int64

// SessionID identifies a usage session or a soft-lock holder.
type SessionID int64

// TxnID scopes duplicate detection for client retries.
type TxnID struct {
	value string
}

// NewUserID validates a user id.
func NewUserID(raw int64) (UserID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidUserID)
	}
	return UserID(raw), nil
}

// Int64 returns the raw identifier.
func (id UserID) Int64() int64 {
	return int64(id)
}

// NewProductID validates a product id.
func NewProductID(raw int64) (ProductID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidProductID)
	}
	return ProductID(raw), nil
}

// Int64 returns the raw identifier.
func (id ProductID) Int64() int64 {
	return int64(id)
}

// NewSessionID validates a session id.
func NewSessionID(raw int64) (SessionID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidSessionID)
	}
	return SessionID(raw), nil
}

// Int64 returns the raw identifier.
func (id SessionID) Int64() int64 {
	return int64(id)
}

// NewTxnID validates and normalizes a transaction id.
func NewTxnID(raw string) (TxnID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TxnID{}, fmt.Errorf("%w: empty value", ErrInvalidTxnID)
	}
	return TxnID{value: trimmed}, nil
}

// String returns the normalized transaction id.
func (id TxnID) String() string {
	return id.value
}

// UserRecord is a stored user row. Lock fields are nil when unlocked.
type UserRecord struct {
	UserID              UserID
	Profile             string
	LastSeenUnixMilli   int64
	LockSessionID       *int64
	LockExpiryUnixMilli *int64
}

// ProductRecord is reference data: what one unit of a product costs.
type ProductRecord struct {
	ProductID     ProductID
	Name          string
	UnitCostCents int64
}

// EventRecord is a single immutable financial event.
type EventRecord struct {
	UserID           UserID
	AmountCents      int64
	Purpose          string
	CreatedUnixMilli int64
}

// BalanceRecord is the materialized balance for a user.
// Invariant: BalanceCents equals the sum of the user's event amounts.
type BalanceRecord struct {
	UserID       UserID
	BalanceCents int64
	TranCount    int64
}

// AllocationRecord is a live reservation of product units for a session.
type AllocationRecord struct {
	UserID           UserID
	ProductID        ProductID
	SessionID        SessionID
	AllocatedUnits   int64
	TouchedUnixMilli int64
}

// TransactionRecord marks a transaction id as already applied.
type TransactionRecord struct {
	UserID           UserID
	TxnID            TxnID
	TxnTimeUnixMilli int64
	ProductID        ProductID
	AmountCents      int64
}

// SessionRecord is an opaque session blob, independent of any user.
type SessionRecord struct {
	SessionID        SessionID
	Payload          string
	TouchedUnixMilli int64
}

// UserSnapshot is the full view of a user returned by lock operations
// and GetUser.
type UserSnapshot struct {
	User                 UserRecord
	Balance              BalanceRecord
	RemainingCreditCents int64
	Allocations          []AllocationRecord
	RecentTransactions   []TransactionRecord
}

// Store is the persistence contract used by Service and Collector.
// WithTx runs fn as one atomic unit; returning an error aborts every
// write queued inside it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetUser(ctx context.Context, userID UserID) (UserRecord, error)
	UpsertUser(ctx context.Context, user UserRecord) error
	SetUserLock(ctx context.Context, userID UserID, lockSessionID int64, expiryUnixMilli int64) error
	ClearUserLock(ctx context.Context, userID UserID, profile string) error

	GetProduct(ctx context.Context, productID ProductID) (ProductRecord, error)

	GetTransaction(ctx context.Context, userID UserID, txnID TxnID) (TransactionRecord, bool, error)
	InsertTransaction(ctx context.Context, transaction TransactionRecord) error
	ListTransactions(ctx context.Context, userID UserID) ([]TransactionRecord, error)
	DeleteUserTransactionsBefore(ctx context.Context, userID UserID, keep TxnID, cutoffUnixMilli int64) (int64, error)
	DeleteTransactionsBefore(ctx context.Context, cutoffUnixMilli int64, limit int64) (int64, error)

	InsertEvent(ctx context.Context, event EventRecord) error
	RefreshBalance(ctx context.Context, userID UserID) error
	GetBalance(ctx context.Context, userID UserID) (BalanceRecord, bool, error)

	GetAllocation(ctx context.Context, userID UserID, productID ProductID, sessionID SessionID) (AllocationRecord, bool, error)
	InsertAllocation(ctx context.Context, allocation AllocationRecord) error
	DeleteAllocation(ctx context.Context, userID UserID, productID ProductID, sessionID SessionID) (int64, error)
	ListAllocations(ctx context.Context, userID UserID) ([]AllocationRecord, error)
	SumReservedCostCents(ctx context.Context, userID UserID) (int64, bool, error)
	DeleteAllocationsBefore(ctx context.Context, cutoffUnixMilli int64, limit int64) (int64, error)

	GetSession(ctx context.Context, sessionID SessionID) (SessionRecord, error)
	UpsertSession(ctx context.Context, session SessionRecord) error
}
