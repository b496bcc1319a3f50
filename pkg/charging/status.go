package charging

// StatusCode is an opaque business outcome carried on every response.
// Callers branch on these, not on errors, for everything except the
// not-found cases.
type StatusCode int32

const (
	StatusOK                 StatusCode = 0
	StatusCreditAdded        StatusCode = 1
	StatusTxnAlreadyHappened StatusCode = 2
	StatusNoMoney            StatusCode = 3
	StatusPartiallyAllocated StatusCode = 4
	StatusFullyAllocated     StatusCode = 5
	StatusNewlyLocked        StatusCode = 6
	StatusAlreadyLocked      StatusCode = 7
	StatusLockHeldByOther    StatusCode = 8
)

// String returns a stable name for the status code.
func (code StatusCode) String() string {
	switch code {
	case StatusOK:
		return "ok"
	case StatusCreditAdded:
		return "credit_added"
	case StatusTxnAlreadyHappened:
		return "txn_already_happened"
	case StatusNoMoney:
		return "no_money"
	case StatusPartiallyAllocated:
		return "partially_allocated"
	case StatusFullyAllocated:
		return "fully_allocated"
	case StatusNewlyLocked:
		return "newly_locked"
	case StatusAlreadyLocked:
		return "already_locked"
	case StatusLockHeldByOther:
		return "lock_held_by_other"
	}
	return "unknown"
}
