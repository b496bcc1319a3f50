package httpserver

import "github.com/MarkoPoloResearchLab/charging/pkg/charging"

type upsertUserRequest struct {
	UserID            int64  `json:"user_id"`
	AddCreditCents    int64  `json:"add_credit_cents"`
	IsNew             bool   `json:"is_new"`
	Profile           string `json:"profile"`
	LastSeenUnixMilli int64  `json:"last_seen_unix_milli"`
	TxnID             string `json:"txn_id"`
}

type addCreditRequest struct {
	AmountCents int64  `json:"amount_cents"`
	TxnID       string `json:"txn_id"`
}

type reportUsageRequest struct {
	UserID      int64  `json:"user_id"`
	ProductID   int64  `json:"product_id"`
	UnitsUsed   int64  `json:"units_used"`
	UnitsWanted int64  `json:"units_wanted"`
	SessionID   int64  `json:"session_id"`
	TxnID       string `json:"txn_id"`
}

type releaseLockRequest struct {
	LockSessionID int64  `json:"lock_session_id"`
	Profile       string `json:"profile"`
}

type updateSessionRequest struct {
	OverwritePayload string `json:"overwrite_payload"`
	AppendFragment   string `json:"append_fragment"`
}

type creditResponse struct {
	StatusCode           int32  `json:"status_code"`
	StatusText           string `json:"status_text"`
	BalanceCents         int64  `json:"balance_cents"`
	RemainingCreditCents int64  `json:"remaining_credit_cents"`
}

type allocationResponse struct {
	ProductID        int64 `json:"product_id"`
	SessionID        int64 `json:"session_id"`
	AllocatedUnits   int64 `json:"allocated_units"`
	TouchedUnixMilli int64 `json:"touched_unix_milli"`
}

type usageResponse struct {
	StatusCode           int32               `json:"status_code"`
	StatusText           string              `json:"status_text"`
	SessionID            int64               `json:"session_id"`
	Allocation           *allocationResponse `json:"allocation,omitempty"`
	BalanceCents         int64               `json:"balance_cents"`
	RemainingCreditCents int64               `json:"remaining_credit_cents"`
}

type transactionResponse struct {
	TxnID            string `json:"txn_id"`
	TxnTimeUnixMilli int64  `json:"txn_time_unix_milli"`
	ProductID        int64  `json:"product_id"`
	AmountCents      int64  `json:"amount_cents"`
}

type snapshotResponse struct {
	UserID               int64                 `json:"user_id"`
	Profile              string                `json:"profile"`
	LastSeenUnixMilli    int64                 `json:"last_seen_unix_milli"`
	LockSessionID        *int64                `json:"lock_session_id,omitempty"`
	LockExpiryUnixMilli  *int64                `json:"lock_expiry_unix_milli,omitempty"`
	BalanceCents         int64                 `json:"balance_cents"`
	TranCount            int64                 `json:"tran_count"`
	RemainingCreditCents int64                 `json:"remaining_credit_cents"`
	Allocations          []allocationResponse  `json:"allocations"`
	RecentTransactions   []transactionResponse `json:"recent_transactions"`
}

type lockResponse struct {
	StatusCode          int32            `json:"status_code"`
	StatusText          string           `json:"status_text"`
	LockSessionID       int64            `json:"lock_session_id"`
	LockExpiryUnixMilli int64            `json:"lock_expiry_unix_milli"`
	User                snapshotResponse `json:"user"`
}

type upsertUserResponse struct {
	StatusCode   int32  `json:"status_code"`
	StatusText   string `json:"status_text"`
	BalanceCents int64  `json:"balance_cents"`
}

type sessionResponse struct {
	SessionID int64  `json:"session_id"`
	Payload   string `json:"payload"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func mapSnapshot(snapshot charging.UserSnapshot) snapshotResponse {
	response := snapshotResponse{
		UserID:               snapshot.User.UserID.Int64(),
		Profile:              snapshot.User.Profile,
		LastSeenUnixMilli:    snapshot.User.LastSeenUnixMilli,
		LockSessionID:        snapshot.User.LockSessionID,
		LockExpiryUnixMilli:  snapshot.User.LockExpiryUnixMilli,
		BalanceCents:         snapshot.Balance.BalanceCents,
		TranCount:            snapshot.Balance.TranCount,
		RemainingCreditCents: snapshot.RemainingCreditCents,
		Allocations:          make([]allocationResponse, 0, len(snapshot.Allocations)),
		RecentTransactions:   make([]transactionResponse, 0, len(snapshot.RecentTransactions)),
	}
	for _, allocation := range snapshot.Allocations {
		response.Allocations = append(response.Allocations, mapAllocation(allocation))
	}
	for _, transaction := range snapshot.RecentTransactions {
		response.RecentTransactions = append(response.RecentTransactions, transactionResponse{
			TxnID:            transaction.TxnID.String(),
			TxnTimeUnixMilli: transaction.TxnTimeUnixMilli,
			ProductID:        transaction.ProductID.Int64(),
			AmountCents:      transaction.AmountCents,
		})
	}
	return response
}

func mapAllocation(allocation charging.AllocationRecord) allocationResponse {
	return allocationResponse{
		ProductID:        allocation.ProductID.Int64(),
		SessionID:        allocation.SessionID.Int64(),
		AllocatedUnits:   allocation.AllocatedUnits,
		TouchedUnixMilli: allocation.TouchedUnixMilli,
	}
}
