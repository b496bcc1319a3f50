package charging

import (
	"context"
	"fmt"
	"math"
)

// UsageRequest carries one quota report: units consumed since the last
// report and units wanted for the next period.
type UsageRequest struct {
	UserID      UserID
	ProductID   ProductID
	UnitsUsed   int64
	UnitsWanted int64
	// SessionID of zero or less asks the service to mint a fresh one.
	SessionID SessionID
	TxnID     TxnID
}

// UsageResult reports the outcome of ReportUsage.
type UsageResult struct {
	Status               StatusCode
	StatusText           string
	SessionID            SessionID
	Allocation           *AllocationRecord
	BalanceCents         int64
	RemainingCreditCents int64
}

// ReportUsage settles consumed units against the ledger and reserves
// the next batch of units, bounded by what the remaining balance can
// afford. The whole operation is one atomic unit and is idempotent per
// (user, txn id).
func (service *Service) ReportUsage(ctx context.Context, request UsageRequest) (UsageResult, error) {
	var result UsageResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetUser(ctx, request.UserID); err != nil {
			return err
		}
		product, err := transactionStore.GetProduct(ctx, request.ProductID)
		if err != nil {
			return err
		}
		previous, alreadyProcessed, err := transactionStore.GetTransaction(ctx, request.UserID, request.TxnID)
		if err != nil {
			return err
		}
		if alreadyProcessed {
			result, err = usageView(ctx, transactionStore, request.UserID, request.ProductID, request.SessionID)
			if err != nil {
				return err
			}
			result.Status = StatusTxnAlreadyHappened
			result.StatusText = fmt.Sprintf("event already happened at %s", formatMillis(previous.TxnTimeUnixMilli))
			return nil
		}
		sessionID := request.SessionID
		if sessionID <= 0 {
			sessionID = SessionID(service.nextIDFn())
		}
		nowUnixMilli := service.nowFn()

		var debitCents int64
		if request.UnitsUsed > 0 {
			debitCents = -(request.UnitsUsed * product.UnitCostCents)
			event := EventRecord{
				UserID:           request.UserID,
				AmountCents:      debitCents,
				Purpose:          fmt.Sprintf("%d units of product %d", request.UnitsUsed, request.ProductID.Int64()),
				CreatedUnixMilli: nowUnixMilli,
			}
			if err := transactionStore.InsertEvent(ctx, event); err != nil {
				return err
			}
			if err := transactionStore.RefreshBalance(ctx, request.UserID); err != nil {
				return err
			}
		}

		// The session's prior reservation is superseded by this report.
		if _, err := transactionStore.DeleteAllocation(ctx, request.UserID, request.ProductID, sessionID); err != nil {
			return err
		}

		// The transaction is official from here on, even when no new
		// units end up allocated.
		transaction := TransactionRecord{
			UserID:           request.UserID,
			TxnID:            request.TxnID,
			TxnTimeUnixMilli: nowUnixMilli,
			ProductID:        request.ProductID,
			AmountCents:      debitCents,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}

		balance, _, err := transactionStore.GetBalance(ctx, request.UserID)
		if err != nil {
			return err
		}
		currentBalance := balance.BalanceCents
		reserved, hasLiveAllocations, err := transactionStore.SumReservedCostCents(ctx, request.UserID)
		if err != nil {
			return err
		}
		// Live reservations held by other sessions are spoken for.
		if hasLiveAllocations {
			currentBalance = balance.BalanceCents - reserved
		}

		if request.UnitsWanted <= 0 {
			result, err = usageView(ctx, transactionStore, request.UserID, request.ProductID, sessionID)
			if err != nil {
				return err
			}
			result.Status = StatusOK
			result.StatusText = "no units requested"
			return nil
		}

		wantToSpend := product.UnitCostCents * request.UnitsWanted
		affordableUnits := int64(math.MaxInt64)
		if product.UnitCostCents > 0 {
			affordableUnits = currentBalance / product.UnitCostCents
		}

		var status StatusCode
		var statusText string
		var allocatedUnits int64
		switch {
		case currentBalance <= 0 || affordableUnits == 0:
			status = StatusNoMoney
			statusText = "not enough money"
		case wantToSpend > currentBalance:
			status = StatusPartiallyAllocated
			allocatedUnits = affordableUnits
			statusText = fmt.Sprintf("allocated %d units", allocatedUnits)
		default:
			status = StatusFullyAllocated
			allocatedUnits = request.UnitsWanted
			statusText = fmt.Sprintf("allocated %d units", allocatedUnits)
		}
		if allocatedUnits > 0 {
			allocation := AllocationRecord{
				UserID:           request.UserID,
				ProductID:        request.ProductID,
				SessionID:        sessionID,
				AllocatedUnits:   allocatedUnits,
				TouchedUnixMilli: nowUnixMilli,
			}
			if err := transactionStore.InsertAllocation(ctx, allocation); err != nil {
				return err
			}
		}
		result, err = usageView(ctx, transactionStore, request.UserID, request.ProductID, sessionID)
		if err != nil {
			return err
		}
		result.Status = status
		result.StatusText = statusText
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationReportUsage,
		UserID:     request.UserID,
		ProductID:  request.ProductID,
		SessionID:  result.SessionID,
		TxnID:      request.TxnID,
		StatusCode: result.Status,
		Error:      operationError,
	})
	return result, operationError
}

// usageView reads the response fields after the writes of a usage
// report have been queued: current balance, remaining credit, and the
// session's live allocation if one exists.
func usageView(ctx context.Context, store Store, userID UserID, productID ProductID, sessionID SessionID) (UsageResult, error) {
	balance, _, err := store.GetBalance(ctx, userID)
	if err != nil {
		return UsageResult{}, err
	}
	remaining, err := remainingCredit(ctx, store, userID, balance.BalanceCents)
	if err != nil {
		return UsageResult{}, err
	}
	view := UsageResult{
		SessionID:            sessionID,
		BalanceCents:         balance.BalanceCents,
		RemainingCreditCents: remaining,
	}
	if sessionID > 0 {
		allocation, hasAllocation, err := store.GetAllocation(ctx, userID, productID, sessionID)
		if err != nil {
			return UsageResult{}, err
		}
		if hasAllocation {
			view.Allocation = &allocation
		}
	}
	return view, nil
}
