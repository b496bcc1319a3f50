package charging

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CreditResult reports the outcome of AddCredit.
type CreditResult struct {
	Status               StatusCode
	StatusText           string
	BalanceCents         int64
	RemainingCreditCents int64
}

// UpsertResult reports the outcome of UpsertUser.
type UpsertResult struct {
	Status       StatusCode
	StatusText   string
	BalanceCents int64
}

// AddCredit idempotently appends credit to a user's ledger. A replayed
// transaction id returns the original outcome and writes nothing.
func (service *Service) AddCredit(ctx context.Context, userID UserID, amountCents int64, txnID TxnID) (CreditResult, error) {
	var result CreditResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetUser(ctx, userID); err != nil {
			return err
		}
		previous, alreadyProcessed, err := transactionStore.GetTransaction(ctx, userID, txnID)
		if err != nil {
			return err
		}
		if alreadyProcessed {
			result, err = creditView(ctx, transactionStore, userID)
			if err != nil {
				return err
			}
			result.Status = StatusTxnAlreadyHappened
			result.StatusText = fmt.Sprintf("event already happened at %s", formatMillis(previous.TxnTimeUnixMilli))
			return nil
		}
		nowUnixMilli := service.nowFn()
		event := EventRecord{
			UserID:           userID,
			AmountCents:      amountCents,
			Purpose:          fmt.Sprintf("%d added", amountCents),
			CreatedUnixMilli: nowUnixMilli,
		}
		if err := transactionStore.InsertEvent(ctx, event); err != nil {
			return err
		}
		if err := transactionStore.RefreshBalance(ctx, userID); err != nil {
			return err
		}
		transaction := TransactionRecord{
			UserID:           userID,
			TxnID:            txnID,
			TxnTimeUnixMilli: nowUnixMilli,
			AmountCents:      amountCents,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		result, err = creditView(ctx, transactionStore, userID)
		if err != nil {
			return err
		}
		result.Status = StatusCreditAdded
		result.StatusText = fmt.Sprintf("%d added by txn %s", amountCents, txnID)
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationAddCredit,
		UserID:      userID,
		TxnID:       txnID,
		AmountCents: amountCents,
		Error:       operationError,
	})
	return result, operationError
}

// UpsertUser creates a user with an opening credit or tops up and
// refreshes an existing one, idempotently. Updates also prune the
// user's aged idempotency rows, keeping the current transaction.
func (service *Service) UpsertUser(ctx context.Context, userID UserID, addCreditCents int64, isNew bool, profile string, lastSeenUnixMilli int64, txnID TxnID) (UpsertResult, error) {
	var result UpsertResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		previous, alreadyProcessed, err := transactionStore.GetTransaction(ctx, userID, txnID)
		if err != nil {
			return err
		}
		if alreadyProcessed {
			balance, _, err := transactionStore.GetBalance(ctx, userID)
			if err != nil {
				return err
			}
			result = UpsertResult{
				Status:       StatusTxnAlreadyHappened,
				StatusText:   fmt.Sprintf("event already happened at %s", formatMillis(previous.TxnTimeUnixMilli)),
				BalanceCents: balance.BalanceCents,
			}
			return nil
		}
		nowUnixMilli := service.nowFn()
		if lastSeenUnixMilli <= 0 {
			lastSeenUnixMilli = nowUnixMilli
		}
		_, lookupErr := transactionStore.GetUser(ctx, userID)
		switch {
		case isNew && lookupErr == nil:
			return ErrUserExists
		case isNew:
			if !errors.Is(lookupErr, ErrUnknownUser) {
				return lookupErr
			}
		case lookupErr != nil:
			return lookupErr
		}
		var statusText string
		if isNew {
			statusText = fmt.Sprintf("created user %d with opening credit of %d", userID.Int64(), addCreditCents)
			result.BalanceCents = addCreditCents
		} else {
			balance, hasHistory, err := transactionStore.GetBalance(ctx, userID)
			if err != nil {
				return err
			}
			if !hasHistory {
				return ErrNoFinancialHistory
			}
			result.BalanceCents = balance.BalanceCents + addCreditCents
			statusText = fmt.Sprintf("updated user %d - added credit of %d; balance now %d", userID.Int64(), addCreditCents, result.BalanceCents)
		}
		transaction := TransactionRecord{
			UserID:           userID,
			TxnID:            txnID,
			TxnTimeUnixMilli: nowUnixMilli,
			AmountCents:      addCreditCents,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		user := UserRecord{
			UserID:            userID,
			Profile:           profile,
			LastSeenUnixMilli: lastSeenUnixMilli,
		}
		if err := transactionStore.UpsertUser(ctx, user); err != nil {
			return err
		}
		event := EventRecord{
			UserID:           userID,
			AmountCents:      addCreditCents,
			Purpose:          statusText,
			CreatedUnixMilli: nowUnixMilli,
		}
		if err := transactionStore.InsertEvent(ctx, event); err != nil {
			return err
		}
		if err := transactionStore.RefreshBalance(ctx, userID); err != nil {
			return err
		}
		if !isNew {
			cutoff := nowUnixMilli - upsertPruneAge.Milliseconds()
			if _, err := transactionStore.DeleteUserTransactionsBefore(ctx, userID, txnID, cutoff); err != nil {
				return err
			}
		}
		result.Status = StatusOK
		result.StatusText = statusText
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationUpsertUser,
		UserID:      userID,
		TxnID:       txnID,
		AmountCents: addCreditCents,
		Error:       operationError,
	})
	return result, operationError
}

func creditView(ctx context.Context, store Store, userID UserID) (CreditResult, error) {
	balance, _, err := store.GetBalance(ctx, userID)
	if err != nil {
		return CreditResult{}, err
	}
	remaining, err := remainingCredit(ctx, store, userID, balance.BalanceCents)
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{
		BalanceCents:         balance.BalanceCents,
		RemainingCreditCents: remaining,
	}, nil
}

func formatMillis(unixMilli int64) string {
	return time.UnixMilli(unixMilli).UTC().Format(time.RFC3339)
}
