package charging

import (
	"context"
	"fmt"
)

// Service contains the domain logic over a Store.
//
// nowFn is the single authoritative clock: every expiry comparison and
// every stored timestamp inside one operation uses one reading of it,
// never a caller-supplied time. nextIDFn must be collision-free across
// concurrent callers.
type Service struct {
	store             Store
	nowFn             func() int64
	nextIDFn          func() int64
	logger            OperationLogger
	lockTimeoutMillis int64
}

// NewService wires a Service.
func NewService(store Store, now func() int64, nextID func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if nextID == nil {
		return nil, fmt.Errorf("%w: id generator dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:             store,
		nowFn:             now,
		nextIDFn:          nextID,
		lockTimeoutMillis: DefaultLockTimeout.Milliseconds(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetUser returns the full snapshot of a user without mutating anything.
func (service *Service) GetUser(ctx context.Context, userID UserID) (UserSnapshot, error) {
	var snapshot UserSnapshot
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		snapshot, err = loadSnapshot(ctx, transactionStore, userID)
		return err
	})
	return snapshot, operationError
}

// loadSnapshot reads the user row, materialized balance, live
// allocations, recent transactions, and remaining credit as one view.
func loadSnapshot(ctx context.Context, store Store, userID UserID) (UserSnapshot, error) {
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		return UserSnapshot{}, err
	}
	balance, _, err := store.GetBalance(ctx, userID)
	if err != nil {
		return UserSnapshot{}, err
	}
	remaining, err := remainingCredit(ctx, store, userID, balance.BalanceCents)
	if err != nil {
		return UserSnapshot{}, err
	}
	allocations, err := store.ListAllocations(ctx, userID)
	if err != nil {
		return UserSnapshot{}, err
	}
	transactions, err := store.ListTransactions(ctx, userID)
	if err != nil {
		return UserSnapshot{}, err
	}
	return UserSnapshot{
		User:                 user,
		Balance:              balance,
		RemainingCreditCents: remaining,
		Allocations:          allocations,
		RecentTransactions:   transactions,
	}, nil
}

// remainingCredit is the ledger balance minus the cost of every live
// reservation.
func remainingCredit(ctx context.Context, store Store, userID UserID, balanceCents int64) (int64, error) {
	reserved, hasAllocations, err := store.SumReservedCostCents(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !hasAllocations {
		return balanceCents, nil
	}
	return balanceCents - reserved, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
