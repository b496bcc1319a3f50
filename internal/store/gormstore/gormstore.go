package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/charging/pkg/charging"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultProfileJSON    = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectUser      = "user"
	errorSubjectProduct   = "product"
	errorSubjectBalance   = "balance"
	errorSubjectEvent     = "event"
	errorSubjectAlloc     = "allocation"
	errorSubjectTxn       = "transaction"
	errorSubjectSession   = "session"
	errorCodeGet          = "get"
	errorCodeUpsert       = "upsert"
	errorCodeInsert       = "insert"
	errorCodeDuplicate    = "duplicate"
	errorCodeDelete       = "delete"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeUnlock       = "unlock"
	errorCodeRefresh      = "refresh"
	errorCodeSumReserved  = "sum_reserved"
)

// Store implements charging.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema for sqlite deployments.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Product{},
		&FinancialEvent{},
		&Balance{},
		&UsageAllocation{},
		&RecentTransaction{},
		&SessionBlob{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore charging.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetUser(ctx context.Context, userID charging.UserID) (charging.UserRecord, error) {
	var model User
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.Int64()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return charging.UserRecord{}, wrapStoreError(errorSubjectUser, errorCodeGet, charging.ErrUnknownUser)
		}
		return charging.UserRecord{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(model), nil
}

func (store *Store) UpsertUser(ctx context.Context, user charging.UserRecord) error {
	model := User{
		UserID:   user.UserID.Int64(),
		Profile:  profileJSON(user.Profile),
		LastSeen: time.UnixMilli(user.LastSeenUnixMilli).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"profile", "last_seen"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) SetUserLock(ctx context.Context, userID charging.UserID, lockSessionID int64, expiryUnixMilli int64) error {
	expiry := time.UnixMilli(expiryUnixMilli).UTC()
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.Int64()).
		Updates(map[string]interface{}{
			"lock_session_id": lockSessionID,
			"lock_expiry":     expiry,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeLock, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeLock, charging.ErrUnknownUser)
	}
	return nil
}

func (store *Store) ClearUserLock(ctx context.Context, userID charging.UserID, profile string) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.Int64()).
		Updates(map[string]interface{}{
			"lock_session_id": nil,
			"lock_expiry":     nil,
			"profile":         profileJSON(profile),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUnlock, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUnlock, charging.ErrUnknownUser)
	}
	return nil
}

func (store *Store) GetProduct(ctx context.Context, productID charging.ProductID) (charging.ProductRecord, error) {
	var model Product
	err := store.db.WithContext(ctx).Where("product_id = ?", productID.Int64()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return charging.ProductRecord{}, wrapStoreError(errorSubjectProduct, errorCodeGet, charging.ErrUnknownProduct)
		}
		return charging.ProductRecord{}, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	return charging.ProductRecord{
		ProductID:     charging.ProductID(model.ProductID),
		Name:          model.ProductName,
		UnitCostCents: model.UnitCostCents,
	}, nil
}

func (store *Store) GetTransaction(ctx context.Context, userID charging.UserID, txnID charging.TxnID) (charging.TransactionRecord, bool, error) {
	var model RecentTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND txn_id = ?", userID.Int64(), txnID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return charging.TransactionRecord{}, false, nil
		}
		return charging.TransactionRecord{}, false, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return charging.TransactionRecord{}, false, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return transaction, true, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction charging.TransactionRecord) error {
	model := RecentTransaction{
		UserID:      transaction.UserID.Int64(),
		TxnID:       transaction.TxnID.String(),
		TxnTime:     time.UnixMilli(transaction.TxnTimeUnixMilli).UTC(),
		ProductID:   transaction.ProductID.Int64(),
		AmountCents: transaction.AmountCents,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTxn, errorCodeDuplicate, charging.ErrDuplicateTxn)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID charging.UserID) ([]charging.TransactionRecord, error) {
	var rows []RecentTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.Int64()).
		Order("txn_time, txn_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}
	transactions := make([]charging.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) DeleteUserTransactionsBefore(ctx context.Context, userID charging.UserID, keep charging.TxnID, cutoffUnixMilli int64) (int64, error) {
	cutoff := time.UnixMilli(cutoffUnixMilli).UTC()
	result := store.db.WithContext(ctx).
		Where("user_id = ? AND txn_id <> ? AND txn_time < ?", userID.Int64(), keep.String(), cutoff).
		Delete(&RecentTransaction{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectTxn, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) DeleteTransactionsBefore(ctx context.Context, cutoffUnixMilli int64, limit int64) (int64, error) {
	cutoff := time.UnixMilli(cutoffUnixMilli).UTC()
	var rows []RecentTransaction
	err := store.db.WithContext(ctx).
		Where("txn_time < ?", cutoff).
		Order("txn_time, user_id, txn_id").
		Limit(int(limit)).
		Find(&rows).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTxn, errorCodeDelete, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := store.db.WithContext(ctx).Delete(&rows).Error; err != nil {
		return 0, wrapStoreError(errorSubjectTxn, errorCodeDelete, err)
	}
	return int64(len(rows)), nil
}

func (store *Store) InsertEvent(ctx context.Context, event charging.EventRecord) error {
	model := FinancialEvent{
		UserID:      event.UserID.Int64(),
		AmountCents: event.AmountCents,
		Purpose:     event.Purpose,
		CreatedAt:   time.UnixMilli(event.CreatedUnixMilli).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) RefreshBalance(ctx context.Context, userID charging.UserID) error {
	var totals sqlTotals
	err := store.db.WithContext(ctx).
		Model(&FinancialEvent{}).
		Select("coalesce(sum(amount_cents),0) as total, count(*) as cnt").
		Where("user_id = ?", userID.Int64()).
		Scan(&totals).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeRefresh, err)
	}
	balance := Balance{
		UserID:       userID.Int64(),
		BalanceCents: totals.Total,
		TranCount:    totals.Cnt,
		UpdatedAt:    time.Now().UTC(),
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance_cents", "tran_count", "updated_at"}),
		}).
		Create(&balance).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeRefresh, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID charging.UserID) (charging.BalanceRecord, bool, error) {
	var model Balance
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.Int64()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return charging.BalanceRecord{UserID: userID}, false, nil
		}
		return charging.BalanceRecord{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return charging.BalanceRecord{
		UserID:       charging.UserID(model.UserID),
		BalanceCents: model.BalanceCents,
		TranCount:    model.TranCount,
	}, true, nil
}

func (store *Store) GetAllocation(ctx context.Context, userID charging.UserID, productID charging.ProductID, sessionID charging.SessionID) (charging.AllocationRecord, bool, error) {
	var model UsageAllocation
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND session_id = ?", userID.Int64(), productID.Int64(), sessionID.Int64()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return charging.AllocationRecord{}, false, nil
		}
		return charging.AllocationRecord{}, false, wrapStoreError(errorSubjectAlloc, errorCodeGet, err)
	}
	return mapAllocation(model), true, nil
}

func (store *Store) InsertAllocation(ctx context.Context, allocation charging.AllocationRecord) error {
	model := UsageAllocation{
		UserID:         allocation.UserID.Int64(),
		ProductID:      allocation.ProductID.Int64(),
		SessionID:      allocation.SessionID.Int64(),
		AllocatedUnits: allocation.AllocatedUnits,
		TouchedAt:      time.UnixMilli(allocation.TouchedUnixMilli).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAlloc, errorCodeDuplicate, charging.ErrAllocationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAlloc, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) DeleteAllocation(ctx context.Context, userID charging.UserID, productID charging.ProductID, sessionID charging.SessionID) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND session_id = ?", userID.Int64(), productID.Int64(), sessionID.Int64()).
		Delete(&UsageAllocation{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAlloc, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) ListAllocations(ctx context.Context, userID charging.UserID) ([]charging.AllocationRecord, error) {
	var rows []UsageAllocation
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.Int64()).
		Order("product_id, session_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAlloc, errorCodeList, err)
	}
	allocations := make([]charging.AllocationRecord, 0, len(rows))
	for _, row := range rows {
		allocations = append(allocations, mapAllocation(row))
	}
	return allocations, nil
}

func (store *Store) SumReservedCostCents(ctx context.Context, userID charging.UserID) (int64, bool, error) {
	var totals sqlTotals
	err := store.db.WithContext(ctx).
		Model(&UsageAllocation{}).
		Select("coalesce(sum(usage_allocations.allocated_units * products.unit_cost_cents),0) as total, count(*) as cnt").
		Joins("join products on products.product_id = usage_allocations.product_id").
		Where("usage_allocations.user_id = ?", userID.Int64()).
		Scan(&totals).Error
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectAlloc, errorCodeSumReserved, err)
	}
	return totals.Total, totals.Cnt > 0, nil
}

func (store *Store) DeleteAllocationsBefore(ctx context.Context, cutoffUnixMilli int64, limit int64) (int64, error) {
	cutoff := time.UnixMilli(cutoffUnixMilli).UTC()
	var rows []UsageAllocation
	err := store.db.WithContext(ctx).
		Where("touched_at < ?", cutoff).
		Order("touched_at, user_id, product_id, session_id").
		Limit(int(limit)).
		Find(&rows).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAlloc, errorCodeDelete, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := store.db.WithContext(ctx).Delete(&rows).Error; err != nil {
		return 0, wrapStoreError(errorSubjectAlloc, errorCodeDelete, err)
	}
	return int64(len(rows)), nil
}

func (store *Store) GetSession(ctx context.Context, sessionID charging.SessionID) (charging.SessionRecord, error) {
	var model SessionBlob
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID.Int64()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return charging.SessionRecord{}, wrapStoreError(errorSubjectSession, errorCodeGet, charging.ErrUnknownSession)
		}
		return charging.SessionRecord{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return charging.SessionRecord{
		SessionID:        charging.SessionID(model.SessionID),
		Payload:          model.Payload,
		TouchedUnixMilli: model.TouchedAt.UnixMilli(),
	}, nil
}

func (store *Store) UpsertSession(ctx context.Context, session charging.SessionRecord) error {
	model := SessionBlob{
		SessionID: session.SessionID.Int64(),
		Payload:   session.Payload,
		TouchedAt: time.UnixMilli(session.TouchedUnixMilli).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "touched_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return charging.WrapError(errorOperationStore, subject, code, err)
}

type sqlTotals struct {
	Total int64
	Cnt   int64
}

func mapUser(model User) charging.UserRecord {
	user := charging.UserRecord{
		UserID:            charging.UserID(model.UserID),
		Profile:           string(model.Profile),
		LastSeenUnixMilli: model.LastSeen.UnixMilli(),
	}
	if model.LockSessionID != nil {
		value := *model.LockSessionID
		user.LockSessionID = &value
	}
	if model.LockExpiry != nil {
		value := model.LockExpiry.UnixMilli()
		user.LockExpiryUnixMilli = &value
	}
	return user
}

func mapAllocation(model UsageAllocation) charging.AllocationRecord {
	return charging.AllocationRecord{
		UserID:           charging.UserID(model.UserID),
		ProductID:        charging.ProductID(model.ProductID),
		SessionID:        charging.SessionID(model.SessionID),
		AllocatedUnits:   model.AllocatedUnits,
		TouchedUnixMilli: model.TouchedAt.UnixMilli(),
	}
}

func mapTransaction(model RecentTransaction) (charging.TransactionRecord, error) {
	txnID, err := charging.NewTxnID(model.TxnID)
	if err != nil {
		return charging.TransactionRecord{}, err
	}
	return charging.TransactionRecord{
		UserID:           charging.UserID(model.UserID),
		TxnID:            txnID,
		TxnTimeUnixMilli: model.TxnTime.UnixMilli(),
		ProductID:        charging.ProductID(model.ProductID),
		AmountCents:      model.AmountCents,
	}, nil
}

func profileJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultProfileJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
