package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table. Lock columns are null while the
// user is unlocked.
type User struct {
	UserID        int64          `gorm:"primaryKey;autoIncrement:false"`
	Profile       datatypes.JSON `gorm:"type:jsonb;not null"`
	LastSeen      time.Time      `gorm:"not null"`
	LockSessionID *int64         `gorm:""`
	LockExpiry    *time.Time     `gorm:""`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Product mirrors the products reference table.
type Product struct {
	ProductID     int64  `gorm:"primaryKey;autoIncrement:false"`
	ProductName   string `gorm:"not null"`
	UnitCostCents int64  `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// FinancialEvent mirrors the append-only financial_events table.
type FinancialEvent struct {
	EventID     string    `gorm:"type:uuid;primaryKey"`
	UserID      int64     `gorm:"not null;index:idx_events_user_created,priority:1"`
	AmountCents int64     `gorm:"not null"`
	Purpose     string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index:idx_events_user_created,priority:2"`
}

func (FinancialEvent) TableName() string { return "financial_events" }

func (event *FinancialEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Balance mirrors the materialized balances table.
type Balance struct {
	UserID       int64     `gorm:"primaryKey;autoIncrement:false"`
	BalanceCents int64     `gorm:"not null"`
	TranCount    int64     `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// UsageAllocation mirrors the usage_allocations table: one live
// reservation per (user, product, session).
type UsageAllocation struct {
	UserID         int64     `gorm:"primaryKey;autoIncrement:false"`
	ProductID      int64     `gorm:"primaryKey;autoIncrement:false"`
	SessionID      int64     `gorm:"primaryKey;autoIncrement:false"`
	AllocatedUnits int64     `gorm:"not null"`
	TouchedAt      time.Time `gorm:"not null;index:idx_allocations_touched"`
}

func (UsageAllocation) TableName() string { return "usage_allocations" }

// RecentTransaction mirrors the recent_transactions idempotency table.
type RecentTransaction struct {
	UserID      int64     `gorm:"primaryKey;autoIncrement:false"`
	TxnID       string    `gorm:"primaryKey"`
	TxnTime     time.Time `gorm:"not null;index:idx_transactions_time"`
	ProductID   int64     `gorm:"not null"`
	AmountCents int64     `gorm:"not null"`
}

func (RecentTransaction) TableName() string { return "recent_transactions" }

// SessionBlob mirrors the session_blobs table, keyed independently of
// users.
type SessionBlob struct {
	SessionID int64     `gorm:"primaryKey;autoIncrement:false"`
	Payload   string    `gorm:"type:text;not null"`
	TouchedAt time.Time `gorm:"not null"`
}

func (SessionBlob) TableName() string { return "session_blobs" }
