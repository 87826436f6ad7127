package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BalanceRecord mirrors the balances table.
type BalanceRecord struct {
	UserID      string    `gorm:"primaryKey"`
	Balance     int64     `gorm:"not null"`
	TotalEarned int64     `gorm:"not null"`
	TotalSpent  int64     `gorm:"not null"`
	Version     int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (BalanceRecord) TableName() string { return "balances" }

// TransactionRecord mirrors the append-only transactions table.
type TransactionRecord struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;uniqueIndex:transactions_user_sequence_key,priority:1;uniqueIndex:transactions_user_idempotency_key,priority:1"`
	Sequence       int64          `gorm:"not null;uniqueIndex:transactions_user_sequence_key,priority:2"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	Description    string         `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	IdempotencyKey *string        `gorm:"uniqueIndex:transactions_user_idempotency_key,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (TransactionRecord) TableName() string { return "transactions" }

func (record *TransactionRecord) BeforeCreate(tx *gorm.DB) error {
	if record.TransactionID == "" {
		record.TransactionID = uuid.NewString()
	}
	return nil
}

// MilestoneRecord mirrors the reward_milestones table. The composite key is the exactly-once guard.
type MilestoneRecord struct {
	UserID         string    `gorm:"primaryKey"`
	ThresholdValue int64     `gorm:"primaryKey;autoIncrement:false"`
	Kind           string    `gorm:"not null"`
	PrizeLabel     string    `gorm:"not null"`
	CreditsWon     int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (MilestoneRecord) TableName() string { return "reward_milestones" }
