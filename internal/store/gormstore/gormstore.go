package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintIdempotencyKey = "transactions_user_idempotency_key"
	columnIdempotencyKey     = "idempotency_key"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectTransaction  = "transaction"
	errorSubjectMilestone    = "milestone"
	errorCodeConflict        = "conflict"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeLookup          = "lookup"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the ledger tables. Postgres deployments use the SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&BalanceRecord{}, &TransactionRecord{}, &MilestoneRecord{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	now := time.Now().UTC()
	seed := BalanceRecord{UserID: userID.String(), CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var record BalanceRecord
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&record).Error
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return mapBalance(userID, record), nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var record BalanceRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Balance{UserID: userID}, nil
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(userID, record), nil
}

func (store *Store) UpdateBalance(ctx context.Context, expectedVersion int64, updated ledger.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&BalanceRecord{}).
		Where("user_id = ? AND version = ?", updated.UserID.String(), expectedVersion).
		Updates(map[string]any{
			"balance":      updated.Available.Int64(),
			"total_earned": updated.TotalEarned.Int64(),
			"total_spent":  updated.TotalSpent.Int64(),
			"version":      updated.Version,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrBalanceVersionConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	var idempotencyKey *string
	if key, hasKey := input.IdempotencyKey(); hasKey {
		value := key.String()
		idempotencyKey = &value
	}
	record := TransactionRecord{
		UserID:         input.UserID().String(),
		Sequence:       input.Sequence(),
		Type:           input.Type().String(),
		Amount:         input.Amount().Int64(),
		Description:    input.Description(),
		BalanceAfter:   input.BalanceAfter().Int64(),
		IdempotencyKey: idempotencyKey,
		Metadata:       datatypesJSON(input.Metadata().String()),
		CreatedAt:      time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if input.CreatedUnixUTC() == 0 {
		record.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if constraint, violated := uniqueViolation(err); violated {
		if strings.Contains(constraint, columnIdempotencyKey) || strings.Contains(constraint, constraintIdempotencyKey) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeConflict, ledger.ErrBalanceVersionConflict)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transactionID, err := ledger.NewTransactionID(record.TransactionID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return ledger.NewTransaction(transactionID, input)
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, userID ledger.UserID, key ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	var record TransactionRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), key.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(record)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeSequence int64, limit int) ([]ledger.Transaction, error) {
	var rows []TransactionRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND sequence < ?", userID.String(), beforeSequence).
		Order("sequence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&TransactionRecord{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return ledger.Credits(sum.Total), nil
}

func (store *Store) InsertMilestone(ctx context.Context, milestone ledger.Milestone) error {
	record := MilestoneRecord{
		UserID:         milestone.UserID().String(),
		ThresholdValue: milestone.ThresholdValue(),
		Kind:           milestone.Kind().String(),
		PrizeLabel:     milestone.PrizeLabel(),
		CreditsWon:     milestone.CreditsWon().Int64(),
		CreatedAt:      time.Unix(milestone.CreatedUnixUTC(), 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if _, violated := uniqueViolation(err); violated {
		return wrapStoreError(errorSubjectMilestone, errorCodeDuplicate, ledger.ErrMilestoneExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectMilestone, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) MilestoneExists(ctx context.Context, userID ledger.UserID, thresholdValue int64) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&MilestoneRecord{}).
		Where("user_id = ? AND threshold_value = ?", userID.String(), thresholdValue).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectMilestone, errorCodeLookup, err)
	}
	return count > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapBalance(userID ledger.UserID, record BalanceRecord) ledger.Balance {
	return ledger.Balance{
		UserID:      userID,
		Available:   ledger.Credits(record.Balance),
		TotalEarned: ledger.Credits(record.TotalEarned),
		TotalSpent:  ledger.Credits(record.TotalSpent),
		Version:     record.Version,
	}
}

func mapTransaction(row TransactionRecord) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var idempotencyKey *ledger.IdempotencyKey
	if row.IdempotencyKey != nil {
		parsedKey, err := ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Transaction{}, err
		}
		idempotencyKey = &parsedKey
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	input, err := ledger.NewTransactionInput(
		userID,
		transactionType,
		ledger.Credits(row.Amount),
		row.Description,
		ledger.Credits(row.BalanceAfter),
		idempotencyKey,
		metadata,
		row.Sequence,
		row.CreatedAt.Unix(),
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.NewTransaction(transactionID, input)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// uniqueViolation reports whether err is a unique or primary key violation and, when the
// driver exposes it, the violated constraint or the failing columns.
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName, pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Error(), sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", true
	}
	return "", false
}
