package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintIdempotencyKey = "transactions_user_idempotency_key"
	constraintSequence       = "transactions_user_sequence_key"
	constraintMilestone      = "reward_milestones_pkey"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectMilestone    = "milestone"
	errorSubjectTransaction  = "transaction"
	errorSubjectTx           = "tx"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
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

	sqlEnsureBalance = `
		insert into balances(user_id) values($1)
		on conflict (user_id) do nothing
	`

	sqlSelectBalanceForUpdate = `
		select balance, total_earned, total_spent, version
		from balances
		where user_id = $1
		for update
	`

	sqlSelectBalance = `
		select balance, total_earned, total_spent, version
		from balances
		where user_id = $1
	`

	sqlUpdateBalance = `
		update balances
		set balance = $3, total_earned = $4, total_spent = $5, version = $6, updated_at = now()
		where user_id = $1 and version = $2
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, user_id, sequence, type, amount, description, balance_after, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, $6,
			nullif($7,''),
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning transaction_id::text
	`

	sqlTransactionColumns = `
		transaction_id::text,
		user_id,
		sequence,
		type,
		amount,
		description,
		balance_after,
		coalesce(idempotency_key,''),
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlSelectTransactionByKey = `select ` + sqlTransactionColumns + `
		from transactions
		where user_id = $1 and idempotency_key = $2
	`

	sqlListTransactionsBefore = `select ` + sqlTransactionColumns + `
		from transactions
		where user_id = $1 and sequence < $2
		order by sequence desc
		limit $3
	`

	sqlSumTransactions = `
		select coalesce(sum(amount),0)::bigint from transactions where user_id = $1
	`

	sqlInsertMilestone = `
		insert into reward_milestones(user_id, threshold_value, kind, prize_label, credits_won, created_at)
		values($1, $2, $3, $4, $5, to_timestamp($6))
	`

	sqlMilestoneExists = `
		select exists(select 1 from reward_milestones where user_id = $1 and threshold_value = $2)
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	if _, err := store.db.Exec(ctx, sqlEnsureBalance, userID.String()); err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	balance, err := scanBalance(userID, store.db.QueryRow(ctx, sqlSelectBalanceForUpdate, userID.String()))
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return balance, nil
}

func (store queries) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	balance, err := scanBalance(userID, store.db.QueryRow(ctx, sqlSelectBalance, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{UserID: userID}, nil
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (store queries) UpdateBalance(ctx context.Context, expectedVersion int64, updated ledger.Balance) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance,
		updated.UserID.String(),
		expectedVersion,
		updated.Available.Int64(),
		updated.TotalEarned.Int64(),
		updated.TotalSpent.Int64(),
		updated.Version,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrBalanceVersionConflict)
	}
	return nil
}

func (store queries) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	idempotencyValue := ""
	if key, hasKey := input.IdempotencyKey(); hasKey {
		idempotencyValue = key.String()
	}
	var transactionIDValue string
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		input.UserID().String(),
		input.Sequence(),
		input.Type().String(),
		input.Amount().Int64(),
		input.Description(),
		input.BalanceAfter().Int64(),
		idempotencyValue,
		input.Metadata().String(),
		input.CreatedUnixUTC(),
	).Scan(&transactionIDValue)
	if isUniqueViolation(err, constraintIdempotencyKey) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if isUniqueViolation(err, constraintSequence) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeConflict, ledger.ErrBalanceVersionConflict)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transactionID, err := ledger.NewTransactionID(transactionIDValue)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return ledger.NewTransaction(transactionID, input)
}

func (store queries) FindTransactionByIdempotencyKey(ctx context.Context, userID ledger.UserID, key ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	rows, err := store.db.Query(ctx, sqlSelectTransactionByKey, userID.String(), key.String())
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	if len(transactions) == 0 {
		return ledger.Transaction{}, false, nil
	}
	return transactions[0], true, nil
}

func (store queries) ListTransactions(ctx context.Context, userID ledger.UserID, beforeSequence int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), beforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) SumTransactions(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlSumTransactions, userID.String()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return ledger.Credits(total), nil
}

func (store queries) InsertMilestone(ctx context.Context, milestone ledger.Milestone) error {
	_, err := store.db.Exec(ctx, sqlInsertMilestone,
		milestone.UserID().String(),
		milestone.ThresholdValue(),
		milestone.Kind().String(),
		milestone.PrizeLabel(),
		milestone.CreditsWon().Int64(),
		milestone.CreatedUnixUTC(),
	)
	if isUniqueViolation(err, constraintMilestone) {
		return wrapStoreError(errorSubjectMilestone, errorCodeDuplicate, ledger.ErrMilestoneExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectMilestone, errorCodeInsert, err)
	}
	return nil
}

func (store queries) MilestoneExists(ctx context.Context, userID ledger.UserID, thresholdValue int64) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlMilestoneExists, userID.String(), thresholdValue).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectMilestone, errorCodeLookup, err)
	}
	return exists, nil
}

func scanBalance(userID ledger.UserID, row pgx.Row) (ledger.Balance, error) {
	var (
		available   int64
		totalEarned int64
		totalSpent  int64
		version     int64
	)
	if err := row.Scan(&available, &totalEarned, &totalSpent, &version); err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		UserID:      userID,
		Available:   ledger.Credits(available),
		TotalEarned: ledger.Credits(totalEarned),
		TotalSpent:  ledger.Credits(totalSpent),
		Version:     version,
	}, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 16)
	for rows.Next() {
		var (
			transactionIDValue string
			userIDValue        string
			sequence           int64
			typeValue          string
			amount             int64
			description        string
			balanceAfter       int64
			idempotencyValue   string
			metadataValue      string
			createdAtUnixUTC   int64
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userIDValue,
			&sequence,
			&typeValue,
			&amount,
			&description,
			&balanceAfter,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		transactionID, err := ledger.NewTransactionID(transactionIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		input, err := ledger.NewTransactionInput(
			userID,
			transactionType,
			ledger.Credits(amount),
			description,
			ledger.Credits(balanceAfter),
			ledger.NewOptionalIdempotencyKey(idempotencyValue),
			metadata,
			sequence,
			createdAtUnixUTC,
		)
		if err != nil {
			return nil, err
		}
		transaction, err := ledger.NewTransaction(transactionID, input)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
