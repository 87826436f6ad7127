package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a signed credit quantity. Positive values add credits, negative values remove them.
type Credits int64

// PositiveCredits is a strictly positive credit quantity used for debits and credits.
type PositiveCredits int64

// UserID identifies the owner of a ledger.
type UserID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for client-initiated requests.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata as a JSON object.
type MetadataJSON struct {
	value string
}

// TransactionType classifies a ledger movement.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionDebit      TransactionType = "debit"
	TransactionReward     TransactionType = "reward"
	TransactionAdjustment TransactionType = "adjustment"
)

// MilestoneKind distinguishes the one-time welcome reward from spend thresholds.
type MilestoneKind string

const (
	MilestoneWelcome   MilestoneKind = "welcome"
	MilestoneThreshold MilestoneKind = "threshold"
)

// WelcomeThreshold is the reserved threshold value of the welcome milestone.
const WelcomeThreshold int64 = 0

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// NewOptionalIdempotencyKey returns nil for blank input and a validated key otherwise.
func NewOptionalIdempotencyKey(raw string) *IdempotencyKey {
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		return nil
	}
	return &key
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates a metadata object (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(normalized), &decoded); err != nil || decoded == nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes values as a metadata object.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewPositiveCredits validates a strictly positive amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits converts to a signed quantity.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// Int64 exposes the raw value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount Credits) Negated() Credits {
	return -amount
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.TrimSpace(raw))
	switch transactionType {
	case TransactionPurchase, TransactionDebit, TransactionReward, TransactionAdjustment:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsCredit reports whether the type adds credits to a balance.
func (transactionType TransactionType) IsCredit() bool {
	switch transactionType {
	case TransactionPurchase, TransactionReward, TransactionAdjustment:
		return true
	default:
		return false
	}
}

// ParseMilestoneKind validates a stored milestone kind.
func ParseMilestoneKind(raw string) (MilestoneKind, error) {
	kind := MilestoneKind(strings.TrimSpace(raw))
	switch kind {
	case MilestoneWelcome, MilestoneThreshold:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidMilestone, raw)
	}
}

// String returns the stored representation.
func (kind MilestoneKind) String() string {
	return string(kind)
}

// Balance is the current state of one user's ledger.
type Balance struct {
	UserID      UserID
	Available   Credits
	TotalEarned Credits
	TotalSpent  Credits
	Version     int64
}

// Consistent reports whether the available balance matches the running totals.
func (balance Balance) Consistent() bool {
	return balance.Available == balance.TotalEarned-balance.TotalSpent && balance.Available >= 0
}

func (balance Balance) withDebit(amount PositiveCredits) (Balance, error) {
	if balance.Available.Int64()-amount.Int64() < 0 {
		return Balance{}, ErrInsufficientCredits
	}
	updated := balance
	updated.Available -= amount.ToCredits()
	updated.TotalSpent += amount.ToCredits()
	updated.Version++
	return updated, nil
}

func (balance Balance) withCredit(amount PositiveCredits) Balance {
	updated := balance
	updated.Available += amount.ToCredits()
	updated.TotalEarned += amount.ToCredits()
	updated.Version++
	return updated
}

// TransactionInput is a validated transaction awaiting persistence.
type TransactionInput struct {
	userID          UserID
	transactionType TransactionType
	amount          Credits
	description     string
	balanceAfter    Credits
	idempotencyKey  *IdempotencyKey
	metadata        MetadataJSON
	sequence        int64
	createdUnixUTC  int64
}

// NewTransactionInput validates the shape of a ledger movement before it is written.
func NewTransactionInput(userID UserID, transactionType TransactionType, amount Credits, description string, balanceAfter Credits, idempotencyKey *IdempotencyKey, metadata MetadataJSON, sequence int64, createdUnixUTC int64) (TransactionInput, error) {
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount == 0 {
		return TransactionInput{}, fmt.Errorf("%w: zero movement", ErrInvalidAmount)
	}
	if transactionType == TransactionDebit && amount > 0 {
		return TransactionInput{}, fmt.Errorf("%w: debit must be negative", ErrInvalidAmount)
	}
	if transactionType.IsCredit() && amount < 0 {
		return TransactionInput{}, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, transactionType)
	}
	if balanceAfter < 0 {
		return TransactionInput{}, WrapError(errorOperationService, errorSubjectBalance, errorCodeNegative, ErrInvalidBalance)
	}
	if sequence <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: sequence must be positive", ErrInvalidBalance)
	}
	if idempotencyKey != nil && idempotencyKey.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return TransactionInput{
		userID:          userID,
		transactionType: transactionType,
		amount:          amount,
		description:     strings.TrimSpace(description),
		balanceAfter:    balanceAfter,
		idempotencyKey:  idempotencyKey,
		metadata:        metadata,
		sequence:        sequence,
		createdUnixUTC:  createdUnixUTC,
	}, nil
}

// UserID returns the ledger owner.
func (input TransactionInput) UserID() UserID { return input.userID }

// Type returns the transaction type.
func (input TransactionInput) Type() TransactionType { return input.transactionType }

// Amount returns the signed movement.
func (input TransactionInput) Amount() Credits { return input.amount }

// Description returns the human readable description.
func (input TransactionInput) Description() string { return input.description }

// BalanceAfter returns the balance snapshot after the movement.
func (input TransactionInput) BalanceAfter() Credits { return input.balanceAfter }

// IdempotencyKey returns the key when present.
func (input TransactionInput) IdempotencyKey() (IdempotencyKey, bool) {
	if input.idempotencyKey == nil {
		return IdempotencyKey{}, false
	}
	return *input.idempotencyKey, true
}

// Metadata returns the metadata object.
func (input TransactionInput) Metadata() MetadataJSON { return input.metadata }

// Sequence returns the per-user ordering position.
func (input TransactionInput) Sequence() int64 { return input.sequence }

// CreatedUnixUTC returns the creation timestamp.
func (input TransactionInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	transactionID TransactionID
	TransactionInput
}

// NewTransaction attaches a persisted id to a validated input.
func NewTransaction(transactionID TransactionID, input TransactionInput) (Transaction, error) {
	if transactionID.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if input.userID.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return Transaction{transactionID: transactionID, TransactionInput: input}, nil
}

// TransactionID returns the persisted identifier.
func (transaction Transaction) TransactionID() TransactionID { return transaction.transactionID }

// Receipt is the result of a committed (or replayed) movement.
type Receipt struct {
	TransactionID TransactionID
	Balance       Credits
	Replayed      bool
}

// Milestone records that a reward has been granted for a threshold.
type Milestone struct {
	userID         UserID
	thresholdValue int64
	kind           MilestoneKind
	prizeLabel     string
	creditsWon     PositiveCredits
	createdUnixUTC int64
}

// NewMilestone validates a reward milestone record.
func NewMilestone(userID UserID, thresholdValue int64, kind MilestoneKind, prizeLabel string, creditsWon PositiveCredits, createdUnixUTC int64) (Milestone, error) {
	if userID.String() == "" {
		return Milestone{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseMilestoneKind(kind.String()); err != nil {
		return Milestone{}, err
	}
	if kind == MilestoneWelcome && thresholdValue != WelcomeThreshold {
		return Milestone{}, fmt.Errorf("%w: welcome milestone uses threshold %d", ErrInvalidMilestone, WelcomeThreshold)
	}
	if kind == MilestoneThreshold && thresholdValue <= 0 {
		return Milestone{}, fmt.Errorf("%w: threshold must be positive", ErrInvalidMilestone)
	}
	if creditsWon <= 0 {
		return Milestone{}, fmt.Errorf("%w: credits won must be positive", ErrInvalidAmount)
	}
	return Milestone{
		userID:         userID,
		thresholdValue: thresholdValue,
		kind:           kind,
		prizeLabel:     strings.TrimSpace(prizeLabel),
		creditsWon:     creditsWon,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the ledger owner.
func (milestone Milestone) UserID() UserID { return milestone.userID }

// ThresholdValue returns the spend threshold (WelcomeThreshold for the welcome reward).
func (milestone Milestone) ThresholdValue() int64 { return milestone.thresholdValue }

// Kind returns the milestone kind.
func (milestone Milestone) Kind() MilestoneKind { return milestone.kind }

// PrizeLabel returns the label of the prize that was drawn.
func (milestone Milestone) PrizeLabel() string { return milestone.prizeLabel }

// CreditsWon returns the prize value.
func (milestone Milestone) CreditsWon() PositiveCredits { return milestone.creditsWon }

// CreatedUnixUTC returns the grant timestamp.
func (milestone Milestone) CreatedUnixUTC() int64 { return milestone.createdUnixUTC }

// CostTable resolves the per-unit credit cost of a billable action.
type CostTable interface {
	CostPerUnit(action string) (PositiveCredits, bool)
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockBalance returns the balance row for update, creating a zero balance on first touch.
	LockBalance(ctx context.Context, userID UserID) (Balance, error)
	// GetBalance returns the balance without locking; unknown users read as zero.
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	// UpdateBalance writes updated only when the stored version still equals expectedVersion.
	UpdateBalance(ctx context.Context, expectedVersion int64, updated Balance) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, userID UserID, key IdempotencyKey) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID UserID, beforeSequence int64, limit int) ([]Transaction, error)
	SumTransactions(ctx context.Context, userID UserID) (Credits, error)
	InsertMilestone(ctx context.Context, milestone Milestone) error
	MilestoneExists(ctx context.Context, userID UserID, thresholdValue int64) (bool, error)
}
