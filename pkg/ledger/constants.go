package ledger

// ReservedIdempotencyPrefix marks keys written by in-transaction callers of ApplyCreditInTx.
// Debit, Credit and Charge reject keys that start with it.
const ReservedIdempotencyPrefix = "reward:"

const (
	operationDebit     = "debit"
	operationCredit    = "credit"
	operationCharge    = "charge"
	operationReconcile = "reconcile"

	// OperationStatusOK marks a committed write.
	OperationStatusOK = "ok"
	// OperationStatusReplayed marks a request answered from an earlier idempotent write.
	OperationStatusReplayed = "replayed"
	// OperationStatusRejected marks a business rejection such as insufficient credits.
	OperationStatusRejected = "rejected"
	// OperationStatusError marks a storage failure or a programmer error.
	OperationStatusError = "error"

	errorOperationService = "service"
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectHistory   = "history"
	errorCodeNegative     = "negative"
	errorCodeMismatch     = "mismatch"

	defaultDescriptionDebit = "usage debit"
	defaultRetryBackoffMs   = 50
	maxListLimit            = 200
)
