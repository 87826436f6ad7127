package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	userIDValue          = "user-1"
	errStoreMessage      = "store error"
	caseLockError        = "lock balance error"
	caseUpdateError      = "update balance error"
	caseInsertError      = "insert transaction error"
	errorMismatchMessage = "expected %v, got %v"
)

var errStoreFailure = errors.New(errStoreMessage)

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestDebitRetriesOnceThenReportsWriteFailure(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *failingStore)
	}{
		{
			name: caseLockError,
			configure: func(store *failingStore) {
				store.lockError = errStoreFailure
			},
		},
		{
			name: caseUpdateError,
			configure: func(store *failingStore) {
				store.updateError = errStoreFailure
			},
		},
		{
			name: caseInsertError,
			configure: func(store *failingStore) {
				store.insertError = errStoreFailure
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newFailingStore(test, nil)
			store.seedBalance(test, mustUserID(test, userIDValue), 100)
			testCase.configure(store)
			service := mustNewService(test, store)

			_, err := service.Debit(context.Background(), mustUserID(test, userIDValue), mustPositiveCredits(test, 10), "", nil, mustMetadata(test, ""))
			if !errors.Is(err, ErrLedgerWriteFailed) || !errors.Is(err, errStoreFailure) {
				test.Fatalf("expected wrapped write failure, got %v", err)
			}
			if store.attemptCount() != 2 {
				test.Fatalf("expected exactly one retry, got %d attempts", store.attemptCount())
			}
			balance, _ := service.Balance(context.Background(), mustUserID(test, userIDValue))
			if balance.Available != 100 {
				test.Fatalf("expected rolled back balance of 100, got %d", balance.Available)
			}
		})
	}
}

func TestTransientFailureSucceedsOnRetry(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *failingStore)
	}{
		{
			name: caseInsertError,
			configure: func(store *failingStore) {
				store.insertError = errStoreFailure
			},
		},
		{
			name: "version conflict",
			configure: func(store *failingStore) {
				store.updateError = ErrBalanceVersionConflict
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newFailingStore(test, nil)
			userID := mustUserID(test, userIDValue)
			store.seedBalance(test, userID, 100)
			testCase.configure(store)
			store.failAttempts = 1
			service := mustNewService(test, store)

			receipt, err := service.Debit(context.Background(), userID, mustPositiveCredits(test, 10), "", nil, mustMetadata(test, ""))
			if err != nil {
				test.Fatalf("expected retry to succeed, got %v", err)
			}
			if receipt.Balance != 90 {
				test.Fatalf("expected balance 90, got %d", receipt.Balance)
			}
			if got := len(store.transactionsFor(userID)); got != 2 {
				test.Fatalf("expected the failed attempt to leave no transaction, got %d", got)
			}
		})
	}
}

func TestPermanentErrorsAreNotRetried(test *testing.T) {
	test.Parallel()
	store := newFailingStore(test, nil)
	store.lockError = WrapError(errorOperationService, errorSubjectBalance, errorCodeMismatch, ErrLedgerInconsistent)
	service := mustNewService(test, store)

	_, err := service.Credit(context.Background(), mustUserID(test, userIDValue), mustPositiveCredits(test, 10), TransactionAdjustment, "", nil, mustMetadata(test, ""))
	if !errors.Is(err, ErrLedgerInconsistent) {
		test.Fatalf(errorMismatchMessage, ErrLedgerInconsistent, err)
	}
	if errors.Is(err, ErrLedgerWriteFailed) {
		test.Fatalf("expected permanent error to pass through unwrapped")
	}
	if store.attemptCount() != 1 {
		test.Fatalf("expected a single attempt, got %d", store.attemptCount())
	}
}

func TestCanceledContextIsNotRetried(test *testing.T) {
	test.Parallel()
	store := newFailingStore(test, errStoreFailure)
	service := mustNewService(test, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := service.Credit(ctx, mustUserID(test, userIDValue), mustPositiveCredits(test, 10), TransactionPurchase, "", nil, mustMetadata(test, ""))
	if !errors.Is(err, errStoreFailure) || errors.Is(err, ErrLedgerWriteFailed) {
		test.Fatalf("expected raw store error for canceled context, got %v", err)
	}
	if store.attemptCount() != 1 {
		test.Fatalf("expected a single attempt, got %d", store.attemptCount())
	}
}

func TestRetryBackoffHonorsDeadline(test *testing.T) {
	test.Parallel()
	store := newFailingStore(test, errStoreFailure)
	service, err := NewService(store, func() int64 { return 1 }, WithRetryBackoff(time.Hour))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err = service.Credit(ctx, mustUserID(test, userIDValue), mustPositiveCredits(test, 10), TransactionPurchase, "", nil, mustMetadata(test, ""))
	if !errors.Is(err, ErrLedgerWriteFailed) {
		test.Fatalf(errorMismatchMessage, ErrLedgerWriteFailed, err)
	}
	if time.Since(started) > 5*time.Second {
		test.Fatalf("expected backoff to stop at the context deadline")
	}
	if store.attemptCount() != 1 {
		test.Fatalf("expected no second attempt after the deadline, got %d", store.attemptCount())
	}
}

func TestDuplicateKeyRaceReplaysOnRetry(test *testing.T) {
	test.Parallel()
	store := newFailingStore(test, nil)
	userID := mustUserID(test, userIDValue)
	store.seedBalance(test, userID, 100)
	idempotencyKey := mustIdempotencyKey(test, "race-1")
	service := mustNewService(test, store)
	first, err := service.Debit(context.Background(), userID, mustPositiveCredits(test, 10), "", &idempotencyKey, mustMetadata(test, ""))
	if err != nil {
		test.Fatalf("first debit: %v", err)
	}

	// Simulates a concurrent writer that committed the same key between lookup and insert.
	store.hideIdempotencyLookups = 1
	second, err := service.Debit(context.Background(), userID, mustPositiveCredits(test, 10), "", &idempotencyKey, mustMetadata(test, ""))
	if err != nil {
		test.Fatalf("second debit: %v", err)
	}
	if !second.Replayed || second.TransactionID != first.TransactionID {
		test.Fatalf("expected replay of %+v, got %+v", first, second)
	}
}

func TestBalanceReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	store := newFailingStore(test, nil)
	store.getError = errStoreFailure
	service := mustNewService(test, store)

	_, err := service.Balance(context.Background(), mustUserID(test, userIDValue))
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
}

// failingStore injects errors into the transactional calls of a stubStore.
// failAttempts limits injection to the first N WithTx calls; zero injects on every call.
type failingStore struct {
	*stubStore

	faultMutex             sync.Mutex
	lockError              error
	updateError            error
	insertError            error
	getError               error
	failAttempts           int
	hideIdempotencyLookups int
	attempts               int
}

func newFailingStore(test *testing.T, insertError error) *failingStore {
	test.Helper()
	return &failingStore{stubStore: newStubStore(test), insertError: insertError}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.faultMutex.Lock()
	store.attempts++
	inject := store.failAttempts == 0 || store.attempts <= store.failAttempts
	hideLookup := store.hideIdempotencyLookups > 0
	if hideLookup {
		store.hideIdempotencyLookups--
	}
	faults := failingTxStore{
		hideLookup: hideLookup,
	}
	if inject {
		faults.lockError = store.lockError
		faults.updateError = store.updateError
		faults.insertError = store.insertError
	}
	store.faultMutex.Unlock()

	return store.stubStore.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		faults.Store = txStore
		return fn(ctx, &faults)
	})
}

func (store *failingStore) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	if store.getError != nil {
		return Balance{}, store.getError
	}
	return store.stubStore.GetBalance(ctx, userID)
}

func (store *failingStore) attemptCount() int {
	store.faultMutex.Lock()
	defer store.faultMutex.Unlock()
	return store.attempts
}

type failingTxStore struct {
	Store
	lockError   error
	updateError error
	insertError error
	hideLookup  bool
}

func (store *failingTxStore) LockBalance(ctx context.Context, userID UserID) (Balance, error) {
	if store.lockError != nil {
		return Balance{}, store.lockError
	}
	return store.Store.LockBalance(ctx, userID)
}

func (store *failingTxStore) UpdateBalance(ctx context.Context, expectedVersion int64, updated Balance) error {
	if store.updateError != nil {
		return store.updateError
	}
	return store.Store.UpdateBalance(ctx, expectedVersion, updated)
}

func (store *failingTxStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	return store.Store.InsertTransaction(ctx, input)
}

func (store *failingTxStore) FindTransactionByIdempotencyKey(ctx context.Context, userID UserID, key IdempotencyKey) (Transaction, bool, error) {
	if store.hideLookup {
		return Transaction{}, false, nil
	}
	return store.Store.FindTransactionByIdempotencyKey(ctx, userID, key)
}
