package credits

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func mustNewGuard(test *testing.T, store IdempotencyStore, now func() int64, options ...GuardOption) *Guard {
	test.Helper()
	guard, err := NewGuard(store, now, options...)
	if err != nil {
		test.Fatalf("new guard: %v", err)
	}
	return guard
}

func TestGuardExecutesFreshKeyAndPersistsSnapshot(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	guard := mustNewGuard(test, store, func() int64 { return 1000 }, WithTTL(time.Hour))
	key := mustIdempotencyKey(test, "fresh-key")

	result, err := guard.Do(context.Background(), key, ScopeReading, func(ctx context.Context) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	if err != nil {
		test.Fatalf("do: %v", err)
	}
	if result.Replayed {
		test.Fatal("first execution must not be a replay")
	}
	record, err := store.GetRecord(context.Background(), key, ScopeReading)
	if err != nil {
		test.Fatalf("get record: %v", err)
	}
	if record.Status != IdempotencyCompleted {
		test.Fatalf("expected completed record, got %s", record.Status)
	}
	if record.ExpiresAtUnixUTC != 1000+3600 {
		test.Fatalf("expected expiry at 4600, got %d", record.ExpiresAtUnixUTC)
	}
	if !bytes.Equal(record.ResultSnapshot, []byte(`{"ok":true}`)) {
		test.Fatalf("unexpected snapshot: %s", record.ResultSnapshot)
	}
}

func TestGuardReplaysExistingSnapshotWithoutReexecution(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	guard := mustNewGuard(test, store, func() int64 { return 1000 })
	key := mustIdempotencyKey(test, "replay-key")
	var executions int

	operation := func(ctx context.Context) ([]byte, error) {
		executions++
		return []byte(`{"n":1}`), nil
	}
	first, err := guard.Do(context.Background(), key, ScopeReading, operation)
	if err != nil {
		test.Fatalf("first do: %v", err)
	}
	second, err := guard.Do(context.Background(), key, ScopeReading, operation)
	if err != nil {
		test.Fatalf("second do: %v", err)
	}
	if executions != 1 {
		test.Fatalf("expected exactly one execution, got %d", executions)
	}
	if !second.Replayed {
		test.Fatal("expected second call to be flagged as replay")
	}
	if !bytes.Equal(first.Snapshot, second.Snapshot) {
		test.Fatalf("replay must be byte-identical: %s vs %s", first.Snapshot, second.Snapshot)
	}
}

func TestGuardScopesKeysIndependently(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	guard := mustNewGuard(test, store, func() int64 { return 1000 })
	key := mustIdempotencyKey(test, "shared-key")
	var executions int

	operation := func(ctx context.Context) ([]byte, error) {
		executions++
		return []byte(`{}`), nil
	}
	if _, err := guard.Do(context.Background(), key, ScopeReading, operation); err != nil {
		test.Fatalf("reading scope: %v", err)
	}
	if _, err := guard.Do(context.Background(), key, ScopeQuestion, operation); err != nil {
		test.Fatalf("question scope: %v", err)
	}
	if executions != 2 {
		test.Fatalf("same key in different scopes must execute twice, got %d", executions)
	}
}

func TestGuardConcurrentDuplicatesExecuteOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	guard := mustNewGuard(test, store, func() int64 { return 1000 },
		WithPollInterval(time.Millisecond), WithMaxPolls(500))
	key := mustIdempotencyKey(test, "race-key")
	var executions atomic.Int64

	operation := func(ctx context.Context) ([]byte, error) {
		executions.Add(1)
		time.Sleep(5 * time.Millisecond)
		return []byte(`{"winner":true}`), nil
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make([]GuardResult, racers)
	errs := make([]error, racers)
	for index := 0; index < racers; index++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot], errs[slot] = guard.Do(context.Background(), key, ScopeReading, operation)
		}(index)
	}
	wg.Wait()

	if got := executions.Load(); got != 1 {
		test.Fatalf("expected one execution across racers, got %d", got)
	}
	for index := 0; index < racers; index++ {
		if errs[index] != nil {
			test.Fatalf("racer %d failed: %v", index, errs[index])
		}
		if !bytes.Equal(results[index].Snapshot, []byte(`{"winner":true}`)) {
			test.Fatalf("racer %d got snapshot %s", index, results[index].Snapshot)
		}
	}
}

func TestGuardReleasesClaimOnOperationError(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	guard := mustNewGuard(test, store, func() int64 { return 1000 })
	key := mustIdempotencyKey(test, "retry-key")
	boom := errors.New("upstream unavailable")

	_, err := guard.Do(context.Background(), key, ScopeReading, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		test.Fatalf("expected operation error, got %v", err)
	}
	if _, err := store.GetRecord(context.Background(), key, ScopeReading); !errors.Is(err, ErrIdempotencyRecordNotFound) {
		test.Fatalf("expected claim released, got %v", err)
	}

	// The same key may retry and succeed.
	result, err := guard.Do(context.Background(), key, ScopeReading, func(ctx context.Context) ([]byte, error) {
		return []byte(`{"retried":true}`), nil
	})
	if err != nil {
		test.Fatalf("retry: %v", err)
	}
	if result.Replayed {
		test.Fatal("retry after release must execute fresh")
	}
}

func TestGuardReusesExpiredKey(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	var now atomic.Int64
	now.Store(1000)
	guard := mustNewGuard(test, store, now.Load, WithTTL(time.Minute))
	key := mustIdempotencyKey(test, "expiring-key")
	var executions int

	operation := func(ctx context.Context) ([]byte, error) {
		executions++
		return []byte(`{}`), nil
	}
	if _, err := guard.Do(context.Background(), key, ScopeReading, operation); err != nil {
		test.Fatalf("first do: %v", err)
	}

	now.Store(1000 + 61)
	result, err := guard.Do(context.Background(), key, ScopeReading, operation)
	if err != nil {
		test.Fatalf("post-expiry do: %v", err)
	}
	if result.Replayed {
		test.Fatal("expired key must execute fresh, not replay")
	}
	if executions != 2 {
		test.Fatalf("expected two executions, got %d", executions)
	}
}

// expiredObserverStore fires a hook the first time a caller reads a record
// that is expired at hookNow, opening the window between the expiry check and
// the release for a competitor to slip into.
type expiredObserverStore struct {
	*memoryStore
	hookNow  int64
	hookOnce sync.Once
	hook     func()
}

func (store *expiredObserverStore) GetRecord(ctx context.Context, key IdempotencyKey, scope Scope) (IdempotencyRecord, error) {
	record, err := store.memoryStore.GetRecord(ctx, key, scope)
	if err == nil && record.ExpiresAtUnixUTC <= store.hookNow {
		store.hookOnce.Do(store.hook)
	}
	return record, err
}

func TestGuardExpiredReleaseCannotDestroyFreshClaim(test *testing.T) {
	test.Parallel()
	base := newMemoryStore()
	key := mustIdempotencyKey(test, "stale-key")
	if err := base.ClaimKey(context.Background(), IdempotencyRecord{
		Key:              key,
		Scope:            ScopeReading,
		Status:           IdempotencyCompleted,
		ResultSnapshot:   []byte(`{"old":true}`),
		CreatedUnixUTC:   900,
		ExpiresAtUnixUTC: 960,
	}); err != nil {
		test.Fatalf("seed record: %v", err)
	}

	var executions atomic.Int64
	operation := func(ctx context.Context) ([]byte, error) {
		executions.Add(1)
		return []byte(`{"fresh":true}`), nil
	}

	store := &expiredObserverStore{memoryStore: base, hookNow: 2000}
	// Between the first request's expiry check and its release, a competitor
	// releases the stale record, claims the key fresh and completes.
	store.hook = func() {
		competitor := mustNewGuard(test, base, func() int64 { return 2000 }, WithTTL(time.Hour))
		result, err := competitor.Do(context.Background(), key, ScopeReading, operation)
		if err != nil {
			test.Fatalf("competitor do: %v", err)
		}
		if result.Replayed {
			test.Fatal("competitor must execute fresh, not replay the stale record")
		}
	}

	guard := mustNewGuard(test, store, func() int64 { return 2000 }, WithTTL(time.Hour))
	result, err := guard.Do(context.Background(), key, ScopeReading, operation)
	if err != nil {
		test.Fatalf("do: %v", err)
	}
	if executions.Load() != 1 {
		test.Fatalf("operation must run exactly once, ran %d times", executions.Load())
	}
	if !result.Replayed {
		test.Fatal("first request must replay the competitor's record")
	}
	if !bytes.Equal(result.Snapshot, []byte(`{"fresh":true}`)) {
		test.Fatalf("unexpected snapshot: %s", result.Snapshot)
	}
	record, err := base.GetRecord(context.Background(), key, ScopeReading)
	if err != nil {
		test.Fatalf("get record: %v", err)
	}
	if record.ExpiresAtUnixUTC != 2000+3600 {
		test.Fatalf("competitor's record must survive, expiry %d", record.ExpiresAtUnixUTC)
	}
}

func TestGuardGivesUpOnStuckInFlightClaim(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	guard := mustNewGuard(test, store, func() int64 { return 1000 },
		WithPollInterval(time.Millisecond), WithMaxPolls(3))
	key := mustIdempotencyKey(test, "stuck-key")

	// A claim held by a winner that never completes.
	if err := store.ClaimKey(context.Background(), IdempotencyRecord{
		Key:              key,
		Scope:            ScopeReading,
		Status:           IdempotencyInFlight,
		CreatedUnixUTC:   1000,
		ExpiresAtUnixUTC: 1000 + 3600,
	}); err != nil {
		test.Fatalf("claim: %v", err)
	}

	_, err := guard.Do(context.Background(), key, ScopeReading, func(ctx context.Context) ([]byte, error) {
		test.Fatal("loser must not execute")
		return nil, nil
	})
	if !errors.Is(err, ErrIdempotencyInFlight) {
		test.Fatalf("expected ErrIdempotencyInFlight, got %v", err)
	}
}

func TestGuardKeepsClaimWhenCompleteFails(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	guard := mustNewGuard(test, store, func() int64 { return 1000 })
	key := mustIdempotencyKey(test, "commit-fence")
	store.completeRecordErr = errors.New("write timeout")

	_, err := guard.Do(context.Background(), key, ScopeReading, func(ctx context.Context) ([]byte, error) {
		return []byte(`{}`), nil
	})
	if err == nil {
		test.Fatal("expected complete failure to surface")
	}
	// The operation committed, so the claim must block re-execution.
	record, getErr := store.GetRecord(context.Background(), key, ScopeReading)
	if getErr != nil {
		test.Fatalf("get record: %v", getErr)
	}
	if record.Status != IdempotencyInFlight {
		test.Fatalf("expected claim retained in flight, got %s", record.Status)
	}
}

func TestGuardSweepRemovesOnlyExpiredRecords(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	var now atomic.Int64
	now.Store(1000)
	guard := mustNewGuard(test, store, now.Load, WithTTL(time.Minute))

	liveKey := mustIdempotencyKey(test, "live")
	deadKey := mustIdempotencyKey(test, "dead")
	operation := func(ctx context.Context) ([]byte, error) { return []byte(`{}`), nil }
	if _, err := guard.Do(context.Background(), deadKey, ScopeReading, operation); err != nil {
		test.Fatalf("dead do: %v", err)
	}
	now.Store(1000 + 59)
	if _, err := guard.Do(context.Background(), liveKey, ScopeReading, operation); err != nil {
		test.Fatalf("live do: %v", err)
	}

	now.Store(1000 + 61)
	removed, err := guard.Sweep(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		test.Fatalf("expected one expired record removed, got %d", removed)
	}
	if _, err := store.GetRecord(context.Background(), liveKey, ScopeReading); err != nil {
		test.Fatalf("live record must survive: %v", err)
	}
}

func TestDeriveKeyNamespacesBase(test *testing.T) {
	test.Parallel()
	base := mustIdempotencyKey(test, "client-key")
	derived, err := DeriveKey(base, "user-1")
	if err != nil {
		test.Fatalf("derive: %v", err)
	}
	if derived.String() != "client-key:user-1" {
		test.Fatalf("unexpected derived key %q", derived.String())
	}
}
