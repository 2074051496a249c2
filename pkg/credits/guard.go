package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultGuardTTL          = 24 * time.Hour
	defaultGuardPollInterval = 50 * time.Millisecond
	defaultGuardMaxPolls     = 40
)

// GuardOption configures a Guard instance.
type GuardOption func(*Guard)

// Guard makes a mutating operation execute at most once per (key, scope)
// pair. The winner of a claim race executes the operation and persists its
// result snapshot; every duplicate within the TTL window receives that
// snapshot unchanged. A key reused after expiry executes again as if new —
// the bounded window is the deliberate trade-off that keeps the record table
// garbage-collectable.
type Guard struct {
	store        IdempotencyStore
	nowFn        func() int64
	ttl          time.Duration
	pollInterval time.Duration
	maxPolls     int
}

// GuardResult carries the operation's result snapshot.
type GuardResult struct {
	Snapshot []byte
	Replayed bool
}

// NewGuard wires a Guard.
func NewGuard(store IdempotencyStore, now func() int64, options ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: idempotency store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	guard := &Guard{
		store:        store,
		nowFn:        now,
		ttl:          defaultGuardTTL,
		pollInterval: defaultGuardPollInterval,
		maxPolls:     defaultGuardMaxPolls,
	}
	for _, option := range options {
		if option != nil {
			option(guard)
		}
	}
	return guard, nil
}

// WithTTL overrides the replay window.
func WithTTL(ttl time.Duration) GuardOption {
	return func(guard *Guard) {
		if ttl > 0 {
			guard.ttl = ttl
		}
	}
}

// WithPollInterval overrides how often a racing duplicate re-reads the record.
func WithPollInterval(interval time.Duration) GuardOption {
	return func(guard *Guard) {
		if interval > 0 {
			guard.pollInterval = interval
		}
	}
}

// WithMaxPolls overrides how long a racing duplicate waits before giving up
// with ErrIdempotencyInFlight.
func WithMaxPolls(polls int) GuardOption {
	return func(guard *Guard) {
		if polls > 0 {
			guard.maxPolls = polls
		}
	}
}

// Do executes operation at most once for (key, scope). The operation returns
// the response snapshot to persist; business failures that are terminal for
// this key must be encoded into the snapshot, while infrastructure errors are
// returned as errors, which releases the claim so a retry with the same key
// re-executes.
func (guard *Guard) Do(ctx context.Context, key IdempotencyKey, scope Scope, operation func(ctx context.Context) ([]byte, error)) (GuardResult, error) {
	for {
		nowUnixUTC := guard.nowFn()
		claimErr := guard.store.ClaimKey(ctx, IdempotencyRecord{
			Key:              key,
			Scope:            scope,
			Status:           IdempotencyInFlight,
			CreatedUnixUTC:   nowUnixUTC,
			ExpiresAtUnixUTC: nowUnixUTC + int64(guard.ttl/time.Second),
		})
		if claimErr == nil {
			return guard.execute(ctx, key, scope, operation)
		}
		if !errors.Is(claimErr, ErrIdempotencyConflict) {
			return GuardResult{}, claimErr
		}
		result, retry, err := guard.resolveExisting(ctx, key, scope, nowUnixUTC)
		if err != nil {
			return GuardResult{}, err
		}
		if retry {
			continue
		}
		return result, nil
	}
}

func (guard *Guard) execute(ctx context.Context, key IdempotencyKey, scope Scope, operation func(ctx context.Context) ([]byte, error)) (GuardResult, error) {
	snapshot, operationErr := operation(ctx)
	if operationErr != nil {
		// The operation did not produce a durable result; release the
		// claim so the caller may retry with the same key.
		if releaseErr := guard.store.ReleaseKey(ctx, key, scope); releaseErr != nil {
			return GuardResult{}, errors.Join(operationErr, releaseErr)
		}
		return GuardResult{}, operationErr
	}
	expiresAtUnixUTC := guard.nowFn() + int64(guard.ttl/time.Second)
	if err := guard.store.CompleteRecord(ctx, key, scope, snapshot, expiresAtUnixUTC); err != nil {
		// The operation committed. The claim must stay so a duplicate
		// cannot re-execute it; it blocks the key until TTL expiry.
		return GuardResult{}, err
	}
	return GuardResult{Snapshot: snapshot}, nil
}

// resolveExisting handles a lost claim: replay a completed record, treat an
// expired one as reusable, or wait out an in-flight winner.
func (guard *Guard) resolveExisting(ctx context.Context, key IdempotencyKey, scope Scope, nowUnixUTC int64) (GuardResult, bool, error) {
	record, err := guard.store.GetRecord(ctx, key, scope)
	if errors.Is(err, ErrIdempotencyRecordNotFound) {
		// The winner released between our claim and this read.
		return GuardResult{}, true, nil
	}
	if err != nil {
		return GuardResult{}, false, err
	}
	if record.ExpiresAtUnixUTC <= nowUnixUTC {
		// A competing request may have released this record and claimed the
		// key fresh since the read above; the delete is conditional on the
		// expiry so that fresh claim survives. Zero rows removed means the
		// record changed under us, which the retry resolves.
		if _, err := guard.store.ReleaseExpiredKey(ctx, key, scope, nowUnixUTC); err != nil {
			return GuardResult{}, false, err
		}
		return GuardResult{}, true, nil
	}
	if record.Status == IdempotencyCompleted {
		return GuardResult{Snapshot: record.ResultSnapshot, Replayed: true}, false, nil
	}
	return guard.awaitWinner(ctx, key, scope)
}

func (guard *Guard) awaitWinner(ctx context.Context, key IdempotencyKey, scope Scope) (GuardResult, bool, error) {
	timer := time.NewTimer(guard.pollInterval)
	defer timer.Stop()
	for poll := 0; poll < guard.maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return GuardResult{}, false, ctx.Err()
		case <-timer.C:
		}
		record, err := guard.store.GetRecord(ctx, key, scope)
		if errors.Is(err, ErrIdempotencyRecordNotFound) {
			// The winner's operation failed and released the claim.
			return GuardResult{}, true, nil
		}
		if err != nil {
			return GuardResult{}, false, err
		}
		if record.Status == IdempotencyCompleted {
			return GuardResult{Snapshot: record.ResultSnapshot, Replayed: true}, false, nil
		}
		timer.Reset(guard.pollInterval)
	}
	return GuardResult{}, false, ErrIdempotencyInFlight
}

// Sweep deletes expired idempotency records and reports how many were removed.
func (guard *Guard) Sweep(ctx context.Context) (int64, error) {
	return guard.store.DeleteExpired(ctx, guard.nowFn())
}

// DeriveKey namespaces a base key with a suffix, for operations that need a
// key of their own derived from a caller-supplied one.
func DeriveKey(base IdempotencyKey, suffix string) (IdempotencyKey, error) {
	return NewIdempotencyKey(base.String() + idempotencyKeyDelimiter + suffix)
}
