package apix

import (
	"context"
	"time"
)

// QuotaEngine is the session lifecycle state machine. Every transition is
// one logical atomic update against the backing store: validate, then
// start (pessimistic deduction), then exactly one of commit or rollback.
//
// Deduction happens at Start rather than at Commit. Two concurrent calls
// under the same token can both observe nonzero quota before either
// deducts; serializing the decrement through the store's atomic update
// closes that race, at the cost of an explicit refund path on failure.
type QuotaEngine struct {
	store SessionStore
	now   func() time.Time
}

// NewQuotaEngine creates an engine over store.
func NewQuotaEngine(store SessionStore) *QuotaEngine {
	return &QuotaEngine{store: store, now: time.Now}
}

// Store returns the backing session store.
func (e *QuotaEngine) Store() SessionStore { return e.store }

// expired reports whether the record's credential expiry is in the past.
func (e *QuotaEngine) expired(record *SessionRecord) bool {
	exp := record.Claims.ExpiresAt
	return exp != nil && exp.Before(e.now())
}

// Validate reports whether token identifies a live session: a record
// exists, is unexpired, and has quota remaining. An expired record is
// evicted from the store as a side effect.
func (e *QuotaEngine) Validate(ctx context.Context, token string) (bool, error) {
	record, err := e.store.Get(ctx, token)
	if err != nil {
		return false, err
	}
	if record == nil {
		// Quota integrity requires the token to exist in the stateful
		// store; a well-signed credential alone is not enough.
		return false, nil
	}
	if e.expired(record) {
		if err := e.store.Delete(ctx, token); err != nil {
			return false, err
		}
		return false, nil
	}
	return record.RemainingQuota > 0, nil
}

// Start reserves one call: atomically marks the session pending and
// decrements quota. Returns false without mutation when the record is
// absent, exhausted, or already pending, so a concurrent second Start on
// the same token is refused rather than double-spent.
func (e *QuotaEngine) Start(ctx context.Context, token string) (bool, error) {
	started := false
	next, err := updateRecord(ctx, e.store, token, func(current *SessionRecord) *SessionRecord {
		// Atomic stores may retry the transform; recompute from scratch.
		started = false
		if current == nil || current.RemainingQuota <= 0 {
			return current
		}
		if current.RequestState == StatePending {
			return current
		}
		started = true
		updated := current.Clone()
		updated.RequestState = StatePending
		updated.RemainingQuota--
		return updated
	})
	if err != nil {
		return false, err
	}
	return started && next != nil && next.RequestState == StatePending, nil
}

// Commit finalizes a pending reservation, leaving the deduction in place.
// No-op when the record is absent or not pending.
func (e *QuotaEngine) Commit(ctx context.Context, token string) error {
	_, err := updateRecord(ctx, e.store, token, func(current *SessionRecord) *SessionRecord {
		if current == nil || current.RequestState != StatePending {
			return current
		}
		updated := current.Clone()
		updated.RequestState = StateIdle
		return updated
	})
	return err
}

// Rollback refunds a pending reservation, restoring pre-Start quota.
// No-op when the record is absent or not pending, so a double rollback is
// harmless.
func (e *QuotaEngine) Rollback(ctx context.Context, token string) error {
	_, err := updateRecord(ctx, e.store, token, func(current *SessionRecord) *SessionRecord {
		if current == nil || current.RequestState != StatePending {
			return current
		}
		updated := current.Clone()
		updated.RequestState = StateIdle
		updated.RemainingQuota++
		return updated
	})
	return err
}
