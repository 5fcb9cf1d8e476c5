package apix

import "context"

// SessionStore is the narrow capability the quota engine needs: a mutable
// table of session records keyed by credential string. Implementations
// must be safe for concurrent use.
//
// Get returns (nil, nil) when no record exists for the token.
type SessionStore interface {
	Get(ctx context.Context, token string) (*SessionRecord, error)
	Set(ctx context.Context, token string, record *SessionRecord) error
	Delete(ctx context.Context, token string) error
}

// UpdateFunc transforms a session record under a store's atomic-update
// contract. It receives the current record (nil when absent) and returns
// the record to persist (nil to delete). Implementations must treat the
// input as immutable and return a fresh value, typically via Clone.
type UpdateFunc func(current *SessionRecord) *SessionRecord

// AtomicStore is implemented by stores that can make a read-modify-write
// sequence indivisible. The quota engine prefers this path; stores that
// cannot offer it fall back to a non-atomic get/compute/set sequence with
// a documented race window.
type AtomicStore interface {
	SessionStore
	Update(ctx context.Context, token string, fn UpdateFunc) (*SessionRecord, error)
}

// updateRecord applies fn to the record for token, atomically when the
// store supports it. This is the only read-modify-write path in the
// package; all quota transitions funnel through it.
func updateRecord(ctx context.Context, store SessionStore, token string, fn UpdateFunc) (*SessionRecord, error) {
	if atomic, ok := store.(AtomicStore); ok {
		return atomic.Update(ctx, token, fn)
	}

	// Non-atomic fallback: two concurrent updates on the same token can
	// interleave between Get and Set. Acceptable only for stores that
	// serialize externally (e.g. a single-writer deployment).
	current, err := store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	next := fn(current)
	if next != nil {
		if err := store.Set(ctx, token, next); err != nil {
			return nil, err
		}
	} else if current != nil {
		if err := store.Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	return next, nil
}
