package apix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultLockAttempts = 200
	defaultLockBackoff  = 10 * time.Millisecond
)

// FileStore is a durable SessionStore that serializes the whole session
// table as one JSON snapshot on disk. Mutations acquire a sibling ".lock"
// marker via O_CREATE|O_EXCL, re-read the latest snapshot, apply the
// change, write a ".tmp" sibling, and atomically rename it over the real
// file before releasing the lock. The marker provides mutual exclusion
// across processes sharing the snapshot.
//
// A snapshot that is missing, empty, or fails to parse is treated as an
// empty table rather than an error, so corruption cannot block request
// handling. Operators should know this trades durability for
// availability: a corrupt snapshot silently discards live sessions. The
// condition is logged at warn level.
type FileStore struct {
	path         string
	lockPath     string
	lockAttempts int
	lockBackoff  time.Duration
	logger       *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithLockRetry overrides the lock acquisition budget: attempts tries,
// backoff sleep between them. Exceeding the budget fails the operation
// with ErrLockTimeout.
func WithLockRetry(attempts int, backoff time.Duration) FileStoreOption {
	return func(s *FileStore) {
		s.lockAttempts = attempts
		s.lockBackoff = backoff
	}
}

// WithFileStoreLogger sets the logger used for corruption warnings.
func WithFileStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// NewFileStore creates a file-backed session store at path. The parent
// directory is created if needed.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session store path: %w", err)
	}
	s := &FileStore{
		path:         abs,
		lockPath:     abs + ".lock",
		lockAttempts: defaultLockAttempts,
		lockBackoff:  defaultLockBackoff,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureDirectory(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get reads the latest snapshot and returns the record for token, or
// (nil, nil) when absent. Reads do not take the lock; the atomic rename
// on the write path guarantees a consistent snapshot is always visible.
func (s *FileStore) Get(_ context.Context, token string) (*SessionRecord, error) {
	snapshot := s.readSnapshot()
	return snapshot[token].Clone(), nil
}

// Set stores record under token.
func (s *FileStore) Set(ctx context.Context, token string, record *SessionRecord) error {
	_, err := s.Update(ctx, token, func(*SessionRecord) *SessionRecord { return record })
	return err
}

// Delete removes the record for token.
func (s *FileStore) Delete(ctx context.Context, token string) error {
	_, err := s.Update(ctx, token, func(*SessionRecord) *SessionRecord { return nil })
	return err
}

// Update applies fn to the record for token under the lock marker, making
// the read-modify-write indivisible across processes.
func (s *FileStore) Update(ctx context.Context, token string, fn UpdateFunc) (*SessionRecord, error) {
	var next *SessionRecord
	err := s.withLock(ctx, func() error {
		snapshot := s.readSnapshot()
		next = fn(snapshot[token].Clone())
		if next != nil {
			snapshot[token] = next.Clone()
		} else {
			delete(snapshot, token)
		}
		return s.writeSnapshot(snapshot)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// withLock runs op while holding the lock marker. Acquisition retries
// with a short sleep up to the attempt budget, honoring ctx cancellation
// between attempts, then fails with ErrLockTimeout.
func (s *FileStore) withLock(ctx context.Context, op func() error) error {
	if err := s.ensureDirectory(); err != nil {
		return err
	}
	for attempt := 0; attempt < s.lockAttempts; attempt++ {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			opErr := op()
			f.Close()
			if rmErr := os.Remove(s.lockPath); rmErr != nil && opErr == nil {
				opErr = fmt.Errorf("release session store lock: %w", rmErr)
			}
			return opErr
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("acquire session store lock: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockBackoff):
		}
	}
	return fmt.Errorf("%w: %s", ErrLockTimeout, s.lockPath)
}

func (s *FileStore) ensureDirectory() error {
	// MkdirAll is idempotent, so concurrent creation races are safe.
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session store directory: %w", err)
	}
	return nil
}

func (s *FileStore) readSnapshot() map[string]*SessionRecord {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("session store snapshot unreadable, treating as empty",
				"path", s.path, "error", err)
		}
		return map[string]*SessionRecord{}
	}
	if len(raw) == 0 {
		return map[string]*SessionRecord{}
	}
	var snapshot map[string]*SessionRecord
	if err := json.Unmarshal(raw, &snapshot); err != nil || snapshot == nil {
		s.logger.Warn("session store snapshot corrupt, treating as empty",
			"path", s.path, "error", err)
		return map[string]*SessionRecord{}
	}
	return snapshot
}

func (s *FileStore) writeSnapshot(snapshot map[string]*SessionRecord) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode session store snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session store snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session store snapshot: %w", err)
	}
	return nil
}
