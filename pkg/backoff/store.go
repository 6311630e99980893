package backoff

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// DefaultLockWait bounds how long a store operation waits for the
// advisory lock before reporting a timeout.
const DefaultLockWait = 10 * time.Second

// lockRetryInterval is how often a blocked lock acquisition retries.
const lockRetryInterval = 100 * time.Millisecond

// LockTimeoutError reports that the advisory lock for a source could
// not be acquired within the bounded wait. Retryable, never silently
// ignored.
type LockTimeoutError struct {
	Source string
	Wait   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("backoff state for %s: lock not acquired within %s", e.Source, e.Wait)
}

// Store persists one State record per source under a shared directory.
//
// Layout:
//
//	<root>/<source>.json
//	<root>/<source>.lock
//
// Every operation takes the source's exclusive file lock for its whole
// read-modify-write, so concurrent processes observe atomic transitions.
type Store struct {
	root     string
	lockWait time.Duration
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, lockWait time.Duration) *Store {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Store{root: strings.TrimSpace(dir), lockWait: lockWait}
}

func (s *Store) statePath(source string) string {
	return filepath.Join(s.root, source+".json")
}

func (s *Store) lockPath(source string) string {
	return filepath.Join(s.root, source+".lock")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("backoff store root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// withLock runs fn holding the source's exclusive advisory lock.
func (s *Store) withLock(ctx context.Context, source string, fn func() error) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}

	lock := flock.New(s.lockPath(source))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil && lockCtx.Err() == nil {
		return fmt.Errorf("backoff state for %s: lock: %w", source, err)
	}
	if !ok {
		return &LockTimeoutError{Source: source, Wait: s.lockWait}
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

// load reads the current state without locking; callers hold the lock.
func (s *Store) load(source string) (State, error) {
	data, err := os.ReadFile(s.statePath(source))
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read backoff state for %s: %w", source, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse backoff state for %s: %w", source, err)
	}
	return st, nil
}

// save writes the state atomically; callers hold the lock.
func (s *Store) save(source string, st State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backoff state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.root, source+".json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	return os.Rename(tmpName, s.statePath(source))
}

// Get returns the current state for a source.
func (s *Store) Get(ctx context.Context, source string) (State, error) {
	var st State
	err := s.withLock(ctx, source, func() error {
		var lerr error
		st, lerr = s.load(source)
		return lerr
	})
	return st, err
}

// Update applies fn to the source's state under the exclusive lock.
func (s *Store) Update(ctx context.Context, source string, fn func(State) State) (State, error) {
	var out State
	err := s.withLock(ctx, source, func() error {
		st, err := s.load(source)
		if err != nil {
			return err
		}
		out = fn(st)
		return s.save(source, out)
	})
	return out, err
}
