package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
)

const (
	lockRetryInterval = 10 * time.Millisecond
	lockTimeout       = 5 * time.Second
	// A lock file older than this is assumed to belong to a crashed process.
	staleLockAge = 30 * time.Second
)

// FileStore keeps one JSON document per session under dir. Writes go to a
// temp file that is renamed over the target, so readers never observe a
// partial document. Mutations hold both an in-process mutex and a lock file
// so that several processes sharing dir serialize appends.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (f *FileStore) path(id string) string     { return filepath.Join(f.dir, id+".json") }
func (f *FileStore) lockPath(id string) string { return filepath.Join(f.dir, id+".lock") }

// lock acquires exclusive access to id across goroutines and processes.
func (f *FileStore) lock(ctx context.Context, id string) (func(), error) {
	f.mu.Lock()
	m, ok := f.locks[id]
	if !ok {
		m = &sync.Mutex{}
		f.locks[id] = m
	}
	f.mu.Unlock()

	m.Lock()
	release, err := f.acquireLockFile(ctx, id)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	return func() {
		release()
		m.Unlock()
	}, nil
}

func (f *FileStore) acquireLockFile(ctx context.Context, id string) (func(), error) {
	lp := f.lockPath(id)
	deadline := time.Now().Add(lockTimeout)
	for {
		fh, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(fh, "%d\n", os.Getpid())
			fh.Close()
			return func() { os.Remove(lp) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		if info, statErr := os.Stat(lp); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			f.logger.Warn("removing stale session lock", "session_id", id, "path", lp)
			os.Remove(lp)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock on session %q", id)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (f *FileStore) read(id string) (Session, error) {
	data, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, apperr.NotFound("session", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("reading session %q: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decoding session %q: %w", id, err)
	}
	if s.Turns == nil {
		s.Turns = []Turn{}
	}
	return s, nil
}

func (f *FileStore) write(s Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %q: %w", s.ID, err)
	}

	tmp, err := os.CreateTemp(f.dir, s.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing session %q: %w", s.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing session %q: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing session %q: %w", s.ID, err)
	}
	if err := os.Rename(tmpName, f.path(s.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session %q: %w", s.ID, err)
	}
	return nil
}

func (f *FileStore) exists(id string) bool {
	_, err := os.Stat(f.path(id))
	return err == nil
}

func (f *FileStore) Create(ctx context.Context, id string, opts CreateOptions) (Session, error) {
	id, err := ResolveID(id)
	if err != nil {
		return Session{}, err
	}
	unlock, err := f.lock(ctx, id)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	if f.exists(id) {
		return Session{}, apperr.Duplicate("session", id)
	}
	s := newSession(id, opts)
	if err := f.write(s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (f *FileStore) Load(_ context.Context, id string) (Session, error) {
	if ValidateID(id) != nil {
		return Session{}, apperr.NotFound("session", id)
	}
	return f.read(id)
}

// modify runs fn on the stored session under the session lock and writes
// the result back.
func (f *FileStore) modify(ctx context.Context, id string, fn func(*Session) error) error {
	if ValidateID(id) != nil {
		return apperr.NotFound("session", id)
	}
	unlock, err := f.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := f.read(id)
	if err != nil {
		return err
	}
	if err := fn(&s); err != nil {
		return err
	}
	return f.write(s)
}

func (f *FileStore) Append(ctx context.Context, id string, role Role, text string) (Turn, error) {
	if err := ValidateTurn(role, text); err != nil {
		return Turn{}, err
	}
	var t Turn
	err := f.modify(ctx, id, func(s *Session) error {
		t = appendTurn(s, role, text)
		return nil
	})
	return t, err
}

func (f *FileStore) Clear(ctx context.Context, id string) error {
	return f.modify(ctx, id, func(s *Session) error {
		clearTurns(s)
		return nil
	})
}

func (f *FileStore) Update(ctx context.Context, id string, upd MetadataUpdate) error {
	return f.modify(ctx, id, func(s *Session) error {
		applyUpdate(s, upd)
		s.UpdatedAt = Now()
		return nil
	})
}

func (f *FileStore) List(_ context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing session directory: %w", err)
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s, err := f.read(strings.TrimSuffix(name, ".json"))
		if errors.Is(err, apperr.ErrNotFound) {
			// Deleted between ReadDir and read.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s.Summarize())
	}
	SortSummaries(out)
	return out, nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	if ValidateID(id) != nil {
		return apperr.NotFound("session", id)
	}
	unlock, err := f.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = os.Remove(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return apperr.NotFound("session", id)
	}
	if err != nil {
		return fmt.Errorf("deleting session %q: %w", id, err)
	}
	return nil
}

func (f *FileStore) Rename(ctx context.Context, oldID, newID string) error {
	if err := ValidateID(newID); err != nil {
		return err
	}
	if ValidateID(oldID) != nil {
		return apperr.NotFound("session", oldID)
	}
	if oldID == newID {
		_, err := f.read(oldID)
		return err
	}

	// Lock in a fixed order so two opposite renames cannot deadlock.
	first, second := oldID, newID
	if second < first {
		first, second = second, first
	}
	unlockFirst, err := f.lock(ctx, first)
	if err != nil {
		return err
	}
	defer unlockFirst()
	unlockSecond, err := f.lock(ctx, second)
	if err != nil {
		return err
	}
	defer unlockSecond()

	s, err := f.read(oldID)
	if err != nil {
		return err
	}
	if f.exists(newID) {
		return apperr.Duplicate("session", newID)
	}
	s.ID = newID
	s.UpdatedAt = Now()
	if err := f.write(s); err != nil {
		return err
	}
	if err := os.Remove(f.path(oldID)); err != nil {
		return fmt.Errorf("removing old session file: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
