// Package memory owns session lifecycle and the bounded history view handed
// to the context assembler.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/session"
)

const (
	DefaultWindowTurns = 20
	DefaultCharBudget  = 8000
)

// Config bounds the history view. Zero values select the defaults; a
// negative CharBudget disables the character bound.
type Config struct {
	WindowTurns int
	CharBudget  int
}

func (c Config) withDefaults() Config {
	if c.WindowTurns <= 0 {
		c.WindowTurns = DefaultWindowTurns
	}
	if c.CharBudget == 0 {
		c.CharBudget = DefaultCharBudget
	}
	return c
}

// Manager wraps a session.Store. It tracks the session a single-user
// front end (the REPL, the MCP server) is currently talking in, and
// never deletes stored turns when trimming: the window is a read-time view.
type Manager struct {
	store  session.Store
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	current string
}

func NewManager(store session.Store, cfg Config) *Manager {
	return &Manager{store: store, cfg: cfg.withDefaults(), logger: slog.Default()}
}

func (m *Manager) Store() session.Store { return m.store }

func (m *Manager) Config() Config { return m.cfg }

// Window returns the newest turns that fit both the turn-count and the
// character budget, oldest first. Eviction is FIFO. The most recent turn
// is always kept, even when it alone exceeds the character budget.
func (m *Manager) Window(turns []session.Turn) []session.Turn {
	if len(turns) == 0 {
		return []session.Turn{}
	}
	start := max(0, len(turns)-m.cfg.WindowTurns)

	if m.cfg.CharBudget > 0 {
		used := 0
		for i := len(turns) - 1; i >= start; i-- {
			used += utf8.RuneCountInString(turns[i].Content)
			if used > m.cfg.CharBudget && i < len(turns)-1 {
				start = i + 1
				break
			}
		}
	}

	out := make([]session.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// History loads a session and returns its bounded window.
func (m *Manager) History(ctx context.Context, id string) ([]session.Turn, error) {
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Window(sess.Turns), nil
}

// StartOrResume loads id, creating it when absent. An empty id starts a
// fresh session with a generated id. The result becomes current.
func (m *Manager) StartOrResume(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return m.New(ctx, "", session.CreateOptions{})
	}
	if err := session.ValidateID(id); err != nil {
		return session.Session{}, err
	}

	sess, err := m.store.Load(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		sess, err = m.store.Create(ctx, id, session.CreateOptions{})
		if errors.Is(err, apperr.ErrDuplicate) {
			// Another front end created it between our Load and Create.
			sess, err = m.store.Load(ctx, id)
		} else if err == nil {
			m.logger.Info("session created", "session_id", sess.ID)
		}
	}
	if err != nil {
		return session.Session{}, err
	}
	m.setCurrent(sess.ID)
	return sess, nil
}

// New creates a session and makes it current.
func (m *Manager) New(ctx context.Context, id string, opts session.CreateOptions) (session.Session, error) {
	sess, err := m.store.Create(ctx, id, opts)
	if err != nil {
		return session.Session{}, err
	}
	m.logger.Info("session created", "session_id", sess.ID)
	m.setCurrent(sess.ID)
	return sess, nil
}

// Switch makes an existing session current.
func (m *Manager) Switch(ctx context.Context, id string) (session.Session, error) {
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	m.setCurrent(sess.ID)
	return sess, nil
}

// Current returns the id of the current session, or "" when none was
// started yet.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) setCurrent(id string) {
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
}

// Resolve maps an empty id to the current session.
func (m *Manager) Resolve(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if cur := m.Current(); cur != "" {
		return cur, nil
	}
	return "", apperr.Validation("no session selected")
}

func (m *Manager) Load(ctx context.Context, id string) (session.Session, error) {
	return m.store.Load(ctx, id)
}

func (m *Manager) Append(ctx context.Context, id string, role session.Role, text string) (session.Turn, error) {
	return m.store.Append(ctx, id, role, text)
}

func (m *Manager) Clear(ctx context.Context, id string) error {
	if err := m.store.Clear(ctx, id); err != nil {
		return err
	}
	m.logger.Info("session cleared", "session_id", id)
	return nil
}

func (m *Manager) List(ctx context.Context) ([]session.Summary, error) {
	return m.store.List(ctx)
}

// Delete removes a session. Deleting the current session leaves no
// session current.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	if m.current == id {
		m.current = ""
	}
	m.mu.Unlock()
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// DeleteAll removes every stored session and forgets the current one. It
// returns the number deleted before any failure.
func (m *Manager) DeleteAll(ctx context.Context) (int, error) {
	sums, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}
	n := 0
	for _, s := range sums {
		err := m.store.Delete(ctx, s.ID)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("deleting %s: %w", s.ID, err)
		}
		n++
	}
	m.setCurrent("")
	m.logger.Info("all sessions deleted", "count", n)
	return n, nil
}

// Rename moves a session to a new id, following it if it was current.
func (m *Manager) Rename(ctx context.Context, oldID, newID string) error {
	if err := m.store.Rename(ctx, oldID, newID); err != nil {
		return fmt.Errorf("renaming %s: %w", oldID, err)
	}
	m.mu.Lock()
	if m.current == oldID {
		m.current = newID
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) Update(ctx context.Context, id string, upd session.MetadataUpdate) error {
	return m.store.Update(ctx, id, upd)
}
