// Package session defines conversation sessions and the durable stores that
// hold their turn logs.
package session

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pixella/internal/apperr"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// State tracks the lifecycle of a session: new until the first append,
// active afterwards, cleared after Clear until the next append.
type State string

const (
	StateNew     State = "new"
	StateActive  State = "active"
	StateCleared State = "cleared"
)

// Turn is a single stored message. Seq is 0-based and gapless within a
// session's current log; it restarts at 0 after Clear.
type Turn struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	ID          string    `json:"id"`
	DisplayName *string   `json:"display_name,omitempty"`
	Persona     *string   `json:"persona,omitempty"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Turns       []Turn    `json:"turns"`
}

// Summary is the list view of a session.
type Summary struct {
	ID          string    `json:"id"`
	DisplayName *string   `json:"display_name,omitempty"`
	Persona     *string   `json:"persona,omitempty"`
	State       State     `json:"state"`
	TurnCount   int       `json:"turn_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summarize returns the list view of s.
func (s Session) Summarize() Summary {
	return Summary{
		ID:          s.ID,
		DisplayName: s.DisplayName,
		Persona:     s.Persona,
		State:       s.State,
		TurnCount:   len(s.Turns),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

type CreateOptions struct {
	DisplayName *string
	Persona     *string
}

// MetadataUpdate changes persona or display name. A nil field is left
// untouched; a pointer to the empty string clears the value.
type MetadataUpdate struct {
	DisplayName *string
	Persona     *string
}

// Store is the durable home of sessions and their turns. Every mutation is
// durable before it returns, and Append assigns sequence numbers atomically
// with respect to concurrent appends on the same session.
type Store interface {
	Create(ctx context.Context, id string, opts CreateOptions) (Session, error)
	Load(ctx context.Context, id string) (Session, error)
	Append(ctx context.Context, id string, role Role, text string) (Turn, error)
	Clear(ctx context.Context, id string) error
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, oldID, newID string) error
	Update(ctx context.Context, id string, upd MetadataUpdate) error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateID rejects ids that cannot be used as file names or keys.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || id == "." || id == ".." {
		return apperr.Validation("session id %q must be 1-128 characters of letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// ValidateTurn checks role and content before an append.
func ValidateTurn(role Role, text string) error {
	if role != RoleUser && role != RoleAssistant {
		return apperr.Validation("unknown role %q", role)
	}
	if strings.TrimSpace(text) == "" {
		return apperr.Validation("turn content is empty")
	}
	return nil
}

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// ResolveID picks a fresh id when id is empty and validates it otherwise.
func ResolveID(id string) (string, error) {
	if id == "" {
		return NewID(), nil
	}
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

// Now returns the current time truncated to microseconds, the finest
// precision every backend round-trips.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// SortSummaries orders by last activity, most recent first, then by id.
func SortSummaries(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// applyUpdate folds upd into the persona and display name pointers.
func applyUpdate(s *Session, upd MetadataUpdate) {
	if upd.DisplayName != nil {
		s.DisplayName = nullable(*upd.DisplayName)
	}
	if upd.Persona != nil {
		s.Persona = nullable(*upd.Persona)
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// Deref returns the pointed-to string or "".
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func cloneSession(s Session) Session {
	out := s
	out.Turns = append([]Turn(nil), s.Turns...)
	if s.DisplayName != nil {
		out.DisplayName = StringPtr(*s.DisplayName)
	}
	if s.Persona != nil {
		out.Persona = StringPtr(*s.Persona)
	}
	return out
}

func newSession(id string, opts CreateOptions) Session {
	now := Now()
	s := Session{
		ID:        id,
		State:     StateNew,
		CreatedAt: now,
		UpdatedAt: now,
		Turns:     []Turn{},
	}
	if opts.DisplayName != nil {
		s.DisplayName = nullable(*opts.DisplayName)
	}
	if opts.Persona != nil {
		s.Persona = nullable(*opts.Persona)
	}
	return s
}

// appendTurn assigns the next sequence number and marks the session active.
func appendTurn(s *Session, role Role, text string) Turn {
	seq := 0
	if n := len(s.Turns); n > 0 {
		seq = s.Turns[n-1].Seq + 1
	}
	t := Turn{Seq: seq, Role: role, Content: text, CreatedAt: Now()}
	s.Turns = append(s.Turns, t)
	s.State = StateActive
	s.UpdatedAt = t.CreatedAt
	return t
}

func clearTurns(s *Session) {
	s.Turns = []Turn{}
	s.State = StateCleared
	s.UpdatedAt = Now()
}
