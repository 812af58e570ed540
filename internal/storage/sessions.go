package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/session"
)

var _ session.Store = (*Store)(nil)

const appendRetries = 5

// isRetryable reports whether a write lost a race with another writer on
// the same database file.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func (s *Store) Create(ctx context.Context, id string, opts session.CreateOptions) (session.Session, error) {
	id, err := session.ResolveID(id)
	if err != nil {
		return session.Session{}, err
	}

	now := session.Now()
	sess := session.Session{
		ID:        id,
		State:     session.StateNew,
		CreatedAt: now,
		UpdatedAt: now,
		Turns:     []session.Turn{},
	}
	if opts.DisplayName != nil && *opts.DisplayName != "" {
		sess.DisplayName = session.StringPtr(*opts.DisplayName)
	}
	if opts.Persona != nil && *opts.Persona != "" {
		sess.Persona = session.StringPtr(*opts.Persona)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, display_name, persona, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, nullString(sess.DisplayName), nullString(sess.Persona), string(sess.State),
		formatTime(now), formatTime(now),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return session.Session{}, apperr.Duplicate("session", id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return session.StringPtr(ns.String)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row rowScanner, extra ...any) (session.Session, error) {
	var sess session.Session
	var displayName, persona sql.NullString
	var state, createdAt, updatedAt string
	dest := append([]any{&sess.ID, &displayName, &persona, &state, &createdAt, &updatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return session.Session{}, err
	}
	sess.DisplayName = fromNull(displayName)
	sess.Persona = fromNull(persona)
	sess.State = session.State(state)

	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return session.Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	sess, err := scanSessionRow(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, persona, state, created_at, updated_at
		FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, apperr.NotFound("session", id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("loading session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, created_at FROM turns
		WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return session.Session{}, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	sess.Turns = []session.Turn{}
	for rows.Next() {
		var t session.Turn
		var role, createdAt string
		if err := rows.Scan(&t.Seq, &role, &t.Content, &createdAt); err != nil {
			return session.Session{}, fmt.Errorf("scanning turn: %w", err)
		}
		t.Role = session.Role(role)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return session.Session{}, err
		}
		sess.Turns = append(sess.Turns, t)
	}
	return sess, rows.Err()
}

// withSession runs fn in a transaction after confirming the session exists.
func (s *Store) withSession(ctx context.Context, id string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if exists == 0 {
		return apperr.NotFound("session", id)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Append(ctx context.Context, id string, role session.Role, text string) (session.Turn, error) {
	if err := session.ValidateTurn(role, text); err != nil {
		return session.Turn{}, err
	}

	var turn session.Turn
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		turn, err = s.appendOnce(ctx, id, role, text)
		if !isRetryable(err) {
			break
		}
		s.logger.Debug("append conflict, retrying", "session_id", id, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return session.Turn{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	if err != nil {
		return session.Turn{}, err
	}
	return turn, nil
}

func (s *Store) appendOnce(ctx context.Context, id string, role session.Role, text string) (session.Turn, error) {
	turn := session.Turn{Role: role, Content: text}
	err := s.withSession(ctx, id, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq) + 1, 0) FROM turns WHERE session_id = ?", id,
		).Scan(&turn.Seq); err != nil {
			return fmt.Errorf("computing next seq: %w", err)
		}
		turn.CreatedAt = session.Now()
		ts := formatTime(turn.CreatedAt)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, turn.Seq, string(role), text, ts,
		); err != nil {
			return fmt.Errorf("inserting turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET updated_at = ?, state = 'active' WHERE id = ?", ts, id,
		); err != nil {
			return fmt.Errorf("touching session: %w", err)
		}
		return nil
	})
	return turn, err
}

func (s *Store) Clear(ctx context.Context, id string) error {
	return s.withSession(ctx, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", id); err != nil {
			return fmt.Errorf("deleting turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET updated_at = ?, state = 'cleared' WHERE id = ?",
			formatTime(session.Now()), id,
		); err != nil {
			return fmt.Errorf("marking session cleared: %w", err)
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.display_name, s.persona, s.state, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s ORDER BY s.updated_at DESC, s.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	out := []session.Summary{}
	for rows.Next() {
		var count int
		sess, err := scanSessionRow(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sum := sess.Summarize()
		sum.TurnCount = count
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withSession(ctx, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", id); err != nil {
			return fmt.Errorf("deleting turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return nil
	})
}

func (s *Store) Rename(ctx context.Context, oldID, newID string) error {
	if err := session.ValidateID(newID); err != nil {
		return err
	}
	return s.withSession(ctx, oldID, func(tx *sql.Tx) error {
		if oldID == newID {
			return nil
		}
		var taken int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", newID).Scan(&taken); err != nil {
			return fmt.Errorf("checking target id: %w", err)
		}
		if taken > 0 {
			return apperr.Duplicate("session", newID)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET id = ?, updated_at = ? WHERE id = ?",
			newID, formatTime(session.Now()), oldID,
		); err != nil {
			return fmt.Errorf("renaming session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE turns SET session_id = ? WHERE session_id = ?", newID, oldID); err != nil {
			return fmt.Errorf("moving turns: %w", err)
		}
		return nil
	})
}

func (s *Store) Update(ctx context.Context, id string, upd session.MetadataUpdate) error {
	return s.withSession(ctx, id, func(tx *sql.Tx) error {
		now := formatTime(session.Now())
		if upd.DisplayName != nil {
			if _, err := tx.ExecContext(ctx,
				"UPDATE sessions SET display_name = ?, updated_at = ? WHERE id = ?",
				emptyAsNull(*upd.DisplayName), now, id,
			); err != nil {
				return fmt.Errorf("updating display name: %w", err)
			}
		}
		if upd.Persona != nil {
			if _, err := tx.ExecContext(ctx,
				"UPDATE sessions SET persona = ?, updated_at = ? WHERE id = ?",
				emptyAsNull(*upd.Persona), now, id,
			); err != nil {
				return fmt.Errorf("updating persona: %w", err)
			}
		}
		return nil
	})
}

func emptyAsNull(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
