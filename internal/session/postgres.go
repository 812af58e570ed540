package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/pixella/internal/apperr"
)

const pgUniqueViolation = "23505"

// PostgresStore persists sessions in PostgreSQL. Appends lock the session
// row with SELECT ... FOR UPDATE, and the (session_id, seq) primary key
// rejects any duplicate that slips past.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			display_name TEXT,
			persona TEXT,
			state TEXT NOT NULL DEFAULT 'new',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE ON UPDATE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *PostgresStore) Create(ctx context.Context, id string, opts CreateOptions) (Session, error) {
	id, err := ResolveID(id)
	if err != nil {
		return Session{}, err
	}
	s := newSession(id, opts)
	_, err = p.pool.Exec(ctx,
		`INSERT INTO sessions (id, display_name, persona, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.DisplayName, s.Persona, string(s.State), s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return Session{}, apperr.Duplicate("session", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (Session, error) {
	var s Session
	var state string
	err := p.pool.QueryRow(ctx,
		`SELECT id, display_name, persona, state, created_at, updated_at FROM sessions WHERE id=$1`, id,
	).Scan(&s.ID, &s.DisplayName, &s.Persona, &state, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, apperr.NotFound("session", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	s.State = State(state)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()

	rows, err := p.pool.Query(ctx,
		`SELECT seq, role, content, created_at FROM turns WHERE session_id=$1 ORDER BY seq ASC`, id,
	)
	if err != nil {
		return Session{}, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	s.Turns = []Turn{}
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.Seq, &role, &t.Content, &t.CreatedAt); err != nil {
			return Session{}, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = t.CreatedAt.UTC()
		s.Turns = append(s.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("iterate turn rows: %w", err)
	}
	return s, nil
}

// inTx runs fn inside a transaction after locking the session row.
func (p *PostgresStore) inTx(ctx context.Context, id string, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id=$1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("session", id)
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, id string, role Role, text string) (Turn, error) {
	if err := ValidateTurn(role, text); err != nil {
		return Turn{}, err
	}
	t := Turn{Role: role, Content: text}
	err := p.inTx(ctx, id, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM turns WHERE session_id=$1`, id,
		).Scan(&t.Seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		t.CreatedAt = Now()
		if _, err := tx.Exec(ctx,
			`INSERT INTO turns (session_id, seq, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
			id, t.Seq, string(role), text, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE sessions SET updated_at=$2, state='active' WHERE id=$1`, id, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Turn{}, err
	}
	return t, nil
}

func (p *PostgresStore) Clear(ctx context.Context, id string) error {
	return p.inTx(ctx, id, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE session_id=$1`, id); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE sessions SET updated_at=$2, state='cleared' WHERE id=$1`, id, Now())
		if err != nil {
			return fmt.Errorf("mark session cleared: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT s.id, s.display_name, s.persona, s.state, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		 FROM sessions s ORDER BY s.updated_at DESC, s.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var state string
		if err := rows.Scan(&sum.ID, &sum.DisplayName, &sum.Persona, &state,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.TurnCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sum.State = State(state)
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

func (p *PostgresStore) Rename(ctx context.Context, oldID, newID string) error {
	if err := ValidateID(newID); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET id=$2, updated_at=$3 WHERE id=$1`, oldID, newID, Now())
	if isUniqueViolation(err) {
		return apperr.Duplicate("session", newID)
	}
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("session", oldID)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, upd MetadataUpdate) error {
	return p.inTx(ctx, id, func(tx pgx.Tx) error {
		var s Session
		if err := tx.QueryRow(ctx,
			`SELECT display_name, persona FROM sessions WHERE id=$1`, id,
		).Scan(&s.DisplayName, &s.Persona); err != nil {
			return fmt.Errorf("read session metadata: %w", err)
		}
		applyUpdate(&s, upd)
		_, err := tx.Exec(ctx,
			`UPDATE sessions SET display_name=$2, persona=$3, updated_at=$4 WHERE id=$1`,
			id, s.DisplayName, s.Persona, Now())
		if err != nil {
			return fmt.Errorf("update session metadata: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Reset removes every session and turn. Used by integration tests.
func (p *PostgresStore) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE sessions CASCADE`); err != nil {
		return fmt.Errorf("truncate sessions: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}
