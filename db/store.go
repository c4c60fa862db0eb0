package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Packeting1/voicerelay/llm"
)

//go:embed schema.sql
var ddl string

// Store persists sessions and their conversation history.
type Store struct {
	db  *sql.DB
	log *log.Logger
}

func Open(path string, logger *log.Logger) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqldb.ExecContext(context.Background(), ddl); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: sqldb, log: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession registers a new session and returns the count of
// sessions currently registered.
func (s *Store) CreateSession(ctx context.Context, id string) (int, error) {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id) VALUES (?)`,
		id,
	); err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM sessions`,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}

	s.log.Info("session created", "session", id, "active", count)
	return count, nil
}

func (s *Store) RemoveSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM sessions WHERE id = ?`,
		id,
	); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM turns WHERE session_id = ?`,
		id,
	); err != nil {
		return fmt.Errorf("remove session turns: %w", err)
	}
	return nil
}

// History returns the session's turns, oldest first, capped at limit.
func (s *Store) History(ctx context.Context, id string, limit int) ([]llm.Turn, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT user_text, assistant_text
		 FROM (
		     SELECT id, user_text, assistant_text
		     FROM turns WHERE session_id = ?
		     ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var turns []llm.Turn
	for rows.Next() {
		var t llm.Turn
		if err := rows.Scan(&t.User, &t.Assistant); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// AppendTurn records one exchange and trims the session's history down
// to maxTurns.
func (s *Store) AppendTurn(
	ctx context.Context,
	id, userText, assistantText string,
	maxTurns int,
) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO turns (session_id, user_text, assistant_text) VALUES (?, ?, ?)`,
		id, userText, assistantText,
	); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM turns WHERE session_id = ? AND id NOT IN (
		     SELECT id FROM turns WHERE session_id = ?
		     ORDER BY id DESC LIMIT ?
		 )`,
		id, id, maxTurns,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

func (s *Store) ResetHistory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM turns WHERE session_id = ?`,
		id,
	); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	s.log.Info("conversation reset", "session", id)
	return nil
}
