package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// SQLiteStore is the durable Store. Suspended confirmations are persisted as
// JSON payloads so a resumed process can pick them up exactly as saved.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path. Use ":memory:" for
// an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc's driver is not safe for concurrent writes over multiple
	// connections to the same file.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			title          TEXT,
			metadata       TEXT,
			created_at     INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS turns (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			payload    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
		CREATE TABLE IF NOT EXISTS pending_confirmations (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_confirmations(session_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = session.CreatedAt
	}
	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, metadata, created_at, last_active_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Title, string(meta), session.CreatedAt.UnixMilli(), session.LastActiveAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, metadata, created_at, last_active_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	var meta string
	var created, lastActive int64
	if err := row.Scan(&session.ID, &session.Title, &meta, &created, &lastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &session.Metadata); err != nil {
			return nil, err
		}
	}
	session.CreatedAt = time.UnixMilli(created)
	session.LastActiveAt = time.UnixMilli(lastActive)
	return &session, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE session_id = ?`, id)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, metadata, created_at, last_active_at FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var session models.Session
		var meta string
		var created, lastActive int64
		if err := rows.Scan(&session.ID, &session.Title, &meta, &created, &lastActive); err != nil {
			return nil, err
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &session.Metadata); err != nil {
				return nil, err
			}
		}
		session.CreatedAt = time.UnixMilli(created)
		session.LastActiveAt = time.UnixMilli(lastActive)
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ? AND last_active_at < ?`,
		at.UnixMilli(), id, at.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already newer; distinguish for the caller.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error {
	if turn == nil {
		return errors.New("turn is required")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, seq, payload)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?), ?)`,
		turn.ID, sessionID, sessionID, string(payload),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ? AND last_active_at < ?`,
		turn.CreatedAt.UnixMilli(), sessionID, turn.CreatedAt.UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]models.Turn, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT payload FROM turns WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		// Keep the most recent turns in chronological order.
		query = `SELECT payload FROM (
			SELECT seq, payload FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var turn models.Turn
		if err := json.Unmarshal([]byte(payload), &turn); err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePending(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc == nil {
		return errors.New("pending confirmation is required")
	}
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_confirmations (id, session_id, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		pc.ID, pc.SessionID, string(payload), pc.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) GetPending(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM pending_confirmations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	var pc models.PendingConfirmation
	if err := json.Unmarshal([]byte(payload), &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPendingNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, sessionID string) ([]*models.PendingConfirmation, error) {
	query := `SELECT payload FROM pending_confirmations ORDER BY created_at`
	args := []any{}
	if sessionID != "" {
		query = `SELECT payload FROM pending_confirmations WHERE session_id = ? ORDER BY created_at`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PendingConfirmation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var pc models.PendingConfirmation
		if err := json.Unmarshal([]byte(payload), &pc); err != nil {
			return nil, err
		}
		out = append(out, &pc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneInactive(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE last_active_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return len(ids), nil
}
