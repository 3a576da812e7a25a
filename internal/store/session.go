package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ayusman/posekit/internal/detector"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord is the stored history of one detector session.
type SessionRecord struct {
	ID         string          `json:"id"`
	Handle     int64           `json:"handle"`
	Config     detector.Config `json:"config"`
	CreatedAt  time.Time       `json:"createdAt"`
	ReleasedAt *time.Time      `json:"releasedAt,omitempty"`
}

// SessionRepository provides access to stored sessions.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create inserts a new session record.
func (r *SessionRepository) Create(rec *SessionRecord) error {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = r.db.Exec(
		`INSERT INTO sessions (id, handle, model, delegate, running_mode, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Handle, rec.Config.Model, string(rec.Config.Delegate), string(rec.Config.RunningMode), string(cfg), rec.CreatedAt,
	)
	return err
}

// MarkReleased records the release time of a session.
func (r *SessionRepository) MarkReleased(id string, at time.Time) error {
	result, err := r.db.Exec(`UPDATE sessions SET released_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(id string) (*SessionRecord, error) {
	return r.scanOne(r.db.QueryRow(
		`SELECT id, handle, config, created_at, released_at FROM sessions WHERE id = ?`, id,
	))
}

// GetByHandle retrieves the session that was registered under handle.
// Handles are never reused within a process, but history spans restarts,
// so the most recent session wins.
func (r *SessionRepository) GetByHandle(handle int64) (*SessionRecord, error) {
	return r.scanOne(r.db.QueryRow(
		`SELECT id, handle, config, created_at, released_at FROM sessions
		 WHERE handle = ? ORDER BY created_at DESC LIMIT 1`, handle,
	))
}

// List retrieves up to limit sessions, newest first.
func (r *SessionRepository) List(limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		`SELECT id, handle, config, created_at, released_at FROM sessions
		 ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Delete removes a session and its events.
func (r *SessionRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *SessionRepository) scanOne(row *sql.Row) (*SessionRecord, error) {
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanSession(sc scanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var cfg string
	var released sql.NullTime

	if err := sc.Scan(&rec.ID, &rec.Handle, &cfg, &rec.CreatedAt, &released); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &rec.Config); err != nil {
		return nil, err
	}
	if released.Valid {
		t := released.Time
		rec.ReleasedAt = &t
	}
	return rec, nil
}
