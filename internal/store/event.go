package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// EventRecord is one stored detection event.
type EventRecord struct {
	ID           int64           `json:"id"`
	SessionID    string          `json:"sessionId"`
	Seq          uint64          `json:"seq"`
	Kind         string          `json:"kind"`
	Poses        int             `json:"poses"`
	InferenceMs  float64         `json:"inferenceMs"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Landmarks    json.RawMessage `json:"landmarks,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// EventRepository provides access to stored detection events.
type EventRepository struct {
	db *sql.DB
}

// Events returns the event repository for this store.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

// Append inserts an event record.
func (r *EventRepository) Append(e *EventRecord) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var code sql.NullInt64
	var message, landmarks sql.NullString
	if e.ErrorCode != 0 {
		code = sql.NullInt64{Int64: int64(e.ErrorCode), Valid: true}
		message = sql.NullString{String: e.ErrorMessage, Valid: true}
	}
	if len(e.Landmarks) > 0 {
		landmarks = sql.NullString{String: string(e.Landmarks), Valid: true}
	}

	result, err := r.db.Exec(
		`INSERT INTO detection_events (session_id, seq, kind, poses, inference_ms, error_code, error_message, landmarks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Seq, e.Kind, e.Poses, e.InferenceMs, code, message, landmarks, e.CreatedAt,
	)
	if err != nil {
		return err
	}

	e.ID, err = result.LastInsertId()
	return err
}

// ListBySession retrieves up to limit events of a session in sequence order.
func (r *EventRepository) ListBySession(sessionID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(
		`SELECT id, session_id, seq, kind, poses, inference_ms, error_code, error_message, landmarks, created_at
		 FROM detection_events WHERE session_id = ? ORDER BY seq ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var code sql.NullInt64
		var message, landmarks sql.NullString

		err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Kind, &e.Poses, &e.InferenceMs, &code, &message, &landmarks, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.ErrorCode = int(code.Int64)
		e.ErrorMessage = message.String
		if landmarks.Valid {
			e.Landmarks = json.RawMessage(landmarks.String)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// CountBySession returns the number of stored events of a session by kind.
func (r *EventRepository) CountBySession(sessionID string) (results, failures int, err error) {
	err = r.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN kind = 'result' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'error' THEN 1 ELSE 0 END), 0)
		 FROM detection_events WHERE session_id = ?`,
		sessionID,
	).Scan(&results, &failures)
	return results, failures, err
}
