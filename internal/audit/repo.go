package audit

import (
	"context"
	"database/sql"
	"encoding/json"
)

const schema = `
CREATE TABLE IF NOT EXISTS fraud_audit (
	id          UUID PRIMARY KEY,
	kind        TEXT NOT NULL,
	student_id  TEXT NOT NULL DEFAULT '',
	activity_id TEXT NOT NULL DEFAULT '',
	direction   TEXT NOT NULL DEFAULT '',
	recorder_id TEXT NOT NULL DEFAULT '',
	event_id    TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL,
	issues      JSONB NOT NULL DEFAULT '[]',
	occurred_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS fraud_audit_student_idx ON fraud_audit (student_id, occurred_at);
`

// Repository persists audit entries in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the audit table.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Insert stores e. Replays of the same entry are ignored.
func (r *Repository) Insert(ctx context.Context, e Entry) error {
	issues, err := json.Marshal(e.Issues)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fraud_audit (id, kind, student_id, activity_id, direction, recorder_id, event_id, message, issues, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Kind), e.StudentID, e.ActivityID, e.Direction, e.RecorderID, e.EventID, e.Message, issues, e.OccurredAt)
	return err
}

// ForStudent returns the most recent entries for a student.
func (r *Repository) ForStudent(ctx context.Context, studentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, student_id, activity_id, direction, recorder_id, event_id, message, issues, occurred_at
		FROM fraud_audit WHERE student_id = $1
		ORDER BY occurred_at DESC LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var issues []byte
		if err := rows.Scan(&e.ID, &kind, &e.StudentID, &e.ActivityID, &e.Direction, &e.RecorderID, &e.EventID, &e.Message, &issues, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if err := json.Unmarshal(issues, &e.Issues); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
