package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"attendguard/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS attendance_events (
	id                    UUID PRIMARY KEY,
	student_id            TEXT NOT NULL,
	class_id              TEXT NOT NULL DEFAULT '',
	activity_id           TEXT NOT NULL,
	activity_name         TEXT NOT NULL DEFAULT '',
	direction             TEXT NOT NULL,
	status                TEXT NOT NULL,
	occurred_at           TIMESTAMPTZ NOT NULL,
	date_key              TEXT NOT NULL,
	seq                   INT NOT NULL,
	window_start          TIMESTAMPTZ,
	window_end            TIMESTAMPTZ,
	geo_lat               DOUBLE PRECISION,
	geo_lon               DOUBLE PRECISION,
	recorder_id           TEXT NOT NULL,
	notes                 TEXT NOT NULL DEFAULT '',
	duration_minutes      INT,
	completion_percentage INT,
	left_early_by_minutes INT,
	late_by_minutes       INT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (student_id, date_key, seq)
);
CREATE INDEX IF NOT EXISTS attendance_events_activity_idx ON attendance_events (activity_id, date_key);
CREATE INDEX IF NOT EXISTS attendance_events_student_time_idx ON attendance_events (student_id, occurred_at);
`

const eventColumns = `id, student_id, class_id, activity_id, activity_name, direction, status, occurred_at, date_key, seq,
	window_start, window_end, geo_lat, geo_lon, recorder_id, notes,
	duration_minutes, completion_percentage, left_early_by_minutes, late_by_minutes`

// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

// Repository is the Postgres SessionStore.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the events table and its indexes.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// AppendEvent inserts evt only when evt.Seq follows the last stored event of
// the student-day. A concurrent writer taking the same seq trips the unique
// constraint; both cases surface as ErrConflict.
func (r *Repository) AppendEvent(ctx context.Context, evt model.Event) error {
	if err := checkEvent(evt); err != nil {
		return err
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	var winStart, winEnd sql.NullTime
	if evt.Window != nil {
		winStart = sql.NullTime{Time: evt.Window.Start, Valid: true}
		winEnd = sql.NullTime{Time: evt.Window.End, Valid: true}
	}
	var lat, lon sql.NullFloat64
	if evt.Geo != nil {
		lat = sql.NullFloat64{Float64: evt.Geo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: evt.Geo.Lon, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_events (`+eventColumns+`)
		SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text, $8::timestamptz, $9::text, $10::int,
			$11::timestamptz, $12::timestamptz, $13::float8, $14::float8, $15::text, $16::text,
			$17::int, $18::int, $19::int, $20::int
		WHERE (SELECT COUNT(*) FROM attendance_events WHERE student_id = $2::text AND date_key = $9::text) = $10::int - 1
	`, evt.ID, evt.StudentID, evt.ClassID, evt.ActivityID, evt.ActivityName, string(evt.Direction), string(evt.Status),
		evt.OccurredAt, evt.DateKey, evt.Seq, winStart, winEnd, lat, lon, evt.RecorderID, evt.Notes,
		nullInt(evt.DurationMinutes), nullInt(evt.CompletionPercentage), nullInt(evt.LeftEarlyByMinutes), nullInt(evt.LateByMinutes))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// EventsForStudentOnDate returns one student-day in log order.
func (r *Repository) EventsForStudentOnDate(ctx context.Context, studentID, dateKey string) ([]model.Event, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM attendance_events
		WHERE student_id = $1 AND date_key = $2 ORDER BY seq`, studentID, dateKey)
}

// EventsForStudentSince returns a student's events at or after since.
func (r *Repository) EventsForStudentSince(ctx context.Context, studentID string, since time.Time) ([]model.Event, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM attendance_events
		WHERE student_id = $1 AND occurred_at >= $2 ORDER BY occurred_at`, studentID, since)
}

// EventsForActivityOnDate returns every event of an activity on a day.
func (r *Repository) EventsForActivityOnDate(ctx context.Context, activityID, dateKey string) ([]model.Event, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM attendance_events
		WHERE activity_id = $1 AND date_key = $2 ORDER BY student_id, seq`, activityID, dateKey)
}

// OpenSessionsForActivity returns the check-ins with no matching check-out.
func (r *Repository) OpenSessionsForActivity(ctx context.Context, activityID, dateKey string) ([]model.Event, error) {
	events, err := r.EventsForActivityOnDate(ctx, activityID, dateKey)
	if err != nil {
		return nil, err
	}
	return openCheckIns(events), nil
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var (
		evt                  model.Event
		direction, status    string
		winStart, winEnd     sql.NullTime
		lat, lon             sql.NullFloat64
		duration, completion sql.NullInt32
		leftEarly, late      sql.NullInt32
	)
	if err := rows.Scan(&evt.ID, &evt.StudentID, &evt.ClassID, &evt.ActivityID, &evt.ActivityName, &direction, &status,
		&evt.OccurredAt, &evt.DateKey, &evt.Seq, &winStart, &winEnd, &lat, &lon, &evt.RecorderID, &evt.Notes,
		&duration, &completion, &leftEarly, &late); err != nil {
		return model.Event{}, err
	}
	evt.Direction = model.Direction(direction)
	evt.Status = model.Status(status)
	if err := checkEvent(evt); err != nil {
		return model.Event{}, fmt.Errorf("event %s: %w", evt.ID, err)
	}
	if winStart.Valid && winEnd.Valid {
		evt.Window = &model.Window{Start: winStart.Time, End: winEnd.Time}
	}
	if lat.Valid && lon.Valid {
		evt.Geo = &model.Geo{Lat: lat.Float64, Lon: lon.Float64}
	}
	evt.DurationMinutes = intPtr(duration)
	evt.CompletionPercentage = intPtr(completion)
	evt.LeftEarlyByMinutes = intPtr(leftEarly)
	evt.LateByMinutes = intPtr(late)
	return evt, nil
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}

func intPtr(v sql.NullInt32) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}
