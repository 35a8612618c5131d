package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/model"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), mock
}

func checkIn(seq int) model.Event {
	return model.Event{
		ID:         "7f0c1c9e-5d55-4d7e-9b38-0d0f5d1e2a11",
		StudentID:  "S",
		ActivityID: "Math",
		Direction:  model.CheckIn,
		Status:     model.StatusPresent,
		OccurredAt: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		DateKey:    "2026-10-16",
		Seq:        seq,
		RecorderID: "teacher-1",
	}
}

func TestRepositoryAppendEvent(t *testing.T) {
	cases := []struct {
		name string
		exec func(*sqlmock.ExpectedExec)
		want error
	}{
		{
			name: "appended",
			exec: func(e *sqlmock.ExpectedExec) { e.WillReturnResult(sqlmock.NewResult(0, 1)) },
		},
		{
			name: "log moved on",
			exec: func(e *sqlmock.ExpectedExec) { e.WillReturnResult(sqlmock.NewResult(0, 0)) },
			want: ErrConflict,
		},
		{
			name: "seq taken concurrently",
			exec: func(e *sqlmock.ExpectedExec) { e.WillReturnError(&pgconn.PgError{Code: pgUniqueViolation}) },
			want: ErrConflict,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			evt := checkIn(2)
			tc.exec(mock.ExpectExec(`INSERT INTO attendance_events .* WHERE \(SELECT COUNT\(\*\) FROM attendance_events`).
				WithArgs(evt.ID, "S", "", "Math", "", "check-in", "present", evt.OccurredAt, "2026-10-16", 2,
					sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "teacher-1", "",
					sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()))

			err := repo.AppendEvent(context.Background(), evt)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepositoryAppendEventPassesOtherErrors(t *testing.T) {
	repo, mock := newMockRepo(t)
	down := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO attendance_events").WillReturnError(down)

	err := repo.AppendEvent(context.Background(), checkIn(1))
	assert.ErrorIs(t, err, down)
	assert.NotErrorIs(t, err, ErrConflict)

	mock.ExpectExec("INSERT INTO attendance_events").WillReturnError(&pgconn.PgError{Code: "23502"})
	err = repo.AppendEvent(context.Background(), checkIn(1))
	assert.NotErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryRejectsMismatchedStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	evt := checkIn(1)
	evt.Status = model.StatusLeftEarly

	assert.ErrorIs(t, repo.AppendEvent(context.Background(), evt), ErrInvalidEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var columns = []string{"id", "student_id", "class_id", "activity_id", "activity_name", "direction", "status",
	"occurred_at", "date_key", "seq", "window_start", "window_end", "geo_lat", "geo_lon", "recorder_id", "notes",
	"duration_minutes", "completion_percentage", "left_early_by_minutes", "late_by_minutes"}

func TestRepositoryEventsForStudentOnDate(t *testing.T) {
	repo, mock := newMockRepo(t)
	in := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	start, end := in, in.Add(time.Hour)
	mock.ExpectQuery("SELECT .* FROM attendance_events").
		WithArgs("S", "2026-10-16").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "S", "7B", "Math", "Math", "check-in", "present", in, "2026-10-16", 1,
				start, end, 51.5, -0.12, "teacher-1", "", nil, nil, nil, nil).
			AddRow("e2", "S", "7B", "Math", "Math", "check-out", "left-early", in.Add(40*time.Minute), "2026-10-16", 2,
				start, end, nil, nil, "teacher-1", "", 40, 67, 20, nil))

	events, err := repo.EventsForStudentOnDate(context.Background(), "S", "2026-10-16")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.CheckIn, events[0].Direction)
	require.NotNil(t, events[0].Geo)
	assert.Equal(t, 51.5, events[0].Geo.Lat)
	assert.Nil(t, events[0].DurationMinutes)
	assert.Equal(t, model.StatusLeftEarly, events[1].Status)
	require.NotNil(t, events[1].Window)
	assert.Equal(t, end, events[1].Window.End)
	assert.Equal(t, 40, *events[1].DurationMinutes)
	assert.Equal(t, 20, *events[1].LeftEarlyByMinutes)
	assert.Nil(t, events[1].Geo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryRejectsCorruptRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT .* FROM attendance_events").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "S", "", "Math", "", "check-in", "checkout", time.Now(), "2026-10-16", 1,
				nil, nil, nil, nil, "teacher-1", "", nil, nil, nil, nil))

	_, err := repo.EventsForStudentOnDate(context.Background(), "S", "2026-10-16")
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryOpenSessions(t *testing.T) {
	repo, mock := newMockRepo(t)
	in := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT .* FROM attendance_events").
		WithArgs("Math", "2026-10-16").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("a1", "A", "", "Math", "Math", "check-in", "present", in, "2026-10-16", 1,
				nil, nil, nil, nil, "teacher-1", "", nil, nil, nil, nil).
			AddRow("b1", "B", "", "Math", "Math", "check-in", "late", in.Add(10*time.Minute), "2026-10-16", 1,
				nil, nil, nil, nil, "teacher-1", "", nil, nil, nil, 10).
			AddRow("b2", "B", "", "Math", "Math", "check-out", "checkout", in.Add(50*time.Minute), "2026-10-16", 2,
				nil, nil, nil, nil, "teacher-1", "", 40, nil, nil, nil))

	open, err := repo.OpenSessionsForActivity(context.Background(), "Math", "2026-10-16")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "A", open[0].StudentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var _ SessionStore = (*Repository)(nil)
