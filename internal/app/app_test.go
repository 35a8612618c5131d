package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/attendance"
	"attendguard/internal/audit"
	"attendguard/internal/config"
	"attendguard/internal/identity"
	"attendguard/internal/model"
)

func memoryConfig(t *testing.T) config.App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schedules:
  - activity_id: math
    name: Math Class
    start: "00:00"
    end: "23:59"
    recurring: true
    auto_checkout: true
`), 0o600))
	return config.App{
		Env:                "dev",
		StoreBackend:       "memory",
		LockBackend:        "memory",
		QueueBackend:       "memory",
		SchoolTimezone:     "UTC",
		SchoolHoursStart:   "00:00",
		SchoolHoursEnd:     "23:59",
		LateGrace:          5 * time.Minute,
		VelocityWindow:     time.Hour,
		VelocityMinElapse:  5 * time.Minute,
		VelocityMaxMeters:  500,
		RecorderRateLimit:  10,
		RecorderRateWindow: time.Minute,
		SchedulesFile:      path,
		SweepLookbackDays:  1,
	}
}

func TestBuildMemoryBackends(t *testing.T) {
	d, err := Build(context.Background(), memoryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	assert.Nil(t, d.DB)
	assert.Nil(t, d.Redis)
	require.NotNil(t, d.Sweeper)
	assert.Equal(t, 1, d.Catalog.Len())

	token, err := d.Codec.Seal(identity.Identity{StudentID: "S"})
	require.NoError(t, err)
	res, err := d.Service.Record(context.Background(), token, model.CheckIn,
		attendance.ActivityContext{ActivityID: "math"},
		attendance.CheckerContext{RecorderID: "gate-1"}, attendance.Options{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "Math Class", res.Event.ActivityName)
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.StoreBackend = "mongo"
	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg = memoryConfig(t)
	cfg.SchedulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestAuditHandlerWithoutDatabaseOnlyLogs(t *testing.T) {
	d := &Deps{}
	h := d.AuditHandler(zerolog.Nop())
	assert.NoError(t, h(context.Background(), audit.Entry{Kind: audit.KindBlocked}))
}
