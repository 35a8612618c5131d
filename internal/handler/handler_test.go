package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/attendance"
	"attendguard/internal/audit"
	"attendguard/internal/fraud"
	"attendguard/internal/identity"
	"attendguard/internal/scheduler"
	"attendguard/internal/session"
)

const schedulesYAML = `
schedules:
  - activity_id: math
    name: Math Class
    start: "08:00"
    end: "09:30"
    days_of_week: [1, 2, 3, 4, 5]
    auto_checkout: true
    recurring: true
`

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(h, m int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Date(2026, 10, 16, h, m, 0, 0, time.UTC)
}

type fixture struct {
	router *gin.Engine
	clock  *clock
	h      *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	codec, err := identity.NewCodec("k1", map[string][]byte{"k1": identity.GenerateKey()})
	require.NoError(t, err)
	catalog, err := scheduler.ParseCatalog([]byte(schedulesYAML))
	require.NoError(t, err)

	f := &fixture{clock: &clock{}}
	f.clock.Set(9, 0)
	engine := fraud.NewEngine(fraud.DefaultRules(fraud.DefaultPolicy(time.UTC))...)
	svc := attendance.NewService(codec, attendance.NewMemoryStore(), engine,
		attendance.WithClock(f.clock.Now), attendance.WithSchedules(catalog))
	sweeper := scheduler.NewSweeper(catalog, svc, time.UTC, scheduler.WithSweepClock(f.clock.Now))

	f.h = New(svc, codec, sweeper, Tokens{
		SigningKey:  "test-key",
		Issuer:      "attendguard",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
		AdminSecret: "let-me-in",
		Open:        true,
	}, zerolog.Nop())
	f.router = gin.New()
	f.h.Register(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) register(t *testing.T, device, secret string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/devices/register", "", gin.H{"device_id": device, "enrollment_secret": secret})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.AccessToken
}

func (f *fixture) card(t *testing.T, admin, student string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/cards", admin, gin.H{"student_id": student, "display_name": "Sam"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Token
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) attendance.Result {
	t.Helper()
	var res attendance.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestRegisterDeviceRoles(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/devices/register", "", gin.H{"device_id": "gate-1"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"teacher"`)

	w = f.do(t, http.MethodPost, "/v1/devices/register", "", gin.H{"device_id": "office", "enrollment_secret": "let-me-in"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"admin"`)

	w = f.do(t, http.MethodPost, "/v1/devices/register", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.h.tokens.Open = false
	w = f.do(t, http.MethodPost, "/v1/devices/register", "", gin.H{"device_id": "gate-2"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCardsRequireAdmin(t *testing.T) {
	f := newFixture(t)
	teacher := f.register(t, "gate-1", "")
	w := f.do(t, http.MethodPost, "/v1/cards", teacher, gin.H{"student_id": "S"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/cards", "", gin.H{"student_id": "S"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	admin := f.register(t, "office", "let-me-in")
	assert.NotEmpty(t, f.card(t, admin, "S"))
}

func TestScanFlow(t *testing.T) {
	f := newFixture(t)
	teacher := f.register(t, "gate-1", "")
	admin := f.register(t, "office", "let-me-in")
	token := f.card(t, admin, "S")

	scan := gin.H{"token": token, "direction": "check-in", "activity_id": "math"}
	w := f.do(t, http.MethodPost, "/v1/scans", teacher, scan)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeResult(t, w)
	require.NotNil(t, res.Event)
	assert.Equal(t, "Math Class", res.Event.ActivityName)
	assert.Equal(t, "gate-1", res.Event.RecorderID)
	assert.EqualValues(t, "late", res.Event.Status)

	f.clock.Set(9, 1)
	w = f.do(t, http.MethodPost, "/v1/scans", teacher, scan)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	res = decodeResult(t, w)
	assert.True(t, res.Blocked)
	require.NotNil(t, res.FraudCheck)
	assert.True(t, res.FraudCheck.Has(fraud.KindDuplicateScan))

	override := gin.H{"token": token, "direction": "check-in", "activity_id": "math", "admin_override": true}
	w = f.do(t, http.MethodPost, "/v1/scans", teacher, override)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/scans", teacher, gin.H{"token": "k1.forged", "direction": "check-in", "activity_id": "math"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/scans", teacher, gin.H{"token": token, "direction": "sideways", "activity_id": "math"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/scans", teacher, gin.H{"token": token, "direction": "check-in", "activity_id": "math", "geo": gin.H{"lat": 123, "lon": 0}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.clock.Set(9, 20)
	w = f.do(t, http.MethodPost, "/v1/scans", teacher, gin.H{"token": token, "direction": "check-out", "activity_id": "math"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res = decodeResult(t, w)
	assert.EqualValues(t, "left-early", res.Event.Status)
}

func TestSessionViews(t *testing.T) {
	f := newFixture(t)
	teacher := f.register(t, "gate-1", "")
	admin := f.register(t, "office", "let-me-in")
	token := f.card(t, admin, "S")

	w := f.do(t, http.MethodPost, "/v1/scans", teacher, gin.H{"token": token, "direction": "check-in", "activity_id": "math"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/v1/students/S/sessions", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Date     string            `json:"date"`
		Sessions []session.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "2026-10-16", view.Date)
	require.Len(t, view.Sessions, 1)
	assert.Equal(t, session.Open, view.Sessions[0].State)

	w = f.do(t, http.MethodGet, "/v1/students/S/sessions?date=2026-10-15", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions":[]`)

	w = f.do(t, http.MethodGet, "/v1/students/S/sessions?date=yesterday", teacher, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/activities/math/open?date=2026-10-16", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"student_id":"S"`)
}

func TestSweepEndpoint(t *testing.T) {
	f := newFixture(t)
	teacher := f.register(t, "gate-1", "")
	admin := f.register(t, "office", "let-me-in")
	token := f.card(t, admin, "S")

	w := f.do(t, http.MethodPost, "/v1/scans", teacher, gin.H{"token": token, "direction": "check-in", "activity_id": "math"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/v1/sweeps", teacher, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	f.clock.Set(10, 0)
	w = f.do(t, http.MethodPost, "/v1/sweeps", admin, gin.H{"activity_id": "unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/v1/sweeps", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rep scheduler.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	require.Len(t, rep.Closed, 1)
	assert.Equal(t, attendance.SystemRecorder, rep.Closed[0].RecorderID)

	w = f.do(t, http.MethodPost, "/v1/sweeps", admin, gin.H{"activity_id": "math"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"closed":[]`)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.h.AddHealthCheck("redis", func(context.Context) bool { return false })
	w = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":false`)
}

type fakeAuditLog struct {
	entries []audit.Entry
	limit   int
}

func (f *fakeAuditLog) ForStudent(_ context.Context, studentID string, limit int) ([]audit.Entry, error) {
	f.limit = limit
	var out []audit.Entry
	for _, e := range f.entries {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestStudentAudit(t *testing.T) {
	f := newFixture(t)
	admin := f.register(t, "office", "let-me-in")

	w := f.do(t, http.MethodGet, "/v1/students/S/audit", admin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	log := &fakeAuditLog{entries: []audit.Entry{{ID: "a1", Kind: audit.KindBlocked, StudentID: "S"}}}
	f.h.SetAuditLog(log)

	w = f.do(t, http.MethodGet, "/v1/students/S/audit?limit=10", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"a1"`)
	assert.Equal(t, 10, log.limit)

	w = f.do(t, http.MethodGet, "/v1/students/T/audit", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entries":[]`)

	w = f.do(t, http.MethodGet, "/v1/students/S/audit?limit=0", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
