// Package handler exposes the attendance recorder over HTTP.
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"attendguard/internal/attendance"
	"attendguard/internal/audit"
	"attendguard/internal/auth"
	"attendguard/internal/identity"
	"attendguard/internal/model"
	"attendguard/internal/scheduler"
	"attendguard/internal/session"
)

// CardSealer issues card tokens.
type CardSealer interface {
	Seal(id identity.Identity) (string, error)
}

// Sweeper closes sessions whose activity has ended.
type Sweeper interface {
	Sweep(ctx context.Context) (scheduler.Report, error)
	SweepActivity(ctx context.Context, activityID string) (scheduler.Report, error)
}

// AuditLog reads the persisted audit trail.
type AuditLog interface {
	ForStudent(ctx context.Context, studentID string, limit int) ([]audit.Entry, error)
}

// Tokens configures station JWTs and device enrollment. With Open set, a
// device may register as a teacher without a secret.
type Tokens struct {
	SigningKey  string
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	Secret      string
	AdminSecret string
	Open        bool
}

type Handler struct {
	svc     *attendance.Service
	cards   CardSealer
	sweeper Sweeper
	tokens  Tokens
	audit   AuditLog
	health  map[string]func(context.Context) bool
	logger  zerolog.Logger
}

// New builds a handler. sweeper may be nil when no schedules are loaded.
func New(svc *attendance.Service, cards CardSealer, sweeper Sweeper, tokens Tokens, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:     svc,
		cards:   cards,
		sweeper: sweeper,
		tokens:  tokens,
		health:  make(map[string]func(context.Context) bool),
		logger:  logger,
	}
}

// AddHealthCheck reports the named dependency on /healthz.
func (h *Handler) AddHealthCheck(name string, check func(context.Context) bool) {
	h.health[name] = check
}

// SetAuditLog enables the per-student audit view.
func (h *Handler) SetAuditLog(a AuditLog) {
	h.audit = a
}

// Register mounts the routes on r. staff middleware runs after
// authentication on every authenticated route.
func (h *Handler) Register(r gin.IRouter, staff ...gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/v1/devices/register", h.RegisterDevice)

	v1 := r.Group("/v1", auth.StaffAuth(h.tokens.SigningKey, h.tokens.Issuer))
	v1.Use(staff...)
	v1.POST("/scans", h.Scan)
	v1.GET("/students/:id/sessions", h.StudentSessions)
	v1.GET("/activities/:id/open", h.OpenSessions)

	admin := v1.Group("", auth.RequireAdmin())
	admin.POST("/cards", h.IssueCard)
	admin.POST("/sweeps", h.RunSweep)
	admin.GET("/students/:id/audit", h.StudentAudit)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Devices ----------

type registerRequest struct {
	DeviceID         string `json:"device_id" binding:"required"`
	EnrollmentSecret string `json:"enrollment_secret"`
}

// RegisterDevice issues a station token pair. The enrollment secret picks
// the role.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, ok := h.enrollmentRole(req.EnrollmentSecret)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "enrollment secret rejected"})
		return
	}
	tokens, err := auth.Issue(req.DeviceID, role, h.tokens.Issuer, h.tokens.SigningKey, h.tokens.AccessTTL, h.tokens.RefreshTTL)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	h.logger.Info().Str("device_id", req.DeviceID).Str("role", role).Msg("device registered")
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"role":          role,
	})
}

func (h *Handler) enrollmentRole(secret string) (string, bool) {
	if h.tokens.AdminSecret != "" && secretEqual(secret, h.tokens.AdminSecret) {
		return auth.RoleAdmin, true
	}
	if h.tokens.Secret != "" && secretEqual(secret, h.tokens.Secret) {
		return auth.RoleTeacher, true
	}
	if h.tokens.Secret == "" && h.tokens.Open {
		return auth.RoleTeacher, true
	}
	return "", false
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ---------- Cards ----------

type cardRequest struct {
	StudentID   string `json:"student_id" binding:"required"`
	DisplayName string `json:"display_name"`
	ClassID     string `json:"class_id"`
}

// IssueCard seals a student identity into a card token.
func (h *Handler) IssueCard(c *gin.Context) {
	var req cardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := h.cards.Seal(identity.Identity{
		StudentID:      req.StudentID,
		DisplayName:    req.DisplayName,
		ClassID:        req.ClassID,
		IssuedAtMillis: h.svc.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("student_id", req.StudentID).Msg("card seal failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "card issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"student_id": req.StudentID, "token": token})
}

// ---------- Scans ----------

type scanRequest struct {
	Token          string     `json:"token" binding:"required"`
	Direction      string     `json:"direction" binding:"required"`
	ActivityID     string     `json:"activity_id" binding:"required"`
	ActivityName   string     `json:"activity_name"`
	ClassID        string     `json:"class_id"`
	Geo            *model.Geo `json:"geo"`
	Notes          string     `json:"notes"`
	SkipFraudCheck bool       `json:"skip_fraud_check"`
	AdminOverride  bool       `json:"admin_override"`
}

// Scan records one check-in or check-out. The recorder is the caller's
// token subject and the network origin is the client IP.
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir, err := model.ParseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Geo != nil && !validGeo(*req.Geo) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "geo out of range"})
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	res, err := h.svc.Record(c.Request.Context(), req.Token, dir,
		attendance.ActivityContext{
			ActivityID:   req.ActivityID,
			ActivityName: req.ActivityName,
			ClassID:      req.ClassID,
		},
		attendance.CheckerContext{RecorderID: claims.Subject, Admin: claims.IsAdmin()},
		attendance.Options{
			SkipFraudCheck: req.SkipFraudCheck,
			AdminOverride:  req.AdminOverride,
			Geo:            req.Geo,
			NetworkOrigin:  c.ClientIP(),
			Notes:          req.Notes,
		})
	switch {
	case err == nil && res.Blocked:
		c.JSON(http.StatusConflict, res)
	case err == nil:
		c.JSON(http.StatusCreated, res)
	default:
		h.scanError(c, res, err)
	}
}

func (h *Handler) scanError(c *gin.Context, res attendance.Result, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrInvalidToken), errors.Is(err, attendance.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrOverrideForbidden):
		status = http.StatusForbidden
	case attendance.Retryable(err):
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	default:
		h.logger.Error().Err(err).Msg("scan failed")
	}
	msg := res.Message
	if msg == "" {
		msg = "scan failed"
	}
	c.JSON(status, gin.H{"error": msg, "retryable": attendance.Retryable(err)})
}

func validGeo(g model.Geo) bool {
	return g.Lat >= -90 && g.Lat <= 90 && g.Lon >= -180 && g.Lon <= 180
}

// ---------- Sessions ----------

func (h *Handler) StudentSessions(c *gin.Context) {
	dateKey, ok := h.dateParam(c)
	if !ok {
		return
	}
	studentID := c.Param("id")
	sessions, err := h.svc.Sessions(c.Request.Context(), studentID, dateKey)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"student_id": studentID, "date": dateKey, "sessions": sessions})
}

func (h *Handler) OpenSessions(c *gin.Context) {
	dateKey, ok := h.dateParam(c)
	if !ok {
		return
	}
	activityID := c.Param("id")
	open, err := h.svc.OpenSessions(c.Request.Context(), activityID, dateKey)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if open == nil {
		open = []model.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"activity_id": activityID, "date": dateKey, "open": open})
}

// dateParam reads ?date=, defaulting to today in the school timezone.
func (h *Handler) dateParam(c *gin.Context) (string, bool) {
	dateKey := c.Query("date")
	if dateKey == "" {
		return model.DateKey(h.svc.Now(), h.svc.Location()), true
	}
	if _, err := model.ParseDateKey(dateKey, h.svc.Location()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return "", false
	}
	return dateKey, true
}

func (h *Handler) storeError(c *gin.Context, err error) {
	h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("store read failed")
	c.Header("Retry-After", "1")
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attendance store unavailable"})
}

// StudentAudit lists recent blocks, overrides and auto closures for a student.
func (h *Handler) StudentAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail is not persisted"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	studentID := c.Param("id")
	entries, err := h.audit.ForStudent(c.Request.Context(), studentID, limit)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"student_id": studentID, "entries": entries})
}

// ---------- Sweeps ----------

type sweepRequest struct {
	ActivityID string `json:"activity_id"`
}

// RunSweep closes ended sessions now instead of waiting for the next tick.
func (h *Handler) RunSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no schedules configured"})
		return
	}
	var req sweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var (
		report scheduler.Report
		err    error
	)
	if req.ActivityID != "" {
		report, err = h.sweeper.SweepActivity(c.Request.Context(), req.ActivityID)
		if errors.Is(err, scheduler.ErrUnknownActivity) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
	} else {
		report, err = h.sweeper.Sweep(c.Request.Context())
	}
	if err != nil {
		h.logger.Error().Err(err).Str("activity_id", req.ActivityID).Msg("sweep failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweep incomplete", "report": report})
		return
	}
	if report.Closed == nil {
		report.Closed = []model.Event{}
	}
	c.JSON(http.StatusOK, report)
}
