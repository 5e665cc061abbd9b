package attendance

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"kineapp/internal/auth"
	"kineapp/internal/queue"
)

// Handler binds the service to Gin routes.
type Handler struct {
	svc *Service
	q   queue.Queue
	log zerolog.Logger
}

// NewHandler creates an HTTP handler. The queue may be nil in tests; publish
// failures never fail the request.
func NewHandler(svc *Service, q queue.Queue, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, q: q, log: log}
}

// Register mounts the public routes, rw the authenticated ones and sup the
// supervisor-only ones.
func (h *Handler) Register(public, rw, sup gin.IRoutes) {
	public.GET("/boxes", h.ListBoxes)
	public.GET("/qrcodes/:code", h.ValidateQRCode)

	rw.POST("/attendance", h.RegisterAttendance)
	rw.GET("/attendance", h.ListAttendance)
	rw.POST("/locations/check", h.CheckLocation)

	sup.POST("/qrcodes", h.IssueQRCode)
	sup.PUT("/attendance/:id/feedback", h.Feedback)
}

// ListBoxes returns the box registry.
func (h *Handler) ListBoxes(c *gin.Context) {
	boxes, err := h.svc.ListBoxes(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"boxes": boxes})
}

// ValidateQRCode resolves a scanned code before the attendance form is shown.
func (h *Handler) ValidateQRCode(c *gin.Context) {
	v, err := h.svc.ValidateQRCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// IssueQRCode creates a token for a box and schedule slot.
func (h *Handler) IssueQRCode(c *gin.Context) {
	var req struct {
		BoxName     string `json:"box_name"`
		ScheduledAt string `json:"scheduled_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	qr, err := h.svc.IssueQRCode(c.Request.Context(), req.BoxName, req.ScheduledAt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, qr)
}

// RegisterAttendance logs a clinical encounter against a validated token.
func (h *Handler) RegisterAttendance(c *gin.Context) {
	var in RegistrationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	in.PractitionerID = auth.FromContext(c).Subject

	rec, err := h.svc.RegisterAttendance(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.publishAudit(c.Request.Context(), rec.ID)

	c.JSON(http.StatusCreated, gin.H{
		"id":            rec.ID,
		"status":        rec.Status,
		"registered_at": rec.CreatedAt,
	})
}

// ListAttendance returns history newest first.
func (h *Handler) ListAttendance(c *gin.Context) {
	f := RecordFilter{
		PractitionerID: c.Query("practitioner_id"),
		BoxID:          c.Query("box_id"),
		From:           c.Query("from"),
		To:             c.Query("to"),
	}
	f.Limit = intQuery(c, "limit", 50)
	f.Offset = intQuery(c, "offset", 0)

	recs, err := h.svc.ListRecords(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// Feedback stores supervisor review on a record.
func (h *Handler) Feedback(c *gin.Context) {
	var req struct {
		Status   string `json:"status"`
		Feedback string `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	rec, err := h.svc.ReviewRecord(c.Request.Context(), c.Param("id"), req.Status, req.Feedback)
	if err != nil {
		var attErr *Error
		if errors.As(err, &attErr) && attErr.Kind == KindNotFoundOrInactive {
			c.JSON(http.StatusNotFound, gin.H{"error": "attendance record not found"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CheckLocation is the standalone geofence probe used before the form is
// submitted.
func (h *Handler) CheckLocation(c *gin.Context) {
	var req struct {
		BoxID     string   `json:"box_id"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.BoxID == "" || req.Latitude == nil || req.Longitude == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "box_id, latitude and longitude are required"})
		return
	}

	check, err := h.svc.CheckLocation(c.Request.Context(), req.BoxID, *req.Latitude, *req.Longitude)
	if err != nil {
		h.writeError(c, err)
		return
	}
	check.DistanceMeters = math.Round(check.DistanceMeters)
	c.JSON(http.StatusOK, check)
}

func (h *Handler) publishAudit(ctx context.Context, recordID string) {
	if h.q == nil {
		return
	}
	if err := h.q.Publish(ctx, queue.Message{Type: "attendance", Body: recordID}); err != nil {
		h.log.Warn().Err(err).Str("record_id", recordID).Msg("audit publish failed")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Store detail is
// logged here and never included in the response body.
func (h *Handler) writeError(c *gin.Context, err error) {
	var attErr *Error
	if !errors.As(err, &attErr) {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	switch attErr.Kind {
	case KindMissingField:
		c.JSON(http.StatusBadRequest, gin.H{"error": attErr.Error(), "field": attErr.Field})
	case KindBoxNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "box not found"})
	case KindDuplicateSchedule:
		c.JSON(http.StatusConflict, gin.H{
			"error":    "duplicate",
			"message":  attErr.Error(),
			"existing": attErr.Existing,
		})
	case KindNotFoundOrInactive:
		c.JSON(http.StatusNotFound, gin.H{"error": "QR code not found or inactive"})
	case KindLocationOutOfRange:
		c.JSON(http.StatusForbidden, gin.H{
			"error":           "location_out_of_range",
			"message":         attErr.Error(),
			"distance_meters": math.Round(attErr.DistanceMeters),
			"allowed_radius":  attErr.AllowedRadius,
		})
	case KindStoreUnavailable:
		h.log.Error().Err(attErr.Unwrap()).Str("path", c.FullPath()).Msg("store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable, retry later"})
	default:
		h.log.Error().Err(attErr).Str("path", c.FullPath()).Msg("unmapped error kind")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
