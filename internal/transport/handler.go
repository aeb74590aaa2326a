package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"plantmeds/internal/config"
	"plantmeds/internal/diagnosis"
	apperrors "plantmeds/internal/errors"
	"plantmeds/internal/intake"
	"plantmeds/internal/logger"
	"plantmeds/internal/observer"
	"plantmeds/internal/session"
	"plantmeds/internal/web"
	"plantmeds/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SessionCookie carries the id of the browser's diagnosis view
const SessionCookie = "plantmeds_session"

// multipart framing allowance on top of the image itself
const formOverheadBytes = 1 << 20

type pageData struct {
	View    models.ViewSnapshot
	Refresh bool
}

type handler struct {
	sessions *session.Store
	previews *intake.PreviewStore
	metrics  *observer.MetricsObserver
	cfg      *config.Config
}

// NewHandler builds the navigation shell: "/" renders the landing page and
// "/model" the diagnosis page, plus the form and JSON routes behind them.
func NewHandler(sessions *session.Store, previews *intake.PreviewStore, metrics *observer.MetricsObserver, cfg *config.Config) (http.Handler, error) {
	tmpl, err := web.Templates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	h := &handler{sessions: sessions, previews: previews, metrics: metrics, cfg: cfg}

	r := gin.New()
	r.SetHTMLTemplate(tmpl)

	// Add middleware
	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(cfg.MaxUploadSize+formOverheadBytes),
		errorHandler(),
	)

	// Configure routes
	r.GET("/", h.landing)
	r.GET("/model", h.model)
	r.GET("/model/state", h.state)
	r.POST("/model/image", h.selectImage)
	r.POST("/model/submit", h.submit)
	r.GET("/preview/:id", h.preview)
	r.GET("/health", healthCheck)
	r.GET("/stats", h.stats)

	return r, nil
}

func (h *handler) landing(c *gin.Context) {
	c.HTML(http.StatusOK, "landing.html", pageData{})
}

func (h *handler) model(c *gin.Context) {
	view := h.view(c)
	snap := view.Snapshot()
	c.Header("Cache-Control", "no-store")
	c.HTML(http.StatusOK, "model.html", pageData{View: snap, Refresh: snap.Loading})
}

func (h *handler) state(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.view(c).Snapshot())
}

func (h *handler) selectImage(c *gin.Context) {
	view := h.view(c)

	file, err := readUpload(c, h.cfg.MaxUploadSize)
	switch {
	case apperrors.IsType(err, apperrors.ErrorTypeInvalidFileType):
		err = view.Reject(c.Request.Context(), file, err)
	case err != nil:
		_ = c.Error(err)
		return
	default:
		err = view.Select(c.Request.Context(), file)
	}

	if err != nil {
		if !errors.Is(err, intake.ErrInvalidFileType) {
			_ = c.Error(apperrors.NewInternalError("select failed", err))
			return
		}
		// The rejection is recorded on the view and shown as an alert
		if wantsJSON(c) {
			c.JSON(apperrors.GetStatusCode(err), view.Snapshot())
			return
		}
	}

	h.respondView(c, view, http.StatusOK)
}

func (h *handler) submit(c *gin.Context) {
	view := h.view(c)

	done, err := view.Submit(c.Request.Context())
	switch {
	case errors.Is(err, diagnosis.ErrNoImage):
		if wantsJSON(c) {
			_ = c.Error(apperrors.NewValidationError("no image selected", err))
			return
		}
		h.respondView(c, view, http.StatusOK)
		return
	case errors.Is(err, diagnosis.ErrSubmissionPending):
		if wantsJSON(c) {
			_ = c.Error(apperrors.NewConflictError("a diagnosis is already in progress", err))
			return
		}
		h.respondView(c, view, http.StatusOK)
		return
	case err != nil:
		_ = c.Error(apperrors.NewInternalError("submit failed", err))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.SubmitWait)
	defer cancel()

	select {
	case <-done:
		h.respondView(c, view, http.StatusOK)
	case <-ctx.Done():
		// Still pending; the page refreshes until the result lands
		h.respondView(c, view, http.StatusAccepted)
	}
}

func (h *handler) preview(c *gin.Context) {
	p, ok := h.previews.Get(c.Param("id"))
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("preview not found", nil))
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Content-Security-Policy", "default-src 'none'; sandbox")
	c.Data(http.StatusOK, p.MediaType, p.Data)
}

func (h *handler) stats(c *gin.Context) {
	created, revoked := h.previews.Counts()
	c.JSON(http.StatusOK, gin.H{
		"sessions":         h.sessions.Len(),
		"live_previews":    h.previews.Live(),
		"previews_created": created,
		"previews_revoked": revoked,
		"diagnosis":        h.metrics.GetMetrics(),
	})
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// view returns the caller's diagnosis view, starting a session if needed
func (h *handler) view(c *gin.Context) *diagnosis.View {
	id, _ := c.Cookie(SessionCookie)
	view, sessionID, created := h.sessions.Acquire(id)
	if created {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(SessionCookie, sessionID, int(h.cfg.SessionTTL.Seconds()), "/", "", false, true)
	}
	return view
}

// respondView sends the snapshot to JSON clients and redirects browsers back to the page
func (h *handler) respondView(c *gin.Context, view *diagnosis.View, status int) {
	if wantsJSON(c) {
		c.JSON(status, view.Snapshot())
		return
	}
	c.Redirect(http.StatusSeeOther, "/model")
}

// readUpload returns an invalid_file_type error when the form carries no
// usable file, so the view can show the same alert as for a wrong type.
func readUpload(c *gin.Context, maxBytes int64) (intake.File, error) {
	header, err := c.FormFile("image")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			tooLarge := apperrors.NewInvalidFileTypeError("file too large", err)
			tooLarge.StatusCode = http.StatusRequestEntityTooLarge
			return intake.File{}, tooLarge
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			return intake.File{}, apperrors.NewInvalidFileTypeError("no file selected", err)
		default:
			return intake.File{}, apperrors.NewValidationError("malformed image upload", err)
		}
	}

	f, err := header.Open()
	if err != nil {
		return intake.File{}, apperrors.NewValidationError("unreadable image upload", err)
	}
	defer f.Close()

	// One byte past the limit is enough for the validator to reject it
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return intake.File{}, apperrors.NewValidationError("unreadable image upload", err)
	}

	return intake.File{
		Name:      header.Filename,
		MediaType: header.Header.Get("Content-Type"),
		Data:      data,
	}, nil
}

func wantsJSON(c *gin.Context) bool {
	return c.NegotiateFormat(gin.MIMEHTML, gin.MIMEJSON) == gin.MIMEJSON
}

// Middleware and helper functions
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
		}).Debug("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err
			respondError(c, determineStatusCode(err), err)
		}
	}
}

func determineStatusCode(err error) int {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, err error) {
	// Log the error with context
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	c.AbortWithStatusJSON(code, models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
	})
}
