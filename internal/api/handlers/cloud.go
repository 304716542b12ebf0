package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/orrn/polarbridge/internal/core"
)

// CloudSession is the part of the cloud session the API drives.
type CloudSession interface {
	Snapshot() core.Snapshot
	Register(ctx context.Context, email, pin, machineType, printerType string) core.RegistrationResult
	Unregister(ctx context.Context) core.RegistrationResult
}

// OutcomeLog keeps the latest registration outcome for the status endpoint.
type OutcomeLog struct {
	logger *slog.Logger

	mu   sync.RWMutex
	last *core.Outcome
}

func NewOutcomeLog(logger *slog.Logger) *OutcomeLog {
	return &OutcomeLog{logger: logger}
}

func (l *OutcomeLog) Notify(o core.Outcome) {
	if l.logger != nil {
		l.logger.Info("cloud registration outcome", "event", o.Event, "serial", o.Serial, "reason", o.Reason)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = &o
}

func (l *OutcomeLog) Last() *core.Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return nil
	}
	o := *l.last
	return &o
}

type CloudHandler struct {
	session  CloudSession
	outcomes *OutcomeLog
}

type CloudStatusResponse struct {
	core.Snapshot
	LastRegistration *core.Outcome `json:"last_registration,omitempty"`
}

type RegisterRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Pin         string `json:"pin" binding:"required"`
	MachineType string `json:"machine_type"`
	PrinterType string `json:"printer_type"`
}

func NewCloudHandler(session CloudSession, outcomes *OutcomeLog) *CloudHandler {
	return &CloudHandler{session: session, outcomes: outcomes}
}

func (h *CloudHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, CloudStatusResponse{
		Snapshot:         h.session.Snapshot(),
		LastRegistration: h.outcomes.Last(),
	})
}

// Register returns WAIT once the request reached the cloud. The verdict is
// reported later through Status.
func (h *CloudHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	result := h.session.Register(c.Request.Context(), req.Email, req.Pin, req.MachineType, req.PrinterType)
	c.JSON(resultStatus(result), result)
}

func (h *CloudHandler) Unregister(c *gin.Context) {
	result := h.session.Unregister(c.Request.Context())
	c.JSON(resultStatus(result), result)
}

func resultStatus(r core.RegistrationResult) int {
	if r.Status == core.ResultWait {
		return http.StatusAccepted
	}
	return http.StatusServiceUnavailable
}

func (h *CloudHandler) RegisterRoutes(r *gin.RouterGroup) {
	cloud := r.Group("/cloud")
	cloud.GET("", h.Status)
	cloud.POST("/register", h.Register)
	cloud.POST("/unregister", h.Unregister)
}
