// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fablewood/resilience/services/recovery/diagnostics"
	"github.com/fablewood/resilience/services/recovery/events"
)

// eventFeedBuffer is the per-client event backlog; a client that falls
// further behind loses the oldest events rather than stalling the bus.
const eventFeedBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The debug surface binds to loopback; browsers on the same
		// device are the intended clients.
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// ErrorResponse is the error payload for all debug endpoints.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// HealthResponse is the payload for GET /v1/recovery/health.
type HealthResponse struct {
	// Overall is the rolled-up state: healthy, degraded, critical, or
	// emergency.
	Overall string `json:"overall"`

	// Components maps component keys to their states.
	Components map[string]string `json:"components"`

	// LastCheck is when the health map was last evaluated.
	LastCheck time.Time `json:"last_check"`

	// Uptime is how long the monitor has been running.
	Uptime string `json:"uptime"`

	// Mode is the system's current operating tier.
	Mode string `json:"mode"`
}

// ErrorIntakeRequest is the body for POST /v1/recovery/errors.
type ErrorIntakeRequest struct {
	// Source names the reporting surface (window.onerror,
	// unhandledrejection, service-worker, ...).
	Source string `json:"source" binding:"required"`

	// Message is the raw error text.
	Message string `json:"message" binding:"required"`
}

// ErrorIntakeResponse is the classification returned for a reported error.
type ErrorIntakeResponse struct {
	// Type is the taxonomy category assigned to the error.
	Type string `json:"type"`

	// Severity is the category's fixed severity.
	Severity string `json:"severity"`

	// Recoverable reports whether a recovery strategy exists.
	Recoverable bool `json:"recoverable"`
}

// RecoverRequest is the body for POST /v1/recovery/recover.
type RecoverRequest struct {
	// Component is the component key to recover.
	Component string `json:"component" binding:"required"`

	// Reason explains the manual request (optional).
	Reason string `json:"reason"`
}

// RecoverResponse reports the post-recovery picture.
type RecoverResponse struct {
	// Component is the component that was recovered.
	Component string `json:"component"`

	// Overall is the rolled-up health after re-assessment.
	Overall string `json:"overall"`
}

// Handlers contains the HTTP handlers for the recovery debug surface.
type Handlers struct {
	sys *System
}

// NewHandlers creates handlers for the given system.
func NewHandlers(sys *System) *Handlers {
	return &Handlers{sys: sys}
}

// HandleHealth handles GET /v1/recovery/health.
//
// Description:
//
//	Returns the current health snapshot without re-running checks, plus
//	the operating mode the system last derived.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	getOrCreateRequestID(c)

	status := h.sys.HealthStatus()
	components := make(map[string]string, len(status.Components))
	for component, state := range status.Components {
		components[component] = string(state)
	}

	c.JSON(http.StatusOK, HealthResponse{
		Overall:    string(status.Overall),
		Components: components,
		LastCheck:  status.LastCheck,
		Uptime:     status.Uptime.Round(time.Second).String(),
		Mode:       h.sys.CurrentMode(),
	})
}

// HandleDiagnostics handles GET /v1/recovery/diagnostics.
//
// Description:
//
//	Generates a diagnostic report on demand. The optional format query
//	selects JSON (default) or the flattened human-readable text form.
//
// Response:
//
//	200 OK: Report (application/json) or text/plain
//	500 Internal Server Error: Serialization error
func (h *Handlers) HandleDiagnostics(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.sys.logger.Slog().With("request_id", requestID, "handler", "HandleDiagnostics")

	report := h.sys.Diagnostics().GenerateReport(c.Request.Context())

	if c.Query("format") == "text" {
		c.String(http.StatusOK, diagnostics.FormatText(report))
		return
	}

	data, err := diagnostics.FormatJSON(report)
	if err != nil {
		logger.Error("Report serialization failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to serialize report",
			Code:  "REPORT_SERIALIZATION",
		})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// HandleLogs handles GET /v1/recovery/logs.
//
// Description:
//
//	Exports the in-memory log history as JSON for support bundles.
//
// Response:
//
//	200 OK: JSON array of log entries
//	404 Not Found: No log history wired
//	500 Internal Server Error: Serialization error
func (h *Handlers) HandleLogs(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.sys.logger.Slog().With("request_id", requestID, "handler", "HandleLogs")

	data, err := h.sys.ExportLogs()
	if err != nil {
		if h.sys.history == nil {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "No log history available",
				Code:  "NO_LOG_HISTORY",
			})
			return
		}
		logger.Error("Log export failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to export logs",
			Code:  "LOG_EXPORT",
		})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// HandleErrorIntake handles POST /v1/recovery/errors.
//
// Description:
//
//	Accepts errors from the web app's global handlers (window.onerror,
//	unhandledrejection), classifies them into the failure taxonomy, and
//	escalates known-critical patterns.
//
// Request Body:
//
//	ErrorIntakeRequest
//
// Response:
//
//	200 OK: ErrorIntakeResponse
//	400 Bad Request: Validation error
func (h *Handlers) HandleErrorIntake(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.sys.logger.Slog().With("request_id", requestID, "handler", "HandleErrorIntake")

	var req ErrorIntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	authErr := h.sys.ReportError(c.Request.Context(), req.Source, errors.New(req.Message))

	c.JSON(http.StatusOK, ErrorIntakeResponse{
		Type:        string(authErr.Type),
		Severity:    string(authErr.Severity),
		Recoverable: authErr.Recoverable,
	})
}

// HandleRecover handles POST /v1/recovery/recover.
//
// Description:
//
//	Runs a manual recovery for one component and reports the re-assessed
//	overall health.
//
// Request Body:
//
//	RecoverRequest
//
// Response:
//
//	200 OK: RecoverResponse
//	400 Bad Request: Validation error or unknown component
//	409 Conflict: Another recovery is already running
//	500 Internal Server Error: Recovery attempt failed
func (h *Handlers) HandleRecover(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.sys.logger.Slog().With("request_id", requestID, "handler", "HandleRecover")

	var req RecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual request"
	}

	err := h.sys.CoordinateComponentRecovery(c.Request.Context(), req.Component, reason)
	switch {
	case errors.Is(err, ErrRecoveryInFlight):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "RECOVERY_IN_PROGRESS",
		})
		return
	case errors.Is(err, ErrUnknownComponent):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "UNKNOWN_COMPONENT",
		})
		return
	case err != nil:
		logger.Error("Manual recovery failed", "component", req.Component, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "RECOVERY_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, RecoverResponse{
		Component: req.Component,
		Overall:   string(h.sys.HealthStatus().Overall),
	})
}

// HandleEvents handles GET /v1/recovery/events.
//
// Description:
//
//	Upgrades to a websocket and streams bus events as JSON. With
//	?replay=true the retained replay buffer is sent before live events.
//	Slow consumers lose events instead of stalling the bus.
func (h *Handlers) HandleEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.sys.logger.Slog().With("request_id", requestID, "handler", "HandleEvents")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("Event feed client connected")

	if c.Query("replay") == "true" {
		for _, event := range h.sys.Bus().Replay() {
			if err := sendJSON(ws, event); err != nil {
				return
			}
		}
	}

	feed := make(chan events.Event, eventFeedBuffer)
	subID := h.sys.Bus().Subscribe(func(event *events.Event) {
		select {
		case feed <- *event:
		default:
		}
	})
	defer h.sys.Bus().Unsubscribe(subID)

	// The read loop exists only to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			logger.Info("Event feed client disconnected")
			return
		case event := <-feed:
			if err := sendJSON(ws, event); err != nil {
				return
			}
		}
	}
}

func sendJSON(ws *websocket.Conn, v any) error {
	return ws.WriteJSON(v)
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
