package status

import (
	"time"

	"github.com/lockerlink/livelink/internal/connection"
	"github.com/lockerlink/livelink/internal/model"
	"github.com/lockerlink/livelink/internal/session"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string           `json:"status"`
	Connection connection.State `json:"connection"`
	Enabled    bool             `json:"enabled"`
	Timestamp  time.Time        `json:"timestamp"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Instance   string            `json:"instance,omitempty"`
	Version    string            `json:"version"`
	AppState   string            `json:"app_state"`
	Enabled    bool              `json:"enabled"`
	Connection connection.Status `json:"connection"`
	Components map[string]any    `json:"components,omitempty"`
}

// DevicesResponse is returned by GET /devices.
type DevicesResponse struct {
	Devices  []model.Device `json:"devices"`
	Count    int            `json:"count"`
	Selected *model.Device  `json:"selected"`
}

// DeviceResponse is returned by GET /devices/:id.
type DeviceResponse struct {
	Device model.Device       `json:"device"`
	View   session.DeviceView `json:"view"`
}

// SessionRequest is the body of POST /session.
type SessionRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
