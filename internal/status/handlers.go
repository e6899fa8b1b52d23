package status

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lockerlink/livelink/internal/connection"
	"github.com/lockerlink/livelink/internal/lifecycle"
	"github.com/lockerlink/livelink/internal/session"
)

// health handles GET /health. Live updates that are enabled but not
// connected report degraded.
func (s *Server) health(c *gin.Context) {
	st := s.deps.Connection.Status()
	enabled := s.deps.Session.Enabled()

	status := "healthy"
	code := http.StatusOK
	if enabled && !st.Connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:     status,
		Connection: st.State,
		Enabled:    enabled,
		Timestamp:  time.Now().UTC(),
	})
}

// status handles GET /status.
func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{
		Instance:   s.cfg.Instance,
		Version:    s.cfg.Version,
		AppState:   string(s.deps.Lifecycle.Current()),
		Enabled:    s.deps.Session.Enabled(),
		Connection: s.deps.Connection.Status(),
	}

	s.mu.RLock()
	if len(s.components) > 0 {
		resp.Components = make(map[string]any, len(s.components))
		for name, stats := range s.components {
			resp.Components[name] = stats()
		}
	}
	s.mu.RUnlock()

	c.JSON(http.StatusOK, resp)
}

// listDevices handles GET /devices.
func (s *Server) listDevices(c *gin.Context) {
	state := s.deps.Devices.State()
	c.JSON(http.StatusOK, DevicesResponse{
		Devices:  state.Devices,
		Count:    len(state.Devices),
		Selected: state.Selected,
	})
}

// getDevice handles GET /devices/:id.
func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")

	d, ok := s.deps.Devices.Device(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "device " + id + " not found"})
		return
	}

	watch := session.WatchDevice(id, s.deps.Devices, s.deps.Messages)
	view := watch.View()
	watch.Close()

	c.JSON(http.StatusOK, DeviceResponse{Device: d, View: view})
}

// selectDevice handles POST /devices/:id/select.
func (s *Server) selectDevice(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Devices.Select(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "device " + id + " not found"})
		return
	}
	d, _ := s.deps.Devices.Device(id)
	c.JSON(http.StatusOK, d)
}

// setSession handles POST /session. Enabling blocks until the first
// connection attempt completes.
func (s *Server) setSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	s.deps.Session.SetEnabled(c.Request.Context(), *req.Enabled)

	c.JSON(http.StatusOK, sessionResponse(s.deps.Session.Enabled(), s.deps.Connection.Status()))
}

// setLifecycle handles POST /lifecycle/:state.
func (s *Server) setLifecycle(c *gin.Context) {
	state, err := lifecycle.Parse(c.Param("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_state", Message: err.Error()})
		return
	}

	s.deps.Lifecycle.Set(state)
	c.JSON(http.StatusOK, gin.H{"app_state": state})
}

func sessionResponse(enabled bool, st connection.Status) gin.H {
	return gin.H{
		"enabled":    enabled,
		"connection": st,
	}
}
