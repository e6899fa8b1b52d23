package session

import (
	"context"
	"log/slog"
	"sync"
)

// Connector is the part of the connection manager the UI drives.
type Connector interface {
	Connect(ctx context.Context)
	Disconnect()
	IsConnected() bool
}

// Live binds the connection to the user's signed-in state.
type Live struct {
	conn   Connector
	logger *slog.Logger

	mu      sync.Mutex
	enabled bool
}

// NewLive creates a disabled Live session.
func NewLive(conn Connector, logger *slog.Logger) *Live {
	if logger == nil {
		logger = slog.Default()
	}
	return &Live{
		conn:   conn,
		logger: logger.With("component", "session"),
	}
}

// SetEnabled connects when enabled turns true and disconnects when it turns
// false. Repeating the current value does nothing.
func (l *Live) SetEnabled(ctx context.Context, enabled bool) {
	l.mu.Lock()
	if l.enabled == enabled {
		l.mu.Unlock()
		return
	}
	l.enabled = enabled
	l.mu.Unlock()

	if enabled {
		l.logger.Info("live updates enabled")
		l.conn.Connect(ctx)
		return
	}
	l.logger.Info("live updates disabled")
	l.conn.Disconnect()
}

// Enabled reports the last value passed to SetEnabled.
func (l *Live) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// IsConnected reports whether the live channel is open.
func (l *Live) IsConnected() bool {
	return l.conn.IsConnected()
}
