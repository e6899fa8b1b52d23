package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNoToken          = errors.New("no access token")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrConnectAborted   = errors.New("connect aborted by a newer request")
	ErrClosedOnOpen     = errors.New("channel closed before connect completed")
	ErrMessageParse     = errors.New("malformed message")
	ErrReconnectsFailed = errors.New("reconnect attempts exhausted")
)

// AuthRejectedError reports a handshake refused with 401 or 403.
type AuthRejectedError struct {
	StatusCode int
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("handshake rejected: status %d", e.StatusCode)
}

// TransientError wraps a failure worth retrying: DNS, timeouts, refused
// connections, unexpected closes.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient connection error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Message types delivered on the device channel.
const (
	TypeConnection   = "connection"
	TypeDeviceUpdate = "device_update"
	TypeUserUpdate   = "user_update"

	// WildcardType registers a handler for every message.
	WildcardType = "*"
)

// Message is one JSON frame from the server.
type Message struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`

	ReceivedAt time.Time `json:"-"` // local receive time
}

// ParseMessage decodes a frame. A frame without a type is malformed.
func ParseMessage(data []byte, receivedAt time.Time) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMessageParse, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMessageParse)
	}
	msg.ReceivedAt = receivedAt
	return msg, nil
}

// Handler receives messages on the transport's read goroutine.
type Handler func(Message)

// ReadyState mirrors the socket's lifecycle.
type ReadyState int

const (
	ReadyClosed ReadyState = iota
	ReadyConnecting
	ReadyOpen
	ReadyClosing
)

func (s ReadyState) String() string {
	switch s {
	case ReadyConnecting:
		return "connecting"
	case ReadyOpen:
		return "open"
	case ReadyClosing:
		return "closing"
	default:
		return "closed"
	}
}

// State is the orchestrator's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "idle"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ClientStats counts transport activity.
type ClientStats struct {
	MessagesReceived int64 `json:"messages_received"`
	ParseErrors      int64 `json:"parse_errors"`
	Opens            int64 `json:"opens"`
	UnexpectedCloses int64 `json:"unexpected_closes"`
}

// Status is a read-only snapshot of the orchestrator.
type Status struct {
	State               State       `json:"state"`
	Connected           bool        `json:"connected"`
	ShouldStayConnected bool        `json:"should_stay_connected"`
	ReconnectAttempts   int         `json:"reconnect_attempts"`
	NextRetryAt         time.Time   `json:"next_retry_at,omitzero"`
	LastError           string      `json:"last_error,omitempty"`
	Transport           ClientStats `json:"transport"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // base URL, e.g. wss://api.lockerlink.io
	HandshakeTimeout time.Duration // dial + upgrade bound
	PingInterval     time.Duration // keepalive ping period
	PingTimeout      time.Duration // max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // write deadline for sends

	// Standalone enables the client's own bounded retry after an
	// unexpected close. Leave false when a Manager drives the client.
	Standalone    bool
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxRetries:       5,
		RetryInterval:    3 * time.Second,
	}
}

// ManagerConfig configures the connection orchestrator.
type ManagerConfig struct {
	DevicesPath          string        // channel path, e.g. /ws/user/devices
	ReconnectBaseDelay   time.Duration // first backoff step
	ReconnectMaxDelay    time.Duration // backoff cap before jitter
	JitterFactor         float64       // jitter = delay * factor * (rand - 0.5)
	MaxReconnectAttempts int           // give up once this many failures accrue
	AuthRetryDelay       time.Duration // delay of the single retry after an auth rejection
	ResumeThrottle       time.Duration // min spacing and delay of foreground reconnects
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DevicesPath:          "/ws/user/devices",
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		JitterFactor:         0.2,
		MaxReconnectAttempts: 10,
		AuthRetryDelay:       1 * time.Second,
		ResumeThrottle:       2 * time.Second,
	}
}
