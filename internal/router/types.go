package router

import (
	"time"

	"github.com/google/uuid"

	"github.com/lockerlink/livelink/internal/model"
)

// RouterConfig holds configuration for the message router.
type RouterConfig struct {
	// RecordEvents queues a DeviceEvent for every applied update.
	RecordEvents    bool
	EventBufferSize int // initial event queue capacity
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RecordEvents:    false,
		EventBufferSize: 1000,
	}
}

// DeviceEvent records one live update applied to a device.
type DeviceEvent struct {
	ID         uuid.UUID
	DeviceID   string
	Type       string // device_update or user_update
	Patch      model.DevicePatch
	Device     model.Device // device after the patch
	ServerTime string       // timestamp as sent by the server, may be empty
	ReceivedAt time.Time
	AppliedAt  time.Time
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64      `json:"messages_received"`
	MessagesRouted   int64      `json:"messages_routed"`
	ParseErrors      int64      `json:"parse_errors"`
	Ignored          int64      `json:"ignored"`
	UnknownDevices   int64      `json:"unknown_devices"`
	Events           QueueStats `json:"events"`
}

// updatePayload is the data of device_update and user_update messages.
type updatePayload struct {
	DeviceID string `json:"device_id"`
	model.DevicePatch
}
