package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lockerlink/livelink/internal/connection"
	"github.com/lockerlink/livelink/internal/model"
)

// Router applies live channel messages to the device store.
type Router interface {
	// HandleMessage routes one message. It runs on the transport's read
	// goroutine, so updates are applied in delivery order.
	HandleMessage(msg connection.Message)

	// LastMessage returns the latest update received for a device.
	LastMessage(deviceID string) (connection.Message, bool)

	// Events returns the applied-update queue, or nil when not recording.
	Events() *Queue[DeviceEvent]

	// Stats returns current router statistics.
	Stats() RouterStats
}

// DevicePatcher applies a partial update to a stored device.
type DevicePatcher interface {
	PatchDevice(id string, patch model.DevicePatch, now time.Time) (model.Device, bool)
}

// router is the internal implementation.
type router struct {
	cfg     RouterConfig
	devices DevicePatcher
	logger  *slog.Logger
	events  *Queue[DeviceEvent]
	schema  *payloadValidator

	mu   sync.RWMutex
	last map[string]connection.Message

	received       atomic.Int64
	routed         atomic.Int64
	parseErrors    atomic.Int64
	ignored        atomic.Int64
	unknownDevices atomic.Int64

	now func() time.Time
}

// NewRouter creates a new message router.
func NewRouter(cfg RouterConfig, devices DevicePatcher, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &router{
		cfg:     cfg,
		devices: devices,
		logger:  logger.With("component", "router"),
		last:    make(map[string]connection.Message),
		schema:  mustPayloadValidator(),
		now:     time.Now,
	}
	if cfg.RecordEvents {
		r.events = NewQueue[DeviceEvent](cfg.EventBufferSize)
	}
	return r
}

func (r *router) HandleMessage(msg connection.Message) {
	r.received.Add(1)

	switch msg.Type {
	case connection.TypeDeviceUpdate, connection.TypeUserUpdate:
		r.applyUpdate(msg)

	case connection.TypeConnection:
		r.logger.Debug("connection acknowledged", "data", string(msg.Data))

	default:
		r.ignored.Add(1)
		r.logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (r *router) applyUpdate(msg connection.Message) {
	var payload updatePayload
	if len(msg.Data) > 0 {
		err := r.schema.Validate(msg.Data)
		if err == nil {
			err = json.Unmarshal(msg.Data, &payload)
		}
		if err != nil {
			r.parseErrors.Add(1)
			r.logger.Warn("invalid update payload",
				"type", msg.Type,
				"device_id", msg.DeviceID,
				"error", err,
			)
			return
		}
	}

	deviceID := msg.DeviceID
	if deviceID == "" {
		deviceID = payload.DeviceID
	}
	if deviceID == "" {
		r.parseErrors.Add(1)
		r.logger.Warn("update without device id", "type", msg.Type)
		return
	}

	r.mu.Lock()
	r.last[deviceID] = msg
	r.mu.Unlock()

	now := r.now()
	device, ok := r.devices.PatchDevice(deviceID, payload.DevicePatch, now)
	if !ok {
		r.unknownDevices.Add(1)
		r.logger.Debug("update for unknown device", "device_id", deviceID)
		return
	}
	r.routed.Add(1)

	if r.events == nil {
		return
	}
	r.events.Push(DeviceEvent{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Type:       msg.Type,
		Patch:      payload.DevicePatch,
		Device:     device,
		ServerTime: msg.Timestamp,
		ReceivedAt: msg.ReceivedAt,
		AppliedAt:  now,
	})
}

func (r *router) LastMessage(deviceID string) (connection.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.last[deviceID]
	return msg, ok
}

func (r *router) Events() *Queue[DeviceEvent] {
	return r.events
}

func (r *router) Stats() RouterStats {
	stats := RouterStats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		ParseErrors:      r.parseErrors.Load(),
		Ignored:          r.ignored.Load(),
		UnknownDevices:   r.unknownDevices.Load(),
	}
	if r.events != nil {
		stats.Events = r.events.Stats()
	}
	return stats
}
