package session

import (
	"sync"
	"time"

	"github.com/lockerlink/livelink/internal/connection"
	"github.com/lockerlink/livelink/internal/model"
	"github.com/lockerlink/livelink/internal/store"
)

// DeviceStatus is the connectivity of a device as seen by the UI.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusUnknown DeviceStatus = "unknown"
)

// DeviceSource reads devices from the shared store.
type DeviceSource interface {
	Device(id string) (model.Device, bool)
	Subscribe() (<-chan store.State, func())
}

// MessageSource returns the latest live message for a device.
type MessageSource interface {
	LastMessage(deviceID string) (connection.Message, bool)
}

// DeviceView is the UI-facing state of one device.
type DeviceView struct {
	DeviceID      string       `json:"device_id"`
	Status        DeviceStatus `json:"status"`
	BatteryLevel  int          `json:"battery_level"`
	LockStatus    string       `json:"lock_status"`
	UpdatedAt     time.Time    `json:"updated_at,omitzero"`
	LastMessageAt time.Time    `json:"last_message_at,omitzero"`
}

// DeviceWatch follows one device in the shared store.
type DeviceWatch struct {
	id       string
	devices  DeviceSource
	messages MessageSource

	changes     chan DeviceView
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// WatchDevice starts following a device. Call Close when done.
func WatchDevice(id string, devices DeviceSource, messages MessageSource) *DeviceWatch {
	w := &DeviceWatch{
		id:       id,
		devices:  devices,
		messages: messages,
		changes:  make(chan DeviceView, 1),
	}

	snapshots, unsubscribe := devices.Subscribe()
	w.unsubscribe = unsubscribe

	w.wg.Add(1)
	go w.run(snapshots, w.View())

	return w
}

// View returns the current state of the device.
func (w *DeviceWatch) View() DeviceView {
	view := DeviceView{DeviceID: w.id, Status: StatusUnknown, LockStatus: model.LockStatusUnknown}

	if d, ok := w.devices.Device(w.id); ok {
		view.Status = StatusOffline
		if d.IsOnline {
			view.Status = StatusOnline
		}
		view.BatteryLevel = d.BatteryLevel
		view.LockStatus = d.LockStatus
		view.UpdatedAt = d.UpdatedAt
	}
	if msg, ok := w.messages.LastMessage(w.id); ok {
		view.LastMessageAt = msg.ReceivedAt
	}
	return view
}

// DeviceStatus returns online, offline or unknown.
func (w *DeviceWatch) DeviceStatus() DeviceStatus {
	return w.View().Status
}

// BatteryLevel returns the battery percentage; false if the device is unknown.
func (w *DeviceWatch) BatteryLevel() (int, bool) {
	d, ok := w.devices.Device(w.id)
	return d.BatteryLevel, ok
}

// LockStatus returns the lock state, "unknown" if the device is unknown.
func (w *DeviceWatch) LockStatus() string {
	return w.View().LockStatus
}

// LastMessage returns the latest live update received for the device.
func (w *DeviceWatch) LastMessage() (connection.Message, bool) {
	return w.messages.LastMessage(w.id)
}

// Changes delivers the view whenever it changes. A slow reader only sees
// the latest view. The channel is closed by Close.
func (w *DeviceWatch) Changes() <-chan DeviceView {
	return w.changes
}

// Close stops following the device.
func (w *DeviceWatch) Close() {
	w.closeOnce.Do(func() {
		w.unsubscribe()
		w.wg.Wait()
	})
}

func (w *DeviceWatch) run(snapshots <-chan store.State, last DeviceView) {
	defer w.wg.Done()
	defer close(w.changes)

	for range snapshots {
		view := w.View()
		if view == last {
			continue
		}
		last = view

		select {
		case w.changes <- view:
		default:
			select {
			case <-w.changes:
			default:
			}
			w.changes <- view
		}
	}
}
