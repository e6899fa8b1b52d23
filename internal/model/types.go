package model

import "time"

// Lock status values reported by devices.
const (
	LockStatusLocked   = "locked"
	LockStatusUnlocked = "unlocked"
	LockStatusJammed   = "jammed"
	LockStatusUnknown  = "unknown"
)

// Device is a lockbox owned by the current user.
type Device struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SerialNumber  string    `json:"serialNumber"`
	Model         string    `json:"model,omitempty"`
	Location      string    `json:"location,omitempty"`
	BatteryLevel  int       `json:"batteryLevel"` // Percent, 0-100
	LockStatus    string    `json:"lockStatus"`
	IsOnline      bool      `json:"isOnline"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DevicePatch carries the live fields of a device update.
// Nil fields are left untouched when the patch is applied.
type DevicePatch struct {
	BatteryLevel  *int       `json:"battery_level,omitempty"`
	LockStatus    *string    `json:"lock_status,omitempty"`
	IsOnline      *bool      `json:"is_online,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Empty reports whether the patch changes no live field.
func (p DevicePatch) Empty() bool {
	return p.BatteryLevel == nil && p.LockStatus == nil && p.IsOnline == nil && p.LastHeartbeat == nil
}

// Apply returns a copy of d with the patch applied and UpdatedAt set to now.
func (p DevicePatch) Apply(d Device, now time.Time) Device {
	if p.BatteryLevel != nil {
		d.BatteryLevel = *p.BatteryLevel
	}
	if p.LockStatus != nil {
		d.LockStatus = *p.LockStatus
	}
	if p.IsOnline != nil {
		d.IsOnline = *p.IsOnline
	}
	if p.LastHeartbeat != nil {
		d.LastHeartbeat = p.LastHeartbeat.UTC()
	}
	d.UpdatedAt = now.UTC()
	return d
}
