package model

import (
	"testing"
	"time"
)

func TestDevicePatch_Apply(t *testing.T) {
	heartbeat := time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)
	base := Device{
		ID:            "dev-1",
		Name:          "Front porch",
		BatteryLevel:  80,
		LockStatus:    LockStatusLocked,
		IsOnline:      true,
		LastHeartbeat: heartbeat,
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("battery only", func(t *testing.T) {
		level := 42
		got := DevicePatch{BatteryLevel: &level}.Apply(base, now)

		if got.BatteryLevel != 42 {
			t.Errorf("BatteryLevel = %d, want 42", got.BatteryLevel)
		}
		if got.LockStatus != LockStatusLocked {
			t.Errorf("LockStatus = %q, want %q", got.LockStatus, LockStatusLocked)
		}
		if !got.IsOnline {
			t.Error("IsOnline should be untouched")
		}
		if !got.LastHeartbeat.Equal(heartbeat) {
			t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, heartbeat)
		}
		if got.Name != "Front porch" {
			t.Errorf("Name = %q, want %q", got.Name, "Front porch")
		}
		if !got.UpdatedAt.Equal(now) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
		}
	})

	t.Run("does not mutate input", func(t *testing.T) {
		status := LockStatusUnlocked
		online := false
		_ = DevicePatch{LockStatus: &status, IsOnline: &online}.Apply(base, now)

		if base.LockStatus != LockStatusLocked || !base.IsOnline {
			t.Errorf("input device was mutated: %+v", base)
		}
	})

	t.Run("heartbeat normalized to UTC", func(t *testing.T) {
		local := time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))
		got := DevicePatch{LastHeartbeat: &local}.Apply(base, now)

		if got.LastHeartbeat.Location() != time.UTC {
			t.Errorf("LastHeartbeat location = %v, want UTC", got.LastHeartbeat.Location())
		}
		if !got.LastHeartbeat.Equal(local) {
			t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, local)
		}
	})
}

func TestDevicePatch_Empty(t *testing.T) {
	if !(DevicePatch{}).Empty() {
		t.Error("zero patch should be empty")
	}
	level := 10
	if (DevicePatch{BatteryLevel: &level}).Empty() {
		t.Error("patch with battery level should not be empty")
	}
}
