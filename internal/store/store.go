// Package store holds the client's shared device state.
//
// Every mutation happens under one lock and publishes a fresh snapshot, so
// readers never observe the device list and the selected device out of step.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lockerlink/livelink/internal/model"
)

// State is a snapshot of the device state.
type State struct {
	Devices  []model.Device `json:"devices"`
	Selected *model.Device  `json:"selected,omitempty"`
}

// clone returns a copy that shares nothing with s.
func (s State) clone() State {
	out := State{Devices: make([]model.Device, len(s.Devices))}
	copy(out.Devices, s.Devices)
	if s.Selected != nil {
		sel := *s.Selected
		out.Selected = &sel
	}
	return out
}

// Store is the shared device state.
type Store struct {
	logger *slog.Logger

	mu     sync.RWMutex
	state  State
	subs   map[int]chan State
	nextID int
}

// New creates an empty Store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger.With("component", "store"),
		subs:   make(map[int]chan State),
	}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Device returns one device by id.
func (s *Store) Device(id string) (model.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.state.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return model.Device{}, false
}

// SetDevices replaces the device list. The selection follows its device into
// the new list and is cleared if the device is gone.
func (s *Store) SetDevices(devices []model.Device) {
	s.Update(func(st *State) {
		st.Devices = append([]model.Device(nil), devices...)
		if st.Selected == nil {
			return
		}
		selectedID := st.Selected.ID
		st.Selected = nil
		for i := range st.Devices {
			if st.Devices[i].ID == selectedID {
				sel := st.Devices[i]
				st.Selected = &sel
				break
			}
		}
	})
}

// Select marks a device as selected. It reports false if the device is unknown.
func (s *Store) Select(id string) bool {
	found := false
	s.Update(func(st *State) {
		for i := range st.Devices {
			if st.Devices[i].ID == id {
				sel := st.Devices[i]
				st.Selected = &sel
				found = true
				return
			}
		}
	})
	return found
}

// Update applies fn to a copy of the state and commits it atomically.
func (s *Store) Update(fn func(*State)) {
	s.mu.Lock()
	next := s.state.clone()
	fn(&next)
	s.state = next
	snapshot := next.clone()
	s.notifyLocked(snapshot)
	s.mu.Unlock()
}

// PatchDevice applies patch to the device with id and, if it is selected,
// to the selection in the same update. Unknown devices are left alone.
func (s *Store) PatchDevice(id string, patch model.DevicePatch, now time.Time) (model.Device, bool) {
	var (
		updated model.Device
		found   bool
	)

	s.Update(func(st *State) {
		for i := range st.Devices {
			if st.Devices[i].ID != id {
				continue
			}
			updated = patch.Apply(st.Devices[i], now)
			st.Devices[i] = updated
			found = true
			break
		}
		if found && st.Selected != nil && st.Selected.ID == id {
			sel := updated
			st.Selected = &sel
		}
	})

	if !found {
		s.logger.Debug("patch for unknown device ignored", "device_id", id)
	}
	return updated, found
}

// Subscribe returns a channel of state snapshots and a cancel function.
// Slow subscribers only see the latest snapshot.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan State, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// notifyLocked publishes a snapshot, replacing any undelivered one.
// Caller holds mu.
func (s *Store) notifyLocked(snapshot State) {
	for _, ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
