// Package lifecycle publishes the application's foreground/background state.
package lifecycle

import (
	"fmt"
	"strings"
	"sync"
)

// AppState is the foreground state of the application.
type AppState string

const (
	Active     AppState = "active"
	Background AppState = "background"
	Inactive   AppState = "inactive"
)

// Parse converts a state name into an AppState.
func Parse(s string) (AppState, error) {
	switch AppState(strings.ToLower(strings.TrimSpace(s))) {
	case Active:
		return Active, nil
	case Background:
		return Background, nil
	case Inactive:
		return Inactive, nil
	default:
		return "", fmt.Errorf("unknown app state %q", s)
	}
}

// Signal broadcasts app state transitions to subscribers.
// The zero value is not usable; use NewSignal.
type Signal struct {
	mu      sync.RWMutex
	current AppState
	subs    map[int]chan AppState
	nextID  int
}

// NewSignal creates a Signal in the Active state.
func NewSignal() *Signal {
	return &Signal{
		current: Active,
		subs:    make(map[int]chan AppState),
	}
}

// Current returns the latest state.
func (s *Signal) Current() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set records a new state and notifies subscribers. Repeating the current
// state is a no-op.
func (s *Signal) Set(state AppState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == s.current {
		return
	}
	s.current = state

	for _, ch := range s.subs {
		// Drop the oldest pending state; subscribers only care about the latest.
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Subscribe returns a channel of state transitions and a function that
// cancels the subscription and closes the channel.
func (s *Signal) Subscribe() (<-chan AppState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan AppState, 4)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}
