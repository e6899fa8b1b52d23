package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lockerlink/livelink/internal/api"
	"github.com/lockerlink/livelink/internal/auth"
	"github.com/lockerlink/livelink/internal/lifecycle"
)

// Manager keeps the device channel open while the user wants it.
type Manager interface {
	// Start subscribes to app lifecycle transitions.
	Start(ctx context.Context) error

	// Stop disconnects and releases the lifecycle subscription.
	Stop(ctx context.Context) error

	// Connect opens the channel unless it is already open or opening.
	// Failures are handled internally by retrying or giving up.
	Connect(ctx context.Context)

	// Disconnect closes the channel and cancels any pending retry.
	Disconnect()

	// IsConnected reports whether the channel is open.
	IsConnected() bool

	// Status returns a snapshot of the connection state.
	Status() Status
}

// TokenSource resolves access tokens for the channel.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

// MessageHandler consumes every message received on the channel.
type MessageHandler interface {
	HandleMessage(msg Message)
}

// LifecycleSource reports foreground/background transitions.
type LifecycleSource interface {
	Subscribe() (<-chan lifecycle.AppState, func())
	Current() lifecycle.AppState
}

type failureKind int

const (
	failTransient failureKind = iota
	failAuth
	failFatal
)

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	client    Client
	tokens    TokenSource
	handler   MessageHandler
	lifecycle LifecycleSource
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	shouldStay   bool
	attempts     int
	authRetried  bool
	currentToken string
	nextRetryAt  time.Time
	lastErr      error
	lastResume   time.Time
	retryTimer   *time.Timer
	resumeTimer  *time.Timer
	gen          uint64 // bumped when an attempt starts and on Disconnect
	unsubscribe  func()

	rand func() float64
	now  func() time.Time
}

// NewManager creates a connection orchestrator. handler and lc may be nil.
func NewManager(cfg ManagerConfig, client Client, tokens TokenSource, handler MessageHandler, lc LifecycleSource, logger *slog.Logger) Manager {
	return newManager(cfg, client, tokens, handler, lc, logger)
}

func newManager(cfg ManagerConfig, client Client, tokens TokenSource, handler MessageHandler, lc LifecycleSource, logger *slog.Logger) *manager {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &manager{
		cfg:       cfg,
		client:    client,
		tokens:    tokens,
		handler:   handler,
		lifecycle: lc,
		logger:    logger.With("component", "connection"),
		ctx:       ctx,
		cancel:    cancel,
		rand:      rand.Float64,
		now:       time.Now,
	}

	client.OnClose(m.handleClose)

	return m
}

// Start subscribes to lifecycle transitions. Calling it again is a no-op.
func (m *manager) Start(ctx context.Context) error {
	if m.lifecycle == nil {
		return nil
	}

	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return nil
	}
	states, unsubscribe := m.lifecycle.Subscribe()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watchLifecycle(states)

	m.logger.Info("connection manager started")
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	m.Disconnect()
	m.cancel()

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Connect starts a connection attempt unless one is open or in progress.
func (m *manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.shouldStay = true
	gen := m.beginLocked()
	m.mu.Unlock()

	m.attempt(ctx, gen)
}

// Disconnect closes the channel and stops all retries.
func (m *manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle && !m.shouldStay && m.retryTimer == nil && m.resumeTimer == nil {
		m.mu.Unlock()
		return
	}
	m.shouldStay = false
	m.gen++
	m.stopTimersLocked()
	m.state = StateDisconnecting
	m.mu.Unlock()

	m.client.Off(WildcardType)
	if err := m.client.Disconnect(); err != nil {
		m.logger.Debug("transport close error", "error", err)
	}

	m.mu.Lock()
	m.currentToken = ""
	m.attempts = 0
	m.authRetried = false
	m.nextRetryAt = time.Time{}
	if m.state == StateDisconnecting {
		m.state = StateIdle
	}
	m.mu.Unlock()

	m.logger.Info("disconnected")
}

func (m *manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *manager) Status() Status {
	m.mu.Lock()
	s := Status{
		State:               m.state,
		Connected:           m.state == StateConnected,
		ShouldStayConnected: m.shouldStay,
		ReconnectAttempts:   m.attempts,
	}
	if m.state == StateReconnecting {
		s.NextRetryAt = m.nextRetryAt
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	s.Transport = m.client.Stats()
	return s
}

// beginLocked enters Connecting for a new attempt and returns its
// generation. Caller holds mu.
func (m *manager) beginLocked() uint64 {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.state = StateConnecting
	m.nextRetryAt = time.Time{}
	m.gen++
	return m.gen
}

// attempt resolves a token and opens the transport.
func (m *manager) attempt(ctx context.Context, gen uint64) {
	token, err := m.tokens.ValidToken(ctx)
	if err != nil {
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	stale := m.currentToken != "" && m.currentToken != token
	m.mu.Unlock()

	if stale {
		m.logger.Debug("token changed, resetting transport")
		if err := m.client.Disconnect(); err != nil {
			m.logger.Debug("closing previous channel", "error", err)
		}
	}

	m.client.On(WildcardType, m.route)

	if err := m.client.Connect(ctx, m.cfg.DevicesPath); err != nil {
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		// Superseded by Disconnect; the transport already dropped the socket.
		m.mu.Unlock()
		return
	}
	// A close that lands before this point is ignored by handleClose
	// because the state is still Connecting.
	if !m.client.IsConnected() {
		if m.shouldStay {
			m.logger.Warn("channel closed while connecting")
			m.failLocked(&TransientError{Err: ErrClosedOnOpen})
		}
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.attempts = 0
	m.authRetried = false
	// The transport reads the token itself; record the one it presented.
	m.currentToken = m.client.Token()
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("connected", "path", m.cfg.DevicesPath)
}

// fail applies the failure policy to a failed attempt.
func (m *manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || !m.shouldStay {
		m.mu.Unlock()
		return
	}
	m.failLocked(err)
	m.mu.Unlock()
}

// failLocked records err and either arms a retry or gives up.
// Caller holds mu.
func (m *manager) failLocked(err error) {
	m.lastErr = err

	switch classify(err) {
	case failFatal:
		m.logger.Error("connection failed, re-login required", "error", err)
		m.giveUpLocked()

	case failAuth:
		if m.attempts == 0 && !m.authRetried {
			m.authRetried = true
			m.currentToken = ""
			m.tokens.Invalidate(m.ctx)
			m.logger.Warn("connection rejected, retrying with a fresh token",
				"error", err,
				"delay", m.cfg.AuthRetryDelay,
			)
			m.scheduleLocked(m.cfg.AuthRetryDelay)
			return
		}
		m.logger.Error("connection rejected again, giving up", "error", err)
		m.giveUpLocked()

	default:
		delay := backoffDelay(m.cfg, m.attempts, m.rand())
		m.attempts++
		if m.attempts >= m.cfg.MaxReconnectAttempts {
			m.lastErr = fmt.Errorf("%w: %w", ErrReconnectsFailed, err)
			m.logger.Error("giving up reconnecting",
				"attempts", m.attempts,
				"error", err,
			)
			m.giveUpLocked()
			return
		}
		m.logger.Warn("connection failed, scheduling reconnect",
			"attempt", m.attempts,
			"delay", delay,
			"error", err,
		)
		m.scheduleLocked(delay)
	}
}

// scheduleLocked arms the retry timer. Caller holds mu.
func (m *manager) scheduleLocked(delay time.Duration) {
	m.state = StateReconnecting
	m.nextRetryAt = m.now().Add(delay)

	gen := m.gen
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() {
		m.retry(gen)
	})
}

// retry is the retry timer callback.
func (m *manager) retry(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || !m.shouldStay || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	next := m.beginLocked()
	m.mu.Unlock()

	m.attempt(m.ctx, next)
}

// giveUpLocked stops trying until the next explicit Connect. The user
// session itself is left alone. Caller holds mu.
func (m *manager) giveUpLocked() {
	m.shouldStay = false
	m.state = StateIdle
	m.currentToken = ""
	m.nextRetryAt = time.Time{}
	m.stopTimersLocked()
}

func (m *manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
		m.resumeTimer = nil
	}
}

// handleClose reacts to the transport losing an open channel.
func (m *manager) handleClose(err error) {
	m.mu.Lock()
	if m.state != StateConnected || !m.shouldStay {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("channel closed unexpectedly", "error", err)
	m.failLocked(err)
	m.mu.Unlock()
}

// route forwards every channel message to the handler.
func (m *manager) route(msg Message) {
	if m.handler != nil {
		m.handler.HandleMessage(msg)
	}
}

// watchLifecycle reacts to app state transitions until unsubscribed.
func (m *manager) watchLifecycle(states <-chan lifecycle.AppState) {
	defer m.wg.Done()

	for state := range states {
		m.onAppState(state)
	}
}

// onAppState keeps the channel alive in the background and reconnects,
// throttled, when the app returns to the foreground.
func (m *manager) onAppState(state lifecycle.AppState) {
	if state != lifecycle.Active {
		m.logger.Debug("app left foreground, keeping channel", "state", state)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.shouldStay || m.state == StateConnected || m.state == StateConnecting {
		return
	}

	now := m.now()
	if !m.lastResume.IsZero() && now.Sub(m.lastResume) < m.cfg.ResumeThrottle {
		m.logger.Debug("resume reconnect throttled")
		return
	}
	m.lastResume = now

	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
	}
	m.resumeTimer = time.AfterFunc(m.cfg.ResumeThrottle, m.resume)

	m.logger.Info("app resumed, reconnect scheduled", "delay", m.cfg.ResumeThrottle)
}

// resume is the resume timer callback.
func (m *manager) resume() {
	if m.lifecycle != nil && m.lifecycle.Current() != lifecycle.Active {
		return
	}

	m.mu.Lock()
	m.resumeTimer = nil
	if !m.shouldStay || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	gen := m.beginLocked()
	m.mu.Unlock()

	m.attempt(m.ctx, gen)
}

// classify maps a connect failure to the retry policy.
func classify(err error) failureKind {
	var rejected *AuthRejectedError
	switch {
	case errors.Is(err, auth.ErrNoRefreshCredential):
		return failFatal
	case errors.As(err, &rejected),
		errors.Is(err, ErrNoToken),
		errors.Is(err, auth.ErrNoToken):
		return failAuth
	case errors.Is(err, auth.ErrRefreshFailed):
		// A refresh that reached the server and was refused is an auth
		// failure; anything else is worth backing off for.
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return failAuth
		}
		return failTransient
	default:
		return failTransient
	}
}

// backoffDelay returns min(base*2^attempts, max) plus
// delay*JitterFactor*(r-0.5) for r in [0,1).
func backoffDelay(cfg ManagerConfig, attempts int, r float64) time.Duration {
	delay := float64(cfg.ReconnectBaseDelay) * math.Pow(2, float64(attempts))
	if ceiling := float64(cfg.ReconnectMaxDelay); delay > ceiling {
		delay = ceiling
	}
	delay += delay * cfg.JitterFactor * (r - 0.5)
	return time.Duration(delay)
}
