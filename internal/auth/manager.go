package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lockerlink/livelink/internal/api"
)

// Errors returned by ValidToken.
var (
	ErrNoToken             = errors.New("no access token stored")
	ErrNoRefreshCredential = errors.New("no refresh credential stored")
	ErrRefreshFailed       = errors.New("token refresh failed")
	ErrRefreshTimeout      = errors.New("timed out waiting for token refresh")
)

// Default refresh settings.
const (
	DefaultRefreshAhead       = 5 * time.Minute
	DefaultRefreshWaitTimeout = 5 * time.Second
)

const refreshKey = "refresh"

// Refresher exchanges a refresh credential for new tokens.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*api.TokenPair, error)
}

// ManagerConfig holds token refresh settings.
type ManagerConfig struct {
	RefreshAhead       time.Duration // refresh when less lifetime than this remains
	RefreshWaitTimeout time.Duration // bound on waiting for an in-flight refresh
}

// Manager resolves usable access tokens, refreshing them when needed.
type Manager struct {
	store     TokenStore
	refresher Refresher
	cfg       ManagerConfig
	logger    *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	rejected string // access token the server refused

	now func() time.Time
}

// NewManager creates a token manager.
func NewManager(store TokenStore, refresher Refresher, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshAhead == 0 {
		cfg.RefreshAhead = DefaultRefreshAhead
	}
	if cfg.RefreshWaitTimeout == 0 {
		cfg.RefreshWaitTimeout = DefaultRefreshWaitTimeout
	}

	return &Manager{
		store:     store,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger.With("component", "auth"),
		now:       time.Now,
	}
}

// ValidToken returns an access token with at least RefreshAhead lifetime left.
// A token that is about to expire, is undecodable, or was invalidated is
// refreshed first. Only one refresh runs at a time; concurrent callers wait
// for its result for at most RefreshWaitTimeout.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	token := m.read(ctx, KeyAccessToken)
	if token == "" {
		return "", ErrNoToken
	}

	if m.fresh(token, m.cfg.RefreshAhead) {
		return token, nil
	}

	return m.refresh(ctx)
}

// AccessToken returns the stored access token as is.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	token := m.read(ctx, KeyAccessToken)
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Authenticated reports whether an access token is stored.
func (m *Manager) Authenticated(ctx context.Context) bool {
	return m.read(ctx, KeyAccessToken) != ""
}

// Invalidate marks the stored access token as rejected so the next
// ValidToken call refreshes it regardless of its expiry.
func (m *Manager) Invalidate(ctx context.Context) {
	token := m.read(ctx, KeyAccessToken)
	if token == "" {
		return
	}

	m.mu.Lock()
	m.rejected = token
	m.mu.Unlock()

	m.logger.Debug("access token invalidated")
}

// StoreTokens saves a token pair, typically after login. An empty refresh
// token leaves the stored one untouched.
func (m *Manager) StoreTokens(ctx context.Context, accessToken, refreshToken string) error {
	if err := m.store.Set(ctx, KeyAccessToken, accessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if refreshToken != "" {
		if err := m.store.Set(ctx, KeyRefreshToken, refreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	return nil
}

// Clear removes both tokens, typically on logout.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Remove(ctx, KeyAccessToken); err != nil {
		return fmt.Errorf("remove access token: %w", err)
	}
	if err := m.store.Remove(ctx, KeyRefreshToken); err != nil {
		return fmt.Errorf("remove refresh token: %w", err)
	}

	m.mu.Lock()
	m.rejected = ""
	m.mu.Unlock()

	return nil
}

// refresh joins the in-flight refresh or starts one. The caller that starts
// the refresh waits for its result or its own ctx. Callers that join a
// refresh already running give up after RefreshWaitTimeout.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	// fn only runs for the caller whose DoChan started the flight.
	started := make(chan struct{})
	// The shared refresh must not die with whichever caller started it.
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		close(started)
		return m.doRefresh(context.WithoutCancel(ctx))
	})

	timer := time.NewTimer(m.cfg.RefreshWaitTimeout)
	defer timer.Stop()
	wait := timer.C

	for {
		select {
		case res := <-ch:
			if res.Err != nil {
				return "", res.Err
			}
			return res.Val.(string), nil

		case <-wait:
			select {
			case <-started:
				wait = nil
				continue
			default:
			}
			token := m.read(ctx, KeyAccessToken)
			if token != "" && m.fresh(token, 0) {
				m.logger.Warn("refresh still running, using stored token")
				return token, nil
			}
			return "", ErrRefreshTimeout

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	refreshToken := m.read(ctx, KeyRefreshToken)
	if refreshToken == "" {
		return "", ErrNoRefreshCredential
	}

	m.logger.Debug("refreshing access token")

	pair, err := m.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	if err := m.StoreTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	m.mu.Lock()
	m.rejected = ""
	m.mu.Unlock()

	m.logger.Info("access token refreshed", "rotated_refresh", pair.RefreshToken != "")
	return pair.AccessToken, nil
}

// fresh reports whether token is not rejected and has at least ahead
// lifetime remaining.
func (m *Manager) fresh(token string, ahead time.Duration) bool {
	m.mu.Lock()
	rejected := m.rejected
	m.mu.Unlock()
	if token == rejected {
		return false
	}

	exp, err := TokenExpiry(token)
	if err != nil {
		m.logger.Debug("cannot decode token expiry", "error", err)
		return false
	}
	return exp.Sub(m.now()) >= ahead
}

// read treats store failures as a missing value.
func (m *Manager) read(ctx context.Context, key string) string {
	value, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("token store read failed", "key", key, "error", err)
		return ""
	}
	return value
}
