package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lockerlink/livelink/internal/model"
)

// DeviceLister fetches the user's devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
}

// DeviceSink receives the fetched device list.
type DeviceSink interface {
	SetDevices(devices []model.Device)
}

// DeviceSinkFunc is a function adapter for DeviceSink.
type DeviceSinkFunc func([]model.Device)

func (f DeviceSinkFunc) SetDevices(devices []model.Device) {
	f(devices)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Sync interval, 0 syncs once at start (default: 5m)
	Timeout  time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Timeout:  10 * time.Second,
	}
}

// Stats contains sync counters.
type Stats struct {
	Syncs    int64     `json:"syncs"`
	Failures int64     `json:"failures"`
	LastSync time.Time `json:"last_sync,omitzero"`
	Devices  int       `json:"devices"`
}

// Poller periodically reloads the device list.
type Poller struct {
	cfg    Config
	client DeviceLister
	sink   DeviceSink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncs    atomic.Int64
	failures atomic.Int64
	mu       sync.Mutex
	lastSync time.Time
	devices  int
}

// New creates a new Poller.
func New(cfg Config, client DeviceLister, sink DeviceSink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:    cfg,
		client: client,
		sink:   sink,
		logger: logger.With("component", "poller"),
	}
}

// Start begins the sync loop. The first sync runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("device sync started", "interval", p.cfg.Interval)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("device sync stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync fetches the device list once and hands it to the sink.
func (p *Poller) Sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	devices, err := p.client.ListDevices(ctx)
	if err != nil {
		p.failures.Add(1)
		return fmt.Errorf("list devices: %w", err)
	}

	p.sink.SetDevices(devices)
	p.syncs.Add(1)

	p.mu.Lock()
	p.lastSync = time.Now()
	p.devices = len(devices)
	p.mu.Unlock()

	p.logger.Debug("device sync complete",
		"devices", len(devices),
		"duration", time.Since(start),
	)
	return nil
}

// Stats returns sync counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Syncs:    p.syncs.Load(),
		Failures: p.failures.Load(),
		LastSync: p.lastSync,
		Devices:  p.devices,
	}
}

// run is the main sync loop. A zero interval syncs once.
func (p *Poller) run() {
	defer p.wg.Done()

	p.syncLogged()
	if p.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.syncLogged()
		}
	}
}

func (p *Poller) syncLogged() {
	if err := p.Sync(p.ctx); err != nil && p.ctx.Err() == nil {
		p.logger.Warn("device sync failed", "error", err)
	}
}
