// Package manager orchestrates discovery cycles, playback commands and
// auto-play matching, and exposes the command/query surface consumed by
// external callers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcast/beamcast/internal/metrics"
	"github.com/beamcast/beamcast/internal/monitor"
	"github.com/beamcast/beamcast/internal/registry"
	"github.com/beamcast/beamcast/internal/ssdp"
	"github.com/beamcast/beamcast/pkg/models"
)

// ErrDeviceNotFound indicates a command named an unknown device ID.
var ErrDeviceNotFound = errors.New("device not found")

// Discoverer probes the network for renderers.
type Discoverer interface {
	Discover(ctx context.Context) ([]ssdp.Descriptor, error)
}

// Streamer exposes local media over HTTP.
type Streamer interface {
	Serve(mediaPath string) (string, error)
	Release(url string) error
}

// Transport is the full AVTransport command set.
type Transport interface {
	monitor.Transport
	Pause(ctx context.Context, controlURL string) error
	Stop(ctx context.Context, controlURL string) error
	Seek(ctx context.Context, controlURL string, position time.Duration) error
}

// Persister saves device snapshots across restarts.
type Persister interface {
	SaveDevices(ctx context.Context, devices []models.Device) error
}

// Config tunes the orchestration loops.
type Config struct {
	DiscoveryInterval time.Duration
	DiscoveryTTL      time.Duration
	Monitor           monitor.Config
}

// DefaultConfig returns the standard orchestration parameters.
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval: 10 * time.Second,
		DiscoveryTTL:      30 * time.Second,
		Monitor:           monitor.DefaultConfig(),
	}
}

// playbackHandle ties a running monitor to the streaming reference it
// holds. Released exactly once, when the monitor exits.
type playbackHandle struct {
	deviceID  string
	mediaPath string
	streamURL string
	mon       *monitor.Monitor
}

// Manager wires the discovery client, registry, control client, streaming
// server and playback monitors together.
type Manager struct {
	cfg       Config
	reg       *registry.Registry
	disc      Discoverer
	transport Transport
	streams   Streamer
	prober    monitor.Prober
	persist   Persister
	logger    *zap.Logger

	// rootCtx outlives individual command calls; monitors run on it and
	// are torn down together in Close.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	handles  map[string]*playbackHandle
	playMu   map[string]*sync.Mutex
	autoplay AutoPlayConfig

	discMu     sync.Mutex
	discCancel context.CancelFunc
	discDone   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithProber sets the reachability probe used by the TTL sweep.
func WithProber(p monitor.Prober) Option {
	return func(m *Manager) { m.prober = p }
}

// WithPersister enables device snapshot persistence after each cycle.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persist = p }
}

// New creates a Manager. Discovery does not start until StartDiscovery.
func New(cfg Config, reg *registry.Registry, disc Discoverer, transport Transport, streams Streamer, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultConfig().DiscoveryInterval
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = DefaultConfig().DiscoveryTTL
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		reg:        reg,
		disc:       disc,
		transport:  transport,
		streams:    streams,
		logger:     logger,
		handles:    make(map[string]*playbackHandle),
		playMu:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartDiscovery launches the recurring discovery cycle. Calling it while
// a cycle is already running is a no-op.
func (m *Manager) StartDiscovery(ctx context.Context, interval time.Duration) {
	m.discMu.Lock()
	defer m.discMu.Unlock()
	if m.discCancel != nil {
		return
	}
	if interval <= 0 {
		interval = m.cfg.DiscoveryInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.discCancel = cancel
	m.discDone = make(chan struct{})

	go func() {
		defer close(m.discDone)
		m.logger.Info("discovery loop started", zap.Duration("interval", interval))

		m.runCycle(loopCtx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				m.logger.Info("discovery loop stopped")
				return
			case <-ticker.C:
				m.runCycle(loopCtx)
			}
		}
	}()
}

// StopDiscovery cancels the recurring discovery task. An in-flight probe
// finishes within its own timeout.
func (m *Manager) StopDiscovery() {
	m.discMu.Lock()
	cancel, done := m.discCancel, m.discDone
	m.discCancel, m.discDone = nil, nil
	m.discMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// runCycle performs one discovery probe, upserts results, sweeps stale
// records and applies auto-play mappings.
func (m *Manager) runCycle(ctx context.Context) {
	descriptors, err := m.disc.Discover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("discovery probe failed", zap.Error(err))
		}
		return
	}

	for _, desc := range descriptors {
		m.reg.Upsert(models.Device{
			ID:           desc.DeviceID(),
			FriendlyName: desc.FriendlyName,
			Manufacturer: desc.Manufacturer,
			LocationURL:  desc.LocationURL,
			ControlURL:   desc.ControlURL,
			IP:           desc.IP,
			Port:         desc.Port,
		})
	}
	metrics.DiscoveryCycles.Inc()

	var verify func(context.Context, models.Device) bool
	if m.prober != nil {
		verify = m.prober.Alive
	}
	for _, dev := range m.reg.SweepStale(ctx, m.cfg.DiscoveryTTL, verify) {
		metrics.DevicesUnreachable.Inc()
		m.stopMonitorFor(dev.ID)
	}

	m.applyAutoPlay(ctx)

	if m.persist != nil {
		if err := m.persist.SaveDevices(ctx, m.reg.List()); err != nil && ctx.Err() == nil {
			m.logger.Warn("device snapshot save failed", zap.Error(err))
		}
	}
}

// Play streams mediaPath to the device and starts a playback monitor.
// Idempotent: if the device is already playing this media under a live
// monitor, no SOAP command is issued and no second monitor is started.
// The whole check-and-spawn sequence is serialized per device, so two
// concurrent Play calls (auto-play cycle racing a command) can never both
// pass the lookup and spawn two monitors.
func (m *Manager) Play(ctx context.Context, deviceID, mediaPath string, loop bool) error {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	dev, ok := m.reg.Get(deviceID)
	if !ok {
		return fmt.Errorf("play %q: %w", deviceID, ErrDeviceNotFound)
	}

	m.mu.Lock()
	existing := m.handles[deviceID]
	m.mu.Unlock()

	if existing != nil && existing.mediaPath == mediaPath && dev.IsPlayingMedia(mediaPath) {
		m.logger.Debug("play is a no-op, already playing",
			zap.String("device_id", deviceID),
			zap.String("media", mediaPath),
		)
		return nil
	}

	// Switching media: retire the old monitor (and its stream ref) first.
	if existing != nil {
		existing.mon.Stop()
	}

	streamURL, err := m.streams.Serve(mediaPath)
	if err != nil {
		return fmt.Errorf("play %q: %w", deviceID, err)
	}

	if err := m.transport.SetTransportURI(ctx, dev.ControlURL, streamURL); err != nil {
		m.streams.Release(streamURL)
		m.recordCommandFailure(deviceID)
		return fmt.Errorf("play %q: set transport uri: %w", deviceID, err)
	}
	if err := m.transport.Play(ctx, dev.ControlURL); err != nil {
		m.streams.Release(streamURL)
		m.recordCommandFailure(deviceID)
		return fmt.Errorf("play %q: %w", deviceID, err)
	}

	if _, err := m.reg.Transition(deviceID, models.StatusPlaying, func(d models.Device) bool {
		return !d.IsPlayingMedia(mediaPath)
	}); err != nil && !errors.Is(err, registry.ErrGuardRejected) {
		m.logger.Warn("play transition failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	now := time.Now()
	m.reg.Update(deviceID, func(d *models.Device) {
		d.CurrentVideo = mediaPath
		d.IsLooping = loop
		d.ConsecutiveFailures = 0
		d.LastCommandAt = now
	})

	h := &playbackHandle{
		deviceID:  deviceID,
		mediaPath: mediaPath,
		streamURL: streamURL,
	}
	h.mon = monitor.New(dev, streamURL, mediaPath, loop, m.reg, m.transport, m.cfg.Monitor,
		m.logger.Named("monitor"),
		func(string, monitor.ExitReason) { m.releaseHandle(h) },
	)

	m.mu.Lock()
	m.handles[deviceID] = h
	m.mu.Unlock()

	h.mon.Start(m.rootCtx)

	m.logger.Info("playback started",
		zap.String("device_id", deviceID),
		zap.String("friendly_name", dev.FriendlyName),
		zap.String("media", mediaPath),
		zap.Bool("loop", loop),
	)
	return nil
}

// Pause pauses playback on the device.
func (m *Manager) Pause(ctx context.Context, deviceID string) error {
	dev, ok := m.reg.Get(deviceID)
	if !ok {
		return fmt.Errorf("pause %q: %w", deviceID, ErrDeviceNotFound)
	}
	if err := m.transport.Pause(ctx, dev.ControlURL); err != nil {
		m.recordCommandFailure(deviceID)
		return fmt.Errorf("pause %q: %w", deviceID, err)
	}
	m.reg.Update(deviceID, func(d *models.Device) {
		d.Status = models.StatusPaused
		d.LastCommandAt = time.Now()
	})
	return nil
}

// Stop halts playback: the monitor is cancelled (releasing the streaming
// reference), the renderer receives a Stop action, and the record moves to
// Stopped.
func (m *Manager) Stop(ctx context.Context, deviceID string) error {
	dev, ok := m.reg.Get(deviceID)
	if !ok {
		return fmt.Errorf("stop %q: %w", deviceID, ErrDeviceNotFound)
	}

	m.stopMonitorFor(deviceID)

	if err := m.transport.Stop(ctx, dev.ControlURL); err != nil {
		m.recordCommandFailure(deviceID)
		return fmt.Errorf("stop %q: %w", deviceID, err)
	}
	m.reg.Update(deviceID, func(d *models.Device) {
		d.Status = models.StatusStopped
		d.CurrentVideo = ""
		d.IsLooping = false
		d.LastCommandAt = time.Now()
	})
	return nil
}

// Seek jumps to position within the current media.
func (m *Manager) Seek(ctx context.Context, deviceID string, position time.Duration) error {
	dev, ok := m.reg.Get(deviceID)
	if !ok {
		return fmt.Errorf("seek %q: %w", deviceID, ErrDeviceNotFound)
	}
	if err := m.transport.Seek(ctx, dev.ControlURL, position); err != nil {
		m.recordCommandFailure(deviceID)
		return fmt.Errorf("seek %q: %w", deviceID, err)
	}
	m.reg.Update(deviceID, func(d *models.Device) {
		d.LastCommandAt = time.Now()
	})
	return nil
}

// GetStatus returns a snapshot of the device record.
func (m *Manager) GetStatus(deviceID string) (models.Device, error) {
	dev, ok := m.reg.Get(deviceID)
	if !ok {
		return models.Device{}, fmt.Errorf("status %q: %w", deviceID, ErrDeviceNotFound)
	}
	return dev, nil
}

// ListDevices returns snapshots of all known devices.
func (m *Manager) ListDevices() []models.Device {
	return m.reg.List()
}

// Close stops discovery and all monitors. Streaming sessions drain as the
// monitors release their references.
func (m *Manager) Close() {
	m.StopDiscovery()
	m.rootCancel()

	m.mu.Lock()
	handles := make([]*playbackHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.mon.Stop()
	}
}

// MonitorCount reports the number of live playback monitors.
func (m *Manager) MonitorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// deviceLock returns the mutex serializing play sequences for deviceID.
// Locks are never reclaimed; the registry never deletes devices either.
func (m *Manager) deviceLock(deviceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.playMu[deviceID]
	if !ok {
		l = &sync.Mutex{}
		m.playMu[deviceID] = l
	}
	return l
}

// stopMonitorFor stops the device's monitor, if any, and waits for it to
// release its resources. Must not be called while holding m.mu.
func (m *Manager) stopMonitorFor(deviceID string) {
	m.mu.Lock()
	h := m.handles[deviceID]
	m.mu.Unlock()
	if h != nil {
		h.mon.Stop()
	}
}

// releaseHandle runs once per handle, after its monitor exits.
func (m *Manager) releaseHandle(h *playbackHandle) {
	m.mu.Lock()
	if m.handles[h.deviceID] == h {
		delete(m.handles, h.deviceID)
	}
	m.mu.Unlock()

	if err := m.streams.Release(h.streamURL); err != nil {
		m.logger.Warn("stream release failed",
			zap.String("device_id", h.deviceID),
			zap.String("url", h.streamURL),
			zap.Error(err),
		)
	}
}

func (m *Manager) recordCommandFailure(deviceID string) {
	m.reg.Update(deviceID, func(d *models.Device) {
		d.ConsecutiveFailures++
	})
}
