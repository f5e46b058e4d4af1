// Package monitor supervises playback on a single renderer: it polls the
// transport state, re-issues playback for looping media, and escalates
// repeated failures to the unreachable state.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcast/beamcast/internal/metrics"
	"github.com/beamcast/beamcast/internal/registry"
	"github.com/beamcast/beamcast/pkg/models"
)

// Transport is the subset of the control client the monitor drives.
type Transport interface {
	SetTransportURI(ctx context.Context, controlURL, mediaURL string) error
	Play(ctx context.Context, controlURL string) error
	GetTransportInfo(ctx context.Context, controlURL string) (models.TransportState, error)
}

// ExitReason describes why a monitor terminated.
type ExitReason string

const (
	// ExitStopped - external stop, or non-looping media finished.
	ExitStopped ExitReason = "stopped"
	// ExitUnreachable - the failure threshold was crossed.
	ExitUnreachable ExitReason = "unreachable"
	// ExitCancelled - the surrounding context was cancelled.
	ExitCancelled ExitReason = "cancelled"
)

// Config tunes the polling state machine.
type Config struct {
	PollInterval     time.Duration
	FailureThreshold int
	MaxBackoff       time.Duration
	ActionTimeout    time.Duration
}

// DefaultConfig returns the standard polling parameters.
func DefaultConfig() Config {
	return Config{
		PollInterval:     4 * time.Second,
		FailureThreshold: 3,
		MaxBackoff:       30 * time.Second,
		ActionTimeout:    5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
}

// Monitor is one live supervision task for one playing device. Create
// with New, start with Start, stop with Stop. A monitor runs at most one
// restart per poll observation.
type Monitor struct {
	deviceID   string
	controlURL string
	mediaURL   string
	mediaPath  string
	loop       bool

	reg       *registry.Registry
	transport Transport
	cfg       Config
	logger    *zap.Logger
	onExit    func(deviceID string, reason ExitReason)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a monitor for the given device. onExit runs exactly once,
// after the polling loop has terminated; the owner uses it to release the
// streaming reference and drop its handle.
func New(
	dev models.Device,
	mediaURL, mediaPath string,
	loop bool,
	reg *registry.Registry,
	transport Transport,
	cfg Config,
	logger *zap.Logger,
	onExit func(deviceID string, reason ExitReason),
) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		deviceID:   dev.ID,
		controlURL: dev.ControlURL,
		mediaURL:   mediaURL,
		mediaPath:  mediaPath,
		loop:       loop,
		reg:        reg,
		transport:  transport,
		cfg:        cfg,
		logger:     logger.With(zap.String("device_id", dev.ID)),
		onExit:     onExit,
		done:       make(chan struct{}),
	}
}

// Start launches the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop cancels the monitor and waits for the loop to exit. The cancel is
// consumed at the next poll boundary at the latest.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
	<-m.done
}

// Done is closed when the polling loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) run(ctx context.Context) {
	// onExit must complete before done closes so that Stop callers observe
	// released resources.
	reason := ExitCancelled
	defer func() {
		if m.onExit != nil {
			m.onExit(m.deviceID, reason)
		}
		close(m.done)
	}()

	m.logger.Info("playback monitor started",
		zap.Bool("loop", m.loop),
		zap.Duration("poll_interval", m.cfg.PollInterval),
	)

	failures := 0
	delay := m.cfg.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		state, err := m.pollState(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil || state == models.TransportUnknown:
			failures++
			m.recordFailures(failures)
			m.logger.Warn("transport poll inconclusive",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= m.cfg.FailureThreshold {
				m.reg.MarkUnreachable(m.deviceID)
				metrics.DevicesUnreachable.Inc()
				reason = ExitUnreachable
				return
			}
			delay = m.backoff(failures)

		case state == models.TransportStopped || state == models.TransportNoMedia:
			if !m.loop {
				m.reg.Transition(m.deviceID, models.StatusStopped, func(d models.Device) bool {
					return d.Status == models.StatusPlaying
				})
				m.logger.Info("playback finished")
				reason = ExitStopped
				return
			}
			// One restart per observation; the next poll decides whether
			// it took effect.
			if err := m.restart(ctx); err != nil {
				failures++
				m.recordFailures(failures)
				m.logger.Warn("loop restart failed",
					zap.Int("consecutive_failures", failures),
					zap.Error(err),
				)
				if failures >= m.cfg.FailureThreshold {
					m.reg.MarkUnreachable(m.deviceID)
					metrics.DevicesUnreachable.Inc()
					reason = ExitUnreachable
					return
				}
				delay = m.backoff(failures)
				break
			}
			metrics.PlaybackRestarts.Inc()
			m.logger.Info("playback looped")
			failures = 0
			m.recordFailures(0)
			delay = m.cfg.PollInterval

		default:
			// PLAYING, PAUSED_PLAYBACK or TRANSITIONING: healthy.
			failures = 0
			m.recordFailures(0)
			m.syncStatus(state)
			delay = m.cfg.PollInterval
		}

		timer.Reset(delay)
	}
}

func (m *Monitor) pollState(ctx context.Context) (models.TransportState, error) {
	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()
	return m.transport.GetTransportInfo(pollCtx, m.controlURL)
}

func (m *Monitor) restart(ctx context.Context) error {
	actionCtx, cancel := context.WithTimeout(ctx, 2*m.cfg.ActionTimeout)
	defer cancel()
	if err := m.transport.SetTransportURI(actionCtx, m.controlURL, m.mediaURL); err != nil {
		return err
	}
	return m.transport.Play(actionCtx, m.controlURL)
}

func (m *Monitor) recordFailures(n int) {
	m.reg.Update(m.deviceID, func(d *models.Device) {
		d.ConsecutiveFailures = n
	})
}

// syncStatus mirrors externally-driven pause/resume into the registry
// without ever resurrecting a stopped or unreachable record.
func (m *Monitor) syncStatus(state models.TransportState) {
	switch state {
	case models.TransportPaused:
		m.reg.Transition(m.deviceID, models.StatusPaused, func(d models.Device) bool {
			return d.Status == models.StatusPlaying
		})
	case models.TransportPlaying:
		m.reg.Transition(m.deviceID, models.StatusPlaying, func(d models.Device) bool {
			return d.Status == models.StatusPaused
		})
	}
}

// backoff scales the next poll delay with the failure count: poll * 2^n,
// capped at MaxBackoff.
func (m *Monitor) backoff(failures int) time.Duration {
	d := m.cfg.PollInterval
	for i := 0; i < failures && d < m.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > m.cfg.MaxBackoff {
		d = m.cfg.MaxBackoff
	}
	return d
}
