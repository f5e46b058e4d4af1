package monitor

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/beamcast/beamcast/pkg/models"
)

// Prober verifies whether a device that went silent on SSDP is actually
// gone. The registry sweep marks a device unreachable only when the probe
// also fails.
type Prober interface {
	Alive(ctx context.Context, dev models.Device) bool
}

// InfoGetter is the transport-query half of the probe.
type InfoGetter interface {
	GetTransportInfo(ctx context.Context, controlURL string) (models.TransportState, error)
}

// SweepProber pings the device host first and falls through to a direct
// transport query. The ICMP gate avoids spending SOAP timeouts on hosts
// that are plainly down; the transport query is the authoritative check.
type SweepProber struct {
	transport   InfoGetter
	pingTimeout time.Duration
	skipPing    bool
	logger      *zap.Logger
}

// NewSweepProber creates the dual-check prober used by the TTL sweep.
func NewSweepProber(transport InfoGetter, logger *zap.Logger) *SweepProber {
	return &SweepProber{
		transport:   transport,
		pingTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// WithoutPing disables the ICMP gate (environments without raw-socket or
// unprivileged ping support).
func (p *SweepProber) WithoutPing() *SweepProber {
	p.skipPing = true
	return p
}

// Alive reports whether the device still answers. Any transport response,
// including an inconclusive state, counts as alive; only a failed request
// does not.
func (p *SweepProber) Alive(ctx context.Context, dev models.Device) bool {
	if !p.skipPing && dev.IP != "" && !p.ping(ctx, dev.IP) {
		p.logger.Debug("icmp probe failed", zap.String("ip", dev.IP))
		return false
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.transport.GetTransportInfo(queryCtx, dev.ControlURL)
	return err == nil
}

func (p *SweepProber) ping(ctx context.Context, target string) bool {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		// Can't build a pinger for this target; let the transport query decide.
		return true
	}
	pinger.Count = 1
	pinger.Timeout = p.pingTimeout
	pinger.SetPrivileged(false)

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case err := <-done:
		if err != nil {
			// ICMP unavailable is not evidence the host is down.
			return true
		}
		return pinger.Statistics().PacketsRecv > 0
	case <-ctx.Done():
		pinger.Stop()
		return true
	}
}
