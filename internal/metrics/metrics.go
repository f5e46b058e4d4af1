// Package metrics exposes Prometheus collectors for the playback engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DiscoveryCycles counts completed SSDP discovery cycles.
	DiscoveryCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamcast_discovery_cycles_total",
		Help: "Completed SSDP discovery cycles.",
	})

	// SOAPActions counts dispatched SOAP actions by name and outcome.
	SOAPActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamcast_soap_actions_total",
		Help: "Dispatched AVTransport SOAP actions.",
	}, []string{"action", "outcome"})

	// PlaybackRestarts counts loop restarts issued by playback monitors.
	PlaybackRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamcast_playback_restarts_total",
		Help: "Playback restarts issued by loop monitors.",
	})

	// DevicesUnreachable counts transitions into the unreachable state.
	DevicesUnreachable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamcast_devices_unreachable_total",
		Help: "Devices marked unreachable.",
	})

	// StreamingSessions tracks currently open streaming listeners.
	StreamingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beamcast_streaming_sessions",
		Help: "Open media streaming sessions.",
	})

	// BuildInfo carries the build metadata as labels with a fixed value
	// of 1. Set once at startup.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beamcast_build_info",
		Help: "Build metadata labels, value fixed at 1.",
	}, []string{"version", "commit", "build_date", "go_version"})
)
