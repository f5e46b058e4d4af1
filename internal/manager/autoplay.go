package manager

import (
	"context"

	"go.uber.org/zap"

	"github.com/beamcast/beamcast/pkg/models"
)

// AutoPlayEntry names the media a device should play automatically.
type AutoPlayEntry struct {
	VideoPath string `yaml:"video"`
	Loop      bool   `yaml:"loop"`
}

// AutoPlayConfig maps a device's friendly name to its auto-play entry.
// Read-only once loaded; LoadAutoPlay swaps the whole map.
type AutoPlayConfig map[string]AutoPlayEntry

// LoadAutoPlay replaces the active auto-play mapping. Safe to call while
// discovery is running; the next cycle applies the new mapping. Entries
// naming no currently-known device are kept: the device may simply not
// have been discovered yet.
func (m *Manager) LoadAutoPlay(cfg AutoPlayConfig) {
	m.mu.Lock()
	m.autoplay = cfg
	m.mu.Unlock()
	m.logger.Info("auto-play mapping loaded", zap.Int("entries", len(cfg)))
}

// applyAutoPlay matches discovered devices against the mapping and starts
// playback where needed. Matching is re-entrant: a device already playing
// its mapped video is left untouched, so a healthy loop never sees a
// redundant command.
func (m *Manager) applyAutoPlay(ctx context.Context) {
	m.mu.Lock()
	mapping := m.autoplay
	m.mu.Unlock()
	if len(mapping) == 0 {
		return
	}

	matched := make(map[string]bool, len(mapping))
	for _, dev := range m.reg.List() {
		entry, ok := mapping[dev.FriendlyName]
		if !ok {
			continue
		}
		matched[dev.FriendlyName] = true

		if dev.Status == models.StatusUnreachable {
			continue
		}
		if dev.IsPlayingMedia(entry.VideoPath) {
			continue
		}

		if err := m.Play(ctx, dev.ID, entry.VideoPath, entry.Loop); err != nil {
			m.logger.Warn("auto-play failed",
				zap.String("device_id", dev.ID),
				zap.String("friendly_name", dev.FriendlyName),
				zap.String("media", entry.VideoPath),
				zap.Error(err),
			)
		}
	}

	for name := range mapping {
		if !matched[name] {
			m.logger.Debug("auto-play entry has no matching device", zap.String("device_name", name))
		}
	}
}
