// Package config loads beamcast configuration via viper and the
// auto-play mapping document via yaml.
package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/beamcast/beamcast/internal/manager"
)

// Load reads the configuration file at path (optional) on top of the
// built-in defaults.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discovery.interval", "10s")
	v.SetDefault("discovery.timeout", "3s")
	v.SetDefault("discovery.search_target", "urn:schemas-upnp-org:service:AVTransport:1")
	v.SetDefault("registry.ttl", "30s")

	v.SetDefault("control.timeout", "5s")
	v.SetDefault("control.retries", 2)

	v.SetDefault("stream.port_min", 9000)
	v.SetDefault("stream.port_max", 9099)
	v.SetDefault("stream.host_ip", "")

	v.SetDefault("monitor.poll_interval", "4s")
	v.SetDefault("monitor.failure_threshold", 3)
	v.SetDefault("monitor.max_backoff", "30s")

	v.SetDefault("store.path", "beamcast.db")
	v.SetDefault("autoplay.path", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("sweep.icmp", true)
}

// autoPlayDocument is the on-disk shape of the auto-play mapping.
type autoPlayDocument struct {
	Devices map[string]manager.AutoPlayEntry `yaml:"devices"`
}

// LoadAutoPlay parses the auto-play mapping document at path.
func LoadAutoPlay(path string) (manager.AutoPlayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auto-play mapping %q: %w", path, err)
	}

	var doc autoPlayDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse auto-play mapping %q: %w", path, err)
	}

	cfg := make(manager.AutoPlayConfig, len(doc.Devices))
	for name, entry := range doc.Devices {
		if entry.VideoPath == "" {
			return nil, fmt.Errorf("auto-play mapping %q: device %q has no video path", path, name)
		}
		cfg[name] = entry
	}
	return cfg, nil
}

// WatchAutoPlay reloads the mapping whenever the document changes and
// hands it to apply. Parse failures keep the previous mapping.
func WatchAutoPlay(path string, logger *zap.Logger, apply func(manager.AutoPlayConfig)) {
	w := viper.New()
	w.SetConfigFile(path)
	w.OnConfigChange(func(fsnotify.Event) {
		cfg, err := LoadAutoPlay(path)
		if err != nil {
			logger.Warn("auto-play reload failed, keeping previous mapping", zap.Error(err))
			return
		}
		apply(cfg)
	})
	w.WatchConfig()
}
