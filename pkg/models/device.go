package models

import "time"

// DeviceStatus represents the current state of a renderer.
type DeviceStatus string

const (
	StatusDiscovered  DeviceStatus = "discovered"
	StatusConnected   DeviceStatus = "connected"
	StatusPlaying     DeviceStatus = "playing"
	StatusPaused      DeviceStatus = "paused"
	StatusStopped     DeviceStatus = "stopped"
	StatusUnreachable DeviceStatus = "unreachable"
)

// TransportState is the AVTransport state reported by a renderer via
// GetTransportInfo.
type TransportState string

const (
	TransportPlaying       TransportState = "PLAYING"
	TransportPaused        TransportState = "PAUSED_PLAYBACK"
	TransportStopped       TransportState = "STOPPED"
	TransportNoMedia       TransportState = "NO_MEDIA_PRESENT"
	TransportTransitioning TransportState = "TRANSITIONING"
	TransportUnknown       TransportState = "UNKNOWN"
)

// Device represents a UPnP media renderer tracked by beamcast.
type Device struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name"`
	Manufacturer string `json:"manufacturer,omitempty"`

	LocationURL string `json:"location_url"`
	ControlURL  string `json:"control_url"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`

	Status              DeviceStatus `json:"status"`
	CurrentVideo        string       `json:"current_video,omitempty"`
	IsLooping           bool         `json:"is_looping"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	FirstSeen           time.Time    `json:"first_seen"`
	LastSeen            time.Time    `json:"last_seen"`
	LastCommandAt       time.Time    `json:"last_command_at,omitempty"`
}

// IsPlayingMedia reports whether the device is currently playing the given
// media path. Used as the idempotency guard for play commands.
func (d *Device) IsPlayingMedia(path string) bool {
	return d.Status == StatusPlaying && d.CurrentVideo == path
}
