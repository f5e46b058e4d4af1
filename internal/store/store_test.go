package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beamcast/beamcast/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	devices := []models.Device{
		{
			ID:           "abc",
			FriendlyName: "Living Room TV",
			Manufacturer: "Acme",
			LocationURL:  "http://10.0.0.5:49152/desc.xml",
			ControlURL:   "http://10.0.0.5:49152/av/control",
			IP:           "10.0.0.5",
			Port:         49152,
			Status:       models.StatusPlaying,
			CurrentVideo: "/media/a.mp4",
			IsLooping:    true,
			FirstSeen:    seen,
			LastSeen:     seen,
		},
		{
			ID:           "def",
			FriendlyName: "Bedroom TV",
			LocationURL:  "http://10.0.0.6:49152/desc.xml",
			ControlURL:   "http://10.0.0.6:49152/av/control",
			FirstSeen:    seen,
			LastSeen:     seen,
		},
	}
	require.NoError(t, s.SaveDevices(ctx, devices))

	loaded, err := s.LoadDevices(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Ordered by friendly name.
	require.Equal(t, "def", loaded[0].ID)
	require.Equal(t, "abc", loaded[1].ID)

	got := loaded[1]
	require.Equal(t, "Living Room TV", got.FriendlyName)
	require.Equal(t, "Acme", got.Manufacturer)
	require.Equal(t, "http://10.0.0.5:49152/av/control", got.ControlURL)
	require.Equal(t, 49152, got.Port)
	require.True(t, seen.Equal(got.FirstSeen))

	// Runtime state never survives a restart.
	require.Equal(t, models.StatusUnreachable, got.Status)
	require.Empty(t, got.CurrentVideo)
	require.False(t, got.IsLooping)
}

func TestSaveReplacesSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dev := func(id string) models.Device {
		return models.Device{
			ID: id, FriendlyName: id,
			LocationURL: "http://x/desc.xml", ControlURL: "http://x/control",
			FirstSeen: now, LastSeen: now,
		}
	}

	require.NoError(t, s.SaveDevices(ctx, []models.Device{dev("a"), dev("b")}))
	require.NoError(t, s.SaveDevices(ctx, []models.Device{dev("c")}))

	loaded, err := s.LoadDevices(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "c", loaded[0].ID)
}

func TestLoadEmpty(t *testing.T) {
	s := openTestStore(t)
	loaded, err := s.LoadDevices(context.Background())
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.db")
	ctx := context.Background()
	now := time.Now().UTC()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveDevices(ctx, []models.Device{{
		ID: "a", FriendlyName: "TV",
		LocationURL: "http://x/desc.xml", ControlURL: "http://x/control",
		FirstSeen: now, LastSeen: now,
	}}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	loaded, err := s2.LoadDevices(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "a", loaded[0].ID)
}
