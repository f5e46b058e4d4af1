package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/beamcast/beamcast/internal/monitor"
	"github.com/beamcast/beamcast/internal/registry"
	"github.com/beamcast/beamcast/internal/ssdp"
	"github.com/beamcast/beamcast/internal/testutil"
	"github.com/beamcast/beamcast/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	descs []ssdp.Descriptor
	err   error
	calls int
}

func (f *fakeDiscoverer) Discover(context.Context) ([]ssdp.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.descs, f.err
}

type fakeStreamer struct {
	mu       sync.Mutex
	refs     map[string]int
	released map[string]int
	err      error

	// gate, when set, blocks Serve until closed. Lets tests hold one play
	// call mid-flight while another races it.
	gate chan struct{}
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{refs: make(map[string]int), released: make(map[string]int)}
}

func (f *fakeStreamer) Serve(mediaPath string) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	url := "http://127.0.0.1:9000" + mediaPath
	f.refs[url]++
	return url, nil
}

func (f *fakeStreamer) Release(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[url] == 0 {
		return fmt.Errorf("release of unknown url %q", url)
	}
	f.refs[url]--
	f.released[url]++
	return nil
}

func (f *fakeStreamer) releaseCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[url]
}

type fakeControl struct {
	mu       sync.Mutex
	setCalls []string
	plays    int
	pauses   int
	stops    int
	seeks    []time.Duration
	err      error
	state    models.TransportState
}

func (f *fakeControl) SetTransportURI(_ context.Context, _, mediaURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, mediaURL)
	return f.err
}

func (f *fakeControl) Play(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.plays++
	return nil
}

func (f *fakeControl) Pause(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return f.err
}

func (f *fakeControl) Stop(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.err
}

func (f *fakeControl) Seek(_ context.Context, _ string, position time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, position)
	return f.err
}

func (f *fakeControl) GetTransportInfo(context.Context, string) (models.TransportState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return models.TransportPlaying, nil
	}
	return f.state, nil
}

func (f *fakeControl) setState(s models.TransportState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeControl) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays
}

func (f *fakeControl) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.setCalls)
}

var _ Transport = (*fakeControl)(nil)

type fakePersister struct {
	mu    sync.Mutex
	saved [][]models.Device
}

func (f *fakePersister) SaveDevices(_ context.Context, devices []models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, devices)
	return nil
}

func testDescriptors() []ssdp.Descriptor {
	return []ssdp.Descriptor{
		{
			UDN:          "uuid:aaaa-bbbb",
			FriendlyName: "Living Room TV",
			Manufacturer: "Acme",
			LocationURL:  "http://10.0.0.5:49152/desc.xml",
			ControlURL:   "http://10.0.0.5:49152/AVTransport/control",
			IP:           "10.0.0.5",
			Port:         49152,
		},
		{
			UDN:          "uuid:cccc-dddd",
			FriendlyName: "Bedroom TV",
			Manufacturer: "Acme",
			LocationURL:  "http://10.0.0.6:49152/desc.xml",
			ControlURL:   "http://10.0.0.6:49152/AVTransport/control",
			IP:           "10.0.0.6",
			Port:         49152,
		},
	}
}

type fixture struct {
	mgr     *Manager
	reg     *registry.Registry
	disc    *fakeDiscoverer
	control *fakeControl
	streams *fakeStreamer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := registry.New(testutil.Logger())
	disc := &fakeDiscoverer{descs: testDescriptors()}
	control := &fakeControl{}
	streams := newFakeStreamer()

	cfg := DefaultConfig()
	cfg.Monitor = monitor.Config{
		PollInterval:     50 * time.Millisecond,
		FailureThreshold: 3,
		MaxBackoff:       200 * time.Millisecond,
		ActionTimeout:    time.Second,
	}

	mgr := New(cfg, reg, disc, control, streams, testutil.Logger(), opts...)
	t.Cleanup(mgr.Close)
	return &fixture{mgr: mgr, reg: reg, disc: disc, control: control, streams: streams}
}

func (f *fixture) discover(t *testing.T) {
	t.Helper()
	f.mgr.runCycle(context.Background())
	require.NotEmpty(t, f.mgr.ListDevices())
}

func TestDiscoveryCycleRegistersDevices(t *testing.T) {
	f := newFixture(t)
	f.mgr.runCycle(context.Background())

	devices := f.mgr.ListDevices()
	require.Len(t, devices, 2)
	require.Equal(t, "Bedroom TV", devices[0].FriendlyName)
	require.Equal(t, "Living Room TV", devices[1].FriendlyName)
	require.Equal(t, models.StatusDiscovered, devices[0].Status)
}

func TestDiscoveryCyclePersistsSnapshot(t *testing.T) {
	persist := &fakePersister{}
	f := newFixture(t, WithPersister(persist))
	f.mgr.runCycle(context.Background())

	persist.mu.Lock()
	defer persist.mu.Unlock()
	require.Len(t, persist.saved, 1)
	require.Len(t, persist.saved[0], 2)
}

func TestPlayUnknownDevice(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Play(context.Background(), "no-such-device", "/media/a.mp4", false)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestPlayStartsStreamAndMonitor(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true))

	require.Equal(t, 1, f.control.setCount())
	require.Equal(t, 1, f.control.playCount())
	require.Equal(t, 1, f.mgr.MonitorCount())

	dev, err := f.mgr.GetStatus("aaaa-bbbb")
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaying, dev.Status)
	require.Equal(t, "/media/a.mp4", dev.CurrentVideo)
	require.True(t, dev.IsLooping)
}

func TestPlayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true))
	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true))

	require.Equal(t, 1, f.control.setCount(), "second play of same media must not re-issue SetAVTransportURI")
	require.Equal(t, 1, f.control.playCount())
	require.Equal(t, 1, f.mgr.MonitorCount())
}

func TestPlaySwitchingMediaRetiresOldSession(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true))
	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/b.mp4", false))

	require.Equal(t, 1, f.streams.releaseCount("http://127.0.0.1:9000/media/a.mp4"))
	require.Equal(t, 1, f.mgr.MonitorCount())

	dev, err := f.mgr.GetStatus("aaaa-bbbb")
	require.NoError(t, err)
	require.Equal(t, "/media/b.mp4", dev.CurrentVideo)
	require.False(t, dev.IsLooping)
}

func TestPlayTransportFailureReleasesStream(t *testing.T) {
	f := newFixture(t)
	f.discover(t)
	f.control.err = errors.New("connection refused")

	err := f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", false)
	require.Error(t, err)
	require.Equal(t, 1, f.streams.releaseCount("http://127.0.0.1:9000/media/a.mp4"))
	require.Equal(t, 0, f.mgr.MonitorCount())

	dev, gerr := f.mgr.GetStatus("aaaa-bbbb")
	require.NoError(t, gerr)
	require.Equal(t, 1, dev.ConsecutiveFailures)
}

func TestStopReleasesStreamOnce(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true))
	require.NoError(t, f.mgr.Stop(context.Background(), "aaaa-bbbb"))

	require.Equal(t, 1, f.streams.releaseCount("http://127.0.0.1:9000/media/a.mp4"))
	require.Equal(t, 0, f.mgr.MonitorCount())

	dev, err := f.mgr.GetStatus("aaaa-bbbb")
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, dev.Status)
	require.Empty(t, dev.CurrentVideo)
	require.False(t, dev.IsLooping)
}

func TestPauseUpdatesStatus(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Pause(context.Background(), "aaaa-bbbb"))
	dev, err := f.mgr.GetStatus("aaaa-bbbb")
	require.NoError(t, err)
	require.Equal(t, models.StatusPaused, dev.Status)
	require.Equal(t, 1, f.control.pauses)
}

func TestPauseKeepsMonitorForResume(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true))
	f.control.setState(models.TransportPaused)
	require.NoError(t, f.mgr.Pause(context.Background(), "aaaa-bbbb"))

	// The monitor stays alive on a commanded pause so a resume done on
	// the TV itself is mirrored back into the registry.
	require.Equal(t, 1, f.mgr.MonitorCount())

	f.control.setState(models.TransportPlaying)
	require.Eventually(t, func() bool {
		dev, err := f.mgr.GetStatus("aaaa-bbbb")
		return err == nil && dev.Status == models.StatusPlaying
	}, 2*time.Second, 10*time.Millisecond, "external resume not mirrored")
}

func TestSeekForwardsPosition(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Seek(context.Background(), "aaaa-bbbb", 90*time.Second))
	require.Equal(t, []time.Duration{90 * time.Second}, f.control.seeks)
}

func TestCloseStopsAllMonitors(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	require.NoError(t, f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true))
	require.NoError(t, f.mgr.Play(context.Background(), "cccc-dddd", "/media/b.mp4", true))
	require.Equal(t, 2, f.mgr.MonitorCount())

	f.mgr.Close()
	require.Equal(t, 0, f.mgr.MonitorCount())
	require.Equal(t, 1, f.streams.releaseCount("http://127.0.0.1:9000/media/a.mp4"))
	require.Equal(t, 1, f.streams.releaseCount("http://127.0.0.1:9000/media/b.mp4"))
}

func TestConcurrentPlaySpawnsOneMonitor(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	// Hold the first play open inside Serve so the second call arrives
	// while the first has not yet installed its handle.
	gate := make(chan struct{})
	f.streams.mu.Lock()
	f.streams.gate = gate
	f.streams.mu.Unlock()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.mgr.Play(context.Background(), "aaaa-bbbb", "/media/a.mp4", true)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, f.control.setCount(), "concurrent plays of the same media must issue one SetAVTransportURI")
	require.Equal(t, 1, f.control.playCount())
	require.Equal(t, 1, f.mgr.MonitorCount())
}

func TestAutoPlayStartsPlaybackOnce(t *testing.T) {
	f := newFixture(t)
	f.mgr.LoadAutoPlay(AutoPlayConfig{
		"Living Room TV": {VideoPath: "/media/loop.mp4", Loop: true},
	})

	f.mgr.runCycle(context.Background())
	f.mgr.runCycle(context.Background())

	require.Equal(t, 1, f.control.setCount(), "a healthy ongoing playback must not be re-triggered on the next cycle")
	require.Equal(t, 1, f.control.playCount())
	require.Equal(t, 1, f.mgr.MonitorCount())

	dev, err := f.mgr.GetStatus("aaaa-bbbb")
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaying, dev.Status)
	require.Equal(t, "/media/loop.mp4", dev.CurrentVideo)
	require.True(t, dev.IsLooping)
}

func TestAutoPlaySkipsUnreachableDevice(t *testing.T) {
	f := newFixture(t)
	f.discover(t)
	_, err := f.reg.MarkUnreachable("aaaa-bbbb")
	require.NoError(t, err)

	f.mgr.LoadAutoPlay(AutoPlayConfig{
		"Living Room TV": {VideoPath: "/media/loop.mp4", Loop: true},
	})
	f.mgr.applyAutoPlay(context.Background())

	require.Equal(t, 0, f.control.setCount())
	require.Equal(t, 0, f.control.playCount())
	require.Equal(t, 0, f.mgr.MonitorCount())
}

func TestAutoPlayUnmatchedEntryIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.discover(t)

	f.mgr.LoadAutoPlay(AutoPlayConfig{
		"No Such TV": {VideoPath: "/media/loop.mp4", Loop: true},
	})
	f.mgr.applyAutoPlay(context.Background())

	require.Equal(t, 0, f.control.playCount())
	require.Equal(t, 0, f.mgr.MonitorCount())
}

func TestStartDiscoveryIsSingleFlight(t *testing.T) {
	f := newFixture(t)

	f.mgr.StartDiscovery(context.Background(), time.Hour)
	f.mgr.StartDiscovery(context.Background(), time.Hour)
	time.Sleep(20 * time.Millisecond)
	f.mgr.StopDiscovery()

	f.disc.mu.Lock()
	calls := f.disc.calls
	f.disc.mu.Unlock()
	require.Equal(t, 1, calls, "second StartDiscovery must not launch a second loop")
}
