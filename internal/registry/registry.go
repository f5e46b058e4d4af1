// Package registry is the concurrency-safe store of known renderers and
// their runtime state. Mutations are serialized per record, so discovery
// updates for one device never block a command transition on another.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcast/beamcast/pkg/models"
)

var (
	// ErrNotFound indicates an unknown device ID.
	ErrNotFound = errors.New("device not found")

	// ErrGuardRejected indicates a transition guard evaluated false; the
	// record was left unchanged.
	ErrGuardRejected = errors.New("transition rejected by guard")
)

// Guard is a predicate evaluated atomically with a status transition.
type Guard func(models.Device) bool

// record pairs a device with its own lock. The registry map lock is held
// only to look the record up; all field access happens under rec.mu.
type record struct {
	mu  sync.Mutex
	dev models.Device
}

// Registry holds one record per distinct device ID. Records are never
// deleted, only marked unreachable.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*record),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert creates or refreshes the record for seed.ID and returns a
// snapshot. For an existing record only identity/network metadata and
// LastSeen are refreshed; runtime state is preserved, except that an
// Unreachable device seen again on the network returns to Discovered. It
// is never promoted straight to Connected.
func (r *Registry) Upsert(seed models.Device) models.Device {
	rec := r.getOrCreate(seed.ID)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := r.now()
	if rec.dev.ID == "" {
		rec.dev = seed
		rec.dev.Status = models.StatusDiscovered
		rec.dev.FirstSeen = now
		rec.dev.LastSeen = now
		r.logger.Info("device discovered",
			zap.String("id", seed.ID),
			zap.String("friendly_name", seed.FriendlyName),
			zap.String("control_url", seed.ControlURL),
		)
		return rec.dev
	}

	rec.dev.FriendlyName = seed.FriendlyName
	rec.dev.Manufacturer = seed.Manufacturer
	rec.dev.LocationURL = seed.LocationURL
	rec.dev.ControlURL = seed.ControlURL
	rec.dev.IP = seed.IP
	rec.dev.Port = seed.Port
	rec.dev.LastSeen = now
	if rec.dev.Status == models.StatusUnreachable {
		rec.dev.Status = models.StatusDiscovered
		rec.dev.ConsecutiveFailures = 0
		r.logger.Info("device reachable again", zap.String("id", seed.ID))
	}
	return rec.dev
}

// Seed inserts a device exactly as given, only if no record exists yet.
// Used at startup to restore persisted devices (as Unreachable) without
// the Upsert freshness semantics.
func (r *Registry) Seed(dev models.Device) {
	rec := r.getOrCreate(dev.ID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.dev.ID == "" {
		rec.dev = dev
	}
}

// Get returns a snapshot of the device with the given ID.
func (r *Registry) Get(id string) (models.Device, bool) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return models.Device{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.dev, true
}

// List returns snapshots of all records, ordered by friendly name for
// stable output.
func (r *Registry) List() []models.Device {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	devices := make([]models.Device, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		devices = append(devices, rec.dev)
		rec.mu.Unlock()
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].FriendlyName != devices[j].FriendlyName {
			return devices[i].FriendlyName < devices[j].FriendlyName
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// Transition moves the device to status if guard passes. Guard evaluation
// and the write happen under the record lock, so concurrent transitions
// for the same device are totally ordered.
func (r *Registry) Transition(id string, status models.DeviceStatus, guard Guard) (models.Device, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return models.Device{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if guard != nil && !guard(rec.dev) {
		return rec.dev, ErrGuardRejected
	}

	prev := rec.dev.Status
	rec.dev.Status = status
	r.logger.Debug("device transition",
		zap.String("id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(status)),
	)
	return rec.dev, nil
}

// Update applies fn to the record under its lock and returns the updated
// snapshot. Used for command bookkeeping (current video, failure counts,
// command timestamps).
func (r *Registry) Update(id string, fn func(*models.Device)) (models.Device, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return models.Device{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.dev)
	return rec.dev, nil
}

// MarkUnreachable forces the device to Unreachable regardless of its
// current status.
func (r *Registry) MarkUnreachable(id string) (models.Device, error) {
	dev, err := r.Transition(id, models.StatusUnreachable, nil)
	if err != nil {
		return dev, err
	}
	r.logger.Warn("device unreachable", zap.String("id", id))
	return dev, nil
}

// SweepStale finds devices whose LastSeen is older than ttl and verifies
// each with the supplied probe before marking it Unreachable. A device is
// degraded only when both the SSDP silence and the direct probe agree;
// marking is guarded on LastSeen still being stale, so a discovery reply
// racing the sweep wins. Returns the devices newly marked Unreachable.
func (r *Registry) SweepStale(ctx context.Context, ttl time.Duration, verify func(context.Context, models.Device) bool) []models.Device {
	cutoff := r.now().Add(-ttl)

	var stale []models.Device
	for _, dev := range r.List() {
		if dev.Status == models.StatusUnreachable {
			continue
		}
		if dev.LastSeen.After(cutoff) {
			continue
		}
		stale = append(stale, dev)
	}

	var marked []models.Device
	for _, dev := range stale {
		if ctx.Err() != nil {
			break
		}
		if verify != nil && verify(ctx, dev) {
			// Direct probe succeeded: still alive, keep the record as-is.
			r.logger.Debug("stale device verified alive", zap.String("id", dev.ID))
			continue
		}
		updated, err := r.Transition(dev.ID, models.StatusUnreachable, func(d models.Device) bool {
			return !d.LastSeen.After(cutoff)
		})
		if err != nil {
			continue
		}
		r.logger.Warn("device unreachable",
			zap.String("id", dev.ID),
			zap.String("friendly_name", dev.FriendlyName),
			zap.Time("last_seen", dev.LastSeen),
		)
		marked = append(marked, updated)
	}
	return marked
}

func (r *Registry) getOrCreate(id string) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		rec = &record{}
		r.records[id] = rec
	}
	return rec
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}
