package cache

import (
	"context"
	"sync"
	"time"

	"signment/internal/types"
)

const memoryQueueSize = 1024

type memEntry struct {
	shipment types.Shipment
	expires  time.Time
}

type geoEntry struct {
	lat, lon float64
	expires  time.Time
}

// Memory is the fallback Cache used when Redis is unavailable. State is
// process-local, so the serve, bot and worker processes each see their
// own copy; the notification queue only works when the worker runs in
// the same process.
type Memory struct {
	mu        sync.RWMutex
	shipments map[string]memEntry
	paused    map[string]bool
	speeds    map[string]float64
	routes    map[string][]string
	routesExp time.Time
	geocodes  map[string]geoEntry
	batches   map[int64]map[string]struct{}

	queue chan types.Notification

	nowFunc func() time.Time
}

// NewMemory builds an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		shipments: make(map[string]memEntry),
		paused:    make(map[string]bool),
		speeds:    make(map[string]float64),
		geocodes:  make(map[string]geoEntry),
		batches:   make(map[int64]map[string]struct{}),
		queue:     make(chan types.Notification, memoryQueueSize),
		nowFunc:   time.Now,
	}
}

func (m *Memory) Backend() string                { return "memory" }
func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func (m *Memory) GetShipment(ctx context.Context, trackingNumber string) (*types.Shipment, bool) {
	m.mu.RLock()
	entry, ok := m.shipments[trackingNumber]
	m.mu.RUnlock()
	if !ok || m.nowFunc().After(entry.expires) {
		return nil, false
	}
	sh := entry.shipment
	return &sh, true
}

func (m *Memory) SetShipment(ctx context.Context, sh *types.Shipment) error {
	m.mu.Lock()
	m.shipments[sh.TrackingNumber] = memEntry{shipment: *sh, expires: m.nowFunc().Add(shipmentTTL)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) InvalidateShipment(ctx context.Context, trackingNumber string) error {
	m.mu.Lock()
	delete(m.shipments, trackingNumber)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetPaused(ctx context.Context, trackingNumber string, paused bool) error {
	m.mu.Lock()
	if paused {
		m.paused[trackingNumber] = true
	} else {
		delete(m.paused, trackingNumber)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Paused(ctx context.Context, trackingNumber string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[trackingNumber], nil
}

func (m *Memory) PausedAll(ctx context.Context) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.paused))
	for tn := range m.paused {
		out[tn] = true
	}
	return out, nil
}

func (m *Memory) SetSpeed(ctx context.Context, trackingNumber string, multiplier float64) error {
	m.mu.Lock()
	m.speeds[trackingNumber] = ClampSpeed(multiplier)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Speed(ctx context.Context, trackingNumber string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.speeds[trackingNumber]; ok {
		return s, nil
	}
	return 1.0, nil
}

func (m *Memory) PushNotification(ctx context.Context, n types.Notification) error {
	select {
	case m.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) PopNotification(ctx context.Context, timeout time.Duration) (*types.Notification, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n := <-m.queue:
		return &n, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) QueueLength(ctx context.Context) (int64, error) {
	return int64(len(m.queue)), nil
}

func (m *Memory) SetRouteTemplates(ctx context.Context, routes map[string][]string) error {
	m.mu.Lock()
	m.routes = routes
	m.routesExp = m.nowFunc().Add(routesTTL)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RouteTemplates(ctx context.Context) (map[string][]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.routes == nil || m.nowFunc().After(m.routesExp) {
		return nil, false
	}
	return m.routes, true
}

func (m *Memory) SetGeocode(ctx context.Context, location string, lat, lon float64) error {
	m.mu.Lock()
	m.geocodes[location] = geoEntry{lat: lat, lon: lon, expires: m.nowFunc().Add(geocodeTTL)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Geocode(ctx context.Context, location string) (float64, float64, bool) {
	m.mu.RLock()
	entry, ok := m.geocodes[location]
	m.mu.RUnlock()
	if !ok || m.nowFunc().After(entry.expires) {
		return 0, 0, false
	}
	return entry.lat, entry.lon, true
}

func (m *Memory) AddBatch(ctx context.Context, chatID int64, trackingNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.batches[chatID]
	if !ok {
		set = make(map[string]struct{})
		m.batches[chatID] = set
	}
	set[trackingNumber] = struct{}{}
	return nil
}

func (m *Memory) BatchMembers(ctx context.Context, chatID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]string, 0, len(m.batches[chatID]))
	for tn := range m.batches[chatID] {
		members = append(members, tn)
	}
	return members, nil
}

func (m *Memory) ClearBatch(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	delete(m.batches, chatID)
	m.mu.Unlock()
	return nil
}
