// Package sensorfeed keeps the latest sensor snapshot per device and feeds it
// from the devices' MQTT telemetry.
package sensorfeed

import (
	"context"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// Cache holds the most recent snapshot of each device.
type Cache interface {
	// Latest returns ok=false when the device never reported.
	Latest(ctx context.Context, deviceID string) (snap model.SensorSnapshot, ok bool, err error)
	// Put stores snap unless a newer snapshot is already cached.
	Put(ctx context.Context, snap model.SensorSnapshot) error
}

type Memory struct {
	mu    sync.RWMutex
	snaps map[string]model.SensorSnapshot
}

var _ Cache = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]model.SensorSnapshot)}
}

func (m *Memory) Latest(_ context.Context, deviceID string) (model.SensorSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[deviceID]
	return s, ok, nil
}

func (m *Memory) Put(_ context.Context, snap model.SensorSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.snaps[snap.DeviceID]; ok && cur.ObservedAt.After(snap.ObservedAt) {
		return nil
	}
	m.snaps[snap.DeviceID] = snap
	return nil
}

// WaitNewer polls the cache until a snapshot observed after since shows up,
// or ctx ends. It never returns an error: a missing reading is nil.
func WaitNewer(ctx context.Context, c Cache, deviceID string, since time.Time, every time.Duration) *model.SensorSnapshot {
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if s, ok, err := c.Latest(ctx, deviceID); err == nil && ok && s.ObservedAt.After(since) {
			return &s
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
