package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// Memory is an in-process Store used by tests and `--store memory`.
type Memory struct {
	mu        sync.RWMutex
	schedules map[string]model.WateringSchedule
	history   []model.WateringHistory
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{schedules: make(map[string]model.WateringSchedule)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) UpsertSchedule(_ context.Context, s model.WateringSchedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.schedules[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]model.WateringSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.WateringSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetActiveSchedules(ctx context.Context) ([]model.WateringSchedule, error) {
	all, _ := m.ListSchedules(ctx)
	out := all[:0]
	for _, s := range all {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (model.WateringSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return model.WateringSchedule{}, fmt.Errorf("schedule %s: %w", id, model.ErrNotFound)
	}
	return s, nil
}

func (m *Memory) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, model.ErrNotFound)
	}
	s.IsActive = active
	m.schedules[id] = s
	return nil
}

func (m *Memory) AppendHistory(_ context.Context, h model.WateringHistory) error {
	m.mu.Lock()
	m.history = append(m.history, h)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LastSuccessful(ctx context.Context, deviceID string) (*model.WateringHistory, error) {
	list, err := m.RecentSuccessful(ctx, deviceID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (m *Memory) RecentSuccessful(_ context.Context, deviceID string, limit int) ([]model.WateringHistory, error) {
	return m.newest(deviceID, limit, func(h model.WateringHistory) bool { return h.Outcome == model.OutcomeSuccess }), nil
}

func (m *Memory) ListHistory(_ context.Context, deviceID string, limit int) ([]model.WateringHistory, error) {
	return m.newest(deviceID, limit, func(model.WateringHistory) bool { return true }), nil
}

func (m *Memory) newest(deviceID string, limit int, keep func(model.WateringHistory) bool) []model.WateringHistory {
	m.mu.RLock()
	var out []model.WateringHistory
	for i := len(m.history) - 1; i >= 0; i-- {
		h := m.history[i]
		if h.DeviceID == deviceID && keep(h) {
			out = append(out, h)
		}
	}
	m.mu.RUnlock()

	// newest first by creation time; append order breaks ties
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
