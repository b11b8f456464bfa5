// Package store persists watering schedules and the append-only watering
// history. The core only needs read, append and update-by-id semantics.
package store

import (
	"context"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// ScheduleStore is the read side of the schedule management API plus the
// single mutation the core performs (SetActive).
type ScheduleStore interface {
	GetActiveSchedules(ctx context.Context) ([]model.WateringSchedule, error)
	GetSchedule(ctx context.Context, id string) (model.WateringSchedule, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// ScheduleAdmin is used by the CLI import path, never by the core.
type ScheduleAdmin interface {
	ScheduleStore
	UpsertSchedule(ctx context.Context, s model.WateringSchedule) error
	ListSchedules(ctx context.Context) ([]model.WateringSchedule, error)
}

// HistoryStore is append-only: there are no update or delete operations.
type HistoryStore interface {
	AppendHistory(ctx context.Context, h model.WateringHistory) error
	// LastSuccessful returns nil when the device has no Success entry.
	LastSuccessful(ctx context.Context, deviceID string) (*model.WateringHistory, error)
	// RecentSuccessful returns up to limit Success entries, newest first.
	RecentSuccessful(ctx context.Context, deviceID string, limit int) ([]model.WateringHistory, error)
	// ListHistory returns up to limit entries of any outcome, newest first.
	ListHistory(ctx context.Context, deviceID string, limit int) ([]model.WateringHistory, error)
}

// Store bundles both sides; SQL and memory backends implement it.
type Store interface {
	ScheduleAdmin
	HistoryStore
	Close() error
}
