// Package history is the single write path for watering history and the
// read side used by the min-interval guard and statistics.
package history

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/notify"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
)

const (
	DefaultAverageWindow = 10
	// DefaultIntervalHours is reported when fewer than two successes exist.
	DefaultIntervalHours = 24.0
)

// Mirror receives every entry after it was durably appended.
type Mirror interface {
	Write(h model.WateringHistory)
}

// RetryPolicy bounds how long Append keeps retrying a failing store.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxElapsedTime:  3 * time.Second,
		MaxRetries:      4,
	}
}

type Recorder struct {
	store   store.HistoryStore
	sink    notify.Sink
	mirrors []Mirror
	retry   RetryPolicy
	now     func() time.Time
}

type Option func(*Recorder)

func WithMirror(m Mirror) Option            { return func(r *Recorder) { r.mirrors = append(r.mirrors, m) } }
func WithRetry(p RetryPolicy) Option        { return func(r *Recorder) { r.retry = p } }
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

func NewRecorder(st store.HistoryStore, sink notify.Sink, opts ...Option) *Recorder {
	if sink == nil {
		sink = notify.LogSink{}
	}
	r := &Recorder{store: st, sink: sink, retry: DefaultRetryPolicy(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Append stores h, assigning ID and CreatedAt when empty. A failing store is
// retried within the retry policy; once it is exhausted an alert is sent and
// ErrPersistenceUnavailable is returned.
func (r *Recorder) Append(ctx context.Context, h model.WateringHistory) (string, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = r.now().UTC()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retry.InitialInterval
	bo.MaxElapsedTime = r.retry.MaxElapsedTime
	var policy backoff.BackOff = bo
	if r.retry.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(bo, uint64(r.retry.MaxRetries))
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := r.store.AppendHistory(ctx, h); err != nil {
			log.Printf("history: append %s (device %s) attempt %d: %v", h.ID, h.DeviceID, attempt, err)
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		msg := fmt.Sprintf("history append for device %s failed after %d attempts: %v", h.DeviceID, attempt, err)
		r.sink.Notify(h.DeviceID, model.KindPersistenceUnavailable, msg)
		return "", fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
	}

	for _, m := range r.mirrors {
		m.Write(h)
	}
	return h.ID, nil
}

// LastSuccessful returns nil when the device has never been watered.
func (r *Recorder) LastSuccessful(ctx context.Context, deviceID string) (*model.WateringHistory, error) {
	return r.store.LastSuccessful(ctx, deviceID)
}

// AverageIntervalHours is the mean gap between the most recent limit
// successful waterings.
func (r *Recorder) AverageIntervalHours(ctx context.Context, deviceID string, limit int) (float64, error) {
	if limit <= 0 {
		limit = DefaultAverageWindow
	}
	recent, err := r.store.RecentSuccessful(ctx, deviceID, limit)
	if err != nil {
		return 0, err
	}
	return averageInterval(recent), nil
}

func (r *Recorder) List(ctx context.Context, deviceID string, limit int) ([]model.WateringHistory, error) {
	return r.store.ListHistory(ctx, deviceID, limit)
}

// Stats summarizes a device's recent history.
type Stats struct {
	DeviceID             string     `json:"deviceId"`
	Total                int        `json:"total"`
	Successful           int        `json:"successful"`
	Failed               int        `json:"failed"`
	Skipped              int        `json:"skipped"`
	TotalWaterMl         int        `json:"totalWaterMl"`
	LastWateredAt        *time.Time `json:"lastWateredAt,omitempty"`
	AverageIntervalHours float64    `json:"averageIntervalHours"`
}

func (r *Recorder) Stats(ctx context.Context, deviceID string, limit int) (Stats, error) {
	entries, err := r.store.ListHistory(ctx, deviceID, limit)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{DeviceID: deviceID, Total: len(entries)}
	var successes []model.WateringHistory
	for _, h := range entries {
		switch h.Outcome {
		case model.OutcomeSuccess:
			st.Successful++
			st.TotalWaterMl += h.WaterAmountMl
			successes = append(successes, h)
		case model.OutcomeFailed:
			st.Failed++
		case model.OutcomeSkipped:
			st.Skipped++
		}
	}
	if len(successes) > 0 {
		t := successes[0].CreatedAt
		st.LastWateredAt = &t
	}
	if len(successes) > DefaultAverageWindow {
		successes = successes[:DefaultAverageWindow]
	}
	st.AverageIntervalHours = averageInterval(successes)
	return st, nil
}

// averageInterval expects entries newest first.
func averageInterval(entries []model.WateringHistory) float64 {
	if len(entries) < 2 {
		return DefaultIntervalHours
	}
	var total time.Duration
	for i := 1; i < len(entries); i++ {
		d := entries[i-1].CreatedAt.Sub(entries[i].CreatedAt)
		if d < 0 {
			d = -d
		}
		total += d
	}
	return total.Hours() / float64(len(entries)-1)
}
