package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/notify"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
)

// flakyStore fails the first n appends.
type flakyStore struct {
	*store.Memory
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyStore) AppendHistory(ctx context.Context, h model.WateringHistory) error {
	f.mu.Lock()
	f.calls++
	fail := f.fails != 0
	if f.fails > 0 {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.Memory.AppendHistory(ctx, h)
}

type mirrorFunc func(model.WateringHistory)

func (f mirrorFunc) Write(h model.WateringHistory) { f(h) }

func fastRetry() RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, MaxElapsedTime: 200 * time.Millisecond, MaxRetries: 3}
}

func success(device string, at time.Time) model.WateringHistory {
	return model.WateringHistory{
		DeviceID: device, WateringType: model.WateringScheduled, WaterAmountMl: 100,
		InitiatedBy: model.InitiatorSystem, Outcome: model.OutcomeSuccess, RequestedAt: at, CreatedAt: at,
	}
}

func TestAppend_AssignsIDAndTime(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mirrored []model.WateringHistory
	r := NewRecorder(store.NewMemory(), nil,
		WithClock(func() time.Time { return now }),
		WithMirror(mirrorFunc(func(h model.WateringHistory) { mirrored = append(mirrored, h) })))

	id, err := r.Append(ctx, model.WateringHistory{DeviceID: "D1", Outcome: model.OutcomeSuccess})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	last, err := r.LastSuccessful(ctx, "D1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, id, last.ID)
	assert.True(t, last.CreatedAt.Equal(now))

	require.Len(t, mirrored, 1)
	assert.Equal(t, id, mirrored[0].ID)
}

func TestAppend_RetriesTransientFailure(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(), fails: 2}
	sink := &notify.Recorder{}
	r := NewRecorder(st, sink, WithRetry(fastRetry()))

	_, err := r.Append(context.Background(), success("D1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 3, st.calls)
	assert.Empty(t, sink.Events())
}

func TestAppend_PersistenceUnavailable(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(), fails: -1}
	sink := &notify.Recorder{}
	var mirrored int
	r := NewRecorder(st, sink, WithRetry(fastRetry()),
		WithMirror(mirrorFunc(func(model.WateringHistory) { mirrored++ })))

	start := time.Now()
	_, err := r.Append(context.Background(), success("D1", time.Now()))
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second, "append must respect its retry budget")
	assert.Equal(t, 4, st.calls)
	assert.Equal(t, 1, sink.Count("D1", model.KindPersistenceUnavailable))
	assert.Zero(t, mirrored)
}

func TestAverageIntervalHours(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

	t.Run("no history", func(t *testing.T) {
		r := NewRecorder(store.NewMemory(), nil)
		avg, err := r.AverageIntervalHours(ctx, "D1", 10)
		require.NoError(t, err)
		assert.Equal(t, 24.0, avg)
	})

	t.Run("single success", func(t *testing.T) {
		r := NewRecorder(store.NewMemory(), nil)
		_, err := r.Append(ctx, success("D1", base))
		require.NoError(t, err)
		avg, err := r.AverageIntervalHours(ctx, "D1", 10)
		require.NoError(t, err)
		assert.Equal(t, 24.0, avg)
	})

	t.Run("successes only", func(t *testing.T) {
		r := NewRecorder(store.NewMemory(), nil)
		for _, at := range []time.Time{base, base.Add(2 * time.Hour), base.Add(6 * time.Hour)} {
			_, err := r.Append(ctx, success("D1", at))
			require.NoError(t, err)
		}
		failed := success("D1", base.Add(7*time.Hour))
		failed.Outcome = model.OutcomeFailed
		_, err := r.Append(ctx, failed)
		require.NoError(t, err)

		avg, err := r.AverageIntervalHours(ctx, "D1", 10)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, avg, 1e-9)

		avg, err = r.AverageIntervalHours(ctx, "D1", 2)
		require.NoError(t, err)
		assert.InDelta(t, 4.0, avg, 1e-9)
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	r := NewRecorder(store.NewMemory(), nil)

	for i, o := range []model.Outcome{model.OutcomeSuccess, model.OutcomeSkipped, model.OutcomeFailed, model.OutcomeSuccess} {
		h := success("D1", base.Add(time.Duration(i)*time.Hour))
		h.Outcome = o
		_, err := r.Append(ctx, h)
		require.NoError(t, err)
	}

	st, err := r.Stats(ctx, "D1", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Successful)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 200, st.TotalWaterMl)
	require.NotNil(t, st.LastWateredAt)
	assert.True(t, st.LastWateredAt.Equal(base.Add(3*time.Hour)))
	assert.InDelta(t, 3.0, st.AverageIntervalHours, 1e-9)
}

func TestHistoryToPoint(t *testing.T) {
	at := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	dur := 20
	h := success("D1", at)
	h.ScheduleID = "s1"
	h.DurationSeconds = &dur
	h.SensorReadings.MoistureBefore = model.Float(21.5)

	line := write.PointToLineProtocol(HistoryToPoint(h), time.Second)
	assert.True(t, strings.HasPrefix(line, "watering_event,"), line)
	for _, want := range []string{"device_id=D1", "outcome=Success", "schedule_id=s1", "duration_seconds=20i", "moisture_before=21.5", "water_amount_ml=100i"} {
		assert.Contains(t, line, want)
	}
}
