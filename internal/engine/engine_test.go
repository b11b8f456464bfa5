package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/history"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/sensorfeed"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/trigger"
)

var morning = time.Date(2026, 5, 1, 7, 0, 0, 0, time.Local)

type harness struct {
	st     *store.Memory
	cache  *sensorfeed.Memory
	rec    *history.Recorder
	engine *Engine
}

func newHarness() *harness {
	h := &harness{st: store.NewMemory(), cache: sensorfeed.NewMemory()}
	h.rec = history.NewRecorder(h.st, nil)
	h.engine = New(Config{Freshness: 10 * time.Minute, MinInterval: 30 * time.Minute}, h.cache, h.rec, NewRegistry(), nil)
	return h
}

func (h *harness) reading(t *testing.T, device string, soil float64, at time.Time) {
	t.Helper()
	require.NoError(t, h.cache.Put(context.Background(), model.SensorSnapshot{
		DeviceID: device, SoilMoisture: model.Float(soil), Temperature: model.Float(24), ObservedAt: at,
	}))
}

func fired(id string, at time.Time) *trigger.ScheduleFired {
	return &trigger.ScheduleFired{ScheduleID: id, FiredAt: at}
}

func sensorOnly(id string) model.WateringSchedule {
	return model.WateringSchedule{
		ID: id, DeviceID: "D1", CronExpression: "* * * * *", WaterAmountMl: 100,
		IsActive: true, OnlySensorTriggered: true,
		SensorConditions: model.SensorConditions{SoilMoistureBelow: model.Float(30)},
	}
}

func TestEvaluate_SensorTriggered(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	s := sensorOnly("s1")

	h.reading(t, "D1", 25, morning)
	in, err := h.engine.Evaluate(ctx, s, fired("s1", morning), morning)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, model.ReasonSensorTriggered, in.Reason)
	assert.Equal(t, 100, in.WaterAmountMl)
	assert.Equal(t, model.InitiatorSystem, in.InitiatedBy)
	require.NotNil(t, in.SensorBefore)
	assert.Equal(t, 25.0, *in.SensorBefore.SoilMoisture)

	next := morning.Add(time.Minute)
	h.reading(t, "D1", 35, next)
	in, err = h.engine.Evaluate(ctx, s, fired("s1", next), next)
	require.NoError(t, err)
	assert.Nil(t, in)

	st, ok := h.engine.Registry().Get("s1")
	require.True(t, ok)
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, DecisionUnmet, st.LastDecision)
	assert.True(t, st.LastIntentAt.Equal(morning))
}

func TestRunner_SensorOnlyScheduleFollowsCronCadence(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	s := sensorOnly("six-hourly")
	s.CronExpression = "0 */6 * * *"
	sub := &recordingSubmitter{}
	r := NewRunner(RunnerConfig{TickInterval: time.Minute}, h.engine, trigger.NewClock(time.Minute, time.Local), &stubSchedules{list: []model.WateringSchedule{s}}, sub, nil)

	// dry at 07:00, but the cron only fires at 06:00 and 12:00
	h.reading(t, "D1", 10, morning)
	out, err := r.TickOnce(ctx, morning)
	require.NoError(t, err)
	assert.Empty(t, out)

	noon := time.Date(2026, 5, 1, 12, 0, 20, 0, time.Local)
	h.reading(t, "D1", 10, noon.Add(-time.Minute))
	out, err = r.TickOnce(ctx, noon)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.ReasonSensorTriggered, out[0].Reason)
	r.Wait()
	assert.Equal(t, 1, sub.count())
}

func TestEvaluate_ConjunctiveGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	s := model.WateringSchedule{
		ID: "s1", DeviceID: "D1", CronExpression: "0 7 * * *", WaterAmountMl: 100, IsActive: true,
		SensorConditions: model.SensorConditions{SoilMoistureBelow: model.Float(30)},
	}
	h.reading(t, "D1", 25, morning)

	in, err := h.engine.Evaluate(ctx, s, nil, morning)
	require.NoError(t, err)
	assert.Nil(t, in, "sensor alone does not trigger a time-gated schedule")

	in, err = h.engine.Evaluate(ctx, s, fired("s1", morning), morning)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, model.ReasonBoth, in.Reason)

	tomorrow := morning.Add(24 * time.Hour)
	h.reading(t, "D1", 45, tomorrow)
	in, err = h.engine.Evaluate(ctx, s, fired("s1", tomorrow), tomorrow)
	require.NoError(t, err)
	assert.Nil(t, in, "fire alone does not trigger when the sensor gate is closed")
}

func TestEvaluate_MissingDataNeverWaters(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	s := sensorOnly("s1")

	in, err := h.engine.Evaluate(ctx, s, fired("s1", morning), morning)
	assert.ErrorIs(t, err, model.ErrStaleOrMissingSensorData, "device never reported")
	assert.Nil(t, in)

	h.reading(t, "D1", 5, morning.Add(-11*time.Minute))
	next := morning.Add(time.Minute)
	in, err = h.engine.Evaluate(ctx, s, fired("s1", next), next)
	assert.ErrorIs(t, err, model.ErrStaleOrMissingSensorData, "stale reading")
	assert.Nil(t, in)

	st, _ := h.engine.Registry().Get("s1")
	assert.Equal(t, DecisionMissingData, st.LastDecision)

	list, err := h.st.ListHistory(ctx, "D1", 0)
	require.NoError(t, err)
	assert.Empty(t, list, "no intent, no history entry")
}

func TestEvaluate_InactiveAndIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	s := model.WateringSchedule{ID: "s1", DeviceID: "D1", CronExpression: "0 7 * * *", WaterAmountMl: 100}

	in, err := h.engine.Evaluate(ctx, s, fired("s1", morning), morning)
	require.NoError(t, err)
	assert.Nil(t, in, "inactive schedules never emit")

	s.IsActive = true
	in, err = h.engine.Evaluate(ctx, s, fired("s1", morning), morning)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, model.ReasonScheduled, in.Reason)

	in, err = h.engine.Evaluate(ctx, s, fired("s1", morning), morning.Add(10*time.Second))
	require.NoError(t, err)
	assert.Nil(t, in, "the same fire is handled once")
}

func TestEvaluate_MinIntervalGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	s := sensorOnly("s1")

	_, err := h.rec.Append(ctx, model.WateringHistory{
		DeviceID: "D1", ScheduleID: "s1", WateringType: model.WateringAutomatic, WaterAmountMl: 100,
		InitiatedBy: model.InitiatorSystem, Outcome: model.OutcomeSuccess, RequestedAt: morning, CreatedAt: morning,
	})
	require.NoError(t, err)

	at := morning.Add(5 * time.Minute)
	h.reading(t, "D1", 20, at)
	in, err := h.engine.Evaluate(ctx, s, fired("s1", at), at)
	require.NoError(t, err)
	assert.Nil(t, in)

	list, err := h.st.ListHistory(ctx, "D1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.OutcomeSkipped, list[0].Outcome)
	assert.Equal(t, model.SkipMinInterval, list[0].Reason)
	assert.Equal(t, "s1", list[0].ScheduleID)
	assert.Equal(t, 20.0, *list[0].SensorReadings.MoistureBefore)

	// a skipped entry does not count as a watering: the guard still measures from the success
	at = morning.Add(29 * time.Minute)
	h.reading(t, "D1", 20, at)
	in, err = h.engine.Evaluate(ctx, s, fired("s1", at), at)
	require.NoError(t, err)
	assert.Nil(t, in)

	at = morning.Add(31 * time.Minute)
	h.reading(t, "D1", 20, at)
	in, err = h.engine.Evaluate(ctx, s, fired("s1", at), at)
	require.NoError(t, err)
	require.NotNil(t, in)
}

// stubSchedules serves a fixed schedule list, including invalid ones.
type stubSchedules struct {
	mu     sync.Mutex
	list   []model.WateringSchedule
	active map[string]bool
}

func (s *stubSchedules) GetActiveSchedules(context.Context) ([]model.WateringSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WateringSchedule
	for _, sc := range s.list {
		if sc.IsActive {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *stubSchedules) GetSchedule(_ context.Context, id string) (model.WateringSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.list {
		if sc.ID == id {
			return sc, nil
		}
	}
	return model.WateringSchedule{}, model.ErrNotFound
}

func (s *stubSchedules) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID == id {
			s.list[i].IsActive = active
			return nil
		}
	}
	return model.ErrNotFound
}

type recordingSubmitter struct {
	mu      sync.Mutex
	intents []model.WateringIntent
	block   chan struct{}
}

func (r *recordingSubmitter) Submit(_ context.Context, in model.WateringIntent) model.Outcome {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	return model.OutcomeSuccess
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intents)
}

func TestRunner_DailyScheduleFiresOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	schedules := &stubSchedules{list: []model.WateringSchedule{
		{ID: "daily", DeviceID: "D1", CronExpression: "0 7 * * *", WaterAmountMl: 200, IsActive: true},
		{ID: "broken", DeviceID: "D2", CronExpression: "* * * * *", WaterAmountMl: 50, IsActive: true, OnlySensorTriggered: true},
	}}
	sub := &recordingSubmitter{}
	r := NewRunner(RunnerConfig{TickInterval: time.Minute}, h.engine, trigger.NewClock(time.Minute, time.Local), schedules, sub, nil)

	var emitted []model.WateringIntent
	for _, at := range []time.Time{
		morning.Add(-30 * time.Second),
		morning.Add(10 * time.Second),
		morning.Add(40 * time.Second),
		morning.Add(70 * time.Second),
	} {
		out, err := r.TickOnce(ctx, at)
		require.NoError(t, err)
		emitted = append(emitted, out...)
	}
	r.Wait()

	require.Len(t, emitted, 1)
	assert.Equal(t, "daily", emitted[0].ScheduleID)
	assert.Equal(t, model.ReasonScheduled, emitted[0].Reason)
	assert.Equal(t, 1, sub.count())

	_, tracked := h.engine.Registry().Get("broken")
	assert.False(t, tracked, "misconfigured schedules never reach the engine")
}

func TestRunner_ConcurrentSchedules(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	var list []model.WateringSchedule
	for _, id := range []string{"a", "b", "c", "d"} {
		s := sensorOnly(id)
		s.DeviceID = "dev-" + id
		list = append(list, s)
		h.reading(t, s.DeviceID, 10, morning)
	}
	sub := &recordingSubmitter{}
	r := NewRunner(RunnerConfig{TickInterval: time.Minute, Parallelism: 2}, h.engine, nil, &stubSchedules{list: list}, sub, nil)

	out, err := r.TickOnce(ctx, morning)
	require.NoError(t, err)
	assert.Len(t, out, 4)
	r.Wait()
	assert.Equal(t, 4, sub.count())
}

func TestRunner_RunWaitsForInFlight(t *testing.T) {
	h := newHarness()
	schedules := &stubSchedules{list: []model.WateringSchedule{
		{ID: "daily", DeviceID: "D1", CronExpression: "0 7 * * *", WaterAmountMl: 200, IsActive: true},
	}}
	sub := &recordingSubmitter{block: make(chan struct{})}
	r := NewRunner(RunnerConfig{TickInterval: 5 * time.Millisecond}, h.engine, trigger.NewClock(time.Minute, time.Local), schedules, sub, nil)
	r.now = func() time.Time { return morning }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight intent resolved")
	case <-time.After(30 * time.Millisecond):
	}
	close(sub.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, sub.count(), "repeated ticks in the same minute do not re-fire")
}
