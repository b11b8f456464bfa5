package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/actuator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/history"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/notify"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/sensorfeed"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
)

type fixture struct {
	st    *store.Memory
	cache *sensorfeed.Memory
	sink  *notify.Recorder
	coord *Coordinator
}

func newFixture(t *testing.T, cfg Config, act actuator.Actuator) *fixture {
	t.Helper()
	f := &fixture{st: store.NewMemory(), cache: sensorfeed.NewMemory(), sink: &notify.Recorder{}}
	rec := history.NewRecorder(f.st, f.sink)
	if cfg.Grace == 0 {
		cfg.Grace = -1
	}
	f.coord = New(cfg, act, rec, f.st, f.sink, WithSensorCache(f.cache))
	return f
}

func (f *fixture) history(t *testing.T, device string) []model.WateringHistory {
	t.Helper()
	list, err := f.st.ListHistory(context.Background(), device, 0)
	require.NoError(t, err)
	return list
}

func ok(context.Context, model.DeviceCommand) (model.DeviceResponse, error) {
	return model.DeviceResponse{Success: true}, nil
}

func intent(schedule, device string) model.WateringIntent {
	return model.WateringIntent{
		ScheduleID: schedule, DeviceID: device, WaterAmountMl: 150,
		Reason: model.ReasonScheduled, RequestedAt: time.Now().UTC(), InitiatedBy: model.InitiatorSystem,
		SensorBefore: &model.SensorSnapshot{DeviceID: device, SoilMoisture: model.Float(18), ObservedAt: time.Now()},
	}
}

func TestSubmit_Success(t *testing.T) {
	var sent model.DeviceCommand
	act := actuator.Func(func(_ context.Context, cmd model.DeviceCommand) (model.DeviceResponse, error) {
		sent = cmd
		return model.DeviceResponse{Success: true}, nil
	})
	f := newFixture(t, Config{Grace: 500 * time.Millisecond, GracePoll: 5 * time.Millisecond, Flow: actuator.FlowTable{Default: 10}}, act)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.cache.Put(context.Background(), model.SensorSnapshot{DeviceID: "D1", SoilMoisture: model.Float(44), ObservedAt: time.Now()})
	}()

	out := f.coord.Submit(context.Background(), intent("s1", "D1"))
	assert.Equal(t, model.OutcomeSuccess, out)
	assert.Equal(t, 15, sent.DurationSeconds)

	list := f.history(t, "D1")
	require.Len(t, list, 1)
	h := list[0]
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, model.WateringScheduled, h.WateringType)
	assert.Equal(t, "s1", h.ScheduleID)
	require.NotNil(t, h.DurationSeconds)
	assert.Equal(t, 15, *h.DurationSeconds)
	assert.Equal(t, 18.0, *h.SensorReadings.MoistureBefore)
	require.NotNil(t, h.SensorReadings.MoistureAfter)
	assert.Equal(t, 44.0, *h.SensorReadings.MoistureAfter)
}

func TestSubmit_NoReadingAfterGrace(t *testing.T) {
	f := newFixture(t, Config{Grace: 20 * time.Millisecond, GracePoll: 5 * time.Millisecond}, actuator.Func(ok))

	start := time.Now()
	assert.Equal(t, model.OutcomeSuccess, f.coord.Submit(context.Background(), intent("s1", "D1")))
	assert.Less(t, time.Since(start), time.Second)

	list := f.history(t, "D1")
	require.Len(t, list, 1)
	assert.Nil(t, list[0].SensorReadings.MoistureAfter)
}

func TestSubmit_BusyDeviceIsSkipped(t *testing.T) {
	release := make(chan struct{})
	act := actuator.Func(func(ctx context.Context, _ model.DeviceCommand) (model.DeviceResponse, error) {
		<-release
		return model.DeviceResponse{Success: true}, nil
	})
	f := newFixture(t, Config{}, act)

	first := make(chan model.Outcome, 1)
	go func() { first <- f.coord.Submit(context.Background(), intent("s1", "D1")) }()
	require.Eventually(t, func() bool { return f.coord.Busy("D1") }, time.Second, time.Millisecond)

	start := time.Now()
	assert.Equal(t, model.OutcomeSkipped, f.coord.Submit(context.Background(), intent("s2", "D1")))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a busy device must not block the caller")

	// other devices are independent
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	assert.Equal(t, model.OutcomeSuccess, f.coord.Submit(context.Background(), intent("s3", "D2")))
	assert.Equal(t, model.OutcomeSuccess, <-first)

	list := f.history(t, "D1")
	require.Len(t, list, 2)
	var skipped model.WateringHistory
	for _, h := range list {
		if h.Outcome == model.OutcomeSkipped {
			skipped = h
		}
	}
	assert.Equal(t, "s2", skipped.ScheduleID)
	assert.Equal(t, model.SkipDeviceBusy, skipped.Reason)
}

func TestSubmit_NeverOverlapsOnDevice(t *testing.T) {
	var active, maxActive int32
	act := actuator.Func(func(context.Context, model.DeviceCommand) (model.DeviceResponse, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return model.DeviceResponse{Success: true}, nil
	})
	f := newFixture(t, Config{}, act)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.coord.Submit(context.Background(), intent("s1", "D1"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Len(t, f.history(t, "D1"), 50, "exactly one history entry per intent")
}

func TestSubmit_ConsecutiveTimeoutsDisableSchedule(t *testing.T) {
	act := actuator.Func(func(ctx context.Context, _ model.DeviceCommand) (model.DeviceResponse, error) {
		<-ctx.Done()
		return model.DeviceResponse{}, model.ErrActuationTimeout
	})
	f := newFixture(t, Config{ActuationTimeout: 10 * time.Millisecond, FailureThreshold: 3}, act)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertSchedule(ctx, model.WateringSchedule{
		ID: "s1", DeviceID: "D1", CronExpression: "0 7 * * *", WaterAmountMl: 100, IsActive: true,
	}))

	for i := 1; i <= 2; i++ {
		assert.Equal(t, model.OutcomeFailed, f.coord.Submit(ctx, intent("s1", "D1")))
		sc, err := f.st.GetSchedule(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, sc.IsActive, "still active after %d failures", i)
		assert.Zero(t, f.sink.Count("D1", model.KindDeviceUnreachable))
	}

	assert.Equal(t, model.OutcomeFailed, f.coord.Submit(ctx, intent("s1", "D1")))
	sc, err := f.st.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, sc.IsActive)
	assert.Equal(t, 1, f.sink.Count("D1", model.KindDeviceUnreachable))

	f.coord.Submit(ctx, intent("s1", "D1"))
	assert.Equal(t, 1, f.sink.Count("D1", model.KindDeviceUnreachable), "alert fires once, on the threshold")

	list := f.history(t, "D1")
	require.Len(t, list, 4)
	for _, h := range list {
		assert.Equal(t, model.OutcomeFailed, h.Outcome)
		assert.Equal(t, "timeout", h.Reason)
	}
}

func pumpError(context.Context, model.DeviceCommand) (model.DeviceResponse, error) {
	return model.DeviceResponse{ErrorCode: "PUMP_ERROR"}, nil
}

func TestSubmit_ReenabledScheduleIsDisabledAgain(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 3}, actuator.Func(pumpError))
	ctx := context.Background()
	require.NoError(t, f.st.UpsertSchedule(ctx, model.WateringSchedule{
		ID: "s1", DeviceID: "D1", CronExpression: "0 7 * * *", WaterAmountMl: 100, IsActive: true,
	}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, model.OutcomeFailed, f.coord.Submit(ctx, intent("s1", "D1")))
	}
	sc, err := f.st.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	require.False(t, sc.IsActive)
	require.Equal(t, 1, f.sink.Count("D1", model.KindDeviceUnreachable))

	require.NoError(t, f.st.SetActive(ctx, "s1", true))
	assert.Equal(t, model.OutcomeFailed, f.coord.Submit(ctx, intent("s1", "D1")))

	sc, err = f.st.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, sc.IsActive, "failure past the threshold turns the schedule off again")
	assert.Equal(t, 2, f.sink.Count("D1", model.KindDeviceUnreachable))
}

func TestSubmit_EveryFailingScheduleIsDisabled(t *testing.T) {
	f := newFixture(t, Config{FailureThreshold: 3}, actuator.Func(pumpError))
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, f.st.UpsertSchedule(ctx, model.WateringSchedule{
			ID: id, DeviceID: "D1", CronExpression: "0 7 * * *", WaterAmountMl: 100, IsActive: true,
		}))
	}

	for _, id := range []string{"s1", "s2", "s1"} {
		assert.Equal(t, model.OutcomeFailed, f.coord.Submit(ctx, intent(id, "D1")))
	}
	s1, err := f.st.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, s1.IsActive)
	s2, err := f.st.GetSchedule(ctx, "s2")
	require.NoError(t, err)
	require.True(t, s2.IsActive)

	assert.Equal(t, model.OutcomeFailed, f.coord.Submit(ctx, intent("s2", "D1")))
	s2, err = f.st.GetSchedule(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, s2.IsActive)
	assert.Equal(t, 2, f.sink.Count("D1", model.KindDeviceUnreachable))

	// Manual waterings have no schedule to disable and stay quiet past the threshold.
	f.coord.Submit(ctx, intent("", "D1"))
	assert.Equal(t, 2, f.sink.Count("D1", model.KindDeviceUnreachable))
}

func TestSubmit_SuccessResetsFailures(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	act := actuator.Func(func(context.Context, model.DeviceCommand) (model.DeviceResponse, error) {
		if fail.Load() {
			return model.DeviceResponse{Success: false, ErrorCode: "PUMP_JAMMED", Message: "stuck"}, nil
		}
		return model.DeviceResponse{Success: true}, nil
	})
	f := newFixture(t, Config{FailureThreshold: 2}, act)
	ctx := context.Background()

	f.coord.Submit(ctx, intent("", "D1"))
	assert.Equal(t, 1, f.coord.Failures("D1"))
	assert.Equal(t, "PUMP_JAMMED: stuck", f.history(t, "D1")[0].Reason)

	fail.Store(false)
	f.coord.Submit(ctx, intent("", "D1"))
	assert.Zero(t, f.coord.Failures("D1"))

	fail.Store(true)
	f.coord.Submit(ctx, intent("", "D1"))
	assert.Zero(t, f.sink.Count("D1", model.KindDeviceUnreachable))
	f.coord.Submit(ctx, intent("", "D1"))
	assert.Equal(t, 1, f.sink.Count("D1", model.KindDeviceUnreachable), "manual waterings alert without a schedule")
}

func TestCloseAndWait(t *testing.T) {
	release := make(chan struct{})
	act := actuator.Func(func(context.Context, model.DeviceCommand) (model.DeviceResponse, error) {
		<-release
		return model.DeviceResponse{Success: true}, nil
	})
	f := newFixture(t, Config{}, act)

	done := make(chan model.Outcome, 1)
	go func() { done <- f.coord.Submit(context.Background(), intent("s1", "D1")) }()
	require.Eventually(t, func() bool { return f.coord.Busy("D1") }, time.Second, time.Millisecond)

	f.coord.Close()
	assert.Equal(t, model.OutcomeSkipped, f.coord.Submit(context.Background(), intent("s2", "D2")))

	waited := make(chan struct{})
	go func() {
		f.coord.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while an actuation was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-waited
	assert.Equal(t, model.OutcomeSuccess, <-done)

	list := f.history(t, "D2")
	require.Len(t, list, 1)
	assert.Equal(t, model.SkipShuttingDown, list[0].Reason)
}

func TestWaterNow(t *testing.T) {
	f := newFixture(t, Config{}, actuator.Func(ok))
	ctx := context.Background()
	require.NoError(t, f.cache.Put(ctx, model.SensorSnapshot{DeviceID: "D1", SoilMoisture: model.Float(25), ObservedAt: time.Now()}))

	_, err := f.coord.WaterNow(ctx, "D1", 0, "alice")
	assert.Error(t, err)

	h, err := f.coord.WaterNow(ctx, "D1", 80, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, h.Outcome)
	assert.Equal(t, model.WateringManual, h.WateringType)
	assert.Equal(t, "alice", h.InitiatedBy)
	assert.Empty(t, h.ScheduleID)
	assert.Equal(t, 25.0, *h.SensorReadings.MoistureBefore)
	assert.NotEmpty(t, h.ID)
}
