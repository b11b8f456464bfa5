// Package coordinator turns watering intents into device actuations while
// holding at most one actuation per device.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/actuator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/history"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/metrics"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/notify"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/sensorfeed"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
)

const (
	DefaultActuationTimeout = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultGrace            = 5 * time.Second
)

type Config struct {
	ActuationTimeout time.Duration
	FailureThreshold int
	// Grace bounds the wait for a post-watering reading.
	Grace     time.Duration
	GracePoll time.Duration
	Flow      actuator.FlowTable
}

func (c Config) withDefaults() Config {
	if c.ActuationTimeout <= 0 {
		c.ActuationTimeout = DefaultActuationTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Grace < 0 {
		c.Grace = 0
	} else if c.Grace == 0 {
		c.Grace = DefaultGrace
	}
	if c.GracePoll <= 0 {
		c.GracePoll = 250 * time.Millisecond
	}
	return c
}

type Coordinator struct {
	cfg       Config
	act       actuator.Actuator
	recorder  *history.Recorder
	schedules store.ScheduleStore
	cache     sensorfeed.Cache
	sink      notify.Sink
	metrics   *metrics.Metrics
	now       func() time.Time

	locks *lockSet

	mu       sync.Mutex
	failures map[string]int // deviceID -> consecutive failures
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option         { return func(c *Coordinator) { c.metrics = m } }
func WithClock(now func() time.Time) Option         { return func(c *Coordinator) { c.now = now } }
func WithSensorCache(cache sensorfeed.Cache) Option { return func(c *Coordinator) { c.cache = cache } }

func New(cfg Config, act actuator.Actuator, rec *history.Recorder, schedules store.ScheduleStore, sink notify.Sink, opts ...Option) *Coordinator {
	if sink == nil {
		sink = notify.LogSink{}
	}
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		act:       act,
		recorder:  rec,
		schedules: schedules,
		sink:      sink,
		now:       time.Now,
		locks:     newLockSet(),
		failures:  make(map[string]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit resolves one intent and records exactly one history entry for it.
// A busy device yields Skipped immediately; the call never queues.
func (c *Coordinator) Submit(ctx context.Context, in model.WateringIntent) model.Outcome {
	return c.submit(ctx, in).Outcome
}

// WaterNow runs a manual watering through the same path as automatic ones.
func (c *Coordinator) WaterNow(ctx context.Context, deviceID string, amountMl int, initiatedBy string) (model.WateringHistory, error) {
	if strings.TrimSpace(deviceID) == "" {
		return model.WateringHistory{}, errors.New("device id is required")
	}
	if amountMl < 1 {
		return model.WateringHistory{}, fmt.Errorf("water amount must be >= 1 ml, got %d", amountMl)
	}
	if initiatedBy == "" {
		initiatedBy = "manual"
	}
	in := model.WateringIntent{
		DeviceID:      deviceID,
		WaterAmountMl: amountMl,
		Reason:        model.ReasonManual,
		RequestedAt:   c.now().UTC(),
		InitiatedBy:   initiatedBy,
	}
	if c.cache != nil {
		if snap, ok, err := c.cache.Latest(ctx, deviceID); err == nil && ok {
			in.SensorBefore = &snap
		}
	}
	h := c.submit(ctx, in)
	return h, nil
}

// Busy reports whether deviceID has an actuation in flight.
func (c *Coordinator) Busy(deviceID string) bool { return c.locks.Busy(deviceID) }

// Failures returns the device's consecutive failure count.
func (c *Coordinator) Failures(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[deviceID]
}

// Close stops accepting intents. In-flight actuations continue; see Wait.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Wait blocks until every accepted intent is resolved.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) submit(ctx context.Context, in model.WateringIntent) model.WateringHistory {
	// history writes and the device round trip outlive the caller's cancellation
	bg := context.WithoutCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.skip(bg, in, model.SkipShuttingDown)
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	dl := c.locks.get(in.DeviceID)
	if !dl.tryAcquire() {
		log.Printf("coordinator: device %s busy, skipping intent (schedule=%s reason=%s)", in.DeviceID, in.ScheduleID, in.Reason)
		return c.skip(bg, in, model.SkipDeviceBusy)
	}

	cmd := c.cfg.Flow.Command(in.DeviceID, in.WaterAmountMl)
	started := c.now()
	c.metrics.ActuationStarted()

	actx, cancel := context.WithTimeout(bg, c.cfg.ActuationTimeout)
	resp, err := c.act.Water(actx, cmd)
	cancel()

	resolvedAt := c.now().UTC()
	c.metrics.ActuationDone(resolvedAt.Sub(started))

	dl.record.Lock()
	dl.release()
	defer dl.record.Unlock()

	if err == nil && resp.Success {
		return c.succeeded(bg, in, cmd, started, resolvedAt)
	}
	return c.failed(bg, in, failureReason(resp, err), resolvedAt)
}

func (c *Coordinator) succeeded(ctx context.Context, in model.WateringIntent, cmd model.DeviceCommand, started, resolvedAt time.Time) model.WateringHistory {
	c.mu.Lock()
	c.failures[in.DeviceID] = 0
	c.mu.Unlock()

	h := model.NewHistory(in, model.OutcomeSuccess, "")
	dur := cmd.DurationSeconds
	h.DurationSeconds = &dur
	h.CreatedAt = resolvedAt

	if c.cache != nil {
		gctx, cancel := context.WithTimeout(ctx, c.cfg.Grace)
		if after := sensorfeed.WaitNewer(gctx, c.cache, in.DeviceID, started, c.cfg.GracePoll); after != nil {
			h.SensorReadings.MoistureAfter = after.SoilMoisture
		}
		cancel()
	}

	log.Printf("coordinator: watered %s with %dml (%ds) schedule=%s reason=%s", in.DeviceID, in.WaterAmountMl, dur, in.ScheduleID, in.Reason)
	return c.record(ctx, h)
}

func (c *Coordinator) failed(ctx context.Context, in model.WateringIntent, reason string, resolvedAt time.Time) model.WateringHistory {
	c.mu.Lock()
	c.failures[in.DeviceID]++
	n := c.failures[in.DeviceID]
	c.mu.Unlock()

	log.Printf("coordinator: watering %s failed (%s), consecutive failures=%d", in.DeviceID, reason, n)
	if n >= c.cfg.FailureThreshold {
		c.deviceUnreachable(ctx, in, n, n == c.cfg.FailureThreshold)
	}

	h := model.NewHistory(in, model.OutcomeFailed, reason)
	h.CreatedAt = resolvedAt
	return c.record(ctx, h)
}

// deviceUnreachable deactivates the intent's schedule if it is still active.
// The operator is alerted when the threshold is first crossed and again for
// every schedule turned off afterwards.
func (c *Coordinator) deviceUnreachable(ctx context.Context, in model.WateringIntent, failures int, crossed bool) {
	msg := fmt.Sprintf("device %s failed %d consecutive waterings", in.DeviceID, failures)
	if c.disableSchedule(ctx, in.ScheduleID) {
		msg += fmt.Sprintf("; schedule %s deactivated", in.ScheduleID)
	} else if !crossed {
		return
	}
	c.sink.Notify(in.DeviceID, model.KindDeviceUnreachable, msg)
}

func (c *Coordinator) disableSchedule(ctx context.Context, id string) bool {
	if id == "" || c.schedules == nil {
		return false
	}
	sc, err := c.schedules.GetSchedule(ctx, id)
	if err != nil {
		log.Printf("coordinator: load schedule %s: %v", id, err)
		return false
	}
	if !sc.IsActive {
		return false
	}
	if err := c.schedules.SetActive(ctx, id, false); err != nil {
		log.Printf("coordinator: deactivate schedule %s: %v", id, err)
		return false
	}
	c.metrics.ScheduleDisabled()
	return true
}

func (c *Coordinator) skip(ctx context.Context, in model.WateringIntent, reason string) model.WateringHistory {
	h := model.NewHistory(in, model.OutcomeSkipped, reason)
	h.CreatedAt = c.now().UTC()
	return c.record(ctx, h)
}

func (c *Coordinator) record(ctx context.Context, h model.WateringHistory) model.WateringHistory {
	c.metrics.Outcome(string(h.Outcome))
	if c.recorder == nil {
		return h
	}
	id, err := c.recorder.Append(ctx, h)
	if err != nil {
		log.Printf("coordinator: history for %s lost: %v", h.DeviceID, err)
		return h
	}
	h.ID = id
	return h
}

func failureReason(resp model.DeviceResponse, err error) string {
	switch {
	case errors.Is(err, model.ErrActuationTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return err.Error()
	case resp.ErrorCode != "" && resp.Message != "":
		return resp.ErrorCode + ": " + resp.Message
	case resp.ErrorCode != "":
		return resp.ErrorCode
	case resp.Message != "":
		return resp.Message
	default:
		return model.ErrActuationFailed.Error()
	}
}
