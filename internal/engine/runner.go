package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/metrics"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/trigger"
)

const DefaultTickInterval = 60 * time.Second

// Submitter resolves intents; implemented by the coordinator.
type Submitter interface {
	Submit(ctx context.Context, in model.WateringIntent) model.Outcome
}

type RunnerConfig struct {
	TickInterval time.Duration
	// Parallelism bounds concurrent schedule evaluations; <=0 means unbounded.
	Parallelism int
}

// Runner drives the tick loop: load schedules, match crons, evaluate all
// schedules concurrently, hand intents to the coordinator.
type Runner struct {
	cfg       RunnerConfig
	engine    *Engine
	clock     *trigger.Clock
	schedules store.ScheduleStore
	submit    Submitter
	metrics   *metrics.Metrics
	now       func() time.Time

	dispatched sync.WaitGroup
}

func NewRunner(cfg RunnerConfig, e *Engine, clock *trigger.Clock, schedules store.ScheduleStore, submit Submitter, m *metrics.Metrics) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if clock == nil {
		clock = trigger.NewClock(cfg.TickInterval, nil)
	}
	return &Runner{
		cfg:       cfg,
		engine:    e,
		clock:     clock,
		schedules: schedules,
		submit:    submit,
		metrics:   m,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled, then waits for dispatched intents.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("engine: tick loop started (every %s)", r.cfg.TickInterval)
	t := time.NewTicker(r.cfg.TickInterval)
	defer t.Stop()

	if _, err := r.TickOnce(ctx, r.now()); err != nil {
		log.Printf("engine: tick: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Printf("engine: shutting down, waiting for in-flight actuations")
			r.dispatched.Wait()
			return nil
		case <-t.C:
			if _, err := r.TickOnce(ctx, r.now()); err != nil {
				log.Printf("engine: tick: %v", err)
			}
		}
	}
}

// TickOnce runs one evaluation pass at now and returns the emitted intents.
// Intents are dispatched asynchronously; Wait blocks until they resolve.
func (r *Runner) TickOnce(ctx context.Context, now time.Time) ([]model.WateringIntent, error) {
	start := time.Now()
	defer func() { r.metrics.Tick(time.Since(start)) }()

	all, err := r.schedules.GetActiveSchedules(ctx)
	if err != nil {
		return nil, err
	}

	valid := make([]model.WateringSchedule, 0, len(all))
	keep := make(map[string]struct{}, len(all))
	for _, s := range all {
		if err := s.Validate(); err != nil {
			log.Printf("engine: dropping schedule: %v", err)
			continue
		}
		valid = append(valid, s)
		keep[s.ID] = struct{}{}
	}
	r.engine.Registry().Prune(keep)

	fires := make(map[string]trigger.ScheduleFired)
	for _, f := range r.clock.Tick(now, valid) {
		fires[f.ScheduleID] = f
	}

	var (
		mu      sync.Mutex
		intents []model.WateringIntent
	)
	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.Parallelism > 0 {
		g.SetLimit(r.cfg.Parallelism)
	}
	for _, s := range valid {
		s := s
		fire, ok := fires[s.ID]
		if !ok {
			continue
		}
		g.Go(func() error {
			in, err := r.engine.Evaluate(gctx, s, &fire, now)
			if err != nil {
				if errors.Is(err, model.ErrStaleOrMissingSensorData) {
					log.Printf("engine: %v, not watering", err)
				} else {
					log.Printf("engine: evaluate %s: %v", s.ID, err)
				}
				return nil
			}
			if in != nil {
				mu.Lock()
				intents = append(intents, *in)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, in := range intents {
		in := in
		r.dispatched.Add(1)
		go func() {
			defer r.dispatched.Done()
			out := r.submit.Submit(ctx, in)
			log.Printf("engine: intent schedule=%s device=%s reason=%s -> %s", in.ScheduleID, in.DeviceID, in.Reason, out)
		}()
	}
	return intents, nil
}

// Wait blocks until every dispatched intent was resolved by the coordinator.
func (r *Runner) Wait() { r.dispatched.Wait() }
