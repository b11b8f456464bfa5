// Package scheduler wires the watering daemon: sensor feed, decision engine,
// coordinator, history and the ops HTTP API.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/actuator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/api"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/config"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/coordinator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/engine"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/history"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/metrics"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/notify"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/sensorfeed"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/store"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/trigger"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

// Overrides replace components built from the config; used by tests.
type Overrides struct {
	Store    store.Store
	Cache    sensorfeed.Cache
	Actuator actuator.Actuator
	Sink     notify.Sink
}

type App struct {
	Config      config.Config
	Store       store.Store
	Cache       sensorfeed.Cache
	Metrics     *metrics.Metrics
	Recorder    *history.Recorder
	Coordinator *coordinator.Coordinator
	Engine      *engine.Engine
	Runner      *engine.Runner
	Router      *gin.Engine

	mqttClient mqtt.Client
	ingester   *sensorfeed.Ingester
	influx     *history.InfluxMirror
	closers    []func()
}

func OpenStore(c config.StoreConfig) (store.Store, error) {
	if c.Driver == "memory" {
		return store.NewMemory(), nil
	}
	return store.Open(c.Driver, c.DSN)
}

// Build assembles the daemon. ctx bounds the broker connection.
func Build(ctx context.Context, cfg config.Config, ov Overrides) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	if err := a.build(ctx, ov); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, ov Overrides) error {
	cfg := a.Config
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	a.Store = ov.Store
	if a.Store == nil {
		if a.Store, err = OpenStore(cfg.Store); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.Store.Close() })
	}

	a.Cache = ov.Cache
	if a.Cache == nil {
		if cfg.Redis.URL != "" {
			r, err := sensorfeed.NewRedis(cfg.Redis.URL, cfg.Redis.Prefix, time.Duration(cfg.Redis.TTLSeconds)*time.Second)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			a.Cache = r
			a.closers = append(a.closers, func() { _ = r.Close() })
		} else {
			a.Cache = sensorfeed.NewMemory()
		}
	}

	var bus rabbitmq.Bus
	if cfg.MQTT.Enabled {
		client, err := rabbitmq.NewRabbitMQConn(&cfg.MQTT.RabbitMQConfig, ctx)
		if err != nil {
			return err
		}
		a.mqttClient = client
		bus = rabbitmq.Bus{Client: client}
		a.closers = append(a.closers, func() { rabbitmq.CloseRabbitMQConn(client) })

		a.ingester = sensorfeed.NewIngester(rabbitmq.NewConsumer(client, nil, cfg.MQTT.SensorTopic), a.Cache)
		a.ingester.OnSnapshot(func(model.SensorSnapshot) { a.Metrics.SensorMessage() })
	}

	sinks := notify.Multi{notify.LogSink{}}
	if ov.Sink != nil {
		sinks = append(sinks, ov.Sink)
	}
	if a.mqttClient != nil {
		sinks = append(sinks, notify.NewMQTTSink(bus, cfg.MQTT.AlertTopic))
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Webhook))
	}

	var recOpts []history.Option
	if cfg.Influx.URL != "" {
		client := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		w := client.WriteAPI(cfg.Influx.Org, cfg.Influx.Bucket)
		a.influx = history.NewInfluxMirror(w)
		recOpts = append(recOpts, history.WithMirror(a.influx))
		a.closers = append(a.closers, func() {
			w.Flush()
			client.Close()
		})
	}
	a.Recorder = history.NewRecorder(a.Store, sinks, recOpts...)

	act := ov.Actuator
	if act == nil {
		switch cfg.Actuator.Transport {
		case "grpc":
			r, err := actuator.NewGRPCRouter(ctx, cfg.Actuator.GRPCAddrMap)
			if err != nil {
				return fmt.Errorf("actuator: %w", err)
			}
			a.closers = append(a.closers, r.Close)
			act = r
		default:
			if a.mqttClient == nil {
				return errors.New("actuator: mqtt transport needs a broker connection")
			}
			m := actuator.NewMQTT(bus, bus, cfg.MQTT.CommandTopic, cfg.MQTT.ResponseTopic)
			if err := m.Start(ctx); err != nil {
				return fmt.Errorf("actuator: %w", err)
			}
			act = m
		}
	}

	def, devices := cfg.Flow()
	a.Coordinator = coordinator.New(coordinator.Config{
		ActuationTimeout: cfg.ActuationTimeout(),
		FailureThreshold: cfg.ConsecutiveFailureThreshold,
		Grace:            cfg.Grace(),
		Flow:             actuator.FlowTable{Default: def, Devices: devices},
	}, act, a.Recorder, a.Store, sinks,
		coordinator.WithMetrics(a.Metrics),
		coordinator.WithSensorCache(a.Cache),
	)

	a.Engine = engine.New(engine.Config{Freshness: cfg.Freshness(), MinInterval: cfg.MinInterval()},
		a.Cache, a.Recorder, engine.NewRegistry(), a.Metrics)
	a.Runner = engine.NewRunner(engine.RunnerConfig{
		TickInterval: cfg.TickInterval(),
		Parallelism:  cfg.EvaluationParallelism,
	}, a.Engine, trigger.NewClock(cfg.TickInterval(), loc), a.Store, a.Coordinator, a.Metrics)

	a.Router = api.NewRouter(api.Deps{
		Waterer:       a.Coordinator,
		History:       a.Recorder,
		Schedules:     a.Store,
		Registry:      a.Engine.Registry(),
		Metrics:       a.Metrics,
		Checks:        a.checks(),
		AverageWindow: cfg.HistoryAverageWindow,
	})
	return nil
}

func (a *App) checks() []api.Check {
	var out []api.Check
	if p, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		out = append(out, api.Check{Name: "store", Fn: p.Ping})
	}
	if p, ok := a.Cache.(interface{ Ping(context.Context) error }); ok {
		out = append(out, api.Check{Name: "redis", Fn: p.Ping})
	}
	if a.mqttClient != nil {
		bus := rabbitmq.Bus{Client: a.mqttClient}
		out = append(out, api.Check{Name: "mqtt", Fn: func(context.Context) error {
			if !bus.Connected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}
	if a.influx != nil {
		out = append(out, api.Check{Name: "influx", Fn: func(context.Context) error {
			if age := a.influx.LastErrorAge(); age < time.Minute {
				return fmt.Errorf("write error %s ago", age.Round(time.Second))
			}
			return nil
		}})
	}
	return out
}

// Run serves until ctx ends. On shutdown the tick loop stops, in-flight
// actuations finish and are recorded, then the HTTP server drains.
func (a *App) Run(ctx context.Context) error {
	if a.ingester != nil {
		go func() {
			if err := a.ingester.Start(ctx); err != nil {
				log.Printf("scheduler: sensor feed: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Printf("scheduler: HTTP listening on %s", a.Config.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- a.Runner.Run(runCtx) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-srvErr:
		log.Printf("scheduler: http server error: %v", err)
		cancel()
	}
	a.Coordinator.Close()
	<-runnerDone
	a.Coordinator.Wait()

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	log.Println("scheduler: shutdown complete")
	return err
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
