// Package config loads the scheduler configuration: built-in defaults, then
// an optional YAML file, then environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/notify"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite3 | mysql
	DSN    string `yaml:"dsn"`
}

type MQTTConfig struct {
	rabbitmq.RabbitMQConfig `yaml:",inline"`
	Enabled                 bool   `yaml:"enabled"`
	SensorTopic             string `yaml:"sensorTopic"`
	CommandTopic            string `yaml:"commandTopic"`
	ResponseTopic           string `yaml:"responseTopic"`
	AlertTopic              string `yaml:"alertTopic"`
}

type ActuatorConfig struct {
	Transport   string `yaml:"transport"` // mqtt | grpc
	GRPCAddrMap string `yaml:"grpcAddrMap"`
	GatewayAddr string `yaml:"gatewayAddr"`
}

type RedisConfig struct {
	URL        string `yaml:"url"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttlSeconds"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type DeviceConfig struct {
	FlowMlPerSecond float64 `yaml:"flowMlPerSecond"`
}

type Config struct {
	TickIntervalSeconds         int    `yaml:"tickIntervalSeconds"`
	SensorFreshnessSeconds      int    `yaml:"sensorFreshnessSeconds"`
	MinWateringIntervalMinutes  int    `yaml:"minWateringIntervalMinutes"`
	ActuationTimeoutSeconds     int    `yaml:"actuationTimeoutSeconds"`
	ConsecutiveFailureThreshold int    `yaml:"consecutiveFailureThreshold"`
	HistoryAverageWindow        int    `yaml:"historyAverageWindow"`
	PostWateringGraceSeconds    int    `yaml:"postWateringGraceSeconds"`
	EvaluationParallelism       int    `yaml:"evaluationParallelism"`
	Timezone                    string `yaml:"timezone"`

	HTTPAddr string `yaml:"httpAddr"`

	Store    StoreConfig          `yaml:"store"`
	MQTT     MQTTConfig           `yaml:"mqtt"`
	Actuator ActuatorConfig       `yaml:"actuator"`
	Redis    RedisConfig          `yaml:"redis"`
	Influx   InfluxConfig         `yaml:"influx"`
	Webhook  notify.WebhookConfig `yaml:"webhook"`

	DefaultFlowMlPerSecond float64                 `yaml:"defaultFlowMlPerSecond"`
	Devices                map[string]DeviceConfig `yaml:"devices"`
}

func Default() Config {
	return Config{
		TickIntervalSeconds:         60,
		SensorFreshnessSeconds:      600,
		MinWateringIntervalMinutes:  30,
		ActuationTimeoutSeconds:     30,
		ConsecutiveFailureThreshold: 3,
		HistoryAverageWindow:        10,
		PostWateringGraceSeconds:    5,
		Timezone:                    "Local",
		HTTPAddr:                    ":8080",
		Store:                       StoreConfig{Driver: "sqlite3", DSN: "watering.db"},
		MQTT: MQTTConfig{
			RabbitMQConfig: rabbitmq.RabbitMQConfig{
				Host:       "localhost",
				Port:       1883,
				User:       "guest",
				Password:   "guest",
				ClientID:   "wateringd",
				MaxRetries: 5,
			},
			Enabled:       true,
			SensorTopic:   "smartplant/+/sensor-data",
			CommandTopic:  "smartplant/device/{device}/command",
			ResponseTopic: "smartplant/device/+/response",
			AlertTopic:    "smartplant/alerts/%s",
		},
		Actuator:               ActuatorConfig{Transport: "mqtt", GatewayAddr: ":50051"},
		Redis:                  RedisConfig{Prefix: "smartplant:sensor:", TTLSeconds: 3600},
		Influx:                 InfluxConfig{Org: "smartplant", Bucket: "watering"},
		DefaultFlowMlPerSecond: 10,
	}
}

// Load reads path (optional) over the defaults and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.TickIntervalSeconds = envInt("WATERING_TICK_INTERVAL_SECONDS", c.TickIntervalSeconds)
	c.SensorFreshnessSeconds = envInt("WATERING_SENSOR_FRESHNESS_SECONDS", c.SensorFreshnessSeconds)
	c.MinWateringIntervalMinutes = envInt("WATERING_MIN_INTERVAL_MINUTES", c.MinWateringIntervalMinutes)
	c.ActuationTimeoutSeconds = envInt("WATERING_ACTUATION_TIMEOUT_SECONDS", c.ActuationTimeoutSeconds)
	c.ConsecutiveFailureThreshold = envInt("WATERING_FAILURE_THRESHOLD", c.ConsecutiveFailureThreshold)
	c.HistoryAverageWindow = envInt("WATERING_HISTORY_AVERAGE_WINDOW", c.HistoryAverageWindow)
	c.PostWateringGraceSeconds = envInt("WATERING_GRACE_SECONDS", c.PostWateringGraceSeconds)
	c.EvaluationParallelism = envInt("WATERING_PARALLELISM", c.EvaluationParallelism)
	c.Timezone = env("TZ", c.Timezone)
	if p := env("PORT", ""); p != "" {
		c.HTTPAddr = ":" + p
	}

	c.Store.Driver = env("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = env("STORE_DSN", c.Store.DSN)

	c.MQTT.Host = env("RABBITMQ_HOST", env("MQTT_HOST", c.MQTT.Host))
	c.MQTT.Port = envInt("RABBITMQ_PORT", envInt("MQTT_PORT", c.MQTT.Port))
	c.MQTT.User = env("RABBITMQ_USER", env("MQTT_USER", c.MQTT.User))
	c.MQTT.Password = env("RABBITMQ_PASSWORD", env("MQTT_PASS", c.MQTT.Password))
	c.MQTT.ClientID = env("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Enabled = envBool("MQTT_ENABLED", c.MQTT.Enabled)

	c.Actuator.Transport = env("ACTUATOR_TRANSPORT", c.Actuator.Transport)
	c.Actuator.GRPCAddrMap = env("DEVICE_GRPC_ADDR_MAP", c.Actuator.GRPCAddrMap)
	c.Actuator.GatewayAddr = env("DEVICE_GATEWAY_ADDR", c.Actuator.GatewayAddr)

	c.Redis.URL = env("REDIS_URL", c.Redis.URL)

	c.Influx.URL = env("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = env("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = env("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = env("INFLUX_BUCKET", c.Influx.Bucket)

	c.Webhook.URL = env("NOTIFY_WEBHOOK_URL", c.Webhook.URL)
	c.DefaultFlowMlPerSecond = getenvFloat("DEFAULT_FLOW_ML_PER_SECOND", c.DefaultFlowMlPerSecond)
}

func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"tickIntervalSeconds":         c.TickIntervalSeconds,
		"sensorFreshnessSeconds":      c.SensorFreshnessSeconds,
		"minWateringIntervalMinutes":  c.MinWateringIntervalMinutes,
		"actuationTimeoutSeconds":     c.ActuationTimeoutSeconds,
		"consecutiveFailureThreshold": c.ConsecutiveFailureThreshold,
		"historyAverageWindow":        c.HistoryAverageWindow,
	}
	for k, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", k, v))
		}
	}
	if c.PostWateringGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("postWateringGraceSeconds must be >= 0"))
	}
	switch c.Store.Driver {
	case "memory", "sqlite3", "mysql":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite3, mysql", c.Store.Driver))
	}
	switch c.Actuator.Transport {
	case "mqtt":
		if !c.MQTT.Enabled {
			errs = append(errs, errors.New("actuator.transport mqtt requires mqtt.enabled"))
		}
	case "grpc":
		if strings.TrimSpace(c.Actuator.GRPCAddrMap) == "" {
			errs = append(errs, errors.New("actuator.transport grpc requires actuator.grpcAddrMap"))
		}
	default:
		errs = append(errs, fmt.Errorf("actuator.transport %q is not one of mqtt, grpc", c.Actuator.Transport))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c Config) Freshness() time.Duration {
	return time.Duration(c.SensorFreshnessSeconds) * time.Second
}

func (c Config) MinInterval() time.Duration {
	return time.Duration(c.MinWateringIntervalMinutes) * time.Minute
}

func (c Config) ActuationTimeout() time.Duration {
	return time.Duration(c.ActuationTimeoutSeconds) * time.Second
}

// Grace returns -1 when disabled so callers do not fall back to a default.
func (c Config) Grace() time.Duration {
	if c.PostWateringGraceSeconds == 0 {
		return -1
	}
	return time.Duration(c.PostWateringGraceSeconds) * time.Second
}

func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// Flow returns the per-device pump flow rates.
func (c Config) Flow() (def float64, devices map[string]float64) {
	devices = make(map[string]float64, len(c.Devices))
	for id, d := range c.Devices {
		if d.FlowMlPerSecond > 0 {
			devices[id] = d.FlowMlPerSecond
		}
	}
	return c.DefaultFlowMlPerSecond, devices
}

// LoadSchedules reads a YAML list of schedules and validates each one.
func LoadSchedules(path string) ([]model.WateringSchedule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules %s: %w", path, err)
	}
	var doc struct {
		Schedules []model.WateringSchedule `yaml:"schedules"`
	}
	if err := decodeStrict(b, &doc); err != nil {
		return nil, fmt.Errorf("parse schedules %s: %w", path, err)
	}
	var errs []error
	for _, s := range doc.Schedules {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return doc.Schedules, nil
}

// ===================== env helpers =====================

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("config: ignoring %s=%q: not an integer", key, v)
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("config: ignoring %s=%q: not a boolean", key, v)
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64); err == nil {
			return f
		}
		log.Printf("config: ignoring %s=%q: not a number", key, v)
	}
	return def
}
