package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// WebhookConfig controls the HTTP sink and its circuit breaker.
type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	CBFails    int           `yaml:"cbFails"`
	CBOpen     time.Duration `yaml:"cbOpen"`
	CBInterval time.Duration `yaml:"cbInterval"`
}

// WebhookSink POSTs alerts as JSON. A tripped breaker drops alerts instead of
// piling up requests against a dead endpoint.
type WebhookSink struct {
	url     string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CBFails <= 0 {
		cfg.CBFails = 3
	}
	if cfg.CBOpen <= 0 {
		cfg.CBOpen = 30 * time.Second
	}
	fails := uint32(cfg.CBFails)
	return &WebhookSink{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		timeout: cfg.Timeout,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "notify-webhook",
			Interval: cfg.CBInterval,
			Timeout:  cfg.CBOpen,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= fails
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("notify: breaker %s %s -> %s", name, from, to)
			},
		}),
	}
}

func (s *WebhookSink) Notify(deviceID, kind, message string) {
	go func() {
		if err := s.send(deviceID, kind, message); err != nil {
			log.Printf("notify: webhook %s: %v", kind, err)
		}
	}()
}

// State exposes the breaker state for health reporting.
func (s *WebhookSink) State() gobreaker.State { return s.cb.State() }

func (s *WebhookSink) send(deviceID, kind, message string) error {
	body, err := json.Marshal(model.NotificationEvent{
		DeviceID:  deviceID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = s.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
