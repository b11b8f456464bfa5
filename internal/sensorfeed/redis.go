package sensorfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// putNewer writes the snapshot only when it is newer than the cached one.
// KEYS[1]=snapshot key, ARGV[1]=json, ARGV[2]=observedAt unix nanos, ARGV[3]=ttl ms
var putNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "observed")
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "snap", ARGV[1], "observed", ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// Redis shares snapshots between scheduler replicas.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

func NewRedis(redisURL, prefix string, ttl time.Duration) (*Redis, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if prefix == "" {
		prefix = "smartplant:sensor:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *Redis) key(deviceID string) string { return r.prefix + deviceID }

func (r *Redis) Latest(ctx context.Context, deviceID string) (model.SensorSnapshot, bool, error) {
	raw, err := r.client.HGet(ctx, r.key(deviceID), "snap").Bytes()
	if errors.Is(err, redis.Nil) {
		return model.SensorSnapshot{}, false, nil
	}
	if err != nil {
		return model.SensorSnapshot{}, false, fmt.Errorf("redis latest %s: %w", deviceID, err)
	}
	var snap model.SensorSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.SensorSnapshot{}, false, fmt.Errorf("decode snapshot %s: %w", deviceID, err)
	}
	return snap, true, nil
}

func (r *Redis) Put(ctx context.Context, snap model.SensorSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	keys := []string{r.key(snap.DeviceID)}
	if err := putNewer.Run(ctx, r.client, keys, data, snap.ObservedAt.UnixNano(), r.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", snap.DeviceID, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
