package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisStateKey = "quorum:throttle:state"

// RedisStateStore persists throttle state in Redis so a restarted node
// resumes at the last setting instead of the configured default. A
// LOCKED state in particular must survive a crash.
type RedisStateStore struct {
	client *redis.Client
	key    string
}

// NewRedisStateStore creates a store over the given client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, key: redisStateKey}
}

func (r *RedisStateStore) Save(ctx context.Context, s State) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("throttle: encoding state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("throttle: saving state to redis: %w", err)
	}
	return nil
}

func (r *RedisStateStore) Load(ctx context.Context) (State, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("throttle: loading state from redis: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, false, fmt.Errorf("throttle: decoding state: %w", err)
	}
	return s, true, nil
}
