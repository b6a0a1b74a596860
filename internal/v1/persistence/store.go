// Package persistence is a thin, circuit-breaker-guarded adapter over
// Redis: two key families (room snapshots, client sessions), each with
// its own TTL policy, connected once at construction and shared by
// reference. A gobreaker circuit breaker turns failed reads and writes
// into ErrCacheUnavailable and, once open, rejects calls immediately
// rather than blocking callers. This
// relay fans out in-process only and never synchronizes across rooms or
// server instances, so there is no pub/sub layer here.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/offbit-ai/zeal/internal/v1/metrics"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

const (
	roomKeyPrefix    = "room:"
	roomKeySuffix    = ":state"
	sessionKeyPrefix = "session:"
)

// Store wraps a go-redis client behind a circuit breaker. A nil *Store
// (or one constructed with disabled=true) runs the server in-memory-only
// mode: every method becomes a no-op that returns a nil error (and nil
// data for reads), never panicking.
type Store struct {
	client   *redis.Client
	cb       *gobreaker.CircuitBreaker
	disabled bool
}

// NewStore dials addr and verifies connectivity with a PING. Pass
// disabled=true (the --disable-redis-persistence flag) to skip dialing
// entirely and run with an always-degraded Store.
func NewStore(addr, password string, disabled bool) (*Store, error) {
	if disabled {
		return &Store{disabled: true}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("persistence: failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	return &Store{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func roomKey(name types.RoomName) string {
	return roomKeyPrefix + string(name) + roomKeySuffix
}

func sessionKey(id types.ClientID) string {
	return sessionKeyPrefix + string(id)
}

// SaveRoomState writes the room's full snapshot bytes with its TTL
// policy: no TTL for "wf_"-prefixed rooms, 24h otherwise.
func (s *Store) SaveRoomState(ctx context.Context, name types.RoomName, data []byte) error {
	if s.unavailable() {
		return nil
	}
	ttl := types.DefaultSnapshotTTL
	if name.IsPersistent() {
		ttl = 0
	}
	return s.execute("save_room_state", func() error {
		return s.client.Set(ctx, roomKey(name), data, ttl).Err()
	})
}

// GetRoomState reads the room's snapshot bytes. A missing key is reported
// as (nil, nil), not an error — callers treat an absent snapshot as a
// fresh, empty room rather than a failure.
func (s *Store) GetRoomState(ctx context.Context, name types.RoomName) ([]byte, error) {
	if s.unavailable() {
		return nil, nil
	}
	var data []byte
	err := s.execute("get_room_state", func() error {
		b, err := s.client.Get(ctx, roomKey(name)).Bytes()
		if err == redis.Nil {
			return nil
		}
		data = b
		return err
	})
	return data, err
}

// DeleteRoomState removes a room's snapshot key.
func (s *Store) DeleteRoomState(ctx context.Context, name types.RoomName) error {
	if s.unavailable() {
		return nil
	}
	return s.execute("delete_room_state", func() error {
		return s.client.Del(ctx, roomKey(name)).Err()
	})
}

// RefreshRoomTTL re-applies the TTL policy to an existing snapshot without
// rewriting its value, for callers that want to keep a room alive without
// a full resave. Persistent ("wf_") rooms are left alone.
func (s *Store) RefreshRoomTTL(ctx context.Context, name types.RoomName) error {
	if s.unavailable() || name.IsPersistent() {
		return nil
	}
	return s.execute("refresh_room_ttl", func() error {
		return s.client.Expire(ctx, roomKey(name), types.DefaultSnapshotTTL).Err()
	})
}

// SaveClientSession writes the session JSON blob with the given TTL (3600s
// while live, 30s during the disconnect grace window).
func (s *Store) SaveClientSession(ctx context.Context, id types.ClientID, data []byte, ttl time.Duration) error {
	if s.unavailable() {
		return nil
	}
	return s.execute("save_client_session", func() error {
		return s.client.Set(ctx, sessionKey(id), data, ttl).Err()
	})
}

// GetClientSession reads the session JSON blob, or (nil, nil) if absent.
func (s *Store) GetClientSession(ctx context.Context, id types.ClientID) ([]byte, error) {
	if s.unavailable() {
		return nil, nil
	}
	var data []byte
	err := s.execute("get_client_session", func() error {
		b, err := s.client.Get(ctx, sessionKey(id)).Bytes()
		if err == redis.Nil {
			return nil
		}
		data = b
		return err
	})
	return data, err
}

// ExtendClientSession refreshes the session key's TTL without rewriting it.
func (s *Store) ExtendClientSession(ctx context.Context, id types.ClientID, ttl time.Duration) error {
	if s.unavailable() {
		return nil
	}
	return s.execute("extend_client_session", func() error {
		return s.client.Expire(ctx, sessionKey(id), ttl).Err()
	})
}

// DeleteClientSession removes a client's session key (post-grace cleanup).
func (s *Store) DeleteClientSession(ctx context.Context, id types.ClientID) error {
	if s.unavailable() {
		return nil
	}
	return s.execute("delete_client_session", func() error {
		return s.client.Del(ctx, sessionKey(id)).Err()
	})
}

// Ping reports cache health for the /health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if s.unavailable() {
		return nil
	}
	return s.execute("ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Disabled reports whether this Store was constructed with persistence
// turned off (--disable-redis-persistence), as opposed to merely nil.
func (s *Store) Disabled() bool {
	return s == nil || s.disabled
}

// RedisClient exposes the underlying client for components (rate
// limiting) that need their own Redis-backed state independent of the
// room/session key families this Store manages. Returns nil when
// persistence is disabled or s is nil.
func (s *Store) RedisClient() *redis.Client {
	if s == nil || s.disabled {
		return nil
	}
	return s.client
}

func (s *Store) unavailable() bool {
	return s == nil || s.disabled || s.client == nil
}

func (s *Store) execute(op string, fn func() error) error {
	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.RedisOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			return types.ErrCacheUnavailable
		}
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("persistence: %s: %w", op, types.ErrCacheUnavailable)
	}
	metrics.RedisOperationsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// Close gracefully shuts down the Redis connection, if any.
func (s *Store) Close() error {
	if s.unavailable() {
		return nil
	}
	return s.client.Close()
}
