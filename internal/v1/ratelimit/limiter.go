// Package ratelimit throttles WebSocket connection attempts and per-client
// message volume using Redis (falling back to an in-memory store when Redis
// is disabled), via ulule/limiter/v3 with a fail-open policy on store
// errors, narrowed to this relay's two choke points — connection accept
// and inbound frame — since it exposes no authenticated REST surface to
// rate-limit.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/offbit-ai/zeal/internal/v1/config"
	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances guarding WebSocket connect
// and message throughput.
type RateLimiter struct {
	wsIP      *limiter.Limiter
	wsUser    *limiter.Limiter
	wsMessage *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter builds a RateLimiter from cfg. redisClient may be nil (cache
// disabled), in which case an in-memory store is used — rate limits then
// apply per-process rather than cluster-wide.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}
	wsMessageRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsMessage)
	if err != nil {
		return nil, fmt.Errorf("invalid WS message rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{
		wsIP:      limiter.New(store, wsIPRate),
		wsUser:    limiter.New(store, wsUserRate),
		wsMessage: limiter.New(store, wsMessageRate),
		store:     store,
	}, nil
}

// CheckWebSocket enforces the per-IP connection-attempt limit. Returns true
// if the upgrade should proceed; otherwise it has already written the HTTP
// response and the caller must not upgrade the connection.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	res, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ip)", zap.Error(err))
		return true // fail open
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(res.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("ws_connect").Inc()
	return true
}

// CheckWebSocketUser enforces the per-client connection limit, keyed by
// clientID rather than IP — call it once, after a connection is accepted.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, clientID string) error {
	res, err := rl.wsUser.Get(ctx, clientID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (client)", zap.Error(err))
		return nil // fail open
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect", "client").Inc()
		return fmt.Errorf("rate limit exceeded for client %s", clientID)
	}
	return nil
}

// CheckMessage enforces the per-client inbound-message rate, called once per
// frame dispatched through the relay. Returns false when the limit is
// exceeded, in which case the caller should drop the frame rather than
// dispatch it.
func (rl *RateLimiter) CheckMessage(ctx context.Context, clientID string) bool {
	res, err := rl.wsMessage.Get(ctx, clientID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (message)", zap.Error(err))
		return true // fail open
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_message", "client").Inc()
		return false
	}
	metrics.RateLimitRequests.WithLabelValues("ws_message").Inc()
	return true
}
