// Command crdtrelay runs the collaborative-editing relay server: it wires
// configuration, logging, tracing, persistence, rate limiting, and the
// WebSocket transport into a single gin HTTP server and serves until an
// interrupt or terminate signal arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/offbit-ai/zeal/internal/v1/auth"
	"github.com/offbit-ai/zeal/internal/v1/config"
	"github.com/offbit-ai/zeal/internal/v1/coordinator"
	"github.com/offbit-ai/zeal/internal/v1/health"
	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/middleware"
	"github.com/offbit-ai/zeal/internal/v1/persistence"
	"github.com/offbit-ai/zeal/internal/v1/ratelimit"
	"github.com/offbit-ai/zeal/internal/v1/registry"
	"github.com/offbit-ai/zeal/internal/v1/room"
	"github.com/offbit-ai/zeal/internal/v1/tracing"
	"github.com/offbit-ai/zeal/internal/v1/transport"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

const serviceName = "crdt-relay"

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load(nil, nil)
	if err != nil {
		zap.S().Fatalw("configuration error", "error", err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production" || cfg.Verbose); err != nil {
		zap.S().Fatalw("logging init failed", "error", err)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting crdt relay",
		zap.String("port", cfg.Port),
		zap.String("redis_addr", cfg.RedisAddr()),
		zap.Bool("redis_disabled", cfg.DisableRedisPersistence),
		zap.Bool("skip_auth", cfg.SkipAuth),
	)

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, collectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: init failed", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	store, err := persistence.NewStore(cfg.RedisAddr(), redisPassword(cfg.RedisURL), cfg.DisableRedisPersistence)
	if err != nil {
		logging.Fatal(ctx, "persistence store init failed", zap.Error(err))
	}
	defer store.Close()

	reg := registry.New(store, room.Config{
		MaxClients:  cfg.MaxClientsPerRoom,
		IdleTimeout: cfg.ClientTimeout(),
		Guard:       room.PresenceGuardConfig{RejectKnownBadMagic: false},
	})

	coord := coordinator.New(store, reg, types.DefaultEvictionGracePeriod)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, store.RedisClient())
	if err != nil {
		logging.Fatal(ctx, "rate limiter init failed", zap.Error(err))
	}

	validator, skipAuth := buildValidator(ctx, cfg)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{cfg.CORSOrigin})

	hub := transport.NewHub(transport.Deps{
		Registry:       reg,
		Coordinator:    coord,
		RateLimiter:    rateLimiter,
		Validator:      validator,
		SkipAuth:       skipAuth,
		AllowedOrigins: allowedOrigins,
		GracePeriod:    types.DefaultEvictionGracePeriod,
	})

	go sweepLoop(ctx, reg, cfg.ClientTimeout())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	healthHandler := health.NewHandler(store)
	router.GET("/", hub.Root)
	router.GET("/health", healthHandler.Health)
	router.GET("/stats", hub.Stats)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", hub.ServeWS)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed", zap.Error(err))
	}
	logging.Info(ctx, "server exited")
}

// buildValidator wires an Auth0 JWKS validator when AUTH0_DOMAIN and
// AUTH0_AUDIENCE are both set and SkipAuth is false. Any other
// configuration leaves the hub with no validator, which is equivalent to
// skipping authentication at the transport boundary.
func buildValidator(ctx context.Context, cfg *config.Config) (transport.TokenValidator, bool) {
	if cfg.SkipAuth || cfg.DevMode {
		logging.Warn(ctx, "authentication disabled for this run")
		return nil, true
	}

	domain := os.Getenv("AUTH0_DOMAIN")
	audience := os.Getenv("AUTH0_AUDIENCE")
	if domain == "" || audience == "" {
		logging.Warn(ctx, "AUTH0_DOMAIN/AUTH0_AUDIENCE not set, running without upgrade authentication")
		return nil, true
	}

	validator, err := auth.NewValidator(ctx, domain, audience)
	if err != nil {
		logging.Fatal(ctx, "auth validator init failed", zap.Error(err))
		return nil, true
	}
	return validator, false
}

// sweepLoop periodically removes idle clients from every registered room
// and asks the registry to evict rooms that have become empty as a result.
func sweepLoop(ctx context.Context, reg *registry.Registry, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	for range ticker.C {
		reg.Iterate(func(r *room.Room) {
			if removed := r.Sweep(idleTimeout); removed > 0 {
				logging.Info(ctx, "idle clients swept", zap.String("room", string(r.Name)), zap.Int("count", removed))
			}
			if r.IsEmpty() {
				if err := reg.RemoveIfEvictable(ctx, r.Name, types.DefaultEvictionGracePeriod); err != nil {
					logging.Warn(ctx, "sweep eviction failed", zap.String("room", string(r.Name)), zap.Error(err))
				}
			}
		})
	}
}

func redisPassword(redisURL string) string {
	if !strings.Contains(redisURL, "@") {
		return ""
	}
	at := strings.Index(redisURL, "@")
	scheme := strings.Index(redisURL, "://")
	if scheme < 0 || scheme+3 >= at {
		return ""
	}
	userinfo := redisURL[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return userinfo[colon+1:]
	}
	return ""
}
