package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/cabhaggle/internal/dispatch/domain"
	"github.com/example/cabhaggle/internal/dispatch/handler"
	"github.com/example/cabhaggle/internal/dispatch/live"
	geo "github.com/example/cabhaggle/internal/dispatch/location"
	"github.com/example/cabhaggle/internal/dispatch/matching"
	"github.com/example/cabhaggle/internal/dispatch/negotiation"
	"github.com/example/cabhaggle/internal/dispatch/rating"
	"github.com/example/cabhaggle/internal/dispatch/service"
	"github.com/example/cabhaggle/internal/eta"
	"github.com/example/cabhaggle/internal/http/middleware"
	"github.com/example/cabhaggle/internal/location"
	outboxworker "github.com/example/cabhaggle/internal/outbox"
	"github.com/example/cabhaggle/pkg/observability"
	outboxpkg "github.com/example/cabhaggle/pkg/outbox"
)

type appConfig struct {
	HTTPAddr         string
	GRPCAddr         string
	PostgresDSN      string
	RedisAddr        string
	NATSURL          string
	KafkaBrokers     []string
	KafkaTopic       string
	LogLevel         string
	MatchRadiusKM    float64
	MatchMaxResults  int
	PricePerKM       float64
	PickupSpeedKMH   float64
	MaxRounds        int
	AutoRespond      bool
	AcceptRatio      float64
	FloorRatio       float64
	RateRead         middleware.RateConfig
	RateWrite        middleware.RateConfig
	SessionRetention time.Duration
	RatingWindow     time.Duration
	CandidateTTL     time.Duration
	DriverStaleAfter time.Duration
	SweepInterval    time.Duration
	OutboxPoll       time.Duration
	OutboxBatch      int
	OutboxRetry      int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("dispatchd", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatchd")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if err := outboxworker.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("outbox schema", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchd")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	index, catalog, store := buildStores(redisClient)
	matcher, err := matching.NewMatcher(index, catalog, buildPricing(cfg), eta.New(cfg.PickupSpeedKMH), logger.Named("matcher"), matching.Config{
		RadiusKM: cfg.MatchRadiusKM,
	})
	if err != nil {
		logger.Fatal("build matcher", zap.Error(err))
	}
	clock := domain.SystemClock{}
	registry := negotiation.NewRegistry(clock, cfg.MaxRounds)
	ratings, err := rating.NewAggregator(registry, store, clock, logger.Named("rating"))
	if err != nil {
		logger.Fatal("build rating aggregator", zap.Error(err))
	}

	svcCfg := service.Config{MaxResults: cfg.MatchMaxResults}
	if cfg.AutoRespond {
		svcCfg.Responder = negotiation.ThresholdPolicy{AcceptRatio: cfg.AcceptRatio, FloorRatio: cfg.FloorRatio}
	}
	hub := live.NewHub()
	publishers := domain.Publishers{buildPublisher(db, natsConn), hub}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub := outboxpkg.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPub.Close()
		publishers = append(publishers, kafkaPub)
	}
	svc, err := service.New(matcher, registry, ratings, publishers, clock, logger.Named("dispatch"), svcCfg)
	if err != nil {
		logger.Fatal("build dispatch service", zap.Error(err))
	}

	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, cfg.RateRead, cfg.RateWrite, logger.Named("ratelimit"))
	}
	liveFeed := live.NewHandler(hub, registry, logger.Named("live"))
	dispatchHTTP := handler.NewHTTP(svc, catalog, index, liveFeed, logger.Named("http"))

	r := chi.NewRouter()
	r.Mount("/", dispatchHTTP.Router(limiter.Middleware))
	r.Mount("/observability", observability.MetricsRouter(readyChecks(db, redisClient, natsConn)))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	ingestor := location.NewIngestor(index, clock, logger.Named("ingest"))
	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(ingestor, logger.Named("ingest")))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	go func() {
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	go sweep(ctx, logger, cfg, svc, registry, ingestor)

	go func() {
		logger.Info("dispatch http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
}

// buildStores picks Redis-backed shared state when Redis is configured and
// in-process state otherwise.
func buildStores(redisClient *redis.Client) (domain.LocationIndex, fleetStore, rating.Store) {
	if redisClient == nil {
		return geo.NewMemoryIndex(), matching.NewMemoryCatalog(), rating.NewMemoryStore()
	}
	return geo.NewRedisIndex(redisClient, ""), matching.NewRedisCatalog(redisClient, ""), rating.NewRedisStore(redisClient, "")
}

type fleetStore interface {
	matching.Catalog
	handler.Fleet
}

func buildPricing(cfg appConfig) matching.Pricing {
	if cfg.PricePerKM > 0 {
		return matching.DistanceTariff{PerKM: cfg.PricePerKM}
	}
	return matching.FlatPricing
}

// buildPublisher records events in the outbox when Postgres is available,
// publishes straight to NATS when only NATS is, and drops them otherwise.
func buildPublisher(db *sql.DB, natsConn *nats.Conn) domain.EventPublisher {
	if db != nil {
		return outboxworker.NewRecorder(db, outboxpkg.DefaultSubject)
	}
	return outboxpkg.NewPublisher(natsConn, outboxpkg.DefaultSubject)
}

func readyChecks(db *sql.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]observability.ReadyCheck {
	checks := map[string]observability.ReadyCheck{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	if natsConn != nil {
		checks["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	return checks
}

func sweep(ctx context.Context, logger *zap.Logger, cfg appConfig, svc *service.Service, registry *negotiation.Registry, ingestor *location.Ingestor) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pruned := registry.PruneResolved(now.Add(-cfg.SessionRetention), now.Add(-cfg.RatingWindow))
			lists := svc.PruneCandidateLists(now.Add(-cfg.CandidateTTL))
			evicted := ingestor.EvictStale(ctx, now.Add(-cfg.DriverStaleAfter))
			if pruned > 0 || lists > 0 || evicted > 0 {
				logger.Info("sweep",
					zap.Int("sessions_pruned", pruned),
					zap.Int("candidate_lists_pruned", lists),
					zap.Int("drivers_evicted", evicted),
				)
			}
		}
	}
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:        getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:     firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		NATSURL:         os.Getenv("NATS_URL"),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:      getenv("KAFKA_TOPIC", outboxpkg.DefaultSubject),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		MatchRadiusKM:   parseFloatEnv("MATCH_RADIUS_KM", 5),
		MatchMaxResults: parseIntEnv("MATCH_MAX_RESULTS", service.DefaultMaxResults),
		PricePerKM:      parseFloatEnv("PRICE_PER_KM", 0),
		PickupSpeedKMH:  parseFloatEnv("PICKUP_SPEED_KMH", 30),
		MaxRounds:       parseIntEnv("NEGOTIATION_MAX_ROUNDS", negotiation.DefaultMaxRounds),
		AutoRespond:     parseBoolEnv("NEGOTIATION_AUTO_RESPOND", true),
		AcceptRatio:     parseFloatEnv("ACCEPT_RATIO", negotiation.DefaultPolicy().AcceptRatio),
		FloorRatio:      parseFloatEnv("FLOOR_RATIO", negotiation.DefaultPolicy().FloorRatio),
		RateRead: middleware.RateConfig{
			Rate:  parseFloatEnv("RATE_READ_RPS", 20),
			Burst: parseFloatEnv("RATE_READ_BURST", 40),
		},
		RateWrite: middleware.RateConfig{
			Rate:  parseFloatEnv("RATE_WRITE_RPS", 5),
			Burst: parseFloatEnv("RATE_WRITE_BURST", 10),
		},
		SessionRetention: time.Duration(parseIntEnv("SESSION_RETENTION_MIN", 60)) * time.Minute,
		RatingWindow:     time.Duration(parseIntEnv("RATING_WINDOW_HOURS", 24)) * time.Hour,
		CandidateTTL:     time.Duration(parseIntEnv("CANDIDATE_TTL_MIN", 15)) * time.Minute,
		DriverStaleAfter: time.Duration(parseIntEnv("DRIVER_STALE_SEC", 120)) * time.Second,
		SweepInterval:    time.Duration(parseIntEnv("SWEEP_INTERVAL_SEC", 30)) * time.Second,
		OutboxPoll:       time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:      parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:      parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}
