package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventrail/internal/relay"
	"github.com/md-rashed-zaman/eventrail/internal/storage"
	"github.com/md-rashed-zaman/eventrail/libs/config"
	"github.com/md-rashed-zaman/eventrail/libs/db"
	"github.com/md-rashed-zaman/eventrail/libs/httpx"
	"github.com/md-rashed-zaman/eventrail/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventrail/libs/otel"
	"github.com/md-rashed-zaman/eventrail/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "relay-worker")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store, err := storage.NewPGContainer(pool, config.String("STORE_TABLE", "event_store"), logger)
	if err != nil {
		panic(err)
	}
	auditLog, err := storage.NewPGContainer(pool, config.String("AUDIT_TABLE", "audit_log"), logger)
	if err != nil {
		panic(err)
	}
	checkpoints := relay.NewPGCheckpoints(pool)

	brokers := config.String("KAFKA_BROKERS", "")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	defer func() { _ = writer.Close() }()

	leaseTTL := config.Duration("RELAY_LEASE_TTL", 30*time.Second)
	pollInterval := config.Duration("RELAY_POLL_INTERVAL", 2*time.Second)
	batchSize := config.Int("RELAY_BATCH_SIZE", 100)

	var redisClient *redis.Client
	coordinator := func(processor string) relay.Coordinator {
		if redisClient == nil {
			return relay.SoleOwner{}
		}
		return relay.NewRedisLease(redisClient, processor, leaseTTL)
	}
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("invalid redis url", "err", err)
			panic(err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
	} else {
		logger.Warn("REDIS_URL not set, running without lease coordination")
	}

	processors := []*relay.Processor{
		relay.NewProcessor(
			relay.Config{Name: "publication", PollInterval: pollInterval, BatchSize: batchSize},
			store, checkpoints, coordinator("publication"), logger,
			relay.NewPublication(writer, nil, logger),
		),
		relay.NewProcessor(
			relay.Config{Name: "audit-movement", PollInterval: pollInterval, BatchSize: batchSize},
			store, checkpoints, coordinator("audit-movement"), logger,
			relay.NewMovement(store, auditLog, []storage.Kind{storage.KindAudit}, logger),
		),
	}
	// Processors outlive the signal context so shutdown drains them through
	// Stop rather than yanking their poll loops mid-batch.
	for _, p := range processors {
		if err := p.Start(context.WithoutCancel(ctx)); err != nil {
			logger.Error("processor start failed", "err", err)
			panic(err)
		}
	}

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	}
	if redisClient != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range processors {
		if err := p.Stop(shutdownCtx); err != nil {
			logger.Error("processor stop failed", "err", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("relay worker stopped")
}
