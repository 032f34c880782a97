// Package tripservice wires and runs the trip engine.
package tripservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"tripsync/internal/api"
	"tripsync/internal/auth"
	"tripsync/internal/controller"
	"tripsync/internal/general/config"
	"tripsync/internal/general/jwt"
	"tripsync/internal/general/logger"
	"tripsync/internal/general/rabbitmq"
	"tripsync/internal/ingest"
	"tripsync/internal/notify"
	"tripsync/internal/observability"
	"tripsync/internal/payments"
	"tripsync/internal/store"
)

// Run wires the trip service and blocks until ctx is cancelled.
func Run(ctx context.Context, configPath string, maxConcurrent int) error {
	// set up a new logger and context with a static request ID for startup logs
	logger := logger.New("trip-engine")
	ctx = logger.WithRequestID(ctx, "startup-001")

	// load a config from file
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Error(ctx, "config_load_failed", "Failed to load configuration", err, nil)
		return err
	}

	// set up a Postgres connection pool
	pool, err := store.NewPool(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "db_connection_failed", "Failed to initialize Postgres pool", err, nil)
		return err
	}
	defer pool.Close()

	// connect to RabbitMQ
	rmq, err := rabbitmq.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "rabbitmq_connection_failed", "Failed to connect to RabbitMQ", err, nil)
		return err
	}
	defer rmq.Close()

	// set up the document store over Postgres and its change feed
	pub := rabbitmq.NewPublisher(rmq)
	feed := store.NewChangeFeed(rmq, logger)
	docStore := store.NewPostgresStore(pool, pub, feed, logger)
	if err := docStore.EnsureSchema(ctx); err != nil {
		logger.Error(ctx, "schema_init_failed", "Failed to ensure documents schema", err, nil)
		return err
	}
	defer feed.Close()

	go func() {
		if err := feed.Run(ctx); err != nil {
			logger.Error(ctx, "change_feed_stopped", "Change feed consumer stopped", err, nil)
		}
	}()

	// set up the pending-trip geo index
	pending, err := store.NewPendingTripIndex(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "redis_connection_failed", "Failed to connect to Redis", err, nil)
		return err
	}
	defer pending.Close()

	// set up the JWT manager and identity service
	jwtManager := jwt.NewManager(cfg.JWT.SecretKey, 24*time.Hour)
	accounts := auth.NewAccounts(docStore, jwtManager, logger)

	// payments are optional: no stripe key disables the fare token handshake
	var fare controller.FareCharger
	if charger := payments.NewStripeCharger(cfg); charger != nil {
		fare = charger
	}

	// metrics, notification sink, and the per-user client registry
	metrics := observability.NewMetrics()
	hub := notify.NewWSHub(jwtManager, logger)
	sessions := api.NewRegistry(docStore, accounts, pending, fare, hub, metrics, cfg, logger)

	// location ingest: HTTP produces into Kafka, the consumer feeds monitors
	producer := ingest.NewProducer(cfg)
	defer producer.Close()
	consumer := ingest.NewConsumer(cfg, sessions.HandleLocationSample, logger)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			logger.Error(ctx, "location_consumer_stopped", "Location consumer stopped", err, nil)
		}
	}()

	// set up the HTTP handler and its routes
	mux := http.NewServeMux()
	httpHandler := api.NewHandler(accounts, sessions, jwtManager, hub, producer, logger)
	httpHandler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	// concurrency limiter (global) — blocks when capacity is full
	limitedHandler := withConcurrencyLimit(maxConcurrent, mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           limitedHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info(ctx, "service_started",
		fmt.Sprintf("Trip engine started on port %d", cfg.HTTP.Port),
		map[string]any{"port": cfg.HTTP.Port, "max_concurrent": maxConcurrent},
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info(ctx, "shutdown_started", "Starting graceful shutdown", nil)
		if err := srv.Shutdown(shCtx); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http_shutdown_failed", "Failed to gracefully shut down HTTP server", err, nil)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http_server_error", "HTTP server terminated with error", err, map[string]any{"port": cfg.HTTP.Port})
			return err
		}
		return nil
	}

	return nil
}

// withConcurrencyLimit wraps an http.Handler with a semaphore-based limiter.
// It controls how many HTTP requests can be in-progress at the same time.
func withConcurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}: // acquire
			defer func() { <-sem }() // release
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			// client canceled or server is shutting down
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
