package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/serenitypath/sessionbook/libs/config"
	"github.com/serenitypath/sessionbook/libs/db"
	"github.com/serenitypath/sessionbook/libs/grpcx"
	"github.com/serenitypath/sessionbook/libs/httpx"
	"github.com/serenitypath/sessionbook/libs/kafkax"
	otelx "github.com/serenitypath/sessionbook/libs/otel"
	"github.com/serenitypath/sessionbook/libs/runtime"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/booking"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/calendar"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/catalog"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/handlers"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/metrics"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/outbox"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/payments"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/planner"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/storage"
)

func main() {
	envErr := config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "booking-service")
	logger := runtime.NewLogger(service)
	if envErr != nil {
		logger.Error("load env", "err", envErr)
		os.Exit(1)
	}
	if err := run(service, logger); err != nil {
		logger.Error("booking service stopped", "err", err)
		panic(err)
	}
}

func run(service string, logger *slog.Logger) error {
	port, err := config.Port("PORT", "8085")
	if err != nil {
		return err
	}
	grpcPort, err := config.Port("GRPC_PORT", "9095")
	if err != nil {
		return err
	}

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

	cat, err := catalog.Load(config.String("CATALOG_FILE", "catalog.yaml"))
	if err != nil {
		return err
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return err
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		return err
	}
	defer pool.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository()

	cal, err := newCalendar(ctx, logger)
	if err != nil {
		return err
	}
	maxTries, err := config.Int("CALENDAR_MAX_RETRIES", 4)
	if err != nil {
		return err
	}
	busy := calendar.NewRetryingSource(cal, calendar.RetryConfig{
		MaxTries: uint(maxTries),
		Observe:  m.ObserveBusyQuery,
	}, logger)
	slots := planner.New(busy, repo)

	pay, err := newPayments(logger)
	if err != nil {
		return err
	}

	bookings := booking.New(booking.Deps{
		Store:    repo,
		Outbox:   outboxRepo,
		Catalog:  cat,
		Slots:    slots,
		Payments: pay,
		Calendar: cal,
		Metrics:  m,
		Logger:   logger,
	}, booking.Config{
		SuccessURL: config.String("CHECKOUT_SUCCESS_URL", "http://localhost:3000/book/confirmed"),
		CancelURL:  config.String("CHECKOUT_CANCEL_URL", "http://localhost:3000/book"),
	})

	toleranceSeconds, err := config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300)
	if err != nil {
		return err
	}
	h, err := handlers.New(bookings, slots, cat, m, logger, handlers.Config{
		StripeWebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: time.Duration(toleranceSeconds) * time.Second,
		AdminTimezone:          config.String("ADMIN_TIMEZONE", ""),
	})
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newRateLimiter(logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	brokers := config.String("KAFKA_BROKERS", "")
	var writer outbox.MessageWriter
	if strings.TrimSpace(brokers) != "" {
		kw := kafkax.NewWriter(brokers)
		defer func() { _ = kw.Close() }()
		writer = kw
	}
	publisher := outbox.NewPublisher(pool, outboxRepo, writer, logger, outbox.PublisherConfig{
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", h.Routes(
		httpx.WithCORS(httpx.PublicCORSPolicy(config.List("CORS_ALLOWED_ORIGINS"))),
		httpx.RateLimit(limiter, logger, true),
	))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(30*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, health := grpcx.NewServer(service)
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		return err
	}
	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()
	grpcx.SetServing(health, service, true)

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	grpcx.SetServing(health, service, false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	grpcSrv.GracefulStop()
	logger.Info("servers stopped")
	return nil
}

// calendarClient is what the booking service needs from a calendar backend.
type calendarClient interface {
	calendar.BusySource
	calendar.Writer
}

func newCalendar(ctx context.Context, logger *slog.Logger) (calendarClient, error) {
	disabled, err := config.Bool("CALENDAR_DISABLED", false)
	if err != nil {
		return nil, err
	}
	if disabled {
		logger.Warn("calendar disabled; every working-hours slot is offered and no events are written")
		return calendar.Disabled{}, nil
	}
	calendarID, err := config.RequiredString("GOOGLE_CALENDAR_ID")
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithScopes(gcal.CalendarScope)}
	if file := config.String("GOOGLE_CREDENTIALS_FILE", ""); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	return calendar.NewGoogle(ctx, calendar.GoogleConfig{CalendarID: calendarID}, opts...)
}

func newPayments(logger *slog.Logger) (payments.Provider, error) {
	dryRun, err := config.Bool("STRIPE_DRY_RUN", false)
	if err != nil {
		return nil, err
	}
	if dryRun {
		logger.Warn("stripe dry run enabled; checkouts are reported paid without charging")
		return payments.DryRun{}, nil
	}
	sp, err := payments.NewStripe(payments.StripeConfig{
		SecretKey: config.String("STRIPE_SECRET_KEY", ""),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// newRateLimiter shares counters through Redis when REDIS_ADDR is set and
// falls back to a per-process limiter otherwise.
func newRateLimiter(logger *slog.Logger) (httpx.Limiter, func(), error) {
	perMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return nil, nil, err
	}
	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		return httpx.NewMemoryRateLimiter(perMinute, time.Minute), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	logger.Info("rate limiting through redis", "addr", addr)
	return httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, "booking:rl"), func() { _ = rdb.Close() }, nil
}
