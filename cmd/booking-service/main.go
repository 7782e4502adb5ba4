package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/leadpilot/expert-booking/internal/booking"
	"github.com/leadpilot/expert-booking/internal/calendar"
	"github.com/leadpilot/expert-booking/internal/consumer"
	"github.com/leadpilot/expert-booking/internal/handlers"
	"github.com/leadpilot/expert-booking/internal/inbox"
	"github.com/leadpilot/expert-booking/internal/outbox"
	"github.com/leadpilot/expert-booking/internal/storage"
	"github.com/leadpilot/expert-booking/libs/config"
	"github.com/leadpilot/expert-booking/libs/db"
	"github.com/leadpilot/expert-booking/libs/httpx"
	"github.com/leadpilot/expert-booking/libs/kafkax"
	"github.com/leadpilot/expert-booking/libs/otelx"
	"github.com/leadpilot/expert-booking/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8080")
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

	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
	}

	bookingsRepo := storage.NewBookingRepository(pool)
	expertsRepo := storage.NewExpertRepository(pool)
	sessionsRepo := storage.NewSessionRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	inboxRepo := inbox.NewRepository(pool)

	var tokens calendar.TokenCache
	if rdb != nil {
		tokens = calendar.NewRedisTokenCache(rdb, config.String("CALENDAR_TOKEN_PREFIX", "caltoken"))
	} else {
		tokens = calendar.NewMemoryTokenCache()
	}
	gateway := buildGateway(logger, tokens)

	buffer := time.Duration(config.Int("BOOKING_BUFFER_MINUTES", 15)) * time.Minute
	svc := booking.NewService(bookingsRepo, expertsRepo, sessionsRepo, outboxRepo, gateway, logger, booking.Config{
		Buffer:      buffer,
		CallTimeout: time.Duration(config.Int("CALENDAR_CALL_TIMEOUT_SECONDS", 10)) * time.Second,
	})

	brokers := config.String("KAFKA_BROKERS", "")
	publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	startConsumer := func(topic string, handler consumer.Handler) {
		if strings.TrimSpace(topic) == "" || strings.TrimSpace(brokers) == "" {
			return
		}
		c := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   topic,
		}, handler)
		go c.Run(ctx)
	}

	startConsumer(config.String("KAFKA_CREDENTIALS_TOPIC", "experts.credential.rotated.v1"),
		credentialRotationHandler(logger, expertsRepo, tokens))
	startConsumer(config.String("KAFKA_NOTIFICATIONS_TOPIC", "notifications.delivered.v1"),
		notificationDeliveredHandler(logger, bookingsRepo))

	bookingHandler := handlers.NewBookingHandler(svc, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/api/v1/experts/availability", bookingHandler.Availability)
	mux.HandleFunc("/api/v1/bookings", bookingRouter(bookingHandler))
	mux.HandleFunc("/api/v1/bookings/by-session", bookingHandler.GetBySession)
	mux.HandleFunc("/api/v1/bookings/list", bookingHandler.List)
	mux.HandleFunc("/api/v1/bookings/cancel", bookingHandler.Cancel)

	var rateLimitMW httpx.Middleware
	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if rdb != nil {
		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, config.String("RATE_LIMIT_FAIL_OPEN", "true") != "false")
	} else {
		rateLimitMW = httpx.NewRateLimiter(limitPerMinute, time.Minute).Middleware()
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: kafkax.SplitBrokers(config.String("ALLOWED_ORIGINS", "")),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", httpx.RequestIDHeader},
			MaxAge:         10 * time.Minute,
		}),
		rateLimitMW,
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	grpcSrv := startHealthServer(logger)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("server stopped")
}

// buildGateway selects the gateway implementation once at startup. The
// booking core takes whatever Gateway it is handed and never asks which
// environment it runs in.
func buildGateway(logger *slog.Logger, tokens calendar.TokenCache) calendar.Gateway {
	switch provider := config.String("CALENDAR_PROVIDER", "http"); provider {
	case "stub":
		logger.Warn("using stub calendar gateway; no remote events will be created")
		return calendar.NewStubGateway()
	default:
		return calendar.NewHTTPGateway(calendar.HTTPConfig{
			BaseURL:      config.String("CALENDAR_API_BASE_URL", "https://calendar-api.local"),
			ClientID:     config.String("CALENDAR_CLIENT_ID", ""),
			ClientSecret: config.String("CALENDAR_CLIENT_SECRET", ""),
			Timeout:      time.Duration(config.Int("CALENDAR_HTTP_TIMEOUT_SECONDS", 10)) * time.Second,
			Tokens:       tokens,
		}, logger)
	}
}

func bookingRouter(h *handlers.BookingHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.Get(w, r)
		case http.MethodPost:
			h.Create(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func credentialRotationHandler(logger *slog.Logger, experts *storage.ExpertRepository, tokens calendar.TokenCache) consumer.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			ExpertID     string `json:"expert_id"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid credential rotation payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.ExpertID == "" || payload.RefreshToken == "" {
			logger.Error("missing credential rotation fields", "topic", msg.Topic)
			return nil
		}
		if err := experts.RotateCredential(ctx, payload.ExpertID, payload.RefreshToken); err != nil {
			return err
		}
		// Cached access tokens belong to the old credential.
		tokens.Delete(ctx, payload.ExpertID)
		logger.Info("calendar credential rotated", "expert_id", payload.ExpertID)
		return nil
	}
}

func notificationDeliveredHandler(logger *slog.Logger, bookings *storage.BookingRepository) consumer.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			BookingID   string `json:"booking_id"`
			Kind        string `json:"kind"`
			DeliveredAt string `json:"delivered_at"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid notification payload", "err", err, "topic", msg.Topic)
			return nil
		}
		at, err := time.Parse(time.RFC3339, payload.DeliveredAt)
		if err != nil {
			at = time.Now().UTC()
		}
		if payload.BookingID == "" {
			logger.Error("missing booking_id in notification payload", "topic", msg.Topic)
			return nil
		}
		return bookings.SetNotificationSent(ctx, payload.BookingID, payload.Kind, at)
	}
}

func startHealthServer(logger *slog.Logger) *grpc.Server {
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		logger.Error("invalid grpc port", "err", err)
		return nil
	}
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		return nil
	}
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() {
		logger.Info("grpc health server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc serve error", "err", err)
		}
	}()
	return srv
}
