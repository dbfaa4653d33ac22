package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slotbot-dev/slotbot/libs/config"
	"github.com/slotbot-dev/slotbot/libs/httpx"
	"github.com/slotbot-dev/slotbot/libs/kafkax"
	otelx "github.com/slotbot-dev/slotbot/libs/otel"
	"github.com/slotbot-dev/slotbot/libs/runtime"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/announce"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/engine"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/handlers"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/identity"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8084")
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

	engineCfg := engine.Config{
		SlotLength:     config.Minutes("SLOT_MINUTES", 5*time.Minute),
		HorizonDays:    config.Int("LOOKAHEAD_DAYS", 14),
		ReferenceZone:  config.Location("DEFAULT_TIMEZONE"),
		DefaultSummary: config.String("BOOKING_SUMMARY", "Booked appointment"),
	}
	calendarID := config.String("GOOGLE_CALENDAR_ID", "primary")
	sessionSecret := config.String("SESSION_SECRET", "dev-secret")

	var readyChecks []runtime.ReadyCheck

	resolver, poolClose, err := buildResolver(ctx, calendarID, &readyChecks)
	if err != nil {
		logger.Error("identity resolver init failed", "err", err)
		panic(err)
	}
	defer poolClose()

	brokers := config.String("KAFKA_BROKERS", "")
	announcer := announce.New(brokers, config.String("KAFKA_TOPIC_BOOKING_CREATED", "booking.created.v1"), logger)
	defer announcer.Close()
	if announcer != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	bookingHandler := handlers.NewBookingHandler(resolver, engineCfg, announcer, logger, sessionSecret)

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/api/v1/slots/next", bookingHandler.Next)
	mux.HandleFunc("/api/v1/book", bookingHandler.Book)
	mux.HandleFunc("/api/v1/bookings/lookup", bookingHandler.Lookup)
	if resolver.MultiTenant() {
		oauthHandler := handlers.NewOAuthHandler(resolver, logger, sessionSecret, config.Bool("SECURE_COOKIES", true))
		mux.HandleFunc("/api/v1/auth/google", oauthHandler.Connect)
		mux.HandleFunc("/api/v1/auth/google/callback", oauthHandler.Callback)
		logger.Info("multi-tenant mode: oauth connect flow enabled")
	} else {
		logger.Info("single-tenant mode: using fixed calendar credential")
	}

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 60)
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id")),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           time.Duration(config.Int("CORS_MAX_AGE_SECONDS", 600)) * time.Second,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		rateLimitMW,
		httpx.WithTimeout(time.Duration(config.Int("REQUEST_TIMEOUT_SECONDS", 30))*time.Second),
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

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// buildResolver picks the deployment mode from the environment: OAuth
// client configured means multi-tenant per-caller credentials, else a
// single fixed token file serves every caller.
func buildResolver(ctx context.Context, calendarID string, readyChecks *[]runtime.ReadyCheck) (*identity.Resolver, func(), error) {
	noop := func() {}

	clientID := config.String("GOOGLE_OAUTH_CLIENT_ID", "")
	if clientID == "" {
		tokenFile, err := config.RequiredString("GOOGLE_TOKEN_FILE")
		if err != nil {
			return nil, noop, err
		}
		resolver, err := identity.NewSingleTenant(tokenFile, calendarID, nil)
		return resolver, noop, err
	}

	clientSecret, err := config.RequiredString("GOOGLE_OAUTH_CLIENT_SECRET")
	if err != nil {
		return nil, noop, err
	}
	redirectURL, err := config.RequiredString("GOOGLE_OAUTH_REDIRECT_URL")
	if err != nil {
		return nil, noop, err
	}
	oauthCfg := identity.OAuthConfig(clientID, clientSecret, redirectURL)

	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err := identity.OpenPool(ctx, dbURL)
		if err != nil {
			return nil, noop, err
		}
		*readyChecks = append(*readyChecks, runtime.ReadyCheck{Name: "db", Check: identity.ReadyCheck(pool)})
		store := identity.NewPostgresStore(pool)
		return identity.NewMultiTenant(store, oauthCfg, calendarID), pool.Close, nil
	}

	sealKey, err := identity.ParseSealKey(config.String("CREDENTIALS_SEAL_KEY", ""))
	if err != nil {
		return nil, noop, err
	}
	store, err := identity.NewFileStore(config.String("CREDENTIALS_DIR", "./credentials"), sealKey)
	if err != nil {
		return nil, noop, err
	}
	return identity.NewMultiTenant(store, oauthCfg, calendarID), noop, nil
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
