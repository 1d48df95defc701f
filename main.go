package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"kanban-api/api"
	"kanban-api/config"
	"kanban-api/logging"
	"kanban-api/storage"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}, os.Stdout)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closeLog()

	var spanOut io.Writer
	if cfg.TraceStdout {
		spanOut = os.Stderr
	}
	tp, err := newTracerProvider(cfg.TraceSampleRatio, spanOut)
	if err != nil {
		logger.Fatalf("tracing: %v", err)
	}
	otel.SetTracerProvider(tp)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := storage.Open(openCtx, cfg.DatabaseURL, storage.PoolOptions{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	cancel()
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()
	if store.Dialect() == storage.SQLite {
		if err := store.Migrate(ctx); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
	}

	opts := api.Options{Prefix: cfg.APIPrefix, Logger: logger}
	if cfg.RedisURL != "" {
		redisOpts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		pub := api.NewAsyncPublisher(api.NewRedisPublisher(rc, cfg.EventsChannel), logger, api.PoolOptions{
			HandoffTimeout: 15 * time.Millisecond,
		})
		defer pub.Close()
		opts.Publisher = pub
		if cfg.RateLimit > 0 {
			opts.Limiter = api.NewRedisRateLimiter(rc, cfg.RateLimit, cfg.RateWindow)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.Register(e, store, opts)

	go func() {
		logger.WithFields(log.Fields{"addr": cfg.Addr, "dialect": store.Dialect()}).Info("server.start")
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server.shutdown_failed")
	}
}

// newTracerProvider samples root spans at ratio. Spans are exported to w when
// it is non-nil; otherwise only trace ids reach the request log.
func newTracerProvider(ratio float64, w io.Writer) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if w != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" || strings.Contains(parts[0], "://") {
		return nil, errors.New("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
