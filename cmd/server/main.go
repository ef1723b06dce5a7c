package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "musehub/searchservice/internal/api/http"
	"musehub/searchservice/internal/app"
	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/metrics"
	"musehub/searchservice/internal/providers/europeana"
	"musehub/searchservice/internal/providers/smithsonian"
	"musehub/searchservice/internal/search"
	"musehub/searchservice/internal/telemetry"
)

const serviceVersion = "1.2.0"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "musesearch", serviceVersion)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "musesearch"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("searchTimeout", cfg.SearchTimeout),
		slog.Duration("cacheTTL", cfg.CacheTTL),
		slog.Bool("cacheDisabled", cfg.CacheDisabled),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasBoltPath", strings.TrimSpace(cfg.CacheDBPath) != ""),
		slog.Bool("hasSmithsonianKey", cfg.Smithsonian.APIKey != ""),
		slog.Bool("hasEuropeanaKey", cfg.Europeana.APIKey != ""),
		slog.Bool("imageProxy", cfg.ImageProxyEnabled),
	)

	smithsonianClient := &http.Client{Timeout: cfg.ClientTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	europeanaClient := &http.Client{Timeout: cfg.ClientTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}

	searchService := search.NewService([]search.Source{
		smithsonian.NewProvider(smithsonian.Config{
			Endpoint:  cfg.Smithsonian.Endpoint,
			APIKey:    cfg.Smithsonian.APIKey,
			UserAgent: cfg.UserAgent,
			Client:    smithsonianClient,
		}),
		europeana.NewProvider(europeana.Config{
			Endpoint:  cfg.Europeana.Endpoint,
			APIKey:    cfg.Europeana.APIKey,
			UserAgent: cfg.UserAgent,
			Client:    europeanaClient,
		}),
	}, cfg.SearchTimeout,
		search.WithBatchOptions(domain.SourceSmithsonian, search.BatchOptions{
			PageSize:      cfg.Smithsonian.PageSize,
			MaxBatches:    cfg.Smithsonian.MaxBatches,
			MaxConcurrent: cfg.Smithsonian.MaxConcurrent,
		}),
		search.WithBatchOptions(domain.SourceEuropeana, search.BatchOptions{
			PageSize:      cfg.Europeana.PageSize,
			MaxBatches:    cfg.Europeana.MaxBatches,
			MaxConcurrent: cfg.Europeana.MaxConcurrent,
		}),
		search.WithSourceRateLimit(cfg.SourceRateRPS, cfg.SourceRateBurst),
	)

	store := buildStore(cfg, logger)
	var resultCache *search.ResultCache
	var itemCache *search.ItemCache
	if store != nil {
		resultCache = search.NewResultCache(store, cfg.CacheTTL)
		itemCache = search.NewItemCache(store, cfg.CacheTTL)
		defer func() { _ = store.Close() }()
	}

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithCaches(resultCache, itemCache),
		apihttp.WithSessionPageSize(cfg.SessionPageSize),
		apihttp.WithImageProxy(cfg.ImageProxyEnabled),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// SSE (/search/stream) and WebSocket sessions outlive any reasonable
		// write timeout. Keep it disabled at the server level; upstream
		// timeouts bound the work behind each response.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("museum search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.SearchTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("museum search service stopped")
}

// buildStore picks the cache backend: Redis when configured and reachable,
// then a bbolt file, then the bounded in-memory map. A nil store disables
// caching entirely.
func buildStore(cfg app.Config, logger *slog.Logger) search.Store {
	if cfg.CacheDisabled {
		logger.Info("result cache disabled")
		return nil
	}

	if redisURL := strings.TrimSpace(cfg.RedisURL); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Warn("invalid redis url, falling back to local store", slog.String("error", err.Error()))
		} else {
			client := redis.NewClient(redisOpts)
			store := search.NewRedisStore(client)
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := store.Ping(pingCtx); err != nil {
				logger.Warn("redis not reachable, falling back to local store", slog.String("error", err.Error()))
				_ = store.Close()
			} else {
				logger.Info("redis cache connected", slog.String("addr", redisOpts.Addr))
				return store
			}
		}
	}

	if path := strings.TrimSpace(cfg.CacheDBPath); path != "" {
		store, err := search.NewBoltStore(path, cfg.CacheMaxEntries)
		if err != nil {
			logger.Warn("bolt cache unavailable, using in-memory store",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("bolt cache opened", slog.String("path", path), slog.Int("maxEntries", cfg.CacheMaxEntries))
			return store
		}
	}

	return search.NewMemoryStore(cfg.CacheMaxEntries)
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
