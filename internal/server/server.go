package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/docquery/docquery/config"
	"github.com/docquery/docquery/internal/cache"
	"github.com/docquery/docquery/internal/chunker"
	"github.com/docquery/docquery/internal/ingest"
	"github.com/docquery/docquery/internal/runtime"
	"github.com/docquery/docquery/internal/search"
	"github.com/docquery/docquery/internal/store"
	"github.com/docquery/docquery/internal/vectorindex"
	"github.com/docquery/docquery/provider"
)

// Run wires every component from configuration and serves until the listener
// fails.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s rid=%s: %v", code, req.Method, req.URL.Path, c.RealIP(), c.Response().Header().Get(echo.HeaderXRequestID), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	cacheLogger := log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	appCache := cache.New(rdb, cacheLogger,
		cache.WithQueryTTL(cfg.Search.QueryCacheTTL),
		cache.WithEmbeddingTTL(cfg.Search.EmbedCacheTTL),
	)

	indexLogger := log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	index, err := vectorindex.New(cfg.Embedding.Dimension, cfg.Index.Dir, indexLogger)
	if err != nil {
		return fmt.Errorf("vector index: %w", err)
	}

	llm, err := provider.NewProvider(provider.Client(cfg.Embedding.Provider), cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	searchLogger := log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	engine := search.NewEngine(st, index, llm, appCache, searchLogger)

	splitter := chunker.NewSplitter(chunker.Config{
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
		MinChunkSize: cfg.Chunking.MinChunkSize,
		Encoding:     cfg.Chunking.Encoding,
	}, log.New(log.Writer(), "[CHUNKER] ", log.LstdFlags))

	registry := ingest.NewRegistry()
	ingestLogger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	processor := ingest.NewProcessor(st, index, llm, appCache, registry, splitter, ingestLogger)

	auth := &AuthHandler{Store: st, Cache: appCache, Secret: []byte(cfg.Auth.JWTSecret), TokenTTL: cfg.Auth.TokenTTL, AllowSignup: cfg.Auth.AllowSignup}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	authed := api.Group("")
	authed.Use(runtime.EchoAuthMiddleware(auth.Secret, auth.blacklisted))

	qh := &QueryHandler{Engine: engine, Store: st, Completer: llm, DefaultAlpha: cfg.Search.DefaultAlpha, Logger: searchLogger}
	qh.Register(authed)

	dh := &DocumentsHandler{Store: st, Processor: processor, Registry: registry, MaxUploadBytes: cfg.Server.MaxUploadBytes, Logger: ingestLogger}
	dh.Register(authed.Group("/documents"))

	oh := &OpsHandler{Cache: appCache, Index: index}
	oh.Register(authed.Group("/ops"))

	sched := &Scheduler{
		Store:    st,
		Index:    index,
		Rdb:      rdb,
		Schedule: cfg.Index.CompactSchedule,
		Stop:     make(chan struct{}),
		Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
	sched.Start()

	return e.Start(cfg.Server.Address)
}
