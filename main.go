package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/abdusco/peeklink/internal/codec"
	"github.com/abdusco/peeklink/internal/countdown"
	"github.com/abdusco/peeklink/internal/db"
	"github.com/abdusco/peeklink/internal/extract"
	"github.com/abdusco/peeklink/internal/fetcher"
	"github.com/abdusco/peeklink/internal/handler"
	"github.com/abdusco/peeklink/internal/logger"
	"github.com/abdusco/peeklink/internal/metrics"
	"github.com/abdusco/peeklink/internal/repo"
	"github.com/abdusco/peeklink/internal/resolver"
	"github.com/abdusco/peeklink/internal/store"
	"github.com/abdusco/peeklink/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type Config struct {
	Host          string
	Port          string
	DBPath        string
	BaseURL       string
	RelayURL      string
	UserAgent     string
	DirectTimeout time.Duration
	RelayTimeout  time.Duration
	RelayRPS      float64
	DirectRPS     float64
	AllowPrivate  bool
	Countdown     time.Duration
	MaxVisits     int
	TitleFallback extract.TitleFallback
	MaxBodyBytes  int64
	LogLevel      string
	Debug         bool
}

func newConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:      cmp.Or(os.Getenv("HOST"), "localhost"),
		Port:      cmp.Or(os.Getenv("PORT"), "8080"),
		DBPath:    cmp.Or(os.Getenv("DB_PATH"), "peeklink.db"),
		BaseURL:   os.Getenv("BASE_URL"),
		RelayURL:  cmp.Or(os.Getenv("RELAY_URL"), fetcher.DefaultRelayBase),
		UserAgent: cmp.Or(os.Getenv("USER_AGENT"), fetcher.DefaultUserAgent),
		LogLevel:  cmp.Or(os.Getenv("LOG_LEVEL"), "info"),
		Debug:     os.Getenv("DEBUG") == "1",

		AllowPrivate: os.Getenv("ALLOW_PRIVATE_NETWORKS") == "1",
	}

	var err error
	if cfg.DirectTimeout, err = parseDuration("DIRECT_TIMEOUT", fetcher.DefaultDirectTimeout); err != nil {
		return cfg, err
	}
	if cfg.RelayTimeout, err = parseDuration("RELAY_TIMEOUT", fetcher.DefaultRelayTimeout); err != nil {
		return cfg, err
	}
	if cfg.Countdown, err = parseDuration("COUNTDOWN", countdown.DefaultDuration); err != nil {
		return cfg, err
	}
	if cfg.TitleFallback, err = extract.ParseTitleFallback(os.Getenv("TITLE_FALLBACK")); err != nil {
		return cfg, err
	}

	if cfg.RelayRPS, err = strconv.ParseFloat(cmp.Or(os.Getenv("RELAY_RPS"), "2"), 64); err != nil {
		return cfg, fmt.Errorf("parse RELAY_RPS: %w", err)
	}
	if cfg.DirectRPS, err = strconv.ParseFloat(cmp.Or(os.Getenv("DIRECT_RPS"), "1"), 64); err != nil {
		return cfg, fmt.Errorf("parse DIRECT_RPS: %w", err)
	}
	if cfg.MaxVisits, err = strconv.Atoi(cmp.Or(os.Getenv("MAX_VISITS"), strconv.Itoa(countdown.DefaultMaxVisits))); err != nil {
		return cfg, fmt.Errorf("parse MAX_VISITS: %w", err)
	}
	if cfg.MaxBodyBytes, err = strconv.ParseInt(cmp.Or(os.Getenv("MAX_BODY_BYTES"), strconv.Itoa(fetcher.DefaultMaxBodyBytes)), 10, 64); err != nil {
		return cfg, fmt.Errorf("parse MAX_BODY_BYTES: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://" + cfg.Host + ":" + cfg.Port
		log.Warn().Str("base_url", cfg.BaseURL).Msg("BASE_URL not set, generated links use the listen address")
	}

	return cfg, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := newConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration from environment")
	}

	if err := logger.Setup(cfg.LogLevel, cfg.Debug); err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("failed to parse log level")
	}

	log.Info().
		Interface("config", cfg).
		Msg("current configuration")

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}
}

type app struct {
	redirects *handler.RedirectHandler
	visits    *handler.VisitHandler
	pages     *handler.PageHandler
	debug     bool
}

func run(ctx context.Context, cfg Config) error {
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("starting application")

	dbInstance, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbInstance.Close()

	metrics.Init()

	client := fetcher.NewClient(fetcher.ClientOptions{AllowPrivate: cfg.AllowPrivate})
	var relayLimiter *rate.Limiter
	if cfg.RelayRPS > 0 {
		relayLimiter = rate.NewLimiter(rate.Limit(cfg.RelayRPS), 1)
	}
	var directLimiter *fetcher.HostLimiter
	if cfg.DirectRPS > 0 {
		directLimiter = fetcher.NewHostLimiter(cfg.DirectRPS, 2)
	}
	pageFetcher, err := fetcher.New(fetcher.Options{
		Direct:        fetcher.HTTPFetchFunc(client),
		Relay:         fetcher.RelayFetchFunc(client, cfg.RelayURL),
		DirectTimeout: cfg.DirectTimeout,
		RelayTimeout:  cfg.RelayTimeout,
		UserAgent:     cfg.UserAgent,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		RelayLimiter:  relayLimiter,
		DirectLimiter: directLimiter,
	})
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}
	metadataResolver := resolver.New(pageFetcher, extract.New(cfg.TitleFallback))
	linkCodec := codec.New(cfg.BaseURL)

	recordsRepo := repo.NewRecordsRepo(dbInstance)
	proceedsRepo := repo.NewProceedsRepo(dbInstance)
	recent := store.Load(ctx, repo.NewRedirectsRepo(recordsRepo), linkCodec, store.DefaultCapacity)

	visits := countdown.NewVisits(ctx, countdown.Options{Duration: cfg.Countdown}, countdown.Limits{Max: cfg.MaxVisits}, metadataResolver.Resolve)
	defer visits.Close()

	e := newEcho(app{
		redirects: handler.NewRedirectHandler(recent, metadataResolver, linkCodec, proceedsRepo),
		visits:    handler.NewVisitHandler(visits, proceedsRepo),
		pages:     handler.NewPageHandler(),
		debug:     cfg.Debug,
	})
	defer e.Close()

	log.Info().Str("address", cfg.Host+":"+cfg.Port).Msg("server starting")

	// Run server and handle graceful shutdown
	runServer(ctx, e, cfg.Host+":"+cfg.Port)

	return nil
}

func newEcho(a app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = customErrorHandler

	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())

	e.GET("/", a.pages.ServeHome)
	e.GET(codec.Path, a.visits.RedirectPage)

	api := e.Group("/api")
	api.POST("/preview", a.redirects.Preview)
	api.POST("/redirects", a.redirects.CreateRedirect)
	api.GET("/redirects", a.redirects.ListRedirects)
	api.DELETE("/redirects/:id", a.redirects.DeleteRedirect)
	api.PATCH("/redirects/overlay", a.redirects.UpdateOverlay)
	api.GET("/visits/:id", a.visits.GetVisit)
	api.POST("/visits/:id/proceed", a.visits.Proceed)
	api.POST("/visits/:id/cancel", a.visits.Cancel)

	if a.debug {
		log.Info().Msg("serving static files from disk")
		e.Static("/static", "web")
	} else {
		e.StaticFS("/static", web.FS)
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return e
}

func runServer(ctx context.Context, e *echo.Echo, address string) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(address)
	}()

	// Wait for context cancellation (Ctrl+C or SIGTERM)
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
		return
	}

	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func customErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "internal server error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	event := log.Error()
	if code < http.StatusInternalServerError {
		event = log.Debug()
	}
	event.
		Int("code", code).
		Str("method", c.Request().Method).
		Str("path", c.Request().URL.Path).
		Err(err).
		Msg("http error")

	if c.Response().Committed {
		return
	}

	if !strings.HasPrefix(c.Request().URL.Path, "/api/") && code == http.StatusNotFound {
		c.Redirect(http.StatusFound, countdown.HomePath)
		return
	}

	c.JSON(code, map[string]any{
		"error": message,
	})
}
