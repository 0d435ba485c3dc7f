package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hls-relay/internal/hlsproxy"
	"hls-relay/internal/platform/config"
	"hls-relay/internal/platform/logger"
	"hls-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "3000")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	cfg := hlsproxy.Config{
		OriginURLTemplate: config.GetEnv("ORIGIN_URL_TEMPLATE", "http://146.59.54.156/{channel}/"),
		DefaultChannel:    hlsproxy.ChannelID(config.GetEnv("DEFAULT_CHANNEL", string(hlsproxy.DefaultChannel))),
		ManifestName:      config.GetEnv("MANIFEST_NAME", hlsproxy.DefaultManifestName),
		SegmentMarker:     config.GetEnv("SEGMENT_MARKER", hlsproxy.DefaultSegmentMarker),
		ProxyPath:         hlsproxy.DefaultProxyPath,
		Mode:              hlsproxy.Mode(strings.ToLower(config.GetEnv("PROXY_MODE", string(hlsproxy.ModeDirect)))),
		ManifestTTL:       config.GetEnvDuration("MANIFEST_TTL", hlsproxy.DefaultManifestTTL),
		ManifestTimeout:   config.GetEnvDuration("MANIFEST_TIMEOUT", hlsproxy.DefaultManifestTimeout),
		SegmentTimeout:    config.GetEnvDuration("SEGMENT_TIMEOUT", hlsproxy.DefaultSegmentTimeout),
		CacheChannels:     config.GetEnvInt("CACHE_MAX_CHANNELS", hlsproxy.DefaultCacheChannels),
		OriginHeaders: hlsproxy.IdentityHeaders(
			config.GetEnv("ORIGIN_USER_AGENT", hlsproxy.DefaultUserAgent),
			config.GetEnvList("ORIGIN_HEADERS", "|"),
		),
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	cache := hlsproxy.NewCache(hlsproxy.NewLRUStore(cfg.CacheChannels, cfg.ManifestTTL), cfg.ManifestTTL, hlsproxy.SystemClock)
	origin := hlsproxy.NewOriginClient(cfg.OriginHeaders, cfg.ManifestTimeout)
	resolver := hlsproxy.NewResolver(cfg, origin, cache, log, met)
	relay := hlsproxy.NewRelay(cfg, origin, cache, log, met)
	h := hlsproxy.NewHandler(cfg, resolver, relay, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Access-Control-Allow-Origin", "*"))
	r.Use(middleware.SetHeader("Access-Control-Allow-Methods", "GET"))
	r.Use(middleware.SetHeader("Access-Control-Max-Age", "86400"))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetCachedChannels(cache.Len()) }).ServeHTTP(w, r)
	})
	r.Get("/ping", h.Ping)
	r.Get("/player", h.Player)
	r.Get(cfg.ProxyPath, h.Proxy)

	addr := ":" + port
	// No WriteTimeout: segment responses stream for as long as the origin does,
	// bounded by SEGMENT_TIMEOUT.
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"origin", cfg.OriginURLTemplate,
		"default_channel", string(cfg.DefaultChannel),
		"mode", string(cfg.Mode),
		"manifest_ttl", cfg.ManifestTTL.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
