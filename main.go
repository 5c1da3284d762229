package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"xtream-relay/work/buffer"
	"xtream-relay/work/catalog"
	"xtream-relay/work/client"
	"xtream-relay/work/config"
	"xtream-relay/work/database"
	"xtream-relay/work/epg"
	"xtream-relay/work/logger"
	"xtream-relay/work/middleware"
	"xtream-relay/work/provider"
	"xtream-relay/work/restream"
	"xtream-relay/work/settings"
	"xtream-relay/work/utils"
)

var Version = "v0.1.0"

// App holds every shared component the HTTP handlers reach for.
type App struct {
	Config   *config.Config
	Settings *settings.Manager
	Catalog  *catalog.Catalog
	Guide    *epg.Guide
	Registry *restream.Registry

	clientSlots chan struct{}
	startedAt   time.Time
}

func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	// provider settings, persisted as XML and editable over the API
	mgr, err := settings.NewManager(cfg.SettingsPath)
	if err != nil {
		logger.Error("Failed to load settings: %v", err)
		os.Exit(1)
	}

	// catalog snapshot store
	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open snapshot database: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	// worker pool for catalog refresh fan-out
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	// provider-side rate limit; unlimited when unset
	var limiter ratelimit.Limiter
	if rl := mgr.Get().ProviderRateLimit; rl > 0 {
		limiter = ratelimit.New(rl)
	} else {
		limiter = ratelimit.NewUnlimited()
	}

	httpClient := client.NewHeaderSettingClient(cfg)
	providerClient := provider.New(httpClient, cfg, mgr, limiter)
	cat := catalog.New(providerClient, store, mgr, workerPool)
	guide := epg.New(providerClient, cfg.EPGCacheDuration)

	// the session registry re-reads settings per session, so API updates to
	// buffer sizing or retry policy apply to the next stream without a restart
	chunkPool := buffer.NewBufferPool(32 << 10)
	registry := restream.NewRegistry(httpClient, chunkPool, limiter, func() restream.Options {
		s := mgr.Get()
		return restream.Options{
			BufferSize:       int64(s.BufferSizeMiB) << 20,
			ChunkSize:        int64(s.ChunkSizeKiB) << 10,
			IdleGrace:        s.IdleGrace(),
			MaxRetries:       s.MaxRetries,
			RetryBaseDelay:   s.RetryDelay(),
			FirstByteTimeout: s.FirstByteTimeout(),
		}
	})

	app := &App{
		Config:      cfg,
		Settings:    mgr,
		Catalog:     cat,
		Guide:       guide,
		Registry:    registry,
		clientSlots: make(chan struct{}, cfg.MaxConnectionsToApp),
		startedAt:   time.Now(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// initial refresh plus the periodic cycle
	go app.runCatalogRefresh(ctx)

	router := mux.NewRouter()
	router.Use(middleware.RequestLog)
	app.setupRoutes(router)

	s := mgr.Get()
	logger.Info("Starting Xtream Relay %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Provider: %s", providerLabel(cfg, s))
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Max. Streaming Clients: %d", cfg.MaxConnectionsToApp)
	logger.Info("  - Stream Buffer Size: %s", utils.FormatBytes(int64(s.BufferSizeMiB)<<20))
	logger.Info("  - Catalog Refresh Rate: %s", cfg.CatalogRefresh)
	logger.Info("  - EPG Cache Duration: %s", cfg.EPGCacheDuration)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
		registry.Shutdown()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed to start: %v", err)
		os.Exit(1)
	}
}

// runCatalogRefresh performs the startup refresh and then keeps the catalog
// current on the configured interval. A provider that is not configured yet
// is retried on the same cadence, so filling in credentials over the API is
// enough to bring the listing up.
func (a *App) runCatalogRefresh(ctx context.Context) {
	refresh := func() {
		if !a.Settings.Get().Configured() {
			logger.Debug("{main - runCatalogRefresh} provider not configured, skipping refresh")
			return
		}
		refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := a.Catalog.Refresh(refreshCtx); err != nil {
			logger.Error("[CATALOG] Refresh failed: %v", err)
		}
	}

	refresh()

	ticker := time.NewTicker(a.Config.CatalogRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func providerLabel(cfg *config.Config, s settings.Settings) string {
	if !s.Configured() {
		return "(not configured)"
	}
	if cfg.ObfuscateUrls {
		return utils.ObfuscateURL(s.BaseURL)
	}
	return s.BaseURL
}
