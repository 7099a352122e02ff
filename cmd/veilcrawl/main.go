// Command veilcrawl runs the browser-automation control core: window
// pool, page manager, proxy pool, cookie jars, recorder, evidence vault,
// and the WebSocket/MCP command dispatcher.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/veilcrawl/veilcrawl/capture"
	"github.com/veilcrawl/veilcrawl/config"
	"github.com/veilcrawl/veilcrawl/cookiejar"
	"github.com/veilcrawl/veilcrawl/dispatch"
	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/evidence"
	"github.com/veilcrawl/veilcrawl/extract"
	"github.com/veilcrawl/veilcrawl/pagehost"
	"github.com/veilcrawl/veilcrawl/pages"
	"github.com/veilcrawl/veilcrawl/pool"
	"github.com/veilcrawl/veilcrawl/proxypool"
	"github.com/veilcrawl/veilcrawl/puppet"
	"github.com/veilcrawl/veilcrawl/recorder"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// activePageLive exposes the active page's cookie store to the jar
// manager. Jar switches always act on whichever page is active.
type activePageLive struct {
	mgr *pages.Manager
}

func (a *activePageLive) host() (pagehost.Host, error) {
	id := a.mgr.ActivePage()
	if id == "" {
		return nil, pages.ErrPageNotFound
	}
	return a.mgr.PageHost(id)
}

func (a *activePageLive) Cookies(ctx context.Context, f pagehost.CookieFilter) ([]pagehost.Cookie, error) {
	h, err := a.host()
	if err != nil {
		return nil, err
	}
	return h.Cookies(ctx, f)
}

func (a *activePageLive) SetCookie(ctx context.Context, c pagehost.Cookie) error {
	h, err := a.host()
	if err != nil {
		return err
	}
	return h.SetCookie(ctx, c)
}

func (a *activePageLive) ClearCookies(ctx context.Context) error {
	h, err := a.host()
	if err != nil {
		return err
	}
	return h.ClearCookies(ctx)
}

func main() {
	configPath := flag.String("config", env("VEILCRAWL_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	profile, err := cfg.PageProfile()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	// Browser runtime.
	launcher := pagehost.NewLauncher(pagehost.LauncherConfig{Logger: logger})
	if err := launcher.Start(ctx); err != nil {
		logger.Error("browser launch", "error", err)
		os.Exit(1)
	}
	defer launcher.Close()

	// Window pool over the launcher.
	hosts := pool.New(pool.Config{
		MinPoolSize:         cfg.Pool.MinSize,
		MaxPoolSize:         cfg.Pool.MaxSize,
		WarmupDelay:         cfg.Pool.WarmupDelay,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		Logger:              logger,
	}, func(ctx context.Context) (pagehost.Host, error) {
		return pagehost.NewRodHost(ctx, launcher, logger)
	}, bus)
	hosts.Initialize(ctx)
	defer hosts.Cleanup()

	// Page manager loaning hosts from the pool.
	source := func(ctx context.Context) (pagehost.Host, error) {
		h := hosts.Acquire(ctx)
		if h == nil {
			return nil, pages.ErrNoHost
		}
		return h, nil
	}
	release := func(ctx context.Context, h pagehost.Host) {
		hosts.Recycle(ctx, h)
	}
	pageMgr := pages.NewManager(ctx, profile, source, release, bus, pages.WithLogger(logger))
	defer pageMgr.Shutdown(context.Background())

	// Domain components.
	jars := cookiejar.NewManager(&activePageLive{mgr: pageMgr}, cookiejar.Config{
		MaxHistorySize: cfg.Cookies.MaxHistorySize,
		Logger:         logger,
	}, bus)

	proxies := proxypool.New(proxypool.Config{
		Strategy:      proxypool.Strategy(cfg.Proxy.Strategy),
		AutoBlacklist: cfg.Proxy.AutoBlacklist,
		Logger:        logger,
	}, bus)

	vault, err := evidence.NewManager(evidence.Config{
		BasePath:    cfg.Evidence.BasePath,
		AuditDBPath: cfg.Evidence.AuditDBPath,
		AutoVerify:  cfg.Evidence.AutoVerify,
		Logger:      logger,
	}, bus)
	if err != nil {
		logger.Error("evidence vault", "error", err)
		os.Exit(1)
	}
	defer vault.Close()

	puppets := puppet.NewManager(puppet.Config{
		BaseURL:      cfg.Identity.BaseURL,
		APIKey:       cfg.Identity.APIKey,
		CacheTimeout: cfg.Identity.CacheTimeout,
		Logger:       logger,
	})

	deps := &dispatch.Deps{
		Pages:     pageMgr,
		Pool:      hosts,
		Proxies:   proxies,
		Jars:      jars,
		Capture:   capture.NewManager(logger),
		Recorder:  recorder.New(recorder.DefaultOptions(), bus),
		Evidence:  vault,
		Puppets:   puppets,
		Extract:   extract.New(),
		Logger:    logger,
		StartedAt: time.Now(),
	}

	registry := dispatch.NewRegistry()
	dispatch.RegisterAll(registry, deps)

	serverCfg := cfg.Server
	serverCfg.Logger = logger
	if serverCfg.TLS.CertsDir == "" {
		serverCfg.TLS.CertsDir = filepath.Join("data", "certs")
	}
	server := dispatch.NewServer(serverCfg, registry, bus)
	stopRelay := server.RelayEvents()
	defer stopRelay()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("server", "error", err)
			os.Exit(1)
		}
	}
}
