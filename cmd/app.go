package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/BDNK1/hotswap/internal/security"
	"github.com/BDNK1/hotswap/runtime"
	"github.com/BDNK1/hotswap/runtime/engine/direct"
	"github.com/BDNK1/hotswap/runtime/engine/script"
	"github.com/BDNK1/hotswap/runtime/screen"
	"github.com/BDNK1/hotswap/runtime/snapshot"
	"github.com/BDNK1/hotswap/runtime/watcher"
)

const httpShutdownTimeout = 5 * time.Second

// App is a fully wired host: screen, loader, snapshot store, watcher,
// orchestrator, frame loop and the optional HTTP surface.
type App struct {
	Config       *runtime.Config
	Path         string
	Screen       *screen.Recorder
	Store        snapshot.Store
	Registry     *prometheus.Registry
	Orchestrator *runtime.Orchestrator
	Host         *runtime.Host
	// Watcher is nil for the direct engine or when watching is disabled.
	Watcher *watcher.Watcher

	server    *http.Server
	container *runtime.Container
	l         *slog.Logger
}

// NewApp builds the host described by cfg. Nothing is loaded until Run.
func NewApp(ctx context.Context, cfg *runtime.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:    cfg,
		container: runtime.NewContainer(),
		l:         logger,
	}
	defer func() {
		if err != nil {
			a.container.Shutdown(context.Background())
		}
	}()

	shutdownTracing, err := runtime.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.container.Register("tracing", runtime.LifecycleFunc(shutdownTracing))

	a.Path, err = resolvePluginPath(cfg.Plugin)
	if err != nil {
		return nil, err
	}

	a.Screen = screen.NewRecorder(screen.Options{
		Width:     cfg.Frame.Width,
		Height:    cfg.Frame.Height,
		AssetsDir: cfg.Plugin.AssetsDir,
		Logger:    logger,
	})

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := runtime.NewMetrics(a.Registry)

	if a.Store, err = openStore(cfg.State, logger); err != nil {
		return nil, err
	}
	a.container.Register("store", runtime.Closer(a.Store))

	var loader runtime.ModuleLoader
	switch cfg.Plugin.Engine {
	case "direct":
		loader = direct.NewLoader(logger)
	default:
		loader = script.NewLoader(script.Options{
			CallTimeout: cfg.Plugin.CallTimeout,
			Dev:         cfg.Dev,
			Logger:      logger,
		})
		if cfg.Watch.Enabled {
			a.Watcher, err = watcher.New(a.Path, &watcher.Options{
				Debounce: cfg.Watch.Debounce,
				Logger:   logger,
			})
			if err != nil {
				return nil, err
			}
			a.container.Register("watcher", runtime.Closer(a.Watcher))
		}
	}

	overlay := runtime.NewOverlay(cfg.State.NotifyDuration)

	a.Orchestrator, err = runtime.NewOrchestrator(runtime.OrchestratorOptions{
		Path:           a.Path,
		Loader:         loader,
		Screen:         a.Screen,
		Store:          a.Store,
		RestoreOnStart: cfg.State.RestoreOnStart,
		RestoreFailure: cfg.State.RestoreFailurePolicy(),
		Notifier:       overlay,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	hostOpts := runtime.HostOptions{
		Orchestrator:       a.Orchestrator,
		Screen:             a.Screen,
		Input:              runtime.NewScriptedInput(runtime.HoldKeys(cfg.Frame.HeldKeys()...)),
		Overlay:            overlay,
		FPS:                cfg.Frame.FPS,
		MaxFrames:          cfg.Frame.MaxFrames,
		CheckpointInterval: cfg.State.CheckpointInterval,
		Metrics:            metrics,
		Logger:             logger,
	}
	var reloader runtime.Reloader
	if a.Watcher != nil {
		hostOpts.Signal = a.Watcher
		reloader = a.Watcher
	}
	if a.Host, err = runtime.NewHost(hostOpts); err != nil {
		return nil, err
	}

	if cfg.HTTP.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		g := gin.New()
		g.Use(gin.Recovery())
		runtime.NewHttpHandler(runtime.HTTPOptions{
			Status:   a.Orchestrator,
			Store:    a.Store,
			Reloader: reloader,
			Gatherer: a.Registry,
			Logger:   logger,
		}, g)
		a.server = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           g,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Run loads the plugin and drives frames until ctx is cancelled or the frame
// budget is spent. A failed first load is returned immediately.
func (a *App) Run(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return a.Host.Run(runCtx)
	})

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
		}
		a.l.Info("HTTP server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer done()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Shutdown checkpoints the running state, closes the plugin and releases
// every component.
func (a *App) Shutdown(ctx context.Context) error {
	return errors.Join(a.Host.Shutdown(ctx), a.container.Shutdown(ctx))
}

func openStore(cfg runtime.StateConfig, logger *slog.Logger) (snapshot.Store, error) {
	if cfg.Store != "badger" {
		return snapshot.NewMemoryStore(), nil
	}
	store, err := snapshot.Open(snapshot.Config{Path: cfg.Path, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return store, nil
}

// resolvePluginPath resolves a relative plugin path against the executable's
// directory. The direct engine only uses the path as a module name.
func resolvePluginPath(cfg runtime.PluginConfig) (string, error) {
	if cfg.Engine == "direct" {
		return cfg.Path, nil
	}
	return security.ExecutableRelative(cfg.Path)
}
