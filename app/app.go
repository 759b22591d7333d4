// Package app wires configuration, logging, plugins and metrics around an
// engine and runs it until a signal arrives.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/searchktools/fastcore/config"
	"github.com/searchktools/fastcore/core"
	"github.com/searchktools/fastcore/core/compress"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/http2"
	"github.com/searchktools/fastcore/core/middleware"
	"github.com/searchktools/fastcore/core/plugins"
	"github.com/searchktools/fastcore/core/router"
	"github.com/searchktools/fastcore/core/sendfile"
)

// App is the application instance: one router served by the HTTP/1.1
// engine and, when enabled, an h2c listener.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	router   *router.Router
	engine   *core.Engine
	h2       *http2.Server
	registry *prometheus.Registry
	closers  []io.Closer
}

// New creates an application instance from cfg. Routes are added through
// Router before Run.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		log:      log,
		router:   router.New(),
		registry: prometheus.NewRegistry(),
	}

	a.router.Use(middleware.WithRequestID(), middleware.Logger(log))
	if cfg.Metrics.Enabled {
		m, err := middleware.NewMetrics(a.registry, cfg.Metrics.Namespace)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		a.router.Use(m.Middleware())
	}
	if n := cfg.Server.MaxBodyBytes.Int64(); n > 0 {
		a.router.Use(middleware.BodyLimit(n))
	}

	a.installPlugins()

	opts := core.DefaultOptions()
	opts.ReadTimeout = cfg.Server.ReadTimeout.D()
	opts.WriteTimeout = cfg.Server.WriteTimeout.D()
	opts.IdleTimeout = cfg.Server.IdleTimeout.D()
	opts.MaxHeaderBytes = int(cfg.Server.MaxHeaderBytes)
	opts.ReusePort = cfg.Server.ReusePort
	a.engine = core.New(a.router, log.Named("engine"), opts)

	if cfg.Metrics.Enabled {
		if err := a.registerRuntimeMetrics(); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		a.router.GET(cfg.Metrics.Path, MetricsHandler(a.registry))
	}
	a.router.GET("/healthz", handler.Func(func(*http.Request) *http.Response {
		return handler.JSON(200, a.engine.Stats()).Respond()
	}))
	if cfg.Static.Dir != "" {
		a.router.GET(cfg.Static.Prefix+"/{file}", sendfile.Dir(cfg.Static.Dir, "file"))
	}

	if cfg.HTTP2.Enabled {
		h2, err := http2.NewServer(http2.Config{
			Addr:                 cfg.HTTP2Addr(),
			Handler:              a.router,
			MaxConcurrentStreams: uint32(cfg.HTTP2.MaxConcurrentStreams),
			IdleTimeout:          cfg.Server.IdleTimeout.D(),
			Logger:               log,
		})
		if err != nil {
			return nil, err
		}
		a.h2 = h2
	}
	return a, nil
}

func (a *App) installPlugins() {
	cfg := a.cfg
	if cfg.Compression.Enabled {
		a.router.Plugin(compress.NewPlugin(cfg.CompressConfig()))
	}
	if cfg.CORS.Enabled {
		cc := plugins.DefaultCORSConfig()
		cc.Origins = cfg.CORS.Origins
		if len(cfg.CORS.Methods) > 0 {
			cc.Methods = cfg.CORS.Methods
		}
		cc.Headers = cfg.CORS.Headers
		cc.AllowCredentials = cfg.CORS.Credentials
		cc.MaxAge = int(cfg.CORS.MaxAge.D() / time.Second)
		a.router.Plugin(plugins.NewCORS(cc))
	}
	if cfg.RateLimit.Enabled {
		rc := plugins.DefaultRateLimitConfig()
		rc.Burst = cfg.RateLimit.Burst
		rc.PerSecond = cfg.RateLimit.PerSecond
		rl := plugins.NewRateLimit(rc, a.log)
		a.router.Plugin(rl)
		a.closers = append(a.closers, rl)
	}
	if cfg.Idempotency.Enabled {
		ic := plugins.DefaultIdempotencyConfig()
		ic.Header = cfg.Idempotency.Header
		ic.TTL = cfg.Idempotency.TTL.D()
		idem := plugins.NewIdempotency(ic, a.log)
		a.router.Plugin(idem)
		a.closers = append(a.closers, idem)
	}
}

func (a *App) registerRuntimeMetrics() error {
	ns := a.cfg.Metrics.Namespace
	gauge := func(name, help string, fn func(core.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help},
			func() float64 { return fn(a.engine.Stats()) })
	}
	counter := func(name, help string, fn func(core.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help},
			func() float64 { return fn(a.engine.Stats()) })
	}
	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		gauge("connections_active", "Open client connections.", func(s core.Stats) float64 { return float64(s.Active) }),
		counter("connections_accepted_total", "Accepted client connections.", func(s core.Stats) float64 { return float64(s.Accepted) }),
		counter("connections_upgraded_total", "Connections handed to upgrade handlers.", func(s core.Stats) float64 { return float64(s.Upgraded) }),
		counter("handler_panics_total", "Handler panics turned into 500 responses.", func(s core.Stats) float64 { return float64(s.Panics) }),
	}
	for _, c := range cs {
		if err := a.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Router returns the router for route registration
func (a *App) Router() *router.Router {
	return a.router
}

// Engine returns the underlying engine
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Registry returns the Prometheus registry behind the metrics route.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.log.Info("server_starting",
		zap.String("addr", a.cfg.Addr()),
		zap.String("env", a.cfg.Env),
		zap.Int("routes", len(a.router.Routes())),
	)

	if err := a.router.SetupPlugins(); err != nil {
		return fmt.Errorf("setup plugins: %w", err)
	}

	// Connections must outlive the signal so Shutdown can drain them.
	serveCtx := context.WithoutCancel(ctx)
	errc := make(chan error, 2)
	running := 1
	go func() {
		errc <- ignoreClosed(a.engine.ListenAndServe(serveCtx, a.cfg.Addr()))
	}()
	if a.h2 != nil {
		running++
		a.log.Info("http2_starting", zap.String("addr", a.cfg.HTTP2Addr()))
		go func() { errc <- ignoreClosed(a.h2.ListenAndServe()) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		running--
	}

	a.log.Info("server_stopping")
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.D())
	defer cancel()
	shutdownErr := a.Shutdown(sctx)

	for ; running > 0; running-- {
		if err := <-errc; serveErr == nil {
			serveErr = err
		}
	}
	return errors.Join(serveErr, shutdownErr)
}

func ignoreClosed(err error) error {
	if errors.Is(err, core.ErrServerClosed) || errors.Is(err, http2.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listeners, waits for in-flight requests and releases
// plugin resources.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if a.h2 != nil {
		if err := a.h2.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http2: %w", err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
