// Package app wires the roomrelay server runtime: config, logging, the shared
// backend, HTTP routes and the websocket gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"roomrelay/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the roomrelay server runtime: it owns the backend clients, the
// relay instance and the HTTP server.
type App struct {
	cfg Config
	log Logger

	backend *backend
	inst    *realtime.Instance
	ws      *realtime.Gateway
	reg     *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	inst, err := realtime.NewInstance(realtime.InstanceConfig{
		Log:         log,
		Store:       b.store,
		Members:     b.members,
		Channel:     b.channel,
		Metrics:     realtime.NewMetrics(reg),
		FallbackAll: cfg.FallbackAll,
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		backend: b,
		inst:    inst,
		ws:      realtime.NewGateway(log, inst, cfg.WS),
		reg:     reg,
	}, nil
}

// Handler returns the HTTP routes wrapped in the app middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.backend.ready, a.ws, a.reg)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and background loops and blocks until context
// cancellation or fatal server error. Open connections are closed on the way
// out so their users leave their rooms before the backend is released.
func (a *App) Run(ctx context.Context) error {
	defer a.backend.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.inst.Run(runCtx)
	}()
	for _, job := range a.backend.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job(runCtx)
		}()
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "backend", a.backend.kind, "instance_id", a.inst.ID)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	cancel()
	if err := a.ws.Wait(shutdownCtx); err != nil {
		a.log.Error("ws.drain.fail", "err", err)
	}
	wg.Wait()

	a.log.Info("server.stopped")
	return runErr
}
