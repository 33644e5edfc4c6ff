// ABOUTME: Gateway assembly: wires the store, scheduler, router, and monitors together.
// ABOUTME: Runs the HTTP server hosting the worker websocket and the admin API.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/credentials"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/events"
	"github.com/2389/fleet-gateway/internal/lifecycle"
	"github.com/2389/fleet-gateway/internal/liveness"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/router"
	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
)

// resultCacheTTL bounds how long a terminal result's retransmits are
// screened in memory. The store's terminal check backs it up after.
const resultCacheTTL = 10 * time.Minute

// Gateway owns every long-lived component and the HTTP server that
// fronts them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Registry
	lifecycle   *lifecycle.Manager
	scheduler   *scheduler.Scheduler
	router      *router.Router
	monitor     *liveness.Monitor
	broadcaster *events.Broadcaster
	results     *dedupe.Cache
	metrics     *metrics.Metrics
	issuer      *auth.TokenIssuer
	logger      *slog.Logger

	httpServer *http.Server
}

// New assembles a gateway from configuration. The store is opened
// here; Run starts the servers and background loops.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gw, err := build(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return gw, nil
}

// build wires components over an already-open store. Tests inject the
// in-memory store through here.
func build(cfg *config.Config, st store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}

	issuer := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret))
	broadcaster := events.NewBroadcaster(logger)
	reg := registry.New(logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	lm := lifecycle.New(st, issuer, broadcaster, cfg.Auth.SessionTTL,
		cfg.Scheduler.PendingHintLimit, logger)
	broker := credentials.New(credentials.NewStoreSource(st),
		cfg.Credentials.ResolveTimeout, logger)
	sched := scheduler.New(st, lm, reg, broker, broadcaster, m, logger)
	lm.BindRecoverer(sched)

	results := dedupe.New(resultCacheTTL, 4096)
	rt := router.New(st, reg, lm, sched, broker, broadcaster, results, m, logger)
	sched.BindSender(rt)

	monitor := liveness.New(reg, lm, m, cfg.Workers.SweepInterval,
		cfg.Workers.HeartbeatTimeout, logger)

	gw := &Gateway{
		config:      cfg,
		store:       st,
		registry:    reg,
		lifecycle:   lm,
		scheduler:   sched,
		router:      rt,
		monitor:     monitor,
		broadcaster: broadcaster,
		results:     results,
		metrics:     m,
		issuer:      issuer,
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWorkerSocket)
	mux.HandleFunc("/health", gw.handleHealth)
	gw.registerAPIRoutes(mux)
	if m != nil {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and background loops and blocks until the
// context is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.scheduler.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuilding task queues: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.monitor.Run(runCtx)
	go g.scheduler.Run(runCtx, g.config.Scheduler.TickInterval)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownErr := g.shutdown()
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// shutdown drains the HTTP server and closes every connection and the
// store.
func (g *Gateway) shutdown() error {
	g.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := g.httpServer.Shutdown(shutdownCtx)

	for _, conn := range g.registry.List() {
		_ = conn.Close("gateway shutting down")
		g.registry.Unregister(conn)
	}

	g.results.Close()
	if closeErr := g.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// handleHealth reports process liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","workers_online":%d}`, g.registry.Len())
}
