// Package app wires the commune node runtime: config, logging, the chat
// backend, the conversation controller, and the UI websocket gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"commune/cmd/internal/backend"
	"commune/cmd/internal/chat"
	"commune/cmd/internal/gateway"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// App is the commune node runtime: it owns the backend, the controller, and
// HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	backend chat.Backend

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	presence *chat.PresenceSignal
	ctrl     *chat.Controller
	ws       *gateway.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.ActorID == "" {
		return nil, errors.New("app: COMMUNE_ACTOR_ID is required")
	}

	be, pool, dbEnabled, err := newBackend(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := chat.NewMetrics(registry)

	presence := chat.NewPresenceSignal(log, metrics)
	mux := chat.NewMultiplexer(log, be, presence, metrics)

	ctrl, err := chat.NewController(log, be, mux, presence, metrics, cfg.ActorID, cfg.HistoryLimit)
	if err != nil {
		closeBackend(be, pool)
		return nil, err
	}

	ws, err := gateway.NewGateway(log, ctrl)
	if err != nil {
		closeBackend(be, pool)
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		backend:   be,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		registry:  registry,
		presence:  presence,
		ctrl:      ctrl,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and the background loops, blocking until
// context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.registry, a.ws)

	handler := WithCORS(mux, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", baseURL,
		"ws", wsBaseURL(baseURL)+"/ws",
		"backend", a.cfg.BackendKind,
		"actor", a.cfg.ActorID,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.presence.RunSweeper(gctx, a.cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		a.ctrl.RunHeartbeat(gctx, a.cfg.HeartbeatInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
	}

	closeBackend(a.backend, a.dbPool)

	a.log.Info("server.stopped")
	return err
}

// runtimeBaseURL maps a bind address to a browsable base URL; bind-all
// addresses are rewritten to loopback for log output.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newBackend builds the configured chat backend.
//
// Ownership model:
// - app owns the pgx pool lifecycle; Postgres.Close() does not touch it.
func newBackend(ctx context.Context, cfg Config, log Logger) (chat.Backend, *pgxpool.Pool, bool, error) {
	switch cfg.BackendKind {
	case "", BackendMemory:
		log.Info("backend.memory")
		return backend.NewMemory(log), nil, false, nil

	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, false, errors.New("app: COMMUNE_DATABASE_URL is required for the postgres backend")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}
		be, err := backend.NewPostgres(log, pool, backend.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		log.Info("backend.postgres", "schema", cfg.DBSchema)
		return be, pool, true, nil

	case BackendRemote:
		if cfg.RemoteURL == "" {
			return nil, nil, false, errors.New("app: COMMUNE_REMOTE_URL is required for the remote backend")
		}
		be, err := backend.NewRemote(log, cfg.RemoteURL, cfg.ActorID, backend.WithOrigin(cfg.RemoteOrigin))
		if err != nil {
			return nil, nil, false, err
		}
		log.Info("backend.remote", "url", cfg.RemoteURL)
		return be, nil, false, nil

	default:
		return nil, nil, false, fmt.Errorf("app: unknown backend kind: %q", cfg.BackendKind)
	}
}

func closeBackend(be chat.Backend, pool *pgxpool.Pool) {
	if be != nil {
		_ = be.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
