// ABOUTME: Gateway that coordinates the HTTP and gRPC servers in front of the orchestrator
// ABOUTME: Manages listeners (TCP or tsnet), health endpoints and the shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/hearth/internal/adapter"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/dedupe"
	"github.com/2389/hearth/internal/lock"
	"github.com/2389/hearth/internal/memory"
	"github.com/2389/hearth/internal/metrics"
	"github.com/2389/hearth/internal/store"
)

// Store is the persistence the gateway needs: history plus memory blocks
type Store interface {
	store.Store
	store.MemoryStore
}

// Components are the pluggable parts the gateway is assembled from
type Components struct {
	Store         Store
	Runtime       adapter.Adapter
	Locker        lock.Locker
	MemoryBackend memory.Backend // defaults to the store
	StreamLog     io.Writer
	// Closers run after the orchestrator stops, in order
	Closers []func() error
}

// Gateway orchestrates the hearth server components.
type Gateway struct {
	config       *config.Config
	store        Store
	orchestrator *conversation.Service
	idempotency  *dedupe.Cache
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	closers      []func() error
	logger       *slog.Logger
}

// New creates a Gateway from configuration, building the store, runtime,
// lock and memory backend it names.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	parts, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	gw, err := Assemble(cfg, parts, logger)
	if err != nil {
		for _, c := range parts.Closers {
			_ = c()
		}
		_ = parts.Store.Close()
		return nil, err
	}
	return gw, nil
}

// Assemble wires the orchestrator and servers around ready-made components
func Assemble(cfg *config.Config, parts Components, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if parts.Store == nil || parts.Runtime == nil {
		return nil, errors.New("gateway needs a store and a runtime")
	}

	backend := parts.MemoryBackend
	if backend == nil {
		backend = memory.NewStoreBackend(parts.Store)
	}
	mem := memory.NewGateway(backend, memory.GatewayOptions{
		PerLabel: cfg.Memory.PerLabel,
		Timeout:  cfg.Memory.Timeout,
		Logger:   logger,
	})

	idem := dedupe.New(cfg.Orchestrator.IdempotencyTTL, cfg.Orchestrator.IdempotencyMax)
	orch := conversation.New(parts.Store, parts.Runtime, mem, conversation.Options{
		AgentID:        cfg.Orchestrator.AgentID,
		TurnTimeout:    cfg.Orchestrator.TurnTimeout,
		PersistTimeout: cfg.Orchestrator.PersistTimeout,
		EventBuffer:    cfg.Orchestrator.EventBuffer,
		Locker:         parts.Locker,
		Idempotency:    idem,
		StreamLog:      parts.StreamLog,
		Capture: memory.QueueOptions{
			Size:       cfg.Memory.Capture.QueueSize,
			Workers:    cfg.Memory.Capture.Workers,
			Rate:       cfg.Memory.Capture.Rate,
			Burst:      cfg.Memory.Capture.Burst,
			MaxElapsed: cfg.Memory.Capture.MaxElapsed,
			Timeout:    cfg.Memory.Capture.Timeout,
		},
		Logger: logger,
	})

	gw := &Gateway{
		config:       cfg,
		store:        parts.Store,
		orchestrator: orch,
		idempotency:  idem,
		health:       health.NewServer(),
		closers:      parts.Closers,
		logger:       logger.With("component", "gateway"),
	}

	gw.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	)
	registerTurnsServer(gw.grpcServer, gw)
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	gw.health.SetServingStatus(TurnsServiceName, healthpb.HealthCheckResponse_SERVING)

	gw.httpServer = &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return gw, nil
}

// Handler returns the HTTP API
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler())
	}

	g.registerTurnRoutes(mux)
	g.registerConversationRoutes(mux)
	g.registerMemoryRoutes(mux)
	g.registerWebSocketRoutes(mux)
	return mux
}

// Orchestrator returns the conversation service
func (g *Gateway) Orchestrator() *conversation.Service { return g.orchestrator }

// stopGRPC drains streams until ctx ends, then cuts them off
func (g *Gateway) stopGRPC(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops admitting turns, lets in-flight turns finish, drains the
// capture queue, then stops the servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "orchestrator shutdown", g.orchestrator.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.stopGRPC(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.idempotency.Close()
	for _, c := range g.closers {
		errs = appendCloseError(errs, "component close", c())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth is liveness only
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleReady returns 200 OK while the orchestrator admits turns.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.orchestrator.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	stats := g.orchestrator.CaptureStats()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d captures pending)", stats.Pending)
}
