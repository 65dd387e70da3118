// Package app wires a PancakeDB process: configuration, the engine, the
// gRPC health service and the metrics endpoint.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pancakedb/pancakedb/internal/config"
	"github.com/pancakedb/pancakedb/internal/engine"
	"github.com/pancakedb/pancakedb/internal/events"
	"github.com/pancakedb/pancakedb/internal/server"
)

// ServiceName is the gRPC health service name of the process.
const ServiceName = "pancakedb"

// App manages the lifecycle of one PancakeDB process.
type App struct {
	cfg *config.Config

	engine   *engine.Engine
	registry *prometheus.Registry
	health   *health.Server
	shutdown *server.ShutdownManager

	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Start opens the engine, which recovers unflushed rows, and starts the
// health and metrics servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	engCfg, err := a.cfg.Engine(ctx)
	if err != nil {
		return err
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engCfg.Registerer = a.registry

	eng, err := engine.Open(ctx, engCfg)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	a.engine = eng
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{ShutdownTimeout: a.cfg.ShutdownTimeout})
	a.shutdown.RegisterCloser("engine", eng.Close)

	a.health = health.NewServer()
	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.watchHealth(watchCtx)
	a.shutdown.RegisterCloser("health", func(ctx context.Context) error {
		a.health.Shutdown()
		cancel()
		a.wg.Wait()
		return nil
	})

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.shutdown.Shutdown(ctx, "startup failed")
			return err
		}
	}
	if a.cfg.HTTP.Addr != "" {
		a.startHTTP()
	}

	a.running = true
	log.Printf("PancakeDB started: data_dir=%s storage=%s", a.cfg.DataDir, a.cfg.Storage.Type)
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.grpcListener = lis
	a.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(a.grpcServer, a.health)

	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server stopped: %v", err)
		}
	}()
	a.shutdown.RegisterCloser("grpc", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			a.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.grpcServer.Stop()
		}
		return nil
	})
	log.Printf("gRPC health service listening on %s", lis.Addr())
	return nil
}

func (a *App) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", a.healthHandler)

	a.shutdown.ServeHTTP("metrics", &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	})
	log.Printf("metrics listening on %s", a.cfg.HTTP.Addr)
}

// watchHealth keeps the health status in line with the engine's degraded
// partitions. Degradation events update it at once; the ticker catches
// events the bus dropped.
func (a *App) watchHealth(ctx context.Context) {
	defer a.wg.Done()
	bus := a.engine.Events()
	sub := bus.Subscribe("app-health", nil, events.PartitionDegraded, events.PartitionRecovered)
	defer bus.Unsubscribe(sub.ID)

	interval := a.cfg.GRPC.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.updateHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch:
			if !ok {
				return
			}
			log.Printf("health: %s %s", e.Key(), e.Type)
			a.updateHealth()
		case <-ticker.C:
			a.updateHealth()
		}
	}
}

func (a *App) updateHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if len(a.engine.Degraded()) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.health.SetServingStatus("", status)
	a.health.SetServingStatus(ServiceName, status)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	degraded := a.engine.Degraded()
	status := "healthy"
	code := http.StatusOK
	if len(degraded) > 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"service":  ServiceName,
		"degraded": degraded,
	})
}

// Engine returns the running engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Health returns the health server.
func (a *App) Health() healthpb.HealthServer { return a.health }

// Stop shuts the process down: servers first, then the engine with its
// final flush.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()
	return a.shutdown.Shutdown(ctx, "stop requested")
}

// WaitForShutdown blocks until a termination signal or ctx ends, then shuts
// down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
