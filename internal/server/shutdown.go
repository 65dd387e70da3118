// Package server coordinates process shutdown: signal handling and the
// ordered release of servers and the engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// CloseFunc releases one component within the shutdown deadline.
type CloseFunc func(ctx context.Context) error

type closer struct {
	name string
	fn   CloseFunc
}

// ShutdownManager handles graceful shutdown of the process's components.
type ShutdownManager struct {
	shutdownTimeout time.Duration

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	isShuttingDown atomic.Bool
	err            error

	// Closers run in reverse order of registration (LIFO).
	closers   []closer
	closersMu sync.Mutex
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown, including the engine's
	// final flush.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager with the given configuration.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a component to release on shutdown. Register in
// start order: the engine first, then the servers that expose it.
func (sm *ShutdownManager) RegisterCloser(name string, fn CloseFunc) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer{name: name, fn: fn})
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx ends, or
// Shutdown is called elsewhere, and returns the shutdown's result.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return sm.wait()
	}
}

// Shutdown releases every registered component once, in reverse
// registration order. Later calls return the first call's result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		log.Printf("server: shutting down: %s", reason)
		sm.isShuttingDown.Store(true)

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.fn(shutdownCtx); err != nil {
				log.Printf("server: failed to close %s: %v", c.name, err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		sm.err = errors.Join(errs...)
		close(sm.shutdownCh)
	})
	return sm.wait()
}

func (sm *ShutdownManager) wait() error {
	<-sm.shutdownCh
	return sm.err
}

// IsShuttingDown returns true if shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.isShuttingDown.Load()
}

// Done returns a channel closed once shutdown has finished.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.shutdownCh
}

// ServeHTTP runs srv in the background and registers its graceful
// shutdown. Serve errors other than a normal close are logged.
func (sm *ShutdownManager) ServeHTTP(name string, srv *http.Server) {
	sm.RegisterCloser(name, srv.Shutdown)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server: %s stopped: %v", name, err)
		}
	}()
}
