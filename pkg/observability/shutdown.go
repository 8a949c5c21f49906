package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager drains the HTTP server and then runs registered
// shutdown functions concurrently under a shared deadline.
type ShutdownManager struct {
	logger          *Logger
	server          *http.Server
	entries         []shutdownEntry
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// ShutdownFunc releases one resource during shutdown.
type ShutdownFunc func(context.Context) error

type shutdownEntry struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager creates a shutdown manager. A zero timeout means
// 30 seconds.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = NewLogger(InfoLevel, io.Discard)
	}
	return &ShutdownManager{
		logger:          logger,
		server:          server,
		entries:         make([]shutdownEntry, 0),
		shutdownTimeout: timeout,
	}
}

// RegisterShutdownFunc registers a named function to run during
// shutdown. The name only appears in logs.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.entries = append(sm.entries, shutdownEntry{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then runs
// Shutdown.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)

	return sm.Shutdown()
}

// Shutdown drains the HTTP server, then runs every registered shutdown
// function concurrently. It returns an error when the server refuses to
// drain, any function fails, or the deadline passes first.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	if sm.server != nil {
		sm.logger.Info("Shutting down HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
		sm.logger.Info("HTTP server shutdown complete")
	}

	sm.mu.Lock()
	entries := sm.entries
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(entries))

	for _, entry := range entries {
		if entry.fn == nil {
			continue
		}
		wg.Add(1)
		go func(entry shutdownEntry) {
			defer wg.Done()
			if err := entry.fn(ctx); err != nil {
				sm.logger.WithError(err).Errorf("Shutdown of %s failed", entry.name)
				errChan <- err
			} else {
				sm.logger.Infof("Shutdown of %s complete", entry.name)
			}
		}(entry)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("Shutdown timeout reached, forcing shutdown")
		return fmt.Errorf("shutdown timeout reached")
	}

	close(errChan)
	var failed int
	for range errChan {
		failed++
	}

	if failed > 0 {
		return fmt.Errorf("shutdown completed with %d errors", failed)
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}
