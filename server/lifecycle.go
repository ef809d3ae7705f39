package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/sym"
)

// ListenAndServe binds the requested port, or one of the next ten, and serves until Stop
func (s *RelayServer) ListenAndServe(port int) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative", "requested_port", port, "actual_port", actualPort)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", actualPort))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", actualPort)
	}
	return s.Serve(listener)
}

// Serve serves on listener until Stop. A clean shutdown returns nil.
func (s *RelayServer) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow(fmt.Sprintf("%s Relay listening", sym.Relay),
		logger.FieldAddress, listener.Addr().String())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "relay server failed")
	}
	return nil
}

// Stop drains the relay: the tracker is closed, HTTP stops accepting,
// websocket clients are closed and the config watcher is released.
func (s *RelayServer) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Infow("Initiating relay shutdown")
		s.setState(ServerStateDraining)

		// Close, unlike CancelAll, also rejects starts from handlers already past the state check
		s.tracker.Close()

		s.mu.RLock()
		srv := s.httpServer
		s.mu.RUnlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				stopErr = errors.Wrap(err, "http shutdown")
			}
		}

		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(ShutdownTimeout):
			s.logger.Warnw("Goroutine shutdown timed out", "timeout", ShutdownTimeout)
		}

		if s.configWatcher != nil {
			if err := s.configWatcher.Stop(); err != nil {
				s.logger.Warnw("Failed to stop config watcher", "error", err)
			}
		}

		s.setState(ServerStateStopped)
		s.logger.Infow("Relay shutdown complete", "broadcast_drops", s.broadcastDrops.Load())
	})
	return stopErr
}
