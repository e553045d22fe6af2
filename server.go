// This file contains the Server struct which manages the HTTP server lifecycle
// around a Manager and its graceful shutdown.
package pusudb

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Server struct {
	server    *http.Server
	manager   *Manager
	mutex     sync.RWMutex
	isRunning bool
	done      chan error
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a pusudb server serving store with the provided options.
// If no engine options are provided, default values will be used.
func NewServer(options *ServerOptions, store Store) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := options.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	manager, err := NewManager(ctx, store, *opts)
	if err != nil {
		cancel()

		return nil, err
	}

	addr := options.ServerAddr
	if addr == "" {
		addr = ":3000"
	}
	return &Server{
		ctx:     ctx,
		cancel:  cancel,
		manager: manager,
		server: &http.Server{
			Addr:         addr,
			Handler:      manager.HTTPHandler(),
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}, nil
}

// Manager returns the manager behind the server.
func (s *Server) Manager() *Manager {
	return s.manager
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// UseConnect registers handlers running before a socket or event stream is
// accepted.
func (s *Server) UseConnect(handlers ...ConnectHandler) {
	s.manager.UseConnect(handlers...)
}

// UseBefore registers middleware running before the router on every channel.
func (s *Server) UseBefore(handlers ...HandlerFunc) {
	s.manager.UseBefore(handlers...)
}

// UseAfter registers middleware running after the router on every channel.
func (s *Server) UseAfter(handlers ...HandlerFunc) {
	s.manager.UseAfter(handlers...)
}

// Start begins listening on the configured address and returns once the
// listener is bound. If the server is already running, it returns an error.
func (s *Server) Start() error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if s.isRunning {
		return internal("Server is already running")
	}
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return wrapF(err, "failed to listen on %s", s.server.Addr)
	}
	s.isRunning = true
	s.done = make(chan error, 1)

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ServeTLS(listener, "", "")
		} else {
			err = s.server.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()

		s.done <- err
	}()

	return nil
}

// Listen starts the server and blocks until a shutdown signal is received
// (SIGINT or SIGTERM) or ctx ends. Active connections get 30 seconds to close.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-s.done:
		return err
	}
	if err := s.Stop(30 * time.Second); err != nil {
		return wrapF(err, "error during server shutdown")
	}
	return nil
}

// IsRunning returns true if the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop gracefully shuts down the server with the given timeout. Open sockets
// and event streams are closed and the relay stops.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return s.manager.Close()
	}
	s.mutex.Unlock()

	s.cancel()

	errs := s.manager.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)

	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = addError(errs, wrapF(err, "http server shutdown failed"))
	}
	return errs
}
