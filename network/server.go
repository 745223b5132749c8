package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Server serves the tethering API on a TCP listener.
type Server struct {
	listener   net.Listener
	httpServer *http.Server

	errs chan error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts serving handler in the background.
func Listen(address string, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		},
		errs: make(chan error, 1),
	}

	server.wg.Add(1)
	go server.serve()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.closeOnce.Do(func() {
		shutdownErr = s.httpServer.Shutdown(ctx)
		s.wg.Wait()
		close(s.errs)
	})
	return shutdownErr
}

// Close shuts the server down with a default grace period.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) serve() {
	defer s.wg.Done()

	err := s.httpServer.Serve(s.listener)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}

	select {
	case s.errs <- fmt.Errorf("serve http: %w", err):
	default:
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := &responseLogger{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(logger, r)

		entry := logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     logger.status,
			"duration":   time.Since(start).String(),
			"request_id": r.Header.Get(HeaderRequestID),
		})
		if logger.status >= http.StatusInternalServerError {
			entry.Warn("[http] request failed")
			return
		}
		entry.Debug("[http] request")
	})
}

type responseLogger struct {
	http.ResponseWriter
	status int
}

func (l *responseLogger) WriteHeader(code int) {
	l.status = code
	l.ResponseWriter.WriteHeader(code)
}
