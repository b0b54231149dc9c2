package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aristath/conductor/internal/logging"
)

// Server is the HTTP front end of the engine.
type Server struct {
	addr    string
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc // Ends open event streams on Stop
}

// NewServer registers the API routes for engine.
func NewServer(addr string, engine Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(logging.ComponentKey, "API")

	s := &Server{
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	h := &Handlers{Engine: engine, Logger: logger, Version: version}
	h.RegisterRoutes(s.mux)
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start listens on the configured address and serves until Stop. It returns
// nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := s.addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.cancelBase()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
