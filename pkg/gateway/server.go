package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// ActorHeader names the caller recorded in audit entries.
const ActorHeader = "X-Actor"

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP server for the cluster API.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates a server routing to h.
func NewServer(cfg ServerConfig, h *Handlers, metrics *telemetry.Metrics) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Address,
			Handler:      Routes(h, metrics),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: h.logger,
	}
}

// Routes builds the API handler.
func Routes(h *Handlers, metrics *telemetry.Metrics) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /clusters/test", h.TestCluster)
	mux.HandleFunc("POST /clusters/provision", h.ProvisionCluster)
	mux.HandleFunc("GET /clusters", h.ListClusters)
	mux.HandleFunc("GET /clusters/{name}/status", h.ClusterStatus)
	mux.HandleFunc("GET /clusters/{name}/logs", h.ClusterLogs)
	mux.HandleFunc("DELETE /clusters/{name}", h.DestroyCluster)
	mux.HandleFunc("DELETE /clusters/{name}/cleanup", h.CleanupCluster)

	mux.HandleFunc("GET /audit", h.Audit)

	return withActor(instrument(mux, h.logger, metrics))
}

// Run starts the server. It blocks until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info().Str("address", ln.Addr().String()).Msg("Gateway listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withActor attaches the X-Actor header to the request context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			r = r.WithContext(engine.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument logs and measures every request by its route pattern.
func instrument(next http.Handler, logger zerolog.Logger, metrics *telemetry.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, rec.status, duration)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("Request served")
	})
}
