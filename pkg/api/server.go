package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/internal/tracing"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/processor"
	"github.com/harun/slotpool/pkg/retry"
	"github.com/harun/slotpool/pkg/session"
	"github.com/rs/zerolog"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Host string
	Port int
	// AuthToken, when set, is required as a bearer token on /api and /ws.
	AuthToken       string
	ShutdownTimeout time.Duration
}

// Deps are the components the API exposes. Manager and Hub are optional.
type Deps struct {
	Queue     *jobqueue.Queue
	Processor *processor.Processor
	Retries   *retry.Scheduler
	Pool      *session.Pool
	Manager   *session.Manager
	Hub       *Hub
}

// Server is the admission, status and maintenance HTTP API.
type Server struct {
	options ServerOptions
	deps    Deps
	server  *http.Server
	routes  *RouteTracker
	logger  zerolog.Logger

	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a server.
func NewServer(options ServerOptions, deps Deps, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.ShutdownTimeout == 0 {
		options.ShutdownTimeout = 30 * time.Second
	}

	if deps.Queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if deps.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if deps.Retries == nil {
		return nil, fmt.Errorf("retry scheduler is required")
	}

	return &Server{
		options:   options,
		deps:      deps,
		routes:    NewRouteTracker(),
		logger:    logger,
		startTime: time.Now(),
	}, nil
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.options.Host, s.options.Port)
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	if s.deps.Hub != nil {
		mux.Handle("GET /ws", s.authorize(s.deps.Hub))
	}

	s.route(mux, "POST /api/v1/jobs", s.handleSubmit)
	s.route(mux, "GET /api/v1/jobs/{id}", s.handleGetJob)
	s.route(mux, "DELETE /api/v1/jobs/{id}", s.handleCancelJob)

	s.route(mux, "GET /api/v1/queue/stats", s.handleQueueStats)
	s.route(mux, "GET /api/v1/pool/health", s.handlePoolHealth)
	s.route(mux, "GET /api/v1/pool/distribution", s.handlePoolDistribution)
	s.route(mux, "GET /api/v1/pool/stats", s.handlePoolStats)
	s.route(mux, "GET /api/v1/retries/stats", s.handleRetryStats)
	s.route(mux, "GET /api/v1/retries/policies", s.handleRetryPolicies)
	s.route(mux, "GET /api/v1/processor/stats", s.handleProcessorStats)
	s.route(mux, "GET /api/v1/server/stats", s.handleServerStats)

	s.route(mux, "POST /api/v1/maintenance/cleanup", s.handleCleanup)
	s.route(mux, "POST /api/v1/maintenance/health-check", s.handleHealthCheck)
	s.route(mux, "POST /api/v1/maintenance/rebalance", s.handleRebalance)

	return mux
}

// route registers handler behind the shutdown gate, auth, request tracing
// and per-route metrics.
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.Handle(pattern, s.authorize(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		ctx := tracing.NewRequestContext(r.Context())
		ctx = tracing.WithRequestID(ctx, tracing.GetTraceID(ctx))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", tracing.GetRequestID(ctx))

		handler(rec, r.WithContext(ctx))

		duration := time.Since(start)
		s.routes.Track(pattern, rec.status, duration)

		event := s.logger.Debug()
		if rec.status >= 500 {
			event = s.logger.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", clientIP(r)).
			Int("status", rec.status).
			Dur("duration", duration).
			Str("request_id", tracing.GetRequestID(ctx)).
			Msg("API request")
	})))
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.options.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.options.AuthToken)) != 1 {
			s.logger.Warn().
				Str("path", r.URL.Path).
				Str("ip", clientIP(r)).
				Msg("Unauthorized API request")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens and serves until Stop. It returns nil after a clean stop.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Bool("auth", s.options.AuthToken != "").
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start api server: %w", err)
	}
	return nil
}

// Stop refuses new requests, waits for in-flight ones and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.options.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
	}

	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown api server: %w", err)
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
