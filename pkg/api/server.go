package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/sqlsaber/internal/observability"
	"github.com/harun/sqlsaber/internal/tracing"
	"github.com/harun/sqlsaber/pkg/commandqueue"
	"github.com/harun/sqlsaber/pkg/engine"
	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/harun/sqlsaber/pkg/thread"
	"github.com/rs/zerolog"
)

const (
	DefaultPort           = 8420
	DefaultStreamInterval = 500 * time.Millisecond
)

// ThreadService is the engine surface the API drives
type ThreadService interface {
	CreateThread(ctx context.Context, req engine.TurnRequest) (*thread.Thread, error)
	ContinueThread(ctx context.Context, threadID string, req engine.TurnRequest) (*thread.Thread, error)
	CancelThread(ctx context.Context, threadID string) (bool, error)
	GetThread(ctx context.Context, threadID string) (*thread.Thread, error)
	ListThreads(ctx context.Context, limit int) ([]thread.Thread, error)
	Poll(ctx context.Context, threadID string, after int64) (*thread.Thread, []thread.Message, error)
	Registry() *registry.Snapshot
	Queue() *commandqueue.CommandQueue
}

// Config holds server configuration
type Config struct {
	Host string
	Port int
	// RateLimitPerMinute bounds POSTs per client IP; zero disables limiting.
	RateLimitPerMinute int
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP instead of the socket address.
	TrustProxyHeaders bool
	// StreamInterval is how often a stream re-polls the store.
	StreamInterval time.Duration
	Service        ThreadService
	Logger         zerolog.Logger
}

// Server is the HTTP API server
type Server struct {
	host           string
	port           int
	streamInterval time.Duration
	service        ThreadService
	rateLimiter    *RateLimiter
	trustProxy     bool
	upgrader       websocket.Upgrader
	server         *http.Server
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	streams        sync.WaitGroup
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Service == nil {
		return nil, fmt.Errorf("thread service is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}

	var limiter *RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = NewRateLimiter(cfg.RateLimitPerMinute)
	}

	s := &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		streamInterval: cfg.StreamInterval,
		service:        cfg.Service,
		rateLimiter:    limiter,
		trustProxy:     cfg.TrustProxyHeaders,
		logger:         cfg.Logger.With().Str("component", "api").Logger(),
		startTime:      time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with request middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", s.handleCreateThread)
	mux.HandleFunc("GET /threads", s.handleListThreads)
	mux.HandleFunc("GET /threads/{id}", s.handleGetThread)
	mux.HandleFunc("POST /threads/{id}/continue", s.handleContinueThread)
	mux.HandleFunc("POST /threads/{id}/cancel", s.handleCancelThread)
	mux.HandleFunc("GET /threads/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /threads/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return s.middleware(mux)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info().
		Str("host", s.host).
		Int("port", s.port).
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server. Open streams are closed once their
// next poll observes the shutdown.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached with open streams")
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// middleware attaches a request id, rate-limits POSTs and records metrics
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = r.WithContext(tracing.NewRequestContext(r.Context()))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", tracing.GetRequestID(r.Context()))

		switch {
		case s.shuttingDown():
			writeError(rec, http.StatusServiceUnavailable, "Server is shutting down")
		case r.Method == http.MethodPost && !s.allow(rec, r):
		default:
			next.ServeHTTP(rec, r)
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		observability.RecordHTTPRequest(route, rec.status, duration)

		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("HTTP request")
	})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.rateLimiter == nil {
		return true
	}

	ip := clientIP(r, s.trustProxy)
	allowed, retryAfter := s.rateLimiter.Allow(ip)
	if allowed {
		return true
	}

	observability.RecordRateLimited()
	s.logger.Warn().
		Str("ip", ip).
		Str("path", r.URL.Path).
		Int("retryAfter", retryAfter).
		Msg("Rate limit exceeded")

	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeError(w, http.StatusTooManyRequests, "Too Many Requests")
	return false
}

// clientIP returns the socket address host. Proxy headers are client
// controlled and only consulted when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if !trustProxy {
		return remoteHost(r)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return hijacker.Hijack()
}

// Flush supports streaming responses
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
