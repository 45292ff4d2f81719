// Package server exposes the protocol over HTTP with a chi router.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vitwit/sio"
	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/middleware"
	"github.com/vitwit/sio/types"
)

const (
	apiPrefix     = "/api/sio"
	premiumPrefix = apiPrefix + "/premium/"

	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	app     *sio.SIO
	limiter *RateLimiter
	metrics http.Handler
	logger  logger.Logger
	router  chi.Router
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetricsHandler serves h on the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithRateLimiter overrides the limiter built from the config.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = rl
	}
}

func New(app *sio.SIO, opts ...Option) (*Server, error) {
	s := &Server{
		app:    app,
		logger: logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(app.Config().RateLimit, s.logger)
	}

	router, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

func (s *Server) routes() (chi.Router, error) {
	cfg := s.app.Config()

	premium := make(map[string]http.Handler, len(cfg.Resources))
	for _, res := range cfg.Resources {
		gate, err := s.app.Protect(res.Name)
		if err != nil {
			return nil, err
		}
		premium[res.Name] = gate(resourceHandler(res, cfg.Protocol.TokenDecimals))
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Route(apiPrefix, func(api chi.Router) {
		api.Method(http.MethodGet, "/resources", middleware.DiscoveryHandler(cfg.Catalog(premiumPrefix)))
		api.Get("/health", s.health)
		api.Get("/stats", s.stats)

		api.With(s.limiter.Middleware).Post("/transactions", s.submitTransaction)
		api.Get("/transactions/{signature}", s.transactionStatus)
		api.Post("/payments/verify", s.verifyPayment)
		api.Get("/data/{hash}", s.data)

		for _, res := range cfg.Resources {
			api.Method(res.Method, "/premium/"+res.Name, premium[res.Name])
		}
	})

	if s.metrics != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, s.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, types.ErrNotFound, "no route for "+r.URL.Path)
	})
	return r, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.app.Config().Server
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", map[string]any{"addr": cfg.Listen})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("server shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned to the request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request", map[string]any{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"bytes":     ww.BytesWritten(),
			"duration":  time.Since(start).String(),
			"requestId": RequestIDFromContext(r.Context()),
		})
	})
}
