package pipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agreenet/providerd/internal/database"
	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// HTTPListener serves the operator pipe over plaintext JSON HTTP. Every
// request carries the signed envelope as its body; the transport verifies
// the requester before dispatch.
type HTTPListener struct {
	router *Router
	server *http.Server
	logger *slog.Logger
}

// HTTPListenerOptions configures an HTTP pipe listener.
type HTTPListenerOptions struct {
	Port            int
	RateLimit       int
	RateLimitWindow time.Duration
	Redis           *database.Redis
}

// NewHTTPListener builds the listener for one operator identity.
func NewHTTPListener(router *Router, opts HTTPListenerOptions, logger *slog.Logger) *HTTPListener {
	l := &HTTPListener{
		router: router,
		logger: logger.With(slog.String("component", "pipe-http"), slog.Int("port", opts.Port)),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Use(chimiddleware.Timeout(30 * time.Second))
	if opts.Redis != nil && opts.RateLimit > 0 {
		r.Use(rateLimit(opts.Redis, opts.RateLimit, opts.RateLimitWindow))
	}
	r.Post("/", l.handle)

	l.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}
	return l
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (l *HTTPListener) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		l.logger.Info("pipe listening", slog.String("addr", l.server.Addr))
		if err := l.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.server.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (l *HTTPListener) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		l.write(w, "POST", "/", Response{
			Code: perrors.CodeBadRequest,
			Body: perrors.ErrBadRequest.WithMessage("Invalid envelope"),
		}, start)
		return
	}

	req, err := VerifyEnvelope(&env)
	if err != nil {
		pe := perrors.AsPipeError(err)
		l.write(w, "POST", "/", Response{Code: pe.Code, Body: pe}, start)
		return
	}

	resp := l.router.Dispatch(r.Context(), req)
	l.write(w, req.Method, req.Path, resp, start)
}

func (l *HTTPListener) write(w http.ResponseWriter, method, path string, resp Response, start time.Time) {
	requestsTotal.WithLabelValues("http", method, path, strconv.Itoa(resp.Code)).Inc()
	requestDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		l.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// rateLimit is a redis-backed fixed-window limiter keyed by client IP.
func rateLimit(rdb *database.Redis, limit int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "pipe:ratelimit:" + r.RemoteAddr
			count, err := rdb.IncrWithExpire(r.Context(), key, window)
			if err != nil {
				// Redis trouble must not take the pipe down.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if int(count) > limit {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"code":429,"body":{"message":"Too many requests"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
