// Package server exposes the HTTP side of the chat screen: liveness and
// readiness probes, a JSON status snapshot, Prometheus metrics and a small
// admin API for showing a message or ignoring a user. Every request gets a
// correlation id for logging and tracing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/chatscreen/layout"
	"github.com/onnwee/chatscreen/screen"
	"github.com/onnwee/chatscreen/telemetry"
)

// Screen is the part of the display scheduler the server reads.
type Screen interface {
	Status() screen.Status
	Lines() []layout.Line
}

// Overlay is the part of the overlay the admin API drives.
type Overlay interface {
	DisplayMessage(text string)
	IgnoreUser(username string)
	Footer() string
}

// Check is a named readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Screen  Screen
	Overlay Overlay
	// Checks run after the display check on /readyz, in order.
	Checks []Check
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	return newMux(ctx, deps, loadAuthConfig(), loadRateLimiterConfig(), loadCORSConfig())
}

func newMux(ctx context.Context, deps Deps, authCfg *authConfig, rlCfg *rateLimiterConfig, corsCfg *corsConfig) http.Handler {
	h := &handlers{deps: deps}
	limiter := newIPRateLimiter(ctx, rlCfg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/readyz", h.readyz)
	mux.HandleFunc("/status", h.status)
	mux.HandleFunc("/lines", h.lines)
	mux.HandleFunc("/admin/message", h.adminMessage)
	mux.HandleFunc("/admin/ignore", h.adminIgnore)

	admin := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			admin.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
	return withCORSConfig(withCorrelation(routed), corsCfg)
}

// withCorrelation reuses the caller's X-Correlation-ID or mints one, and
// wraps the request in a span that records the response status.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()
		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts it down gracefully when ctx is done.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
