// Package server exposes the HTTP API: health, status, metrics, session
// listings, and a live SSE feed per capturing session. CORS is permissive for
// development.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/capture-tender/pubsub"
	"github.com/onnwee/capture-tender/telemetry"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(ctx context.Context, db *sql.DB, bus pubsub.Bus) http.Handler {
	handlers := NewHandlers(ctx, db, bus)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)

	mux.HandleFunc("/sessions", handlers.HandleSessionsList)
	mux.HandleFunc("/sessions/", handlers.HandleSessionsDispatcher)

	// Wrap with the tracing middleware and a status recorder so spans carry
	// the response code.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))
		if rec.statusCode >= 500 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", rec.statusCode))
		}
	})
	return withCORS(handler)
}

// statusRecorder wraps ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
// The SSE handler depends on this passing through.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server and shuts down gracefully on context
// cancellation.
func Start(ctx context.Context, db *sql.DB, bus pubsub.Bus, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(ctx, db, bus),
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: /sessions/{id}/live streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
