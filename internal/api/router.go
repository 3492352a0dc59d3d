// Package api serves the feed engine's REST endpoints.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taraxa-fun/taraxa-fun-server/internal/gateway"
	"github.com/taraxa-fun/taraxa-fun-server/internal/logger"
)

// RegisterRoutes mounts the REST endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("GET /api/candles/{address}", h.candles)
	mux.HandleFunc("GET /api/candles/{address}/latest", h.latestCandle)
	mux.HandleFunc("POST /api/comments", h.createComment)
	mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {
		gateway.SetCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// WithRequestLog tags every /api/ request with a trace ID and logs its
// outcome. WebSocket upgrades pass through untouched since they need the
// raw ResponseWriter for hijacking.
func WithRequestLog(next http.Handler, log *slog.Logger) http.Handler {
	log = logger.Component(log, "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ctx := logger.WithTraceID(r.Context(), uuid.NewString())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "request",
			append(logger.LogWithTrace(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))...)
	})
}
