package whistleca

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AccessLogger writes one structured entry per admin API request.
// It uses slog.LogAttrs for low-allocation logging.
type AccessLogger struct {
	logger  *slog.Logger
	metrics *Metrics
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	Timestamp  time.Time
	Method     string
	Path       string
	Route      string
	StatusCode int
	Bytes      int
	Duration   time.Duration
	ClientAddr string
	RequestID  string
	UserAgent  string
}

// NewAccessLogger creates an AccessLogger writing to logger. metrics may be nil.
func NewAccessLogger(logger *slog.Logger, metrics *Metrics) *AccessLogger {
	return &AccessLogger{logger: logger, metrics: metrics}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 10)
	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("path", e.Path),
		slog.Int("status", e.StatusCode),
		slog.Int("bytes", e.Bytes),
		slog.Duration("duration", e.Duration),
		slog.String("client", e.ClientAddr),
	)
	if e.Route != "" {
		attrs = append(attrs, slog.String("route", e.Route))
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	level := slog.LevelInfo
	if e.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	al.logger.LogAttrs(context.Background(), level, "access", attrs...)
}

// Middleware logs every request passing through next and counts it in metrics
// by chi route pattern.
func (al *AccessLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		var route string
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}

		al.metrics.RecordAdminRequest(route, status)
		al.Log(AccessLogEntry{
			Timestamp:  start,
			Method:     r.Method,
			Path:       r.URL.Path,
			Route:      route,
			StatusCode: status,
			Bytes:      ww.BytesWritten(),
			Duration:   time.Since(start),
			ClientAddr: r.RemoteAddr,
			RequestID:  middleware.GetReqID(r.Context()),
			UserAgent:  r.UserAgent(),
		})
	})
}
