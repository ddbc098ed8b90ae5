package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

// WithAccessLog wraps next with a structured access log, one slog record per
// request.
func WithAccessLog(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, logRequest)
}

func logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	level := slog.LevelInfo
	switch {
	case p.StatusCode >= 500:
		level = slog.LevelError
	case p.URL.Path == "/metrics" || p.URL.Path == "/api/v1/health":
		level = slog.LevelDebug
	}
	slog.Log(p.Request.Context(), level, "http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"bytes", p.Size,
		"duration", time.Since(p.TimeStamp),
		"remote", p.Request.RemoteAddr,
	)
}

// recoveryLogger routes panics recovered by handlers.RecoveryHandler to slog.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	slog.Error("api: recovered from panic", "panic", fmt.Sprint(v...))
}
