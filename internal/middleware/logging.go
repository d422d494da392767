// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RequestLogger はリクエストごとにアクセスログを出力する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// LogOperation は鍵操作の結果をログに出力する。鍵IDが未確定の場合は keyID を空にする。
func LogOperation(ctx context.Context, operation, keyID string, err error) {
	if err != nil {
		slog.WarnContext(ctx, "key operation failed",
			"operation", operation,
			"key_id", keyID,
			"error", err,
		)
		return
	}
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"key_id", keyID,
	)
}
