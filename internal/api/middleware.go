package api

import (
	"log/slog"
	"net/http"
	"time"

	"MonadFlow/pkg/logger"
)

// statusWriter 包装 ResponseWriter 以捕获写入的状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// accessLog 记录每个请求的方法、路径、状态码与耗时。
func accessLog(next http.Handler) http.Handler {
	log := logger.Named("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info("http 请求",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}
