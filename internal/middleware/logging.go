package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/coursemeet/internal/model"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// requestInfoKey はアクセスログ用の可変なリクエスト情報を格納するキー。
var requestInfoKey = contextKey("request_info")

// requestInfo は内側のミドルウェアで判明した情報をアクセスログに渡す。
type requestInfo struct {
	caller model.Caller
}

// recordCaller は認証済みの呼び出し元をアクセスログ用に記録する。
func recordCaller(ctx context.Context, caller model.Caller) {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.caller = caller
	}
}

// accessLogLevel はステータスコードからアクセスログのレベルを決める。
// 4xxは呼び出し側の問題としてWarn、5xxはError。
func accessLogLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、route、status、bytes、duration_ms、user_id / user_email（認証済みの場合）を含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			info := &requestInfo{}
			if caller, err := CallerFromContext(r.Context()); err == nil {
				info.caller = caller
			}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoKey, info))

			next.ServeHTTP(rec, r)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				args = append(args, slog.String("route", rctx.RoutePattern()))
			}
			if info.caller.UserID != "" {
				args = append(args, slog.String("user_id", info.caller.UserID))
			}
			if info.caller.Email != "" {
				args = append(args, slog.String("user_email", info.caller.Email))
			}

			logger.Log(r.Context(), accessLogLevel(rec.statusCode), "http_request", args...)
		})
	}
}
