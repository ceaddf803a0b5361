package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/coursemeet/internal/metrics"
	"github.com/hitoshi/coursemeet/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Verifier          middleware.CallerVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// 運用
	DB       Pinger
	Gatherer prometheus.Gatherer

	// 会議
	MeetingService MeetingServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Metrics → Logging → CORS → Identity → RateLimit(General)
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewMetricsMiddleware(mc))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	meetingHandler := NewMeetingHandler(deps.MeetingService, logger)
	calendarHandler := NewCalendarHandler(deps.MeetingService, logger)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.DB, logger))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.SetupMetricsRoute(deps.Gatherer))
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.Verifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/meetings", func(r chi.Router) {
			r.Get("/", meetingHandler.ListMeetings)
			// POST /meetings - 会議予約（予約専用レート制限を追加）
			r.With(deps.RateLimiter.BookingCreationMiddleware()).Post("/", meetingHandler.CreateMeeting)
			r.Delete("/", meetingHandler.DeleteMeeting)
			r.Patch("/", meetingHandler.UpdateMeeting)

			r.Get("/availability", meetingHandler.Availability)
			r.Get("/calendar.ics", calendarHandler.Export)
		})
	})

	return r
}
