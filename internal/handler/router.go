package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/session"
)

// HealthChecker はヘルスチェックが必要とするDB疎通確認のインターフェース。
// *sql.DBで満たされる。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// セッションライフサイクル
	SessionManager  SessionManagerInterface
	SessionRequirer middleware.SessionRequirer

	// 認証
	AuthProvider AuthProviderInterface
	Accounts     AccountService
	UserClient   UserClientFactory
	AuthConfig   AuthHandlerConfig

	// ミドルウェア依存
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig

	// 観測
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	MetricsGather prometheus.Gatherer

	// ヘルスチェック
	HealthChecker HealthChecker
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成した
// chi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF
//
// 認証が必要なルートはさらにSession（＋Verify付きの変種）とRateLimit(General)を
// 通過する。ログイン系のPOSTはIPごとのRateLimit(Login)を通過する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var statusRecorder middleware.StatusRecorder
	var loginMetrics LoginMetricsRecorder
	if deps.Metrics != nil {
		statusRecorder = deps.Metrics
		loginMetrics = deps.Metrics
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, statusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

	authHandler := NewAuthHandler(
		deps.SessionManager, deps.AuthProvider, deps.Accounts,
		deps.UserClient, loginMetrics, deps.AuthConfig,
	)

	// --- 認証不要のルート ---

	r.Get("/login", authHandler.LoginPage)
	r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
	r.With(deps.RateLimiter.LoginMiddleware()).Post("/signup", authHandler.Signup)
	r.With(deps.RateLimiter.LoginMiddleware()).Post("/magic-link", authHandler.MagicLink)
	r.With(deps.RateLimiter.LoginMiddleware()).Post("/reset-password", authHandler.ResetPassword)

	// ログアウトはプロバイダーにもセッションの有効性にも依存しない
	r.Post("/logout", authHandler.Logout)

	// ヘルスチェック
	r.Get("/health", newHealthHandler(deps.HealthChecker))

	// JSONクライアント向けのCSRFトークン取得（HTMLフォームはテンプレート埋め込み）
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// Prometheusスクレイプ
	if deps.MetricsGather != nil {
		r.Get("/metrics", metrics.Handler(deps.MetricsGather).ServeHTTP)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionRequirer, session.Options{}))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/update-password", authHandler.UpdatePassword)
		r.Post("/delete-account", authHandler.DeleteAccount)
	})

	// /me はCookieの内容を信頼せず、毎回プロバイダーでトークンを検証する
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionRequirer, session.Options{Verify: true}))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/me", authHandler.Me)
	})

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
