package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/homework/internal/middleware"
	"github.com/hitoshi/homework/internal/nav"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.HTTPStatusRecorder

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証・ユーザー
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	UserLookup  UserLookup

	// 口座連携
	BankService BankServiceInterface

	// ナビゲーション
	Renderer *nav.Renderer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Telemetry → Recovery → Logging → StatusMetrics → SecurityHeaders → CORS
//	  /api/*          : CSRF → (auth: AuthRateLimit) | (Session → RateLimit(General) → [RateLimit(Link)])
//	  ページ          : OptionalSession
//
// /health と /metrics はCORS以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.Telemetry("homework"))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewStatusMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	bankHandler := NewBankHandler(deps.BankService, deps.UserLookup)
	userHandler := NewUserHandler(deps.UserLookup)
	navHandler := NewNavHandler(deps.Renderer, deps.UserLookup)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)
		r.Get("/api/nav", navHandler.GetNav)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

			// 認証ルート（セッション不要）
			r.Route("/api/auth", func(r chi.Router) {
				r.With(deps.RateLimiter.AuthMiddleware()).Post("/sign-up", authHandler.SignUp)
				r.With(deps.RateLimiter.AuthMiddleware()).Post("/sign-in", authHandler.SignIn)
				r.Post("/logout", authHandler.Logout)
				r.Get("/me", authHandler.Me)
			})

			// 認証が必要なルート
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
				r.Use(deps.RateLimiter.GeneralMiddleware())

				r.Route("/api/plaid", func(r chi.Router) {
					r.Use(deps.RateLimiter.LinkMiddleware())
					r.Post("/link-token", bankHandler.CreateLinkToken)
					r.Post("/exchange", bankHandler.ExchangePublicToken)
				})

				r.Get("/api/banks", bankHandler.ListBanks)
				r.Get("/api/accounts", bankHandler.GetAccounts)
				r.Get("/api/users/{userId}", userHandler.GetUser)
			})
		})
	})

	// --- ページ（アプリケーションシェル） ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionFinder))
		for _, link := range nav.Links() {
			r.Get(link.Route, navHandler.Page)
		}
	})

	return r
}
