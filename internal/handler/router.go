package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/metrics"
	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/model"
)

// SyncPath はセッション同期エンドポイントのパス。サーバー間で呼ばれるためCSRF検証の対象外。
const SyncPath = "/api/auth/sync"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Registry          *auth.Registry
	Sessions          middleware.SessionFinder
	Guard             middleware.GuardConfig
	AuthContext       middleware.AuthContextConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	Gatherer          prometheus.Gatherer // nilの場合は/metricsを公開しない
	Logger            *slog.Logger

	// ヘルスチェック
	DB Pinger

	// 認証
	AuthConfig AuthHandlerConfig

	// 映画
	Movies MovieCatalog

	// お気に入り・ブックマーク
	Library LibraryServiceInterface

	// プロフィール
	Profiles      ProfileServiceInterface
	MaxAvatarSize int64
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS
//	  → AuthContext → RouteGuard → CSRF → RateLimit(General)
//
// /health と /metrics、セッション同期はブラウザコンテキストを扱わないため AuthContext より前で分岐する。
func NewRouter(deps *RouterDeps) http.Handler {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	csrfConfig := deps.CSRF
	csrfConfig.ExemptPaths = append(append([]string(nil), deps.CSRF.ExemptPaths...), SyncPath)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, m))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "NOT_FOUND",
			Message:  "The requested resource was not found.",
			Category: "system",
			Action:   "Check the URL.",
		})
	})

	healthHandler := NewHealthHandler(deps.DB)
	authHandler := NewAuthHandler(deps.Sessions, deps.AuthConfig, m, logger)
	movieHandler := NewMovieHandler(deps.Movies, deps.Library)
	libraryHandler := NewLibraryHandler(deps.Library)
	dashboardHandler := NewDashboardHandler(deps.Profiles, deps.Library)
	profileHandler := NewProfileHandler(deps.Profiles, deps.MaxAvatarSize)

	// --- セッションを扱わないルート ---
	r.Get("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// セッション同期はサーバー側から呼ばれ、コンテキストCookieを持たない。
	// 送信元が常にサーバー自身になるため、IP単位のレート制限はかけない。
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))
		r.Post(SyncPath, authHandler.Sync)
	})

	// --- ブラウザコンテキストを扱うルート ---
	// ミドルウェアスタック: AuthContext → RouteGuard → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthContextMiddleware(deps.Registry, deps.AuthContext, m))
		r.Use(middleware.NewRouteGuard(deps.Sessions, deps.Guard, m, logger))
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)

		// サインアップ・サインイン（認証専用レート制限を追加）
		r.With(deps.RateLimiter.AuthMiddleware()).Post("/sign-up", authHandler.SignUp)
		r.With(deps.RateLimiter.AuthMiddleware()).Post("/sign-in", authHandler.SignIn)
		r.Get("/auth/callback", authHandler.Callback)

		r.Route("/api/auth", func(r chi.Router) {
			r.Post("/sign-out", authHandler.SignOut)
			r.Get("/me", authHandler.Me)
			r.Get("/display-name", authHandler.DisplayName)
		})

		// 映画一覧・検索（認証不要）
		r.Get("/api/movies/home", movieHandler.Home)
		r.Get("/api/movies/{category}", movieHandler.ListByCategory)
		r.Get("/api/search", movieHandler.Search)

		// --- ログインが必要なルート ---
		// 画面遷移はRouteGuardがリダイレクトし、ここでは未認証のAPI呼び出しに401を返す
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireUserMiddleware())

			r.Get("/movies/{id}", movieHandler.Details)
			r.Get("/dashboard", dashboardHandler.Get)

			r.Route("/profile", func(r chi.Router) {
				r.Get("/", profileHandler.Get)
				r.Put("/", profileHandler.Update)
				r.Get("/avatar", profileHandler.Avatar)
				r.Post("/avatar", profileHandler.SetAvatar)
			})

			for _, list := range []model.SavedList{model.SavedListFavorites, model.SavedListBookmarks} {
				r.Route("/"+string(list), func(r chi.Router) {
					r.Get("/", libraryHandler.List(list))
					r.Post("/", libraryHandler.Add(list))
					r.Delete("/{movieID}", libraryHandler.Remove(list))
					r.Post("/{movieID}/toggle", libraryHandler.Toggle(list))
				})
			}
		})
	})

	return r
}
