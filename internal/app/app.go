package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/config"
	"github.com/hitoshi/moviemate/internal/database"
	"github.com/hitoshi/moviemate/internal/handler"
	"github.com/hitoshi/moviemate/internal/library"
	"github.com/hitoshi/moviemate/internal/logger"
	"github.com/hitoshi/moviemate/internal/metrics"
	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/profile"
	"github.com/hitoshi/moviemate/internal/repository"
	"github.com/hitoshi/moviemate/internal/security"
	"github.com/hitoshi/moviemate/internal/tmdb"
	"github.com/hitoshi/moviemate/internal/worker/cleanup"
)

// dbPingTimeout はヘルスチェック・起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 3 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("auth_provider", cfg.AuthProvider),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, ParseMigrateAction(args))
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// closableProvider は終了時に購読者を解放する認証プロバイダー。
type closableProvider interface {
	auth.Provider
	Close()
}

// newAuthProvider は設定に応じた認証プロバイダーを生成する。
// localの場合はPurgeExpiredを持つLocalProviderも返す。
func newAuthProvider(cfg *config.Config, db *sql.DB) (closableProvider, *auth.LocalProvider) {
	switch cfg.AuthProvider {
	case config.AuthProviderGoTrue:
		return auth.NewGoTrueProvider(auth.GoTrueConfig{
			URL:        cfg.GoTrueURL,
			APIKey:     cfg.GoTrueAPIKey,
			HTTPClient: &http.Client{Timeout: 10 * time.Second},
			Logger:     slog.Default(),
		}), nil
	default:
		local := auth.NewLocalProvider(
			repository.NewPostgresUserRepo(db),
			repository.NewPostgresSessionRepo(db),
			auth.LocalConfig{
				SessionMaxAge: cfg.SessionMaxAgeDuration(),
				BcryptCost:    cfg.BcryptCost,
				Logger:        slog.Default(),
			},
		)
		return local, local
	}
}

// newMetricsRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// rateLimiterConfig はreq/min単位の設定値をレートリミッターの設定に変換する。
// 0以下の値はデフォルト値のままにする。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAuth > 0 {
		rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
		rl.AuthBurst = cfg.RateLimitAuth
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	reg := newMetricsRegistry()
	collector := metrics.NewCollector(reg)

	// 3. 認証プロバイダーとブラウザコンテキストごとのセッションストア
	provider, _ := newAuthProvider(cfg, db)
	defer provider.Close()

	registry := auth.NewRegistry(provider, auth.StoreConfig{
		Syncer:          auth.NewHTTPSyncer(cfg.SyncURL, &http.Client{Timeout: 5 * time.Second}),
		EmailRedirectTo: cfg.BaseURL + "/auth/callback",
		Logger:          slog.Default(),
	}, cfg.ContextTTL)
	defer registry.Close()

	// 4. セキュリティサービス
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 5. ドメインサービス
	tmdbClient := tmdb.NewClient(tmdb.Config{
		BaseURL:           cfg.TMDBBaseURL,
		APIKey:            cfg.TMDBAPIKey,
		ReadAccessToken:   cfg.TMDBReadAccessToken,
		Language:          cfg.TMDBLanguage,
		HTTPClient:        &http.Client{Timeout: cfg.TMDBTimeout},
		CacheTTL:          cfg.TMDBCacheTTL,
		RequestsPerSecond: cfg.TMDBRequestsPerSec,
		Logger:            slog.Default(),
		Metrics:           collector,
	})

	libraryService := library.NewService(repository.NewPostgresSavedMovieRepo(db), tmdbClient)

	profileService := profile.NewService(
		repository.NewPostgresProfileRepo(db),
		provider,
		ssrfGuard,
		sanitizer,
		profile.Config{
			MaxAvatarSize: cfg.AvatarMaxSize,
			ImportTimeout: cfg.AvatarImportTimeout,
			Logger:        slog.Default(),
		},
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Registry: registry,
		Sessions: provider,
		Guard:    middleware.DefaultGuardConfig(),
		AuthContext: middleware.AuthContextConfig{
			CookieSecure:  cfg.CookieSecure,
			CookieDomain:  cfg.CookieDomain,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		Gatherer:          reg,
		Logger:            slog.Default(),

		DB: handler.PingerFunc(func(ctx context.Context) error {
			return database.Ping(ctx, db, dbPingTimeout)
		}),

		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		Movies:        tmdbClient,
		Library:       libraryService,
		Profiles:      profileService,
		MaxAvatarSize: cfg.AvatarMaxSize,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの定期削除を行い、ランタイムのメトリクスを公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.AuthProvider != config.AuthProviderLocal {
		// 外部プロバイダーはセッションの有効期限を自身で管理する
		slog.Info("session cleanup is managed by the auth provider; worker has nothing to do",
			slog.String("auth_provider", cfg.AuthProvider),
		)
		return nil
	}

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. プロバイダーとクリーンアップジョブの初期化
	_, local := newAuthProvider(cfg, db)
	defer local.Close()

	cleanupJob := cleanup.NewCleanupJob(local, slog.Default())
	cleanupJob.Interval = cfg.PurgeInterval

	// 3. メトリクスサーバー
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(newMetricsRegistry()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("purge_interval", cleanupJob.Interval),
		slog.String("metrics_addr", metricsServer.Addr),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upはすべての未適用マイグレーションを順番に適用し、downは1つ戻し、versionは現在のバージョンを表示する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		slog.Info("database migration rolled back")
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
