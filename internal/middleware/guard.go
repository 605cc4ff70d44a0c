package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/moviemate/internal/metrics"
)

// GuardConfig はルートガードの設定。
type GuardConfig struct {
	// ProtectedPrefixes はセッションが必要なパスの接頭辞。
	ProtectedPrefixes []string
	// ExcludedPrefixes はガードが一切関与しないパスの接頭辞。"/"は完全一致でのみ除外する。
	ExcludedPrefixes []string
	// SignInPath は未認証時のリダイレクト先。
	SignInPath string
}

// DefaultGuardConfig は既定のガード設定を返す。
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ProtectedPrefixes: []string{"/dashboard", "/profile", "/movies", "/favorites", "/bookmarks"},
		ExcludedPrefixes:  []string{"/api/auth", "/static", "/favicon.ico", "/sign-in", "/sign-up"},
		SignInPath:        "/sign-in",
	}
}

// Excluded はパスがガードの対象外かどうかを返す。
func (c GuardConfig) Excluded(path string) bool {
	if path == "/" {
		return true
	}
	for _, p := range c.ExcludedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Protected はパスが保護対象かどうかを返す。接頭辞の単純な前方一致で判定する。
func (c GuardConfig) Protected(path string) bool {
	for _, p := range c.ProtectedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// NewRouteGuard は保護対象パスへの未認証アクセスをサインインページにリダイレクトするミドルウェアを返す。
// セッションはリクエストごとにプロバイダーへ問い合わせ、キャッシュしない。
// 問い合わせの失敗はセッションなしとして扱う。
func NewRouteGuard(finder SessionFinder, cfg GuardConfig, m metrics.MetricsCollector, logger *slog.Logger) func(next http.Handler) http.Handler {
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/sign-in"
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if cfg.Excluded(path) || !cfg.Protected(path) {
				next.ServeHTTP(w, r)
				return
			}

			if sessionID := SessionIDFromRequest(r); sessionID != "" {
				session, err := finder.GetSession(r.Context(), sessionID)
				if err != nil {
					logger.Warn("route guard session lookup failed",
						slog.String("path", path),
						slog.String("error", err.Error()),
					)
				}
				if err == nil && session != nil {
					m.RecordGuardDecision(metrics.GuardAllow)
					next.ServeHTTP(w, r)
					return
				}
			}

			m.RecordGuardDecision(metrics.GuardRedirect)
			http.Redirect(w, r, signInURL(cfg.SignInPath, r.URL), http.StatusTemporaryRedirect)
		})
	}
}

// signInURL は元のパスとクエリをredirectパラメータに付けたサインインURLを返す。
func signInURL(signInPath string, original *url.URL) string {
	target := original.Path
	if original.RawQuery != "" {
		target += "?" + original.RawQuery
	}
	return signInPath + "?" + url.Values{"redirect": {target}}.Encode()
}
