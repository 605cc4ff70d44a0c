package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/metrics"
)

// ContextCookieName はブラウザコンテキストを識別するCookie名。
const ContextCookieName = "mm_ctx"

// AuthContextConfig はブラウザコンテキストミドルウェアの設定。
type AuthContextConfig struct {
	CookieSecure bool
	CookieDomain string
	// CookieMaxAge はコンテキストCookieの有効期間。
	CookieMaxAge time.Duration
	// SessionMaxAge はトークン更新時に書き換えるセッションCookieのMax-Age（秒）。
	SessionMaxAge int
}

// NewAuthContextMiddleware はブラウザコンテキストごとのセッションストアを取得し、
// リクエストコンテキストに注入するミドルウェアを返す。
// コンテキストCookieがない場合は新しいIDを発行する。
// ストアが認証済みであればユーザーIDもコンテキストに注入する。
func NewAuthContextMiddleware(registry *auth.Registry, cfg AuthContextConfig, m metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = 30 * 24 * time.Hour
	}
	if m == nil {
		m = metrics.Nop{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contextID := contextIDFromRequest(r)
			if contextID == "" {
				contextID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     ContextCookieName,
					Value:    contextID,
					Path:     "/",
					Domain:   cfg.CookieDomain,
					MaxAge:   int(cfg.CookieMaxAge.Seconds()),
					HttpOnly: true,
					Secure:   cfg.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			cookieSession := SessionIDFromRequest(r)
			st, release := registry.Acquire(r.Context(), contextID, cookieSession)
			defer release()
			m.SetActiveContexts(registry.Len())

			// トークン更新でセッションIDが変わった場合はCookieを追従させる。
			if current := st.SessionID(); current != "" && current != cookieSession {
				http.SetCookie(w, &http.Cookie{
					Name:     auth.SessionCookieName,
					Value:    current,
					Path:     "/",
					Domain:   cfg.CookieDomain,
					MaxAge:   cfg.SessionMaxAge,
					HttpOnly: true,
					Secure:   cfg.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := ContextWithStore(r.Context(), st)
			if identity := st.Identity(); identity != nil {
				ctx = ContextWithUserID(ctx, identity.ID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// contextIDFromRequest は形式が正しいコンテキストIDのみを返す。
func contextIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(ContextCookieName)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return ""
	}
	return cookie.Value
}
