package middleware

import "net/http"

// contentSecurityPolicy はページで許可するリソースの取得元。
// ポスター画像と予告編はTMDBとYouTubeから読み込む。
const contentSecurityPolicy = "default-src 'self'; " +
	"img-src 'self' data: https://image.tmdb.org; " +
	"frame-src https://www.youtube.com https://www.youtube-nocookie.com; " +
	"object-src 'none'; base-uri 'self'; frame-ancestors 'none'"

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			w.Header().Set("Content-Security-Policy", contentSecurityPolicy)
			next.ServeHTTP(w, r)
		})
	}
}
