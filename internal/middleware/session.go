// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// storeContextKey はブラウザコンテキストのセッションストアを格納するためのキー。
	storeContextKey = contextKey("auth_store")
)

// SessionFinder はセッションの検索に必要なインターフェース。
// auth.Providerの部分集合として定義する。
type SessionFinder interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// SessionIDFromRequest はセッションCookieの値を返す。未設定の場合は空文字列。
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(auth.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// NewRequireUserMiddleware は認証済みユーザーがコンテキストにない場合に401を返すミドルウェアを返す。
// NewAuthContextMiddlewareの後に配置する。
func NewRequireUserMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := UserIDFromContext(r.Context()); err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証済みのブラウザコンテキストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// StoreFromContext はリクエストのブラウザコンテキストに対応するセッションストアを返す。
func StoreFromContext(ctx context.Context) (*auth.Store, bool) {
	st, ok := ctx.Value(storeContextKey).(*auth.Store)
	return st, ok && st != nil
}

// ContextWithStore はコンテキストにセッションストアを注入する。
func ContextWithStore(ctx context.Context, st *auth.Store) context.Context {
	return context.WithValue(ctx, storeContextKey, st)
}
