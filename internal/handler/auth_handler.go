// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/metrics"
	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/model"
)

const (
	defaultAfterSignIn = "/dashboard"
	defaultSignInPath  = "/sign-in"
)

// syncFailedMessage は同期エンドポイントが失敗時に返す固定メッセージ。
const syncFailedMessage = "Failed to sync session"

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）

	// AfterSignIn はredirect指定がない場合のサインイン後の遷移先。
	AfterSignIn string
	// SignInPath はメール確認後に案内するサインインページ。
	SignInPath string
}

// AuthHandler はサインアップ・サインイン・サインアウトとセッション同期のHTTPハンドラー。
// 認証状態はリクエストコンテキストのauth.Storeを通して操作する。
type AuthHandler struct {
	sessions middleware.SessionFinder
	config   AuthHandlerConfig
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions middleware.SessionFinder, config AuthHandlerConfig, m metrics.MetricsCollector, logger *slog.Logger) *AuthHandler {
	if config.AfterSignIn == "" {
		config.AfterSignIn = defaultAfterSignIn
	}
	if config.SignInPath == "" {
		config.SignInPath = defaultSignInPath
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		sessions: sessions,
		config:   config,
		metrics:  m,
		logger:   logger,
	}
}

// authResponse は認証操作の成功レスポンス。
type authResponse struct {
	User                *model.Identity `json:"user"`
	DisplayName         string          `json:"display_name,omitempty"`
	Redirect            string          `json:"redirect,omitempty"`
	PendingConfirmation bool            `json:"pending_confirmation,omitempty"`
	Message             string          `json:"message,omitempty"`
}

// syncSuccess は同期成功時のレスポンス。sessionはセッションがない場合もnullで返す。
type syncSuccess struct {
	Success bool         `json:"success"`
	Session *syncSession `json:"session"`
}

// syncSession は同期エンドポイントが返すセッションの要約。トークン自体は含めない。
type syncSession struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignUp はユーザーを登録する。メール確認が不要な構成では即座にサインイン状態になる。
// POST /sign-up
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w, r)
	if !ok {
		return
	}

	var form auth.SignUpForm
	if !decodeJSON(w, r, &form) {
		return
	}
	if err := auth.ValidateSignUp(form); err != nil {
		handleAuthError(w, err)
		return
	}

	res := st.SignUp(r.Context(), form.Email, form.Password, form.DisplayName)
	h.metrics.RecordAuthOperation("sign_up", res.Err)
	if !res.OK() {
		handleAuthError(w, res.Err)
		return
	}

	if res.PendingConfirmation {
		writeJSON(w, http.StatusAccepted, authResponse{
			User:                res.Identity,
			PendingConfirmation: true,
			Message:             "Check your email to confirm your account.",
		})
		return
	}

	h.setSessionCookie(w, res.SessionID)
	writeJSON(w, http.StatusCreated, authResponse{
		User:        res.Identity,
		DisplayName: res.Identity.DisplayName(),
		Redirect:    h.config.AfterSignIn,
	})
}

// SignIn は資格情報を検証してセッションCookieを設定する。
// 遷移先はredirectクエリのうちローカルパスのみを採用する。
// POST /sign-in?redirect=/path
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w, r)
	if !ok {
		return
	}

	var form auth.SignInForm
	if !decodeJSON(w, r, &form) {
		return
	}
	if err := auth.ValidateSignIn(form); err != nil {
		handleAuthError(w, err)
		return
	}

	res := st.SignIn(r.Context(), form.Email, form.Password)
	h.metrics.RecordAuthOperation("sign_in", res.Err)
	if !res.OK() {
		handleAuthError(w, res.Err)
		return
	}

	h.setSessionCookie(w, res.SessionID)
	writeJSON(w, http.StatusOK, authResponse{
		User:        res.Identity,
		DisplayName: res.Identity.DisplayName(),
		Redirect:    auth.SafeRedirect(r.URL.Query().Get("redirect"), h.config.AfterSignIn),
	})
}

// Callback は確認メールのリンクから戻ってきたユーザーをサインインページへ案内する。
// GET /auth/callback
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.config.SignInPath+"?confirmed=1", http.StatusSeeOther)
}

// SignOut はセッションを破棄し、セッションCookieをクリアする。
// プロバイダーが失敗した場合はサインイン状態を維持し、Cookieも残す。
// POST /api/auth/sign-out
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w, r)
	if !ok {
		return
	}

	res := st.SignOut(r.Context())
	h.metrics.RecordAuthOperation("sign_out", res.Err)
	if !res.OK() {
		handleAuthError(w, res.Err)
		return
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w, r)
	if !ok {
		return
	}

	identity := st.Identity()
	if identity == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		User:        identity,
		DisplayName: identity.DisplayName(),
	})
}

// DisplayName は表示名を返す。未ログインの場合は"Guest"。
// GET /api/auth/display-name
func (h *AuthHandler) DisplayName(w http.ResponseWriter, r *http.Request) {
	st, ok := h.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"display_name": st.DisplayName(r.Context()),
	})
}

// Sync はCookieのセッションをサーバー側で確認し、その結果を返す。
// セッションがない場合もsuccess=trueでsessionはnullになる。
// POST /api/auth/sync
func (h *AuthHandler) Sync(w http.ResponseWriter, r *http.Request) {
	resp := syncSuccess{Success: true}

	sessionID := middleware.SessionIDFromRequest(r)
	if sessionID == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to sync session", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, auth.SyncResponse{Error: syncFailedMessage})
		return
	}
	if session != nil {
		resp.Session = &syncSession{UserID: session.UserID, ExpiresAt: session.ExpiresAt}
		if session.Identity != nil {
			resp.Session.Email = session.Identity.Email
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// store はリクエストコンテキストのStoreを返す。ミドルウェア未適用の場合は500を書き込む。
func (h *AuthHandler) store(w http.ResponseWriter, r *http.Request) (*auth.Store, bool) {
	st, ok := middleware.StoreFromContext(r.Context())
	if !ok {
		h.logger.Error("auth store missing from request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return st, true
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
