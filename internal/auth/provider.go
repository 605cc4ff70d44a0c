// Package auth は認証プロバイダーとの連携、ブラウザコンテキストごとのセッションストアを提供する。
package auth

import (
	"context"
	"errors"

	"github.com/hitoshi/moviemate/internal/model"
)

// SessionCookieName はセッションIDを保持するCookie名。
const SessionCookieName = "session_id"

// EventKind はプロバイダーが通知するセッション変更の種類。
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// Event はプロバイダーからのセッション変更通知。
// SIGNED_OUTの場合Sessionはnil。
type Event struct {
	Kind      EventKind
	SessionID string
	UserID    string
	Session   *model.Session
}

// SignUpParams はユーザー登録のパラメータ。
type SignUpParams struct {
	Email           string
	Password        string
	Metadata        map[string]string
	EmailRedirectTo string
}

// Provider は認証・セッション管理を委譲する外部（またはローカル）プロバイダーのインターフェース。
type Provider interface {
	// SignUp はユーザーを登録する。メール確認待ちの場合Sessionはnil。
	SignUp(ctx context.Context, params SignUpParams) (*model.Identity, *model.Session, error)
	// SignIn は資格情報を検証しセッションを発行する。
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	// SignOut はセッションを破棄する。存在しないセッションでもエラーにしない。
	SignOut(ctx context.Context, sessionID string) error
	// GetSession はセッションを取得する。存在しない・期限切れの場合はnil, nilを返す。
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	// GetUser はセッションに紐づく最新のユーザー情報を取得する。
	GetUser(ctx context.Context, sessionID string) (*model.Identity, error)
	// UpdateUser はユーザーメタデータをマージ更新する。
	UpdateUser(ctx context.Context, sessionID string, metadata map[string]string) (*model.Identity, error)
	// Subscribe はセッション変更通知を購読する。
	Subscribe(fn func(Event)) Subscription
}

// ProviderError はプロバイダーが返すエラー。
// Messageはプロバイダーの原文で、ユーザー向けメッセージへの変換キーになる。
type ProviderError struct {
	Code    string
	Message string
	Status  int
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return e.Message
}

// Is はCodeが一致するProviderErrorを同一とみなす。
func (e *ProviderError) Is(target error) bool {
	var t *ProviderError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

// 定義済みプロバイダーエラー
var (
	ErrInvalidCredentials = &ProviderError{
		Code: "invalid_credentials", Message: "Invalid login credentials", Status: 400,
	}
	ErrUserAlreadyRegistered = &ProviderError{
		Code: "user_already_exists", Message: "User already registered", Status: 422,
	}
	ErrSessionMissing = &ProviderError{
		Code: "session_missing", Message: "Auth session missing!", Status: 401,
	}
	ErrEmailNotConfirmed = &ProviderError{
		Code: "email_not_confirmed", Message: "Email not confirmed", Status: 400,
	}
)

// ErrProviderUnavailable はプロバイダーに到達できない場合のエラー。
var ErrProviderUnavailable = errors.New("auth provider unavailable")
