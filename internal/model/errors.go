// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, movie, library, profile, system
	Action   string // ユーザー向け対処方法
	Field    string // 入力フォームの対象フィールド（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeMovieNotFound     = "MOVIE_NOT_FOUND"
	ErrCodeUpstreamFailed    = "UPSTREAM_FAILED"
	ErrCodeInvalidList       = "INVALID_LIST"
	ErrCodeInvalidMovieID    = "INVALID_MOVIE_ID"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeInvalidAvatar     = "INVALID_AVATAR"
	ErrCodeAvatarNotFound    = "AVATAR_NOT_FOUND"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFFailed        = "CSRF_FAILED"
)

// NewUnauthorizedError は認証が必要な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Please sign in.",
	}
}

// NewAuthFailedError は認証操作の失敗を生成する。
// messageにはユーザー向けに変換済みのメッセージを渡す。
func NewAuthFailedError(message, field string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "Check your input and try again.",
		Field:    field,
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  message,
		Category: "validation",
		Action:   "Correct the highlighted field and submit again.",
		Field:    field,
	}
}

// NewMovieNotFoundError は映画が見つからない場合のエラーを生成する。
func NewMovieNotFoundError(movieID int) *APIError {
	return &APIError{
		Code:     ErrCodeMovieNotFound,
		Message:  fmt.Sprintf("Movie not found: %d", movieID),
		Category: "movie",
		Action:   "Check the movie ID.",
	}
}

// NewUpstreamFailedError は映画メタデータAPIの呼び出し失敗を生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  "Failed to fetch movies.",
		Category: "movie",
		Action:   "Please wait a moment and try again.",
	}
}

// NewInvalidListError は未定義のリスト種別が指定された場合のエラーを生成する。
func NewInvalidListError(list string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidList,
		Message:  fmt.Sprintf("Invalid list: %s", list),
		Category: "validation",
		Action:   "Use either favorites or bookmarks.",
	}
}

// NewInvalidMovieIDError は映画IDが不正な場合のエラーを生成する。
func NewInvalidMovieIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMovieID,
		Message:  fmt.Sprintf("Invalid movie ID: %s", raw),
		Category: "validation",
		Action:   "Movie IDs are positive integers.",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("Invalid URL: %s", reason),
		Category: "validation",
		Action:   "Enter a URL starting with http:// or https://.",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "Access to the given URL is blocked by the security policy.",
		Category: "validation",
		Action:   "Use a publicly reachable URL.",
	}
}

// NewInvalidAvatarError はアバター画像が不正な場合のエラーを生成する。
func NewInvalidAvatarError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAvatar,
		Message:  fmt.Sprintf("Invalid avatar: %s", reason),
		Category: "profile",
		Action:   "Upload a PNG, JPEG, GIF or WebP image within the size limit.",
	}
}

// NewAvatarNotFoundError はアバター画像が未登録の場合のエラーを生成する。
func NewAvatarNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAvatarNotFound,
		Message:  "No avatar has been uploaded.",
		Category: "profile",
		Action:   "Upload an avatar from the profile page.",
	}
}

// NewProviderFailedError は認証プロバイダーの呼び出し失敗を生成する。
func NewProviderFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  message,
		Category: "auth",
		Action:   "Please wait a moment and try again.",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}

// NewCSRFError はCSRFトークン検証の失敗を生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}
