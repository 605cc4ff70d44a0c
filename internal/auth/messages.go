package auth

import (
	"errors"
	"strings"
)

// DefaultErrorMessage は変換表にないエラーのユーザー向けメッセージ。
const DefaultErrorMessage = "An unexpected error occurred"

// friendlyMessages はプロバイダーのエラー文言（またはコード）からユーザー向けメッセージへの変換表。
var friendlyMessages = map[string]string{
	"Invalid login credentials": "Invalid email or password",
	"auth/user-not-found":       "No account found with this email",
	"auth/wrong-password":       "Incorrect password",
	"auth/too-many-requests":    "Account temporarily locked due to too many attempts",
	"auth/user-disabled":        "This account has been disabled",
	"User already registered":   "An account with this email already exists",
	"Email not confirmed":       "Please confirm your email address before signing in",
	"Auth session missing!":     "Your session has expired. Please sign in again",
}

const (
	unavailableMessage = "Unable to reach the authentication service. Please try again"
	interruptedMessage = "Your sign-in was interrupted. Please try again"
)

// FriendlyMessage はエラーをユーザーに表示するメッセージに変換する。
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Message
	}
	var ve ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return ve[0].Message
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return unavailableMessage
	}
	if errors.Is(err, ErrStoreClosed) {
		return interruptedMessage
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if msg, ok := friendlyMessages[pe.Message]; ok {
			return msg
		}
		if msg, ok := friendlyMessages[pe.Code]; ok {
			return msg
		}
		return DefaultErrorMessage
	}

	if msg, ok := friendlyMessages[err.Error()]; ok {
		return msg
	}
	return DefaultErrorMessage
}

// ErrorField はエラーキーから対応するフォームフィールドを推定する。
// 該当しない場合はフォーム全体のエラーとして空文字列を返す。
func ErrorField(key string) string {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "password"):
		return "password"
	case strings.Contains(k, "email"), strings.Contains(k, "user"):
		return "email"
	default:
		return ""
	}
}

// FieldFor はエラーが属するフォームフィールドを返す。
func FieldFor(err error) string {
	if err == nil {
		return ""
	}
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field
	}
	var ve ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return ve[0].Field
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Code != "" && strings.HasPrefix(pe.Code, "auth/") {
		return ErrorField(pe.Code)
	}
	return ErrorField(err.Error())
}
