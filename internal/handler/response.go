package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/tmdb"
)

// maxJSONBodySize はJSONリクエストボディの最大サイズ。
const maxJSONBodySize = 64 << 10

// writeJSON は200以外も含めたJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize)).Decode(v); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("", "Invalid request body."))
		return false
	}
	return true
}

// requireUserID はコンテキストのユーザーIDを返す。未認証の場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// movieIDParam はURLパラメータの映画IDを解析する。不正な場合は400を書き込みfalseを返す。
func movieIDParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidMovieIDError(raw))
		return 0, false
	}
	return id, true
}

// pageParam はクエリのpageを解析する。未指定・不正値は1。
func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		return 1
	}
	return tmdb.ClampPage(page)
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// 映画メタデータAPIの失敗は502として扱う
	var statusErr *tmdb.StatusError
	if errors.As(err, &statusErr) || errors.Is(err, tmdb.ErrUnavailable) {
		slog.Warn("upstream request failed", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError())
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// handleAuthError は認証操作のエラーをHTTPレスポンスに変換する。
// メッセージは変換表を通したユーザー向けの文言にする。
func handleAuthError(w http.ResponseWriter, err error) {
	message := auth.FriendlyMessage(err)
	field := auth.FieldFor(err)

	var fe *auth.FieldError
	var ve auth.ValidationErrors
	switch {
	case errors.As(err, &fe), errors.As(err, &ve):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(field, message))
	case errors.Is(err, auth.ErrProviderUnavailable):
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewProviderFailedError(message))
	case errors.Is(err, auth.ErrUserAlreadyRegistered), errors.Is(err, auth.ErrStoreClosed):
		writeAPIErrorResponse(w, http.StatusConflict, model.NewAuthFailedError(message, field))
	case errors.Is(err, auth.ErrEmailNotConfirmed):
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewAuthFailedError(message, field))
	default:
		var pe *auth.ProviderError
		if errors.As(err, &pe) && pe.Status >= 500 {
			writeAPIErrorResponse(w, http.StatusBadGateway, model.NewProviderFailedError(message))
			return
		}
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewAuthFailedError(message, field))
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized, model.ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case model.ErrCodeValidationFailed, model.ErrCodeInvalidList, model.ErrCodeInvalidMovieID,
		model.ErrCodeInvalidURL, model.ErrCodeInvalidAvatar:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked, model.ErrCodeCSRFFailed:
		return http.StatusForbidden
	case model.ErrCodeMovieNotFound, model.ErrCodeAvatarNotFound:
		return http.StatusNotFound
	case model.ErrCodeUpstreamFailed, model.ErrCodeProviderFailed:
		return http.StatusBadGateway
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
