package handler

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/profile"
)

const (
	avatarFormField = "avatar"
	// multipartOverhead はマルチパートの境界やヘッダー分の余裕。
	multipartOverhead = 64 << 10
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	Get(ctx context.Context, userID string) (*profile.View, error)
	Update(ctx context.Context, sessionID, userID string, in profile.UpdateInput) (*profile.View, error)
	UploadAvatar(ctx context.Context, sessionID, userID string, r io.Reader) (*profile.View, error)
	ImportAvatar(ctx context.Context, sessionID, userID, rawURL string) (*profile.View, error)
	Avatar(ctx context.Context, userID string) ([]byte, string, error)
}

// ProfileHandler はプロフィール関連のHTTPハンドラー。
type ProfileHandler struct {
	service       ProfileServiceInterface
	maxAvatarSize int64
}

// NewProfileHandler はProfileHandlerを生成する。maxAvatarSizeが0以下の場合は既定値を使う。
func NewProfileHandler(service ProfileServiceInterface, maxAvatarSize int64) *ProfileHandler {
	if maxAvatarSize <= 0 {
		maxAvatarSize = profile.DefaultMaxAvatarSize
	}
	return &ProfileHandler{service: service, maxAvatarSize: maxAvatarSize}
}

// importAvatarRequest はURLからのアバター取り込みのリクエストボディ。
type importAvatarRequest struct {
	URL string `json:"url"`
}

// Get はプロフィールを返す。
// GET /profile
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	view, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Update は氏名・表示名・アバターURLを更新する。省略したフィールドは変更しない。
// PUT /profile
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var in profile.UpdateInput
	if !decodeJSON(w, r, &in) {
		return
	}

	view, err := h.service.Update(r.Context(), sessionIDFor(r), userID, in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Avatar はアップロード済みのアバター画像を返す。
// GET /profile/avatar
func (h *ProfileHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	data, mimeType, err := h.service.Avatar(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("failed to write avatar", slog.String("error", err.Error()))
	}
}

// SetAvatar はアバターを設定する。
// multipart/form-dataの場合はavatarフィールドの画像を保存し、
// application/jsonの場合は{"url": "..."}の画像を取り込む。
// POST /profile/avatar
func (h *ProfileHandler) SetAvatar(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		view *profile.View
		err  error
	)
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, h.maxAvatarSize+multipartOverhead)
		file, _, formErr := r.FormFile(avatarFormField)
		if formErr != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidAvatarError("an image file is required in the avatar field"))
			return
		}
		defer file.Close()
		view, err = h.service.UploadAvatar(r.Context(), sessionIDFor(r), userID, file)
	case "application/json":
		var req importAvatarRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		view, err = h.service.ImportAvatar(r.Context(), sessionIDFor(r), userID, req.URL)
	default:
		writeAPIErrorResponse(w, http.StatusUnsupportedMediaType,
			model.NewInvalidAvatarError("use multipart/form-data or application/json"))
		return
	}

	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// sessionIDFor はプロバイダーへのメタデータ反映に使うセッションIDを返す。
// Storeがあればその値を、なければCookieの値を使う。
func sessionIDFor(r *http.Request) string {
	if st, ok := middleware.StoreFromContext(r.Context()); ok && st.SessionID() != "" {
		return st.SessionID()
	}
	return middleware.SessionIDFromRequest(r)
}
