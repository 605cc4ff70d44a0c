package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/moviemate/internal/library"
	"github.com/hitoshi/moviemate/internal/model"
)

// LibraryServiceInterface はお気に入り・ブックマークハンドラーが必要とするサービスインターフェース。
type LibraryServiceInterface interface {
	Add(ctx context.Context, list model.SavedList, userID string, movieID int) (*model.SavedMovie, bool, error)
	Remove(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error)
	Toggle(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error)
	List(ctx context.Context, list model.SavedList, userID string) ([]*model.SavedMovie, error)
	Status(ctx context.Context, userID string, movieID int) (*model.SavedStatus, error)
	Counts(ctx context.Context, userID string) (*library.Counts, error)
}

// LibraryHandler はお気に入り・ブックマークのHTTPハンドラー。
// 同じ処理を2つのリストで共有するため、各メソッドは対象リストを受け取ってハンドラーを返す。
type LibraryHandler struct {
	service LibraryServiceInterface
}

// NewLibraryHandler はLibraryHandlerを生成する。
func NewLibraryHandler(service LibraryServiceInterface) *LibraryHandler {
	return &LibraryHandler{service: service}
}

// addRequest は映画追加のリクエストボディ。
type addRequest struct {
	MovieID int `json:"movie_id"`
}

// savedListResponse はリスト一覧のレスポンス。
type savedListResponse struct {
	List   model.SavedList     `json:"list"`
	Movies []*model.SavedMovie `json:"movies"`
}

// List はリストの映画を新しい順に返す。
// GET /favorites, GET /bookmarks
func (h *LibraryHandler) List(list model.SavedList) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		movies, err := h.service.List(r.Context(), list, userID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if movies == nil {
			movies = []*model.SavedMovie{}
		}
		writeJSON(w, http.StatusOK, savedListResponse{List: list, Movies: movies})
	}
}

// Add は映画をリストに追加する。追加済みの場合は200、新規追加は201を返す。
// POST /favorites, POST /bookmarks
func (h *LibraryHandler) Add(list model.SavedList) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}

		var req addRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.MovieID <= 0 {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewValidationError("movie_id", "movie_id must be a positive integer."))
			return
		}

		saved, added, err := h.service.Add(r.Context(), list, userID, req.MovieID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		status := http.StatusOK
		if added {
			status = http.StatusCreated
		}
		writeJSON(w, status, saved)
	}
}

// Remove は映画をリストから削除する。未登録の映画でも204を返す。
// DELETE /favorites/{movieID}, DELETE /bookmarks/{movieID}
func (h *LibraryHandler) Remove(list model.SavedList) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		movieID, ok := movieIDParam(w, r, "movieID")
		if !ok {
			return
		}

		if _, err := h.service.Remove(r.Context(), list, userID, movieID); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Toggle は保存状態を反転し、反転後の保存状態を返す。
// POST /favorites/{movieID}/toggle, POST /bookmarks/{movieID}/toggle
func (h *LibraryHandler) Toggle(list model.SavedList) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		movieID, ok := movieIDParam(w, r, "movieID")
		if !ok {
			return
		}

		saved, err := h.service.Toggle(r.Context(), list, userID, movieID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"list":     list,
			"movie_id": movieID,
			"saved":    saved,
		})
	}
}
