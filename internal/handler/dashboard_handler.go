package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/moviemate/internal/library"
	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/profile"
)

// ProfileReader はプロフィールを取得する。
type ProfileReader interface {
	Get(ctx context.Context, userID string) (*profile.View, error)
}

// SavedListReader はダッシュボードが表示する保存リストと件数を返す。
type SavedListReader interface {
	List(ctx context.Context, list model.SavedList, userID string) ([]*model.SavedMovie, error)
	Counts(ctx context.Context, userID string) (*library.Counts, error)
}

// DashboardHandler はダッシュボードのHTTPハンドラー。
type DashboardHandler struct {
	profiles ProfileReader
	saved    SavedListReader
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(profiles ProfileReader, saved SavedListReader) *DashboardHandler {
	return &DashboardHandler{profiles: profiles, saved: saved}
}

type dashboardResponse struct {
	User        *model.Identity     `json:"user"`
	DisplayName string              `json:"display_name"`
	Profile     *profile.View       `json:"profile"`
	Tab         model.SavedList     `json:"tab"`
	Movies      []*model.SavedMovie `json:"movies"`
	Counts      *library.Counts     `json:"counts"`
}

// Get はユーザー情報・プロフィール・選択中タブの保存リストと件数を返す。
// tabはfavorites（既定）またはbookmarks。
// GET /dashboard?tab=favorites
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	tab := model.SavedListFavorites
	if raw := r.URL.Query().Get("tab"); raw != "" {
		tab = model.SavedList(raw)
		if !tab.Valid() {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidListError(raw))
			return
		}
	}

	ctx := r.Context()
	resp := dashboardResponse{Tab: tab, DisplayName: model.GuestDisplayName}
	if st, ok := middleware.StoreFromContext(ctx); ok {
		resp.User = st.Identity()
		resp.DisplayName = st.DisplayName(ctx)
	}

	view, err := h.profiles.Get(ctx, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp.Profile = view

	movies, err := h.saved.List(ctx, tab, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if movies == nil {
		movies = []*model.SavedMovie{}
	}
	resp.Movies = movies

	counts, err := h.saved.Counts(ctx, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp.Counts = counts

	writeJSON(w, http.StatusOK, resp)
}
