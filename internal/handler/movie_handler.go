package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/tmdb"
)

// topCastSize は映画詳細で返す出演者の人数。
const topCastSize = 10

// MovieCatalog は映画ハンドラーが必要とする映画メタデータのインターフェース。
type MovieCatalog interface {
	FetchPage(ctx context.Context, category tmdb.Category, page int) (*model.MoviePage, error)
	Search(ctx context.Context, query string, page int) (*model.MoviePage, error)
	Details(ctx context.Context, id int) (*model.MovieDetails, error)
}

// SavedStatusReader は映画1本の保存状態を返す。
type SavedStatusReader interface {
	Status(ctx context.Context, userID string, movieID int) (*model.SavedStatus, error)
}

// MovieHandler は映画一覧・検索・詳細のHTTPハンドラー。
type MovieHandler struct {
	catalog MovieCatalog
	saved   SavedStatusReader
}

// NewMovieHandler はMovieHandlerを生成する。
func NewMovieHandler(catalog MovieCatalog, saved SavedStatusReader) *MovieHandler {
	return &MovieHandler{catalog: catalog, saved: saved}
}

// homeResponse はホーム画面の3カテゴリの先頭ページ。
type homeResponse struct {
	Trending *model.MoviePage `json:"trending"`
	Popular  *model.MoviePage `json:"popular"`
	TopRated *model.MoviePage `json:"top_rated"`
}

// movieDetailResponse は映画詳細のレスポンス。
type movieDetailResponse struct {
	*model.MovieDetails
	RuntimeText string             `json:"runtime_text"`
	TrailerKey  string             `json:"trailer_key"`
	TopCast     []model.CastMember `json:"top_cast"`
	Status      *model.SavedStatus `json:"saved_status,omitempty"`
}

// Home はトレンド・人気・高評価の先頭ページをまとめて返す。
// GET /api/movies/home
func (h *MovieHandler) Home(w http.ResponseWriter, r *http.Request) {
	categories := []tmdb.Category{tmdb.CategoryTrending, tmdb.CategoryPopular, tmdb.CategoryTopRated}
	pages := make([]*model.MoviePage, len(categories))
	errs := make([]error, len(categories))

	var wg sync.WaitGroup
	for i, c := range categories {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pages[i], errs[i] = h.catalog.FetchPage(r.Context(), c, 1)
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, homeResponse{
		Trending: pages[0],
		Popular:  pages[1],
		TopRated: pages[2],
	})
}

// ListByCategory はカテゴリ別の映画一覧を返す。
// GET /api/movies/{category}?page=1
func (h *MovieHandler) ListByCategory(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "category")
	category, ok := tmdb.ParseCategory(raw)
	if !ok {
		writeAPIErrorResponse(w, http.StatusNotFound,
			model.NewValidationError("category", "Unknown category: "+raw))
		return
	}

	page, err := h.catalog.FetchPage(r.Context(), category, pageParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Search はタイトルで映画を検索する。空のクエリは空の結果を返す。
// GET /api/search?q=xxx&page=1
func (h *MovieHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	page, err := h.catalog.Search(r.Context(), query, pageParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Details は映画の詳細を予告編・主要キャスト・保存状態とともに返す。
// GET /movies/{id}
func (h *MovieHandler) Details(w http.ResponseWriter, r *http.Request) {
	movieID, ok := movieIDParam(w, r, "id")
	if !ok {
		return
	}

	details, err := h.catalog.Details(r.Context(), movieID)
	if errors.Is(err, tmdb.ErrNotFound) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewMovieNotFoundError(movieID))
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := movieDetailResponse{
		MovieDetails: details,
		RuntimeText:  model.FormatRuntime(details.Runtime),
		TrailerKey:   details.TrailerKey(),
		TopCast:      details.TopCast(topCastSize),
	}

	// 保存状態はログイン時のみ付与する
	if userID, err := middleware.UserIDFromContext(r.Context()); err == nil && h.saved != nil {
		status, err := h.saved.Status(r.Context(), userID, movieID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		resp.Status = status
	}
	writeJSON(w, http.StatusOK, resp)
}
