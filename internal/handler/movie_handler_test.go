package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/tmdb"
)

// movieRouter はURLパラメータを解決するためにchi経由でハンドラーを呼び出す。
func movieRouter(h *MovieHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/movies/home", h.Home)
	r.Get("/api/movies/{category}", h.ListByCategory)
	r.Get("/api/search", h.Search)
	r.Get("/movies/{id}", h.Details)
	return r
}

func TestMovieHandler_Home_FetchesAllCategories(t *testing.T) {
	var mu sync.Mutex
	requested := map[tmdb.Category]int{}
	catalog := &mockCatalog{
		fetchPageFn: func(ctx context.Context, category tmdb.Category, page int) (*model.MoviePage, error) {
			mu.Lock()
			requested[category] = page
			mu.Unlock()
			return &model.MoviePage{Page: page, Results: []model.Movie{{Title: string(category)}}}, nil
		},
	}

	w := httptest.NewRecorder()
	movieRouter(NewMovieHandler(catalog, nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/movies/home", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body homeResponse
	decodeBody(t, w, &body)
	if body.TopRated == nil || body.TopRated.Results[0].Title != string(tmdb.CategoryTopRated) {
		t.Errorf("top_rated = %+v", body.TopRated)
	}
	for _, c := range []tmdb.Category{tmdb.CategoryTrending, tmdb.CategoryPopular, tmdb.CategoryTopRated} {
		if requested[c] != 1 {
			t.Errorf("category %s requested page %d, want 1", c, requested[c])
		}
	}
}

func TestMovieHandler_Home_UpstreamFailure_Returns502(t *testing.T) {
	catalog := &mockCatalog{
		fetchPageFn: func(ctx context.Context, category tmdb.Category, page int) (*model.MoviePage, error) {
			if category == tmdb.CategoryPopular {
				return nil, &tmdb.StatusError{StatusCode: http.StatusServiceUnavailable}
			}
			return &model.MoviePage{Page: 1}, nil
		},
	}

	w := httptest.NewRecorder()
	movieRouter(NewMovieHandler(catalog, nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/movies/home", nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if code := errorCode(t, w); code != model.ErrCodeUpstreamFailed {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUpstreamFailed)
	}
}

func TestMovieHandler_ListByCategory(t *testing.T) {
	var gotCategory tmdb.Category
	var gotPage int
	catalog := &mockCatalog{
		fetchPageFn: func(ctx context.Context, category tmdb.Category, page int) (*model.MoviePage, error) {
			gotCategory, gotPage = category, page
			return &model.MoviePage{Page: page, TotalPages: 500}, nil
		},
	}
	router := movieRouter(NewMovieHandler(catalog, nil))

	tests := []struct {
		target       string
		wantStatus   int
		wantCategory tmdb.Category
		wantPage     int
	}{
		{"/api/movies/popular?page=3", http.StatusOK, tmdb.CategoryPopular, 3},
		{"/api/movies/top-rated", http.StatusOK, tmdb.CategoryTopRated, 1},
		{"/api/movies/trending?page=9999", http.StatusOK, tmdb.CategoryTrending, 500},
		{"/api/movies/trending?page=abc", http.StatusOK, tmdb.CategoryTrending, 1},
		{"/api/movies/upcoming", http.StatusNotFound, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			gotCategory, gotPage = "", 0
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.target, nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotCategory != tt.wantCategory || gotPage != tt.wantPage {
				t.Errorf("FetchPage(%q, %d), want (%q, %d)", gotCategory, gotPage, tt.wantCategory, tt.wantPage)
			}
		})
	}
}

func TestMovieHandler_Search_PassesQueryAndPage(t *testing.T) {
	var gotQuery string
	var gotPage int
	catalog := &mockCatalog{
		searchFn: func(ctx context.Context, query string, page int) (*model.MoviePage, error) {
			gotQuery, gotPage = query, page
			return &model.MoviePage{Page: page, Results: []model.Movie{{ID: 1, Title: "Alien"}}}, nil
		},
	}

	w := httptest.NewRecorder()
	movieRouter(NewMovieHandler(catalog, nil)).ServeHTTP(w,
		httptest.NewRequest(http.MethodGet, "/api/search?q=%20alien%20&page=2", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotQuery != "alien" || gotPage != 2 {
		t.Errorf("Search(%q, %d), want (%q, 2)", gotQuery, gotPage, "alien")
	}
}

func TestMovieHandler_Details(t *testing.T) {
	catalog := &mockCatalog{
		detailsFn: func(ctx context.Context, id int) (*model.MovieDetails, error) {
			if id == 404 {
				return nil, fmt.Errorf("%w: movie/404", tmdb.ErrNotFound)
			}
			d := &model.MovieDetails{Movie: model.Movie{ID: id, Title: "Inception"}, Runtime: 148}
			d.Videos.Results = []model.Video{
				{Key: "teaser", Type: "Teaser"},
				{Key: "trailer", Type: "Trailer"},
			}
			for i := 0; i < 15; i++ {
				d.Credits.Cast = append(d.Credits.Cast, model.CastMember{ID: i})
			}
			return d, nil
		},
	}
	saved := &mockLibraryService{
		statusFn: func(ctx context.Context, userID string, movieID int) (*model.SavedStatus, error) {
			return &model.SavedStatus{Favorite: true}, nil
		},
	}
	router := movieRouter(NewMovieHandler(catalog, saved))

	t.Run("signed in", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/movies/27205", nil), "user-1"))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body struct {
			ID          int                `json:"id"`
			Title       string             `json:"title"`
			RuntimeText string             `json:"runtime_text"`
			TrailerKey  string             `json:"trailer_key"`
			TopCast     []model.CastMember `json:"top_cast"`
			Status      *model.SavedStatus `json:"saved_status"`
		}
		decodeBody(t, w, &body)
		if body.ID != 27205 || body.Title != "Inception" {
			t.Errorf("movie = %d %q", body.ID, body.Title)
		}
		if body.RuntimeText != "2h 28m" {
			t.Errorf("runtime_text = %q, want %q", body.RuntimeText, "2h 28m")
		}
		if body.TrailerKey != "trailer" {
			t.Errorf("trailer_key = %q, want %q", body.TrailerKey, "trailer")
		}
		if len(body.TopCast) != topCastSize {
			t.Errorf("top_cast = %d, want %d", len(body.TopCast), topCastSize)
		}
		if body.Status == nil || !body.Status.Favorite {
			t.Errorf("saved_status = %+v", body.Status)
		}
	})

	t.Run("not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/movies/404", nil), "user-1"))

		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
		if code := errorCode(t, w); code != model.ErrCodeMovieNotFound {
			t.Errorf("code = %q, want %q", code, model.ErrCodeMovieNotFound)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/movies/abc", nil), "user-1"))

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if code := errorCode(t, w); code != model.ErrCodeInvalidMovieID {
			t.Errorf("code = %q, want %q", code, model.ErrCodeInvalidMovieID)
		}
	})
}

func TestMovieHandler_Details_UnavailableUpstream_Returns502(t *testing.T) {
	catalog := &mockCatalog{
		detailsFn: func(ctx context.Context, id int) (*model.MovieDetails, error) {
			return nil, fmt.Errorf("%w: dial tcp: %w", tmdb.ErrUnavailable, errors.New("connection refused"))
		},
	}

	w := httptest.NewRecorder()
	movieRouter(NewMovieHandler(catalog, nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/movies/1", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}
