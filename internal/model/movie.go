package model

import (
	"fmt"
	"time"
)

// Movie はTMDBの映画一覧に含まれる1件を表す。
type Movie struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	ReleaseDate  string  `json:"release_date"`
	VoteAverage  float64 `json:"vote_average"`
	VoteCount    int     `json:"vote_count"`
	GenreIDs     []int   `json:"genre_ids,omitempty"`
}

// MoviePage はページネーション付きの映画一覧を表す。
type MoviePage struct {
	Page         int     `json:"page"`
	Results      []Movie `json:"results"`
	TotalPages   int     `json:"total_pages"`
	TotalResults int     `json:"total_results"`
}

// Genre は映画のジャンル。
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Video は映画に紐づく動画（予告編など）。
type Video struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Site string `json:"site"`
	Type string `json:"type"`
}

// CastMember は出演者。
type CastMember struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Character   string `json:"character"`
	ProfilePath string `json:"profile_path"`
}

// MovieDetails は映画詳細を表す。videosとcreditsを同時に取得した結果を含む。
type MovieDetails struct {
	Movie
	Runtime int     `json:"runtime"`
	Tagline string  `json:"tagline"`
	Genres  []Genre `json:"genres"`
	Videos  struct {
		Results []Video `json:"results"`
	} `json:"videos"`
	Credits struct {
		Cast []CastMember `json:"cast"`
	} `json:"credits"`
}

// TrailerKey は予告編の動画キーを返す。
// Type="Trailer"の動画を優先し、なければ先頭の動画を使う。
func (d *MovieDetails) TrailerKey() string {
	for _, v := range d.Videos.Results {
		if v.Type == "Trailer" {
			return v.Key
		}
	}
	if len(d.Videos.Results) > 0 {
		return d.Videos.Results[0].Key
	}
	return ""
}

// TopCast は先頭からn件の出演者を返す。
func (d *MovieDetails) TopCast(n int) []CastMember {
	if len(d.Credits.Cast) <= n {
		return d.Credits.Cast
	}
	return d.Credits.Cast[:n]
}

// FormatRuntime は上映時間（分）を"2h 5m"形式に整形する。0以下は空文字列。
func FormatRuntime(minutes int) string {
	if minutes <= 0 {
		return ""
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// SavedList はユーザーが映画を保存するリストの種類。
type SavedList string

const (
	SavedListFavorites SavedList = "favorites"
	SavedListBookmarks SavedList = "bookmarks"
)

// Valid は定義済みのリスト種別かどうかを返す。
func (l SavedList) Valid() bool {
	return l == SavedListFavorites || l == SavedListBookmarks
}

// SavedMovie はお気に入り・ブックマークに保存された映画。
type SavedMovie struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	MovieID    int       `json:"movie_id"`
	Title      string    `json:"title"`
	PosterPath string    `json:"poster_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// SavedStatus は1本の映画に対する保存状態。
type SavedStatus struct {
	Favorite   bool `json:"is_favorite"`
	Bookmarked bool `json:"is_bookmarked"`
}
