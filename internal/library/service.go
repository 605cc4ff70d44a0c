// Package library はお気に入り・ブックマークの管理を提供する。
package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/repository"
	"github.com/hitoshi/moviemate/internal/tmdb"
)

// MovieFinder は保存時に映画のタイトルとポスターを取得するためのインターフェース。
type MovieFinder interface {
	Details(ctx context.Context, id int) (*model.MovieDetails, error)
}

// Counts はリストごとの保存件数。
type Counts struct {
	Favorites int `json:"favorites"`
	Bookmarks int `json:"bookmarks"`
}

// Service はお気に入り・ブックマークのサービス層。
type Service struct {
	repo   repository.SavedMovieRepository
	movies MovieFinder
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.SavedMovieRepository, movies MovieFinder) *Service {
	return &Service{repo: repo, movies: movies}
}

// Add は映画をリストに追加する。タイトルとポスターはTMDBの詳細から取得する。
// 既に追加済みの場合も成功とし、addedはfalseになる。
func (s *Service) Add(ctx context.Context, list model.SavedList, userID string, movieID int) (saved *model.SavedMovie, added bool, err error) {
	if !list.Valid() {
		return nil, false, model.NewInvalidListError(string(list))
	}
	if movieID <= 0 {
		return nil, false, model.NewInvalidMovieIDError(fmt.Sprint(movieID))
	}

	details, err := s.movies.Details(ctx, movieID)
	if errors.Is(err, tmdb.ErrNotFound) {
		return nil, false, model.NewMovieNotFoundError(movieID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("映画情報の取得に失敗しました: %w", err)
	}

	movie := &model.SavedMovie{
		UserID:     userID,
		MovieID:    movieID,
		Title:      details.Title,
		PosterPath: details.PosterPath,
	}
	added, err = s.repo.Add(ctx, list, movie)
	if err != nil {
		return nil, false, fmt.Errorf("%sへの追加に失敗しました: %w", list, err)
	}
	return movie, added, nil
}

// Remove は映画をリストから削除する。存在しない場合も成功とする。
func (s *Service) Remove(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error) {
	if !list.Valid() {
		return false, model.NewInvalidListError(string(list))
	}
	if movieID <= 0 {
		return false, model.NewInvalidMovieIDError(fmt.Sprint(movieID))
	}

	removed, err := s.repo.Remove(ctx, list, userID, movieID)
	if err != nil {
		return false, fmt.Errorf("%sからの削除に失敗しました: %w", list, err)
	}
	return removed, nil
}

// Toggle は映画がリストにあれば削除し、なければ追加する。切り替え後の状態を返す。
func (s *Service) Toggle(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error) {
	if !list.Valid() {
		return false, model.NewInvalidListError(string(list))
	}
	if movieID <= 0 {
		return false, model.NewInvalidMovieIDError(fmt.Sprint(movieID))
	}

	exists, err := s.repo.Exists(ctx, list, userID, movieID)
	if err != nil {
		return false, fmt.Errorf("保存状態の確認に失敗しました: %w", err)
	}
	if exists {
		if _, err := s.Remove(ctx, list, userID, movieID); err != nil {
			return false, err
		}
		return false, nil
	}
	if _, _, err := s.Add(ctx, list, userID, movieID); err != nil {
		return false, err
	}
	return true, nil
}

// List はユーザーのリストを追加日時の新しい順で返す。
func (s *Service) List(ctx context.Context, list model.SavedList, userID string) ([]*model.SavedMovie, error) {
	if !list.Valid() {
		return nil, model.NewInvalidListError(string(list))
	}
	movies, err := s.repo.ListByUser(ctx, list, userID)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", list, err)
	}
	return movies, nil
}

// Status は1本の映画がお気に入り・ブックマークに含まれるかを返す。
func (s *Service) Status(ctx context.Context, userID string, movieID int) (*model.SavedStatus, error) {
	fav, err := s.repo.Exists(ctx, model.SavedListFavorites, userID, movieID)
	if err != nil {
		return nil, fmt.Errorf("お気に入り状態の確認に失敗しました: %w", err)
	}
	bm, err := s.repo.Exists(ctx, model.SavedListBookmarks, userID, movieID)
	if err != nil {
		return nil, fmt.Errorf("ブックマーク状態の確認に失敗しました: %w", err)
	}
	return &model.SavedStatus{Favorite: fav, Bookmarked: bm}, nil
}

// Counts はリストごとの保存件数を返す。ダッシュボード表示に使う。
func (s *Service) Counts(ctx context.Context, userID string) (*Counts, error) {
	fav, err := s.repo.CountByUser(ctx, model.SavedListFavorites, userID)
	if err != nil {
		return nil, fmt.Errorf("お気に入り件数の取得に失敗しました: %w", err)
	}
	bm, err := s.repo.CountByUser(ctx, model.SavedListBookmarks, userID)
	if err != nil {
		return nil, fmt.Errorf("ブックマーク件数の取得に失敗しました: %w", err)
	}
	return &Counts{Favorites: fav, Bookmarks: bm}, nil
}
