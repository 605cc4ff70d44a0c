package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hitoshi/moviemate/internal/model"
)

var savedMovieColumns = []string{"id", "user_id", "movie_id", "title", "poster_path", "created_at"}

// PostgresSavedMovieRepo はPostgreSQLを使用したお気に入り・ブックマークリポジトリ。
// favoritesとbookmarksは同じカラム構成のため、リスト種別でテーブル名を切り替える。
type PostgresSavedMovieRepo struct {
	db *sql.DB
}

// NewPostgresSavedMovieRepo はPostgresSavedMovieRepoを生成する。
func NewPostgresSavedMovieRepo(db *sql.DB) *PostgresSavedMovieRepo {
	return &PostgresSavedMovieRepo{db: db}
}

// tableFor はリスト種別に対応するテーブル名を返す。
func tableFor(list model.SavedList) (string, error) {
	if !list.Valid() {
		return "", fmt.Errorf("unknown saved list: %q", list)
	}
	return string(list), nil
}

// Add は映画をリストに追加する。既に存在する場合はfalseを返す。
func (r *PostgresSavedMovieRepo) Add(ctx context.Context, list model.SavedList, movie *model.SavedMovie) (bool, error) {
	table, err := tableFor(list)
	if err != nil {
		return false, err
	}
	if movie.ID == "" {
		movie.ID = uuid.New().String()
	}
	if movie.CreatedAt.IsZero() {
		movie.CreatedAt = time.Now().UTC()
	}

	query, args, err := psq.
		Insert(table).
		Columns(savedMovieColumns...).
		Values(movie.ID, movie.UserID, movie.MovieID, movie.Title, movie.PosterPath, movie.CreatedAt).
		Suffix("ON CONFLICT (user_id, movie_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build %s insert: %w", table, err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to add to %s: %w", table, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Remove は映画をリストから削除する。存在しなかった場合はfalseを返す。
func (r *PostgresSavedMovieRepo) Remove(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error) {
	table, err := tableFor(list)
	if err != nil {
		return false, err
	}

	query, args, err := psq.
		Delete(table).
		Where(sq.Eq{"user_id": userID, "movie_id": movieID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build %s delete: %w", table, err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to remove from %s: %w", table, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListByUser はユーザーのリストを追加日時の新しい順で返す。
func (r *PostgresSavedMovieRepo) ListByUser(ctx context.Context, list model.SavedList, userID string) ([]*model.SavedMovie, error) {
	table, err := tableFor(list)
	if err != nil {
		return nil, err
	}

	query, args, err := psq.
		Select(savedMovieColumns...).
		From(table).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s query: %w", table, err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	movies := []*model.SavedMovie{}
	for rows.Next() {
		m := &model.SavedMovie{}
		if err := rows.Scan(&m.ID, &m.UserID, &m.MovieID, &m.Title, &m.PosterPath, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		movies = append(movies, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table, err)
	}
	return movies, nil
}

// Exists は映画がリストに含まれるかどうかを返す。
func (r *PostgresSavedMovieRepo) Exists(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error) {
	table, err := tableFor(list)
	if err != nil {
		return false, err
	}

	query, args, err := psq.
		Select("1").
		Prefix("SELECT EXISTS (").
		From(table).
		Where(sq.Eq{"user_id": userID, "movie_id": movieID}).
		Suffix(")").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build %s exists query: %w", table, err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", table, err)
	}
	return exists, nil
}

// CountByUser はユーザーのリスト件数を返す。
func (r *PostgresSavedMovieRepo) CountByUser(ctx context.Context, list model.SavedList, userID string) (int, error) {
	table, err := tableFor(list)
	if err != nil {
		return 0, err
	}

	query, args, err := psq.
		Select("COUNT(*)").
		From(table).
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build %s count query: %w", table, err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// compile-time interface check
var _ SavedMovieRepository = (*PostgresSavedMovieRepo)(nil)
