package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/moviemate/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByUserID はユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	query, args, err := psq.
		Select("user_id", "full_name", "avatar_url", "avatar_data", "avatar_mime", "updated_at").
		From("profiles").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build profile query: %w", err)
	}

	profile := &model.Profile{}
	var avatarMime sql.NullString
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&profile.UserID, &profile.FullName, &profile.AvatarURL,
		&profile.AvatarData, &avatarMime, &profile.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	profile.AvatarMime = avatarMime.String

	return profile, nil
}

// Upsert は氏名とアバターURLを作成または更新する。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = time.Now().UTC()
	}

	query, args, err := psq.
		Insert("profiles").
		Columns("user_id", "full_name", "avatar_url", "updated_at").
		Values(profile.UserID, profile.FullName, profile.AvatarURL, profile.UpdatedAt).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build profile upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// UpdateAvatar はアバター画像とその参照URLを作成または更新する。
func (r *PostgresProfileRepo) UpdateAvatar(ctx context.Context, userID string, data []byte, mime, avatarURL string) error {
	query, args, err := psq.
		Insert("profiles").
		Columns("user_id", "avatar_url", "avatar_data", "avatar_mime", "updated_at").
		Values(userID, avatarURL, data, mime, time.Now().UTC()).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
			avatar_url = EXCLUDED.avatar_url,
			avatar_data = EXCLUDED.avatar_data,
			avatar_mime = EXCLUDED.avatar_mime,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build avatar upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update avatar: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
