// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/moviemate/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスのユーザーが既に存在する場合に返される。
var ErrDuplicateEmail = errors.New("email already registered")

// UserRepository はローカル認証プロバイダーのユーザー永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateMetadata はユーザーメタデータを置き換える。
	UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションをユーザー情報付きで取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除したIDを返す。
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// Upsert は氏名とアバターURLを作成または更新する。アバター画像は変更しない。
	Upsert(ctx context.Context, profile *model.Profile) error

	// UpdateAvatar はアバター画像とその参照URLを作成または更新する。
	UpdateAvatar(ctx context.Context, userID string, data []byte, mime, avatarURL string) error
}

// SavedMovieRepository はお気に入り・ブックマークの永続化インターフェース。
// listで対象テーブルを切り替える。
type SavedMovieRepository interface {
	// Add は映画をリストに追加する。既に存在する場合はfalseを返す。
	Add(ctx context.Context, list model.SavedList, movie *model.SavedMovie) (bool, error)

	// Remove は映画をリストから削除する。存在しなかった場合はfalseを返す。
	Remove(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error)

	// ListByUser はユーザーのリストを追加日時の新しい順で返す。
	ListByUser(ctx context.Context, list model.SavedList, userID string) ([]*model.SavedMovie, error)

	// Exists は映画がリストに含まれるかどうかを返す。
	Exists(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error)

	// CountByUser はユーザーのリスト件数を返す。
	CountByUser(ctx context.Context, list model.SavedList, userID string) (int, error)
}
