// Package model はドメインモデルを定義する。
package model

import "time"

// ユーザーメタデータのキー。
const (
	MetadataDisplayName = "displayName"
	MetadataAvatarURL   = "avatarUrl"
)

const (
	// GuestDisplayName は未ログイン時の表示名。
	GuestDisplayName = "Guest"
	// DefaultDisplayName は表示名メタデータが空の場合の表示名。
	DefaultDisplayName = "User"
)

// User はローカル認証プロバイダーが永続化するユーザーレコードを表す。
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	Metadata         map[string]string
	EmailConfirmedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity はセッションに紐づくユーザー情報を表す。
// プロバイダーの実装に依存しない読み取り専用のビュー。
type Identity struct {
	ID        string            `json:"id"`
	Email     string            `json:"email"`
	Metadata  map[string]string `json:"user_metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// DisplayName はメタデータの表示名を返す。未設定の場合は"User"を返す。
func (i *Identity) DisplayName() string {
	if i == nil {
		return GuestDisplayName
	}
	if name := i.Metadata[MetadataDisplayName]; name != "" {
		return name
	}
	return DefaultDisplayName
}

// AvatarURL はメタデータのアバター参照を返す。
func (i *Identity) AvatarURL() string {
	if i == nil {
		return ""
	}
	return i.Metadata[MetadataAvatarURL]
}

// Clone はメタデータを含めたディープコピーを返す。
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.Metadata = make(map[string]string, len(i.Metadata))
	for k, v := range i.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Equal は2つのIdentityが同じ内容かどうかを判定する。
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.ID != other.ID || i.Email != other.Email || len(i.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range i.Metadata {
		if other.Metadata[k] != v {
			return false
		}
	}
	return true
}

// IdentityFromUser はUserからIdentityを生成する。
func IdentityFromUser(u *User) *Identity {
	if u == nil {
		return nil
	}
	return (&Identity{
		ID:        u.ID,
		Email:     u.Email,
		Metadata:  u.Metadata,
		CreatedAt: u.CreatedAt,
	}).Clone()
}

// Session はユーザーのログインセッションを表す。
// IDはプロバイダーが発行する不透明なトークン。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time

	// Identity はセッションに紐づくユーザー。取得元によってはnil。
	Identity *Identity
}

// Expired はセッションが指定時刻時点で期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Profile はユーザーのプロフィールを表す。
type Profile struct {
	UserID     string
	FullName   string
	AvatarURL  string
	AvatarData []byte
	AvatarMime string
	UpdatedAt  time.Time
}

// HasAvatarData はアップロード済みのアバター画像を持つかどうかを返す。
func (p *Profile) HasAvatarData() bool {
	return p != nil && len(p.AvatarData) > 0
}
