// Package profile はユーザープロフィール（氏名・表示名・アバター）の管理を提供する。
package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/repository"
	"github.com/hitoshi/moviemate/internal/security"
)

const (
	// DefaultMaxAvatarSize はアバター画像の最大サイズ（2MB）。
	DefaultMaxAvatarSize = 2 << 20
	// DefaultAvatarPath はアップロード済みアバターの配信パス。
	DefaultAvatarPath = "/profile/avatar"

	defaultImportTimeout = 10 * time.Second
	maxFullNameLength    = 100
	maxDisplayNameLength = 50
	minDisplayNameLength = 2
)

// allowedAvatarTypes はアバターとして受け付けるMIMEタイプ。
var allowedAvatarTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// MetadataUpdater は認証プロバイダーのユーザーメタデータを更新する。
// auth.Providerが満たす。
type MetadataUpdater interface {
	UpdateUser(ctx context.Context, sessionID string, metadata map[string]string) (*model.Identity, error)
}

// Config はServiceの設定。
type Config struct {
	MaxAvatarSize int64
	ImportTimeout time.Duration
	AvatarPath    string
	Logger        *slog.Logger
}

// View はAPIで返すプロフィール。
type View struct {
	UserID    string          `json:"user_id"`
	FullName  string          `json:"full_name"`
	AvatarURL string          `json:"avatar_url"`
	HasUpload bool            `json:"has_uploaded_avatar"`
	UpdatedAt time.Time       `json:"updated_at"`
	Identity  *model.Identity `json:"identity,omitempty"`
}

// UpdateInput はプロフィール更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	FullName    *string `json:"full_name"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

// Service はプロフィールのサービス層。
type Service struct {
	repo       repository.ProfileRepository
	users      MetadataUpdater
	guard      security.SSRFGuardService
	sanitizer  security.TextSanitizerService
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// URLからのアバター取り込みにはguardが生成するSSRF防止付きクライアントを使う。
func NewService(
	repo repository.ProfileRepository,
	users MetadataUpdater,
	guard security.SSRFGuardService,
	sanitizer security.TextSanitizerService,
	cfg Config,
) *Service {
	if cfg.MaxAvatarSize <= 0 {
		cfg.MaxAvatarSize = DefaultMaxAvatarSize
	}
	if cfg.ImportTimeout <= 0 {
		cfg.ImportTimeout = defaultImportTimeout
	}
	if cfg.AvatarPath == "" {
		cfg.AvatarPath = DefaultAvatarPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		users:      users,
		guard:      guard,
		sanitizer:  sanitizer,
		httpClient: guard.NewSafeClient(cfg.ImportTimeout),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Get はユーザーのプロフィールを返す。未作成の場合は空のプロフィールを返す。
func (s *Service) Get(ctx context.Context, userID string) (*View, error) {
	p, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if p == nil {
		return &View{UserID: userID}, nil
	}
	return toView(p), nil
}

// Update は氏名・アバターURLを保存し、表示名とアバター参照をプロバイダーのメタデータに反映する。
func (s *Service) Update(ctx context.Context, sessionID, userID string, in UpdateInput) (*View, error) {
	current, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if current == nil {
		current = &model.Profile{UserID: userID}
	}

	metadata := map[string]string{}

	if in.DisplayName != nil {
		name := s.sanitizer.StripTags(*in.DisplayName, maxDisplayNameLength)
		if len([]rune(name)) < minDisplayNameLength {
			return nil, model.NewValidationError("display_name", "Name must be at least 2 characters")
		}
		metadata[model.MetadataDisplayName] = name
	}
	if in.FullName != nil {
		current.FullName = s.sanitizer.StripTags(*in.FullName, maxFullNameLength)
	}
	if in.AvatarURL != nil {
		avatarURL := strings.TrimSpace(*in.AvatarURL)
		if avatarURL != "" {
			if err := s.checkURL(avatarURL); err != nil {
				return nil, err
			}
		}
		current.AvatarURL = avatarURL
		metadata[model.MetadataAvatarURL] = avatarURL
	}

	// プロバイダーが拒否した場合に行だけが更新されないよう、メタデータを先に反映する。
	var identity *model.Identity
	if len(metadata) > 0 {
		if identity, err = s.pushMetadata(ctx, sessionID, metadata); err != nil {
			return nil, err
		}
	}
	if in.FullName != nil || in.AvatarURL != nil {
		if err := s.repo.Upsert(ctx, current); err != nil {
			return nil, fmt.Errorf("プロフィールの保存に失敗しました: %w", err)
		}
	}

	view := toView(current)
	view.Identity = identity
	return view, nil
}

// UploadAvatar はアップロードされた画像をアバターとして保存する。
func (s *Service) UploadAvatar(ctx context.Context, sessionID, userID string, r io.Reader) (*View, error) {
	data, mime, err := s.readAvatar(r)
	if err != nil {
		return nil, err
	}
	return s.saveAvatar(ctx, sessionID, userID, data, mime)
}

// ImportAvatar はURLから画像を取得してアバターとして保存する。
// 取得にはSSRF防止付きクライアントを使う。
func (s *Service) ImportAvatar(ctx context.Context, sessionID, userID, rawURL string) (*View, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := s.checkURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", "MovieMate/1.0 AvatarImporter")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("avatar import failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInvalidAvatarError("could not download the image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("avatar import returned error status",
			slog.String("user_id", userID),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewInvalidAvatarError(fmt.Sprintf("download returned status %d", resp.StatusCode))
	}

	data, mime, err := s.readAvatar(resp.Body)
	if err != nil {
		return nil, err
	}
	return s.saveAvatar(ctx, sessionID, userID, data, mime)
}

// Avatar はアップロード済みのアバター画像を返す。
func (s *Service) Avatar(ctx context.Context, userID string) ([]byte, string, error) {
	p, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if !p.HasAvatarData() {
		return nil, "", model.NewAvatarNotFoundError()
	}
	return p.AvatarData, p.AvatarMime, nil
}

// readAvatar はサイズ上限付きで画像を読み込み、内容からMIMEタイプを判定する。
func (s *Service) readAvatar(r io.Reader) ([]byte, string, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, s.cfg.MaxAvatarSize+1))
	if err != nil {
		return nil, "", model.NewInvalidAvatarError("failed to read the image")
	}
	if n == 0 {
		return nil, "", model.NewInvalidAvatarError("empty file")
	}
	if n > s.cfg.MaxAvatarSize {
		return nil, "", model.NewInvalidAvatarError(fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxAvatarSize))
	}

	data := buf.Bytes()
	mime := http.DetectContentType(data)
	if !allowedAvatarTypes[mime] {
		return nil, "", model.NewInvalidAvatarError("unsupported image type " + mime)
	}
	return data, mime, nil
}

func (s *Service) saveAvatar(ctx context.Context, sessionID, userID string, data []byte, mime string) (*View, error) {
	// キャッシュ対策に更新時刻をクエリに付ける
	avatarURL := fmt.Sprintf("%s?v=%d", s.cfg.AvatarPath, s.now().Unix())

	identity, err := s.pushMetadata(ctx, sessionID, map[string]string{model.MetadataAvatarURL: avatarURL})
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateAvatar(ctx, userID, data, mime, avatarURL); err != nil {
		return nil, fmt.Errorf("アバターの保存に失敗しました: %w", err)
	}

	view, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	view.Identity = identity
	return view, nil
}

func (s *Service) pushMetadata(ctx context.Context, sessionID string, metadata map[string]string) (*model.Identity, error) {
	identity, err := s.users.UpdateUser(ctx, sessionID, metadata)
	if err != nil {
		s.logger.Error("failed to update user metadata", slog.String("error", err.Error()))
		return nil, model.NewProviderFailedError(auth.FriendlyMessage(err))
	}
	return identity, nil
}

func (s *Service) checkURL(rawURL string) error {
	err := s.guard.ValidateURL(rawURL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, security.ErrBlockedURL):
		return model.NewSSRFBlockedError()
	default:
		return model.NewInvalidURLError(strings.TrimPrefix(err.Error(), security.ErrInvalidURL.Error()+": "))
	}
}

func toView(p *model.Profile) *View {
	return &View{
		UserID:    p.UserID,
		FullName:  p.FullName,
		AvatarURL: p.AvatarURL,
		HasUpload: p.HasAvatarData(),
		UpdatedAt: p.UpdatedAt,
	}
}
