package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/security"
)

// --- モック ---

type mockProfileRepo struct {
	profiles  map[string]*model.Profile
	upsertErr error
}

func newMockProfileRepo() *mockProfileRepo {
	return &mockProfileRepo{profiles: make(map[string]*model.Profile)}
}

func (m *mockProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (m *mockProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	existing, ok := m.profiles[profile.UserID]
	if !ok {
		existing = &model.Profile{UserID: profile.UserID}
		m.profiles[profile.UserID] = existing
	}
	existing.FullName = profile.FullName
	existing.AvatarURL = profile.AvatarURL
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *mockProfileRepo) UpdateAvatar(ctx context.Context, userID string, data []byte, mime, avatarURL string) error {
	existing, ok := m.profiles[userID]
	if !ok {
		existing = &model.Profile{UserID: userID}
		m.profiles[userID] = existing
	}
	existing.AvatarData = data
	existing.AvatarMime = mime
	existing.AvatarURL = avatarURL
	return nil
}

type mockMetadataUpdater struct {
	calls []map[string]string
	err   error
}

func (m *mockMetadataUpdater) UpdateUser(ctx context.Context, sessionID string, metadata map[string]string) (*model.Identity, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, metadata)
	return &model.Identity{ID: "user-1", Email: "ada@example.com", Metadata: metadata}, nil
}

// permissiveGuard はテストサーバー（127.0.0.1）への接続を許可するガード。
type permissiveGuard struct {
	blocked map[string]bool
}

func (g *permissiveGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (g *permissiveGuard) ValidateURL(rawURL string) error {
	if g.blocked[rawURL] {
		return fmt.Errorf("%w: test", security.ErrBlockedURL)
	}
	if !strings.HasPrefix(rawURL, "http") {
		return fmt.Errorf("%w: test", security.ErrInvalidURL)
	}
	return nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func newTestService(guard security.SSRFGuardService) (*Service, *mockProfileRepo, *mockMetadataUpdater) {
	if guard == nil {
		guard = security.NewSSRFGuard()
	}
	repo := newMockProfileRepo()
	users := &mockMetadataUpdater{}
	svc := NewService(repo, users, guard, security.NewTextSanitizer(), Config{MaxAvatarSize: 1024})
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return svc, repo, users
}

func strPtr(s string) *string { return &s }

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %v", err)
	}
	if apiErr.Code != code {
		t.Errorf("Code = %s, want %s", apiErr.Code, code)
	}
}

// --- テスト ---

// TestService_Get_Empty はプロフィール未作成時に空のプロフィールを返すことを検証する。
func TestService_Get_Empty(t *testing.T) {
	svc, _, _ := newTestService(nil)

	view, err := svc.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view.UserID != "user-1" || view.FullName != "" || view.HasUpload {
		t.Errorf("view = %+v", view)
	}
}

// TestService_Update は氏名のサニタイズと表示名のメタデータ反映を検証する。
func TestService_Update(t *testing.T) {
	svc, repo, users := newTestService(nil)

	view, err := svc.Update(context.Background(), "sess-1", "user-1", UpdateInput{
		FullName:    strPtr("<b>Ada</b> Lovelace"),
		DisplayName: strPtr("  Ada <script>x</script> "),
		AvatarURL:   strPtr("https://example.com/ada.png"),
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if view.FullName != "Ada Lovelace" {
		t.Errorf("FullName = %q", view.FullName)
	}
	if repo.profiles["user-1"].AvatarURL != "https://example.com/ada.png" {
		t.Errorf("stored avatar = %q", repo.profiles["user-1"].AvatarURL)
	}
	if len(users.calls) != 1 {
		t.Fatalf("UpdateUser calls = %d, want 1", len(users.calls))
	}
	if got := users.calls[0][model.MetadataDisplayName]; got != "Ada" {
		t.Errorf("displayName metadata = %q", got)
	}
	if got := users.calls[0][model.MetadataAvatarURL]; got != "https://example.com/ada.png" {
		t.Errorf("avatarUrl metadata = %q", got)
	}
	if view.Identity == nil || view.Identity.DisplayName() != "Ada" {
		t.Errorf("Identity = %+v", view.Identity)
	}
}

// TestService_Update_OnlyFullName は表示名を変更しない場合プロバイダーを呼ばないことを検証する。
func TestService_Update_OnlyFullName(t *testing.T) {
	svc, _, users := newTestService(nil)

	if _, err := svc.Update(context.Background(), "sess-1", "user-1", UpdateInput{FullName: strPtr("Ada")}); err != nil {
		t.Fatal(err)
	}
	if len(users.calls) != 0 {
		t.Errorf("UpdateUser should not be called, got %d calls", len(users.calls))
	}
}

// TestService_Update_Errors は入力エラーの変換を検証する。
func TestService_Update_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   UpdateInput
		code string
	}{
		{name: "短すぎる表示名", in: UpdateInput{DisplayName: strPtr("<i>A</i>")}, code: model.ErrCodeValidationFailed},
		{name: "内部ネットワーク", in: UpdateInput{AvatarURL: strPtr("http://169.254.169.254/latest")}, code: model.ErrCodeSSRFBlocked},
		{name: "不正なスキーム", in: UpdateInput{AvatarURL: strPtr("javascript:alert(1)")}, code: model.ErrCodeInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService(nil)
			_, err := svc.Update(context.Background(), "sess-1", "user-1", tt.in)
			assertAPIErrorCode(t, err, tt.code)
			if len(repo.profiles) != 0 {
				t.Error("nothing should be stored on error")
			}
		})
	}
}

// TestService_Update_ClearAvatarURL は空文字列でアバターURLを消せることを検証する。
func TestService_Update_ClearAvatarURL(t *testing.T) {
	svc, repo, users := newTestService(nil)
	repo.profiles["user-1"] = &model.Profile{UserID: "user-1", AvatarURL: "https://example.com/old.png"}

	if _, err := svc.Update(context.Background(), "sess-1", "user-1", UpdateInput{AvatarURL: strPtr("")}); err != nil {
		t.Fatal(err)
	}
	if repo.profiles["user-1"].AvatarURL != "" {
		t.Error("avatar URL should be cleared")
	}
	if v, ok := users.calls[0][model.MetadataAvatarURL]; !ok || v != "" {
		t.Error("empty avatarUrl should be pushed so the provider drops the key")
	}
}

// TestService_Update_ProviderFailure はプロバイダーのエラーがユーザー向けメッセージになることを検証する。
func TestService_Update_ProviderFailure(t *testing.T) {
	svc, _, users := newTestService(nil)
	users.err = auth.ErrSessionMissing

	_, err := svc.Update(context.Background(), "", "user-1", UpdateInput{DisplayName: strPtr("Ada")})
	assertAPIErrorCode(t, err, model.ErrCodeProviderFailed)
	var apiErr *model.APIError
	errors.As(err, &apiErr)
	if apiErr.Message != "Your session has expired. Please sign in again" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

// TestService_Update_ProviderFailureKeepsRow はプロバイダーが失敗した場合に行を更新しないことを検証する。
func TestService_Update_ProviderFailureKeepsRow(t *testing.T) {
	svc, repo, users := newTestService(nil)
	repo.profiles["user-1"] = &model.Profile{UserID: "user-1", FullName: "Ada Lovelace", AvatarURL: "https://example.com/old.png"}
	users.err = auth.ErrProviderUnavailable

	_, err := svc.Update(context.Background(), "sess-1", "user-1", UpdateInput{
		FullName:  strPtr("Ada King"),
		AvatarURL: strPtr("https://example.com/new.png"),
	})
	assertAPIErrorCode(t, err, model.ErrCodeProviderFailed)

	got := repo.profiles["user-1"]
	if got.FullName != "Ada Lovelace" || got.AvatarURL != "https://example.com/old.png" {
		t.Errorf("profile row changed despite provider failure: %+v", got)
	}
}

// TestService_UploadAvatar は画像の保存とアバター参照の更新を検証する。
func TestService_UploadAvatar(t *testing.T) {
	svc, repo, users := newTestService(nil)

	view, err := svc.UploadAvatar(context.Background(), "sess-1", "user-1", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("UploadAvatar failed: %v", err)
	}
	if !view.HasUpload || view.AvatarURL != "/profile/avatar?v=1700000000" {
		t.Errorf("view = %+v", view)
	}
	if repo.profiles["user-1"].AvatarMime != "image/png" {
		t.Errorf("mime = %q", repo.profiles["user-1"].AvatarMime)
	}
	if users.calls[0][model.MetadataAvatarURL] != view.AvatarURL {
		t.Errorf("metadata = %v", users.calls[0])
	}

	data, mime, err := svc.Avatar(context.Background(), "user-1")
	if err != nil || mime != "image/png" || !bytes.Equal(data, pngHeader) {
		t.Errorf("Avatar = %d bytes, %q, %v", len(data), mime, err)
	}
}

// TestService_UploadAvatar_Invalid は不正な画像の拒否を検証する。
func TestService_UploadAvatar_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "空ファイル", data: nil},
		{name: "画像以外", data: []byte("<html><body>hello</body></html>")},
		{name: "サイズ超過", data: append(append([]byte{}, pngHeader...), make([]byte, 2048)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService(nil)
			_, err := svc.UploadAvatar(context.Background(), "sess-1", "user-1", bytes.NewReader(tt.data))
			assertAPIErrorCode(t, err, model.ErrCodeInvalidAvatar)
			if len(repo.profiles) != 0 {
				t.Error("nothing should be stored")
			}
		})
	}
}

// TestService_Avatar_NotFound はアバター未登録時のエラーを検証する。
func TestService_Avatar_NotFound(t *testing.T) {
	svc, repo, _ := newTestService(nil)
	repo.profiles["user-1"] = &model.Profile{UserID: "user-1", AvatarURL: "https://example.com/a.png"}

	_, _, err := svc.Avatar(context.Background(), "user-1")
	assertAPIErrorCode(t, err, model.ErrCodeAvatarNotFound)
	_, _, err = svc.Avatar(context.Background(), "user-2")
	assertAPIErrorCode(t, err, model.ErrCodeAvatarNotFound)
}

// TestService_ImportAvatar はURLからの取り込みを検証する。
func TestService_ImportAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ada.png":
			_, _ = w.Write(pngHeader)
		case "/page.html":
			_, _ = w.Write([]byte("<!doctype html><html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, repo, _ := newTestService(&permissiveGuard{blocked: map[string]bool{"http://internal.example/a.png": true}})
	ctx := context.Background()

	view, err := svc.ImportAvatar(ctx, "sess-1", "user-1", srv.URL+"/ada.png")
	if err != nil {
		t.Fatalf("ImportAvatar failed: %v", err)
	}
	if !view.HasUpload || repo.profiles["user-1"].AvatarMime != "image/png" {
		t.Errorf("view = %+v", view)
	}

	_, err = svc.ImportAvatar(ctx, "sess-1", "user-2", srv.URL+"/page.html")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidAvatar)

	_, err = svc.ImportAvatar(ctx, "sess-1", "user-2", srv.URL+"/missing.png")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidAvatar)

	_, err = svc.ImportAvatar(ctx, "sess-1", "user-2", "http://internal.example/a.png")
	assertAPIErrorCode(t, err, model.ErrCodeSSRFBlocked)
}

// TestService_ImportAvatar_SafeClientBlocksLoopback は既定のガードでテストサーバーへの接続が拒否されることを検証する。
func TestService_ImportAvatar_SafeClientBlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	svc, repo, _ := newTestService(nil)
	_, err := svc.ImportAvatar(context.Background(), "sess-1", "user-1", srv.URL+"/ada.png")
	if err == nil {
		t.Fatal("expected loopback import to fail")
	}
	if len(repo.profiles) != 0 {
		t.Error("nothing should be stored")
	}
}
