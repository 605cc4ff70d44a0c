package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/moviemate/internal/auth"
	"github.com/hitoshi/moviemate/internal/library"
	"github.com/hitoshi/moviemate/internal/middleware"
	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/profile"
	"github.com/hitoshi/moviemate/internal/tmdb"
)

// --- インメモリ認証プロバイダー ---

type memAccount struct {
	password string
	identity *model.Identity
}

// memProvider はユーザーとセッションをメモリ上に保持するauth.Providerのテスト実装。
type memProvider struct {
	mu       sync.Mutex
	users    map[string]*memAccount // email -> account
	sessions map[string]*model.Session
	events   *auth.Broker[auth.Event]
	seq      int

	requireConfirmation bool
	getSessionErr       error
	signOutErr          error
}

func newMemProvider() *memProvider {
	return &memProvider{
		users:    make(map[string]*memAccount),
		sessions: make(map[string]*model.Session),
		events:   auth.NewBroker[auth.Event](0, nil),
	}
}

// addUser はユーザーを直接登録する。
func (p *memProvider) addUser(email, password, displayName string) *model.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	identity := &model.Identity{
		ID:       fmt.Sprintf("user-%d", p.seq),
		Email:    email,
		Metadata: map[string]string{model.MetadataDisplayName: displayName},
	}
	p.users[email] = &memAccount{password: password, identity: identity}
	return identity.Clone()
}

// issue はロック取得済みの状態でセッションを発行する。
func (p *memProvider) issue(identity *model.Identity) *model.Session {
	p.seq++
	s := &model.Session{
		ID:        fmt.Sprintf("session-%d", p.seq),
		UserID:    identity.ID,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
		Identity:  identity.Clone(),
	}
	p.sessions[s.ID] = s
	return s
}

// signInAs はユーザーのセッションを直接発行する。
func (p *memProvider) signInAs(email string) *model.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issue(p.users[email].identity)
}

func (p *memProvider) SignUp(ctx context.Context, params auth.SignUpParams) (*model.Identity, *model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[params.Email]; ok {
		return nil, nil, auth.ErrUserAlreadyRegistered
	}
	p.seq++
	identity := &model.Identity{
		ID:       fmt.Sprintf("user-%d", p.seq),
		Email:    params.Email,
		Metadata: params.Metadata,
	}
	p.users[params.Email] = &memAccount{password: params.Password, identity: identity}
	if p.requireConfirmation {
		return identity.Clone(), nil, nil
	}
	return identity.Clone(), p.issue(identity), nil
}

func (p *memProvider) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.users[email]
	if !ok || acct.password != password {
		return nil, auth.ErrInvalidCredentials
	}
	return p.issue(acct.identity), nil
}

func (p *memProvider) SignOut(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	if p.signOutErr != nil {
		p.mu.Unlock()
		return p.signOutErr
	}
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	if sessionID != "" {
		p.events.Publish(auth.Event{Kind: auth.EventSignedOut, SessionID: sessionID})
	}
	return nil
}

func (p *memProvider) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getSessionErr != nil {
		return nil, p.getSessionErr
	}
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	c := *s
	c.Identity = s.Identity.Clone()
	return &c, nil
}

func (p *memProvider) GetUser(ctx context.Context, sessionID string) (*model.Identity, error) {
	s, err := p.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, auth.ErrSessionMissing
	}
	return s.Identity, nil
}

func (p *memProvider) UpdateUser(ctx context.Context, sessionID string, metadata map[string]string) (*model.Identity, error) {
	return p.GetUser(ctx, sessionID)
}

func (p *memProvider) Subscribe(fn func(auth.Event)) auth.Subscription {
	return p.events.Subscribe(fn)
}

var _ auth.Provider = (*memProvider)(nil)

// --- サービスのモック ---

type mockCatalog struct {
	fetchPageFn func(ctx context.Context, category tmdb.Category, page int) (*model.MoviePage, error)
	searchFn    func(ctx context.Context, query string, page int) (*model.MoviePage, error)
	detailsFn   func(ctx context.Context, id int) (*model.MovieDetails, error)
}

func (m *mockCatalog) FetchPage(ctx context.Context, category tmdb.Category, page int) (*model.MoviePage, error) {
	if m.fetchPageFn != nil {
		return m.fetchPageFn(ctx, category, page)
	}
	return &model.MoviePage{Page: page, Results: []model.Movie{}}, nil
}

func (m *mockCatalog) Search(ctx context.Context, query string, page int) (*model.MoviePage, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, query, page)
	}
	return &model.MoviePage{Page: page, Results: []model.Movie{}}, nil
}

func (m *mockCatalog) Details(ctx context.Context, id int) (*model.MovieDetails, error) {
	if m.detailsFn != nil {
		return m.detailsFn(ctx, id)
	}
	return &model.MovieDetails{Movie: model.Movie{ID: id, Title: fmt.Sprintf("Movie %d", id)}}, nil
}

type mockLibraryService struct {
	addFn    func(ctx context.Context, list model.SavedList, userID string, movieID int) (*model.SavedMovie, bool, error)
	removeFn func(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error)
	toggleFn func(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error)
	listFn   func(ctx context.Context, list model.SavedList, userID string) ([]*model.SavedMovie, error)
	statusFn func(ctx context.Context, userID string, movieID int) (*model.SavedStatus, error)
	countsFn func(ctx context.Context, userID string) (*library.Counts, error)
}

func (m *mockLibraryService) Add(ctx context.Context, list model.SavedList, userID string, movieID int) (*model.SavedMovie, bool, error) {
	if m.addFn != nil {
		return m.addFn(ctx, list, userID, movieID)
	}
	return &model.SavedMovie{UserID: userID, MovieID: movieID}, true, nil
}

func (m *mockLibraryService) Remove(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error) {
	if m.removeFn != nil {
		return m.removeFn(ctx, list, userID, movieID)
	}
	return true, nil
}

func (m *mockLibraryService) Toggle(ctx context.Context, list model.SavedList, userID string, movieID int) (bool, error) {
	if m.toggleFn != nil {
		return m.toggleFn(ctx, list, userID, movieID)
	}
	return true, nil
}

func (m *mockLibraryService) List(ctx context.Context, list model.SavedList, userID string) ([]*model.SavedMovie, error) {
	if m.listFn != nil {
		return m.listFn(ctx, list, userID)
	}
	return nil, nil
}

func (m *mockLibraryService) Status(ctx context.Context, userID string, movieID int) (*model.SavedStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, userID, movieID)
	}
	return &model.SavedStatus{}, nil
}

func (m *mockLibraryService) Counts(ctx context.Context, userID string) (*library.Counts, error) {
	if m.countsFn != nil {
		return m.countsFn(ctx, userID)
	}
	return &library.Counts{}, nil
}

type mockProfileService struct {
	getFn          func(ctx context.Context, userID string) (*profile.View, error)
	updateFn       func(ctx context.Context, sessionID, userID string, in profile.UpdateInput) (*profile.View, error)
	uploadAvatarFn func(ctx context.Context, sessionID, userID string, r io.Reader) (*profile.View, error)
	importAvatarFn func(ctx context.Context, sessionID, userID, rawURL string) (*profile.View, error)
	avatarFn       func(ctx context.Context, userID string) ([]byte, string, error)
}

func (m *mockProfileService) Get(ctx context.Context, userID string) (*profile.View, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return &profile.View{UserID: userID}, nil
}

func (m *mockProfileService) Update(ctx context.Context, sessionID, userID string, in profile.UpdateInput) (*profile.View, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, sessionID, userID, in)
	}
	return &profile.View{UserID: userID}, nil
}

func (m *mockProfileService) UploadAvatar(ctx context.Context, sessionID, userID string, r io.Reader) (*profile.View, error) {
	if m.uploadAvatarFn != nil {
		return m.uploadAvatarFn(ctx, sessionID, userID, r)
	}
	return &profile.View{UserID: userID, HasUpload: true}, nil
}

func (m *mockProfileService) ImportAvatar(ctx context.Context, sessionID, userID, rawURL string) (*profile.View, error) {
	if m.importAvatarFn != nil {
		return m.importAvatarFn(ctx, sessionID, userID, rawURL)
	}
	return &profile.View{UserID: userID, HasUpload: true}, nil
}

func (m *mockProfileService) Avatar(ctx context.Context, userID string) ([]byte, string, error) {
	if m.avatarFn != nil {
		return m.avatarFn(ctx, userID)
	}
	return nil, "", model.NewAvatarNotFoundError()
}

// --- ヘルパー ---

// newTestStore は初期化済みのStoreを生成し、テスト終了時に破棄する。
func newTestStore(t *testing.T, provider auth.Provider, sessionID string) *auth.Store {
	t.Helper()
	st := auth.NewStore(provider, sessionID, auth.StoreConfig{})
	st.Init(context.Background())
	t.Cleanup(st.Close)
	return st
}

// withStore はStoreと（ログイン済みであれば）ユーザーIDをリクエストコンテキストに注入する。
func withStore(r *http.Request, st *auth.Store) *http.Request {
	ctx := middleware.ContextWithStore(r.Context(), st)
	if identity := st.Identity(); identity != nil {
		ctx = middleware.ContextWithUserID(ctx, identity.ID)
	}
	return r.WithContext(ctx)
}

// withUser はユーザーIDのみをリクエストコンテキストに注入する。
func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// decodeBody はレスポンスボディをJSONとしてデコードする。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body=%q)", err, w.Body.String())
	}
}

// errorCode はエラーレスポンスのcodeを返す。
func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	return body.Code
}

// sessionCookie はレスポンスのセッションCookieを返す。
func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	return nil
}
