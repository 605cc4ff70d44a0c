package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"

	"github.com/hitoshi/moviemate/internal/model"
)

const (
	// maxGoTrueResponseSize はGoTrueレスポンスの最大読み込みサイズ。
	maxGoTrueResponseSize = 1 << 20
	// refreshTokenTTL はリフレッシュトークンを保持する期間。
	refreshTokenTTL = 30 * 24 * time.Hour
	// rotationGrace は更新前のアクセストークンで更新後のセッションを引ける期間。
	// 同じトークンを持つ並行リクエストが二重に更新しないようにする。
	rotationGrace = time.Minute
)

// GoTrueConfig はGoTrue互換（Supabase Auth）プロバイダーの設定。
type GoTrueConfig struct {
	URL        string // 例: https://<project>.supabase.co/auth/v1
	APIKey     string // anon key
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// GoTrueProvider はGoTrue互換の認証サーバーにセッション管理を委譲するプロバイダー。
// セッションIDとしてアクセストークンをそのまま使う。
// 期限切れのアクセストークンは、発行時に受け取ったリフレッシュトークンで更新する。
type GoTrueProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	events     *Broker[Event]
	logger     *slog.Logger
	now        func() time.Time

	refreshMu     sync.Mutex
	refreshTokens *cache.Cache // アクセストークン -> リフレッシュトークン
	rotated       *cache.Cache // 更新前のアクセストークン -> 更新後の*model.Session
}

// NewGoTrueProvider はGoTrueProviderを生成する。
func NewGoTrueProvider(cfg GoTrueConfig) *GoTrueProvider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GoTrueProvider{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: client,
		events:     NewBroker[Event](0, logger),
		logger:     logger,
		now:        time.Now,

		refreshTokens: cache.New(refreshTokenTTL, time.Hour),
		rotated:       cache.New(rotationGrace, rotationGrace),
	}
}

type goTrueUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	UserMetadata     map[string]any `json:"user_metadata"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	CreatedAt        time.Time      `json:"created_at"`
}

type goTrueSession struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int         `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         *goTrueUser `json:"user"`
}

type goTrueError struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

func (u *goTrueUser) identity() *model.Identity {
	if u == nil {
		return nil
	}
	metadata := make(map[string]string, len(u.UserMetadata))
	for k, v := range u.UserMetadata {
		if s, ok := v.(string); ok {
			metadata[k] = s
		}
	}
	return &model.Identity{ID: u.ID, Email: u.Email, Metadata: metadata, CreatedAt: u.CreatedAt}
}

// SignUp はユーザーを登録する。メール確認が必要な設定ではSessionはnil。
func (p *GoTrueProvider) SignUp(ctx context.Context, params SignUpParams) (*model.Identity, *model.Session, error) {
	path := "/signup"
	if params.EmailRedirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(params.EmailRedirectTo)
	}
	body := map[string]any{
		"email":    params.Email,
		"password": params.Password,
		"data":     params.Metadata,
	}

	// 自動確認が有効な場合はセッション、確認待ちの場合はユーザーが返る。
	var raw json.RawMessage
	if err := p.do(ctx, http.MethodPost, path, "", body, &raw); err != nil {
		return nil, nil, err
	}

	var gs goTrueSession
	if err := json.Unmarshal(raw, &gs); err == nil && gs.AccessToken != "" {
		session := p.toSession(&gs)
		p.publish(EventSignedIn, session)
		return session.Identity.Clone(), session, nil
	}

	var user goTrueUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, fmt.Errorf("failed to decode sign-up response: %w", err)
	}
	return user.identity(), nil, nil
}

// SignIn はパスワードグラントでアクセストークンを取得する。
func (p *GoTrueProvider) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	var gs goTrueSession
	body := map[string]string{"email": email, "password": password}
	if err := p.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &gs); err != nil {
		return nil, err
	}
	if gs.AccessToken == "" {
		return nil, errors.New("sign-in response did not contain an access token")
	}

	session := p.toSession(&gs)
	p.publish(EventSignedIn, session)
	return session, nil
}

// SignOut はアクセストークンを失効させる。既に無効なトークンでも成功とする。
func (p *GoTrueProvider) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := p.do(ctx, http.MethodPost, "/logout", sessionID, nil, nil)
	var pe *ProviderError
	if err != nil && !(errors.As(err, &pe) && (pe.Status == http.StatusUnauthorized || pe.Status == http.StatusForbidden || pe.Status == http.StatusNotFound)) {
		return err
	}

	p.refreshTokens.Delete(sessionID)
	p.events.Publish(Event{Kind: EventSignedOut, SessionID: sessionID})
	return nil
}

// GetSession はトークンの有効期限を確認した上で、認証サーバーからユーザーを取得する。
// 期限切れの場合はリフレッシュトークンで更新したセッションを返す。
// 更新できない場合や失効済みの場合はnil, nilを返す。
func (p *GoTrueProvider) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	expiresAt, err := tokenExpiry(sessionID)
	if err != nil {
		p.logger.Debug("unparseable access token", slog.String("error", err.Error()))
		return nil, nil
	}
	if !expiresAt.IsZero() && !p.now().Before(expiresAt) {
		return p.refresh(ctx, sessionID)
	}

	var user goTrueUser
	err = p.do(ctx, http.MethodGet, "/user", sessionID, nil, &user)
	var pe *ProviderError
	if errors.As(err, &pe) && (pe.Status == http.StatusUnauthorized || pe.Status == http.StatusForbidden) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	identity := user.identity()
	return &model.Session{ID: sessionID, UserID: identity.ID, ExpiresAt: expiresAt, Identity: identity}, nil
}

// GetUser はアクセストークンに紐づく最新のユーザー情報を取得する。
func (p *GoTrueProvider) GetUser(ctx context.Context, sessionID string) (*model.Identity, error) {
	if sessionID == "" {
		return nil, ErrSessionMissing
	}
	var user goTrueUser
	if err := p.do(ctx, http.MethodGet, "/user", sessionID, nil, &user); err != nil {
		return nil, err
	}
	return user.identity(), nil
}

// UpdateUser はユーザーメタデータを更新し、USER_UPDATEDを通知する。
func (p *GoTrueProvider) UpdateUser(ctx context.Context, sessionID string, metadata map[string]string) (*model.Identity, error) {
	if sessionID == "" {
		return nil, ErrSessionMissing
	}
	var user goTrueUser
	if err := p.do(ctx, http.MethodPut, "/user", sessionID, map[string]any{"data": metadata}, &user); err != nil {
		return nil, err
	}

	identity := user.identity()
	p.events.Publish(Event{
		Kind:      EventUserUpdated,
		SessionID: sessionID,
		UserID:    identity.ID,
		Session:   &model.Session{ID: sessionID, UserID: identity.ID, Identity: identity.Clone()},
	})
	return identity, nil
}

// Subscribe はセッション変更通知を購読する。
func (p *GoTrueProvider) Subscribe(fn func(Event)) Subscription {
	return p.events.Subscribe(fn)
}

// Close は購読をすべて解除する。
func (p *GoTrueProvider) Close() {
	p.events.Close()
}

// refresh はリフレッシュトークングラントで期限切れのアクセストークンを更新し、TOKEN_REFRESHEDを通知する。
// 通知のSessionIDは更新前のトークン。
func (p *GoTrueProvider) refresh(ctx context.Context, expired string) (*model.Session, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	if v, ok := p.rotated.Get(expired); ok {
		return copySession(v.(*model.Session)), nil
	}
	v, ok := p.refreshTokens.Get(expired)
	if !ok {
		return nil, nil
	}

	var gs goTrueSession
	err := p.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", map[string]string{"refresh_token": v.(string)}, &gs)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status < http.StatusInternalServerError {
		// 使用済み・失効済みのリフレッシュトークン。
		p.refreshTokens.Delete(expired)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if gs.AccessToken == "" {
		return nil, errors.New("refresh response did not contain an access token")
	}

	p.refreshTokens.Delete(expired)
	session := p.toSession(&gs)
	p.rotated.SetDefault(expired, copySession(session))
	p.events.Publish(Event{
		Kind:      EventTokenRefreshed,
		SessionID: expired,
		UserID:    session.UserID,
		Session:   copySession(session),
	})
	p.logger.Debug("access token refreshed", slog.String("user_id", session.UserID))
	return session, nil
}

// toSession はレスポンスをセッションに変換し、リフレッシュトークンを記録する。
func (p *GoTrueProvider) toSession(gs *goTrueSession) *model.Session {
	if gs.RefreshToken != "" {
		p.refreshTokens.SetDefault(gs.AccessToken, gs.RefreshToken)
	}
	identity := gs.User.identity()
	session := &model.Session{ID: gs.AccessToken, Identity: identity, CreatedAt: p.now().UTC()}
	if identity != nil {
		session.UserID = identity.ID
	}
	switch {
	case gs.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(gs.ExpiresAt, 0).UTC()
	case gs.ExpiresIn > 0:
		session.ExpiresAt = session.CreatedAt.Add(time.Duration(gs.ExpiresIn) * time.Second)
	default:
		if exp, err := tokenExpiry(gs.AccessToken); err == nil {
			session.ExpiresAt = exp
		}
	}
	return session
}

func (p *GoTrueProvider) publish(kind EventKind, session *model.Session) {
	p.events.Publish(Event{
		Kind:      kind,
		SessionID: session.ID,
		UserID:    session.UserID,
		Session:   copySession(session),
	})
}

func copySession(s *model.Session) *model.Session {
	cp := *s
	cp.Identity = s.Identity.Clone()
	return &cp
}

// do はGoTrue APIを呼び出す。2xx以外はProviderError、通信失敗はErrProviderUnavailableでラップして返す。
func (p *GoTrueProvider) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("auth provider request failed",
			slog.String("method", method),
			slog.String("path", strings.SplitN(path, "?", 2)[0]),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGoTrueResponseSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrProviderUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseGoTrueError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseGoTrueError はエラーレスポンスをProviderErrorに変換する。
// バージョンによってmsg、error_description、messageのいずれかにメッセージが入る。
func parseGoTrueError(status int, raw []byte) error {
	var ge goTrueError
	_ = json.Unmarshal(raw, &ge)

	message := firstNonEmpty(ge.Msg, ge.ErrorDescription, ge.Message, ge.Error)
	if message == "" {
		message = http.StatusText(status)
	}

	code := ge.ErrorCode
	if code == "" {
		if s, ok := ge.Code.(string); ok {
			code = s
		}
	}
	if code == "" && ge.Error != "" && ge.Error != message {
		code = ge.Error
	}
	// 旧バージョンはコードを返さないため、既知のメッセージからコードを補う。
	for _, known := range []*ProviderError{ErrInvalidCredentials, ErrUserAlreadyRegistered, ErrSessionMissing, ErrEmailNotConfirmed} {
		if message == known.Message {
			code = known.Code
		}
	}

	return &ProviderError{Code: code, Message: message, Status: status}
}

// tokenExpiry はJWTの署名を検証せずにexpクレームを読み取る。
// 署名の検証は認証サーバー側の/userで行われる。
func tokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// compile-time interface check
var _ Provider = (*GoTrueProvider)(nil)
