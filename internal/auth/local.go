package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/moviemate/internal/model"
	"github.com/hitoshi/moviemate/internal/repository"
)

// LocalConfig はローカル認証プロバイダーの設定。
type LocalConfig struct {
	SessionMaxAge time.Duration // セッション有効期間
	BcryptCost    int           // 0の場合はbcrypt.DefaultCost
	Logger        *slog.Logger
}

// LocalProvider はPostgreSQLにユーザーとセッションを保存する自前の認証プロバイダー。
// メール送信は行わないため、登録時点でメールアドレスを確認済みとして扱う。
type LocalProvider struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	config   LocalConfig
	events   *Broker[Event]
	logger   *slog.Logger

	// dummyHash はユーザーが存在しない場合にも比較処理を行い、応答時間の差を小さくする。
	dummyHash []byte
	now       func() time.Time
}

// NewLocalProvider はLocalProviderを生成する。
func NewLocalProvider(users repository.UserRepository, sessions repository.SessionRepository, config LocalConfig) *LocalProvider {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 24 * time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("moviemate-dummy-password"), config.BcryptCost)

	return &LocalProvider{
		users:     users,
		sessions:  sessions,
		config:    config,
		events:    NewBroker[Event](0, logger),
		logger:    logger,
		dummyHash: dummy,
		now:       time.Now,
	}
}

// SignUp はユーザーを登録し、セッションを発行する。
func (p *LocalProvider) SignUp(ctx context.Context, params SignUpParams) (*model.Identity, *model.Session, error) {
	email := strings.TrimSpace(params.Email)

	existing, err := p.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if existing != nil {
		return nil, nil, ErrUserAlreadyRegistered
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), p.config.BcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := p.now().UTC()
	metadata := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	user := &model.User{
		ID:               uuid.New().String(),
		Email:            email,
		PasswordHash:     string(hash),
		Metadata:         metadata,
		EmailConfirmedAt: &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, nil, ErrUserAlreadyRegistered
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	identity := model.IdentityFromUser(user)
	session, err := p.createSession(ctx, identity)
	if err != nil {
		return nil, nil, err
	}

	p.logger.Info("user signed up", slog.String("user_id", user.ID))
	p.publish(EventSignedIn, session)
	return identity, session, nil
}

// SignIn はメールアドレスとパスワードを検証し、セッションを発行する。
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	user, err := p.users.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.EmailConfirmedAt == nil {
		return nil, ErrEmailNotConfirmed
	}

	session, err := p.createSession(ctx, model.IdentityFromUser(user))
	if err != nil {
		return nil, err
	}

	p.logger.Info("user signed in", slog.String("user_id", user.ID))
	p.publish(EventSignedIn, session)
	return session, nil
}

// SignOut はセッションを破棄する。空のIDや存在しないセッションでも成功する。
func (p *LocalProvider) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := p.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	p.events.Publish(Event{Kind: EventSignedOut, SessionID: sessionID})
	return nil
}

// GetSession はセッションを取得する。存在しない場合はnil, nilを返す。
func (p *LocalProvider) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := p.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// GetUser はセッションに紐づく最新のユーザー情報を取得する。
func (p *LocalProvider) GetUser(ctx context.Context, sessionID string) (*model.Identity, error) {
	user, err := p.userForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return model.IdentityFromUser(user), nil
}

// UpdateUser はユーザーメタデータをマージ更新し、USER_UPDATEDを通知する。
// 空文字列の値はキーの削除として扱う。
func (p *LocalProvider) UpdateUser(ctx context.Context, sessionID string, metadata map[string]string) (*model.Identity, error) {
	user, err := p.userForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(user.Metadata)+len(metadata))
	for k, v := range user.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	if err := p.users.UpdateMetadata(ctx, user.ID, merged); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	user.Metadata = merged
	identity := model.IdentityFromUser(user)

	p.events.Publish(Event{
		Kind:      EventUserUpdated,
		SessionID: sessionID,
		UserID:    user.ID,
		Session:   &model.Session{ID: sessionID, UserID: user.ID, Identity: identity.Clone()},
	})
	return identity, nil
}

// Subscribe はセッション変更通知を購読する。
func (p *LocalProvider) Subscribe(fn func(Event)) Subscription {
	return p.events.Subscribe(fn)
}

// PurgeExpired は期限切れセッションを削除し、それぞれについてSIGNED_OUTを通知する。
func (p *LocalProvider) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := p.sessions.DeleteExpired(ctx, p.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	for _, id := range ids {
		p.events.Publish(Event{Kind: EventSignedOut, SessionID: id})
	}
	return len(ids), nil
}

// Close は購読をすべて解除する。
func (p *LocalProvider) Close() {
	p.events.Close()
}

func (p *LocalProvider) userForSession(ctx context.Context, sessionID string) (*model.User, error) {
	session, err := p.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionMissing
	}
	user, err := p.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrSessionMissing
	}
	return user, nil
}

// createSession はセッションを作成し永続化する。
func (p *LocalProvider) createSession(ctx context.Context, identity *model.Identity) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := p.now().UTC()
	session := &model.Session{
		ID:        sessionID,
		UserID:    identity.ID,
		ExpiresAt: now.Add(p.config.SessionMaxAge),
		CreatedAt: now,
		Identity:  identity.Clone(),
	}
	if err := p.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

func (p *LocalProvider) publish(kind EventKind, session *model.Session) {
	p.events.Publish(Event{
		Kind:      kind,
		SessionID: session.ID,
		UserID:    session.UserID,
		Session:   &model.Session{ID: session.ID, UserID: session.UserID, ExpiresAt: session.ExpiresAt, CreatedAt: session.CreatedAt, Identity: session.Identity.Clone()},
	})
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ Provider = (*LocalProvider)(nil)
