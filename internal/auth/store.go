package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/moviemate/internal/model"
)

const (
	// syncTimeout は同期エンドポイントへの通知1回あたりのタイムアウト。
	syncTimeout = 5 * time.Second
	// syncQueueSize はStoreごとの同期通知キューの長さ。
	syncQueueSize = 32
)

// ErrStoreClosed は操作の途中でStoreがCloseされたことを示す。
// 確立したセッションはプロバイダー側で破棄済み。
var ErrStoreClosed = errors.New("auth context closed")

// Change はStoreの購読者に通知される状態変化。Identityがnilの場合は未ログイン。
type Change struct {
	Kind     EventKind
	Identity *model.Identity
}

// Result は認証操作の結果。Errがnilなら成功。
type Result struct {
	Identity *model.Identity
	// SessionID は操作で確立したセッション。Cookieにはこの値を書き込む。
	SessionID string
	Err       error
	// PendingConfirmation はメール確認待ちでセッションが発行されなかったことを示す。
	PendingConfirmation bool
}

// OK は操作が成功したかどうかを返す。
func (r Result) OK() bool {
	return r.Err == nil
}

// Message はユーザー向けのエラーメッセージを返す。成功時は空文字列。
func (r Result) Message() string {
	return FriendlyMessage(r.Err)
}

// Field はエラーが属するフォームフィールドを返す。
func (r Result) Field() string {
	return FieldFor(r.Err)
}

// StoreConfig はStoreの設定。
type StoreConfig struct {
	Syncer          Syncer // nilの場合は同期通知を行わない
	EmailRedirectTo string // 確認メールのリダイレクト先
	Logger          *slog.Logger
	Clock           func() time.Time // nilの場合はtime.Now
}

// Store は1つのブラウザコンテキストについて「誰がログインしているか」を保持する。
// プロバイダーの変更通知を購読し、キャッシュしたIdentityを置き換える。
// 認証操作はStoreごとに直列化され、実行中はLoadingがtrueになる。
type Store struct {
	provider Provider
	config   StoreConfig
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	sessionID string
	expiresAt time.Time
	identity  *model.Identity
	loading   bool
	closed    bool
	sub       Subscription
	holders   int
	retired   bool

	initOnce  sync.Once
	mutation  sync.Mutex
	listeners *Broker[Change]
	syncQueue *Broker[syncJob]
}

// syncJob は同期エンドポイントへの通知1件。
type syncJob struct {
	kind      EventKind
	sessionID string
}

// NewStore はStoreを生成する。sessionIDはCookieから得た初期セッション（空でもよい）。
// Initを呼ぶまでLoadingはtrue。
func NewStore(provider Provider, sessionID string, config StoreConfig) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	s := &Store{
		provider:  provider,
		config:    config,
		logger:    logger,
		now:       now,
		sessionID: sessionID,
		loading:   true,
		listeners: NewBroker[Change](0, logger),
		syncQueue: NewBroker[syncJob](syncQueueSize, logger),
	}
	// 購読者が1つなので同期通知は発生順に1件ずつ送られる。
	s.syncQueue.Subscribe(s.sync)
	return s
}

// Init はプロバイダーから現在のセッションを取得し、変更通知の購読を開始する。
// 取得失敗は未ログインとして扱い、ログに記録する。2回目以降の呼び出しは何もしない。
func (s *Store) Init(ctx context.Context) {
	s.initOnce.Do(func() { s.init(ctx) })
}

func (s *Store) init(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sub = s.provider.Subscribe(s.apply)
	initial := s.sessionID
	s.mu.Unlock()

	session, err := s.provider.GetSession(ctx, initial)
	if err != nil {
		s.logger.Warn("failed to get session, treating as signed out",
			slog.String("error", err.Error()),
		)
		session = nil
	}

	var identity *model.Identity
	s.mu.Lock()
	s.sessionID, s.expiresAt, s.identity = "", time.Time{}, nil
	if session != nil {
		identity = session.Identity
		s.sessionID, s.expiresAt, s.identity = session.ID, session.ExpiresAt, identity.Clone()
	}
	s.loading = false
	s.mu.Unlock()

	s.listeners.Publish(Change{Kind: EventInitialSession, Identity: identity.Clone()})
}

// Revalidate は有効期限を過ぎたセッションをプロバイダーに問い合わせ直す。
// 失効していればSIGNED_OUT、新しいセッションが返ればTOKEN_REFRESHEDとして反映する。
// 問い合わせに失敗した場合は状態を変えない。
func (s *Store) Revalidate(ctx context.Context) {
	if !s.expired() {
		return
	}

	s.beginMutation()
	defer s.endMutation()

	// 待っている間に別の操作でセッションが入れ替わっていることがある。
	if !s.expired() {
		return
	}
	sessionID := s.SessionID()

	session, err := s.provider.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("failed to revalidate expired session", slog.String("error", err.Error()))
		return
	}
	if session == nil {
		s.transition(EventSignedOut, nil)
		return
	}
	if session.Identity == nil {
		session.Identity = s.Identity()
	}
	s.transition(EventTokenRefreshed, session)
}

func (s *Store) expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessionID == "" {
		return false
	}
	current := model.Session{ID: s.sessionID, ExpiresAt: s.expiresAt}
	return current.Expired(s.now())
}

// Subscribe はStoreの状態変化を購読する。返されたハンドルで解除する。
func (s *Store) Subscribe(fn func(Change)) Subscription {
	return s.listeners.Subscribe(fn)
}

// Identity は現在のIdentityのコピーを返す。未ログインならnil。
func (s *Store) Identity() *model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Clone()
}

// SessionID は現在のセッションIDを返す。未ログインなら空文字列。
func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Loading は初期化中または認証操作の実行中かどうかを返す。
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SignUp はユーザーを登録する。displayNameはユーザーメタデータとして保存される。
// プロバイダーがセッションを返さない（メール確認待ち）場合は未ログインのままとし、
// ResultのPendingConfirmationをtrueにする。
func (s *Store) SignUp(ctx context.Context, email, password, displayName string) Result {
	if err := validateCredentials(email, password); err != nil {
		return Result{Err: err}
	}

	s.beginMutation()
	defer s.endMutation()

	identity, session, err := s.provider.SignUp(ctx, SignUpParams{
		Email:           email,
		Password:        password,
		Metadata:        map[string]string{model.MetadataDisplayName: displayName},
		EmailRedirectTo: s.config.EmailRedirectTo,
	})
	if err != nil {
		s.logger.Warn("sign up failed", slog.String("error", err.Error()))
		return Result{Err: err}
	}
	if session == nil {
		return Result{Identity: identity.Clone(), PendingConfirmation: true}
	}

	if session.Identity == nil {
		session.Identity = identity
	}
	if !s.transition(EventSignedIn, session) {
		return s.abandon(ctx, session)
	}
	return Result{Identity: session.Identity.Clone(), SessionID: session.ID}
}

// SignIn は資格情報を検証し、成功すれば現在のIdentityを設定する。
func (s *Store) SignIn(ctx context.Context, email, password string) Result {
	if err := validateCredentials(email, password); err != nil {
		return Result{Err: err}
	}

	s.beginMutation()
	defer s.endMutation()

	session, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		s.logger.Warn("sign in failed", slog.String("error", err.Error()))
		return Result{Err: err}
	}

	if session.Identity == nil {
		if session.Identity, err = s.provider.GetUser(ctx, session.ID); err != nil {
			s.logger.Warn("failed to load user after sign in", slog.String("error", err.Error()))
			return Result{Err: err}
		}
	}
	if !s.transition(EventSignedIn, session) {
		return s.abandon(ctx, session)
	}
	return Result{Identity: session.Identity.Clone(), SessionID: session.ID}
}

// abandon はClose済みのStoreで確立してしまったセッションをプロバイダー側で破棄する。
func (s *Store) abandon(ctx context.Context, session *model.Session) Result {
	s.logger.Warn("auth context closed during sign in, revoking new session")
	if err := s.provider.SignOut(ctx, session.ID); err != nil {
		s.logger.Warn("failed to revoke orphaned session", slog.String("error", err.Error()))
	}
	return Result{Err: ErrStoreClosed}
}

// SignOut はセッションを破棄し、現在のIdentityをnilにする。
// 未ログイン状態で呼んでも成功する。
func (s *Store) SignOut(ctx context.Context) Result {
	s.beginMutation()
	defer s.endMutation()

	sessionID := s.SessionID()
	if err := s.provider.SignOut(ctx, sessionID); err != nil {
		s.logger.Warn("sign out failed", slog.String("error", err.Error()))
		return Result{Identity: s.Identity(), SessionID: sessionID, Err: err}
	}

	s.transition(EventSignedOut, nil)
	return Result{}
}

// DisplayName は表示名を返す。未ログインなら"Guest"。
// 外部で変更されたメタデータを反映するため、キャッシュではなくプロバイダーから最新値を取得する。
func (s *Store) DisplayName(ctx context.Context) string {
	s.mu.RLock()
	sessionID, expiresAt, identity := s.sessionID, s.expiresAt, s.identity
	s.mu.RUnlock()

	if identity == nil {
		return model.GuestDisplayName
	}

	latest, err := s.provider.GetUser(ctx, sessionID)
	if err != nil {
		s.logger.Warn("failed to get user for display name", slog.String("error", err.Error()))
		return model.GuestDisplayName
	}
	if latest != nil && latest.ID == identity.ID && !latest.Equal(identity) {
		s.transition(EventUserUpdated, &model.Session{ID: sessionID, ExpiresAt: expiresAt, Identity: latest})
	}
	return latest.DisplayName()
}

// Close は購読を解除し、キューに残った同期通知を送り終えるまで待つ。
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.listeners.Close()
	s.syncQueue.Drain()
}

// hold は利用中の参照を1つ増やす。破棄予定またはClose済みならfalse。
func (s *Store) hold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.retired {
		return false
	}
	s.holders++
	return true
}

// unhold は参照を1つ減らし、破棄予定で参照がなくなればCloseする。
func (s *Store) unhold() {
	s.mu.Lock()
	s.holders--
	done := s.retired && s.holders <= 0
	s.mu.Unlock()
	if done {
		s.Close()
	}
}

// retire は破棄予定にする。利用中の参照がなければ直ちにCloseする。
func (s *Store) retire() {
	s.mu.Lock()
	s.retired = true
	done := s.holders <= 0
	s.mu.Unlock()
	if done {
		s.Close()
	}
}

func (s *Store) beginMutation() {
	s.mutation.Lock()
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
}

func (s *Store) endMutation() {
	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
	s.mutation.Unlock()
}

// apply はプロバイダーからの通知を反映する。
// 他のブラウザコンテキストのセッションに関する通知は無視する。
func (s *Store) apply(ev Event) {
	s.mu.RLock()
	current, expiresAt, identity := s.sessionID, s.expiresAt, s.identity
	s.mu.RUnlock()

	switch ev.Kind {
	case EventSignedOut:
		if current == "" || ev.SessionID != current {
			return
		}
		s.transition(EventSignedOut, nil)
	case EventUserUpdated:
		if identity == nil || ev.UserID != identity.ID || ev.Session == nil || ev.Session.Identity == nil {
			return
		}
		s.transition(EventUserUpdated, &model.Session{ID: current, ExpiresAt: expiresAt, Identity: ev.Session.Identity})
	case EventSignedIn, EventTokenRefreshed:
		// TOKEN_REFRESHEDのSessionIDは更新前のセッション、Sessionは更新後のセッション。
		if current == "" || ev.SessionID != current || ev.Session == nil {
			return
		}
		next := *ev.Session
		if next.Identity == nil {
			next.Identity = identity
		}
		s.transition(ev.Kind, &next)
	}
}

// transition は状態をsessionの内容に置き換え、変化があれば購読者に通知する（nilは未ログイン）。
// SIGNED_IN/SIGNED_OUTによる変化の場合は同期キューにも積む。
// Close済みで反映できなかった場合はfalseを返す。
func (s *Store) transition(kind EventKind, session *model.Session) bool {
	var (
		sessionID string
		expiresAt time.Time
		identity  *model.Identity
	)
	if session != nil {
		sessionID, expiresAt, identity = session.ID, session.ExpiresAt, session.Identity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	// メタデータ更新は取得時点と同じセッションにのみ適用する。
	if kind == EventUserUpdated && s.sessionID != sessionID {
		return true
	}

	changed := s.sessionID != sessionID || !s.identity.Equal(identity)
	s.sessionID = sessionID
	s.expiresAt = expiresAt
	s.identity = identity.Clone()
	if !changed {
		return true
	}

	// ロック内で積むことで購読者と同期キューの順序を状態の変化順に揃える。
	s.listeners.Publish(Change{Kind: kind, Identity: identity.Clone()})
	if (kind == EventSignedIn || kind == EventSignedOut) && s.config.Syncer != nil {
		s.syncQueue.Publish(syncJob{kind: kind, sessionID: sessionID})
	}
	return true
}

// sync は同期エンドポイントへベストエフォートで通知する。
// 失敗してもローカルの状態は巻き戻さない。
func (s *Store) sync(job syncJob) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	if err := s.config.Syncer.Sync(ctx, job.sessionID); err != nil {
		s.logger.Warn("auth sync failed",
			slog.String("event", string(job.kind)),
			slog.String("error", err.Error()),
		)
	}
}

// validateCredentials はプロバイダー呼び出し前の最小限の検証を行う。
// パスワード強度はフォーム層で検証する。
func validateCredentials(email, password string) error {
	if !ValidEmail(email) {
		return &FieldError{Field: "email", Message: "Invalid email address"}
	}
	if password == "" {
		return &FieldError{Field: "password", Message: "Password is required"}
	}
	return nil
}
