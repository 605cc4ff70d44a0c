package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/moviemate/internal/model"
)

// --- テスト用のインメモリプロバイダー ---

type fakeProvider struct {
	mu       sync.Mutex
	users    map[string]*fakeAccount // email -> account
	sessions map[string]*model.Session
	rotated  map[string]string // 更新前のセッションID -> 更新後のセッションID
	events   *Broker[Event]
	seq      int

	getSessionErr   error
	getUserErr      error
	signOutErr      error
	signUpNoSession bool
	signUpCalls     []SignUpParams
	signOutCalls    int
}

type fakeAccount struct {
	password string
	identity *model.Identity
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		users:    make(map[string]*fakeAccount),
		sessions: make(map[string]*model.Session),
		rotated:  make(map[string]string),
		events:   NewBroker[Event](0, nil),
	}
}

// addUser はユーザーを直接登録する。
func (f *fakeProvider) addUser(email, password, displayName string) *model.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	identity := &model.Identity{
		ID:       fmt.Sprintf("user-%d", f.seq),
		Email:    email,
		Metadata: map[string]string{model.MetadataDisplayName: displayName},
	}
	f.users[email] = &fakeAccount{password: password, identity: identity}
	return identity.Clone()
}

// addSession はユーザーのセッションを直接発行する。
func (f *fakeProvider) addSession(email string) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newSessionLocked(f.users[email].identity, time.Hour)
}

// addSessionTTL は有効期間を指定してセッションを発行する。
func (f *fakeProvider) addSessionTTL(email string, ttl time.Duration) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newSessionLocked(f.users[email].identity, ttl)
}

func (f *fakeProvider) newSessionLocked(identity *model.Identity, ttl time.Duration) *model.Session {
	f.seq++
	s := &model.Session{
		ID:        fmt.Sprintf("session-%d", f.seq),
		UserID:    identity.ID,
		ExpiresAt: time.Now().Add(ttl),
		Identity:  identity.Clone(),
	}
	f.sessions[s.ID] = s
	return s
}

func (f *fakeProvider) SignUp(_ context.Context, params SignUpParams) (*model.Identity, *model.Session, error) {
	f.mu.Lock()
	f.signUpCalls = append(f.signUpCalls, params)
	if _, ok := f.users[params.Email]; ok {
		f.mu.Unlock()
		return nil, nil, ErrUserAlreadyRegistered
	}
	f.seq++
	identity := &model.Identity{ID: fmt.Sprintf("user-%d", f.seq), Email: params.Email, Metadata: params.Metadata}
	f.users[params.Email] = &fakeAccount{password: params.Password, identity: identity}
	if f.signUpNoSession {
		f.mu.Unlock()
		return identity.Clone(), nil, nil
	}
	session := f.newSessionLocked(identity, time.Hour)
	f.mu.Unlock()

	f.events.Publish(Event{Kind: EventSignedIn, SessionID: session.ID, UserID: identity.ID, Session: session})
	return identity.Clone(), session, nil
}

func (f *fakeProvider) SignIn(_ context.Context, email, password string) (*model.Session, error) {
	f.mu.Lock()
	acct, ok := f.users[email]
	if !ok || acct.password != password {
		f.mu.Unlock()
		return nil, ErrInvalidCredentials
	}
	session := f.newSessionLocked(acct.identity, time.Hour)
	f.mu.Unlock()

	f.events.Publish(Event{Kind: EventSignedIn, SessionID: session.ID, UserID: session.UserID, Session: session})
	return session, nil
}

func (f *fakeProvider) SignOut(_ context.Context, sessionID string) error {
	f.mu.Lock()
	f.signOutCalls++
	if f.signOutErr != nil {
		f.mu.Unlock()
		return f.signOutErr
	}
	delete(f.sessions, sessionID)
	f.mu.Unlock()

	if sessionID != "" {
		f.events.Publish(Event{Kind: EventSignedOut, SessionID: sessionID})
	}
	return nil
}

func (f *fakeProvider) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getSessionErr != nil {
		return nil, f.getSessionErr
	}
	if next, ok := f.rotated[sessionID]; ok {
		sessionID = next
	}
	s, ok := f.sessions[sessionID]
	if !ok || s.Expired(time.Now()) {
		return nil, nil
	}
	cp := *s
	cp.Identity = s.Identity.Clone()
	return &cp, nil
}

func (f *fakeProvider) GetUser(_ context.Context, sessionID string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getUserErr != nil {
		return nil, f.getUserErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ErrSessionMissing
	}
	for _, acct := range f.users {
		if acct.identity.ID == s.UserID {
			return acct.identity.Clone(), nil
		}
	}
	return nil, ErrSessionMissing
}

func (f *fakeProvider) UpdateUser(_ context.Context, sessionID string, metadata map[string]string) (*model.Identity, error) {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	if !ok {
		f.mu.Unlock()
		return nil, ErrSessionMissing
	}
	var identity *model.Identity
	for _, acct := range f.users {
		if acct.identity.ID == s.UserID {
			for k, v := range metadata {
				acct.identity.Metadata[k] = v
			}
			identity = acct.identity.Clone()
		}
	}
	f.mu.Unlock()

	f.events.Publish(Event{
		Kind: EventUserUpdated, SessionID: sessionID, UserID: identity.ID,
		Session: &model.Session{ID: sessionID, UserID: identity.ID, Identity: identity.Clone()},
	})
	return identity, nil
}

// setMetadata は通知を出さずにメタデータを書き換える（外部での変更を模擬する）。
func (f *fakeProvider) setMetadata(email, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[email].identity.Metadata[key] = value
}

func (f *fakeProvider) Subscribe(fn func(Event)) Subscription {
	return f.events.Subscribe(fn)
}

// expire はセッションを削除し、SIGNED_OUTを通知する（期限切れの回収を模擬する）。
func (f *fakeProvider) expire(sessionID string) {
	f.mu.Lock()
	delete(f.sessions, sessionID)
	f.mu.Unlock()
	f.events.Publish(Event{Kind: EventSignedOut, SessionID: sessionID})
}

// rotate はセッションを新しいIDで発行し直す（トークン更新を模擬する）。
// 更新前のIDでGetSessionすると更新後のセッションが返る。
func (f *fakeProvider) rotate(sessionID string) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.sessions[sessionID]
	delete(f.sessions, sessionID)
	next := f.newSessionLocked(old.Identity, time.Hour)
	f.rotated[sessionID] = next.ID
	return next
}

var _ Provider = (*fakeProvider)(nil)

// --- 同期通知の記録 ---

type recordingSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingSyncer) Sync(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
	return r.err
}

func (r *recordingSyncer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// waitFor は条件が満たされるまで最大2秒待つ。
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}
