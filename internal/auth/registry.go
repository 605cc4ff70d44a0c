package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultContextTTL はアクセスのないブラウザコンテキストのStoreを保持する既定時間。
const DefaultContextTTL = 30 * time.Minute

// Registry はブラウザコンテキストごとのStoreを保持する。
// アクセスのたびに有効期限を延長し、期限切れ・削除時にStoreを破棄する。
// 破棄されたStoreも、Acquireで取得したリクエストが解放するまではCloseしない。
type Registry struct {
	provider Provider
	config   StoreConfig
	logger   *slog.Logger

	mu       sync.Mutex
	cache    *cache.Cache
	retiring sync.WaitGroup
}

// NewRegistry はRegistryを生成する。ttlが0以下の場合はDefaultContextTTLを使う。
func NewRegistry(provider Provider, config StoreConfig, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		provider: provider,
		config:   config,
		logger:   logger,
		cache:    cache.New(ttl, ttl/2),
	}
	// Closeは同期キューの送信を待つため、キャッシュのロック外で行う。
	r.cache.OnEvicted(func(contextID string, v interface{}) {
		st, ok := v.(*Store)
		if !ok {
			return
		}
		r.retiring.Add(1)
		go func() {
			defer r.retiring.Done()
			st.retire()
			logger.Debug("auth context released", slog.String("context_id", contextID))
		}()
	})
	return r
}

// Acquire はコンテキストIDに対応する初期化済みのStoreと、その解放関数を返す。
// 呼び出し側はリクエストの処理が終わったら必ず解放関数を呼ぶ。
// キャッシュ済みStoreのセッションがCookieのセッションと一致しない場合は新しいStoreに置き換える。
func (r *Registry) Acquire(ctx context.Context, contextID, sessionID string) (*Store, func()) {
	r.mu.Lock()
	st := r.lookup(contextID, sessionID)
	if st == nil {
		st = NewStore(r.provider, sessionID, r.config)
		st.hold()
	}
	r.cache.SetDefault(contextID, st)
	r.mu.Unlock()

	// 初期化はロック外で行う。同じStoreへの並行呼び出しは最初のInit完了まで待つ。
	st.Init(ctx)
	st.Revalidate(ctx)

	var once sync.Once
	return st, func() { once.Do(st.unhold) }
}

// lookup は再利用できるStoreを参照を確保した上で返す。
func (r *Registry) lookup(contextID, sessionID string) *Store {
	v, ok := r.cache.Get(contextID)
	if !ok {
		return nil
	}
	st := v.(*Store)
	if (st.Loading() || st.SessionID() == sessionID) && st.hold() {
		return st
	}
	// DeleteはOnEvictedを呼び、古いStoreは利用中の参照がなくなった時点でCloseされる。
	r.cache.Delete(contextID)
	return nil
}

// Release はコンテキストのStoreを破棄する。
func (r *Registry) Release(contextID string) {
	r.mu.Lock()
	r.cache.Delete(contextID)
	r.mu.Unlock()
	r.retiring.Wait()
}

// Len は保持しているStoreの数を返す。期限切れで未回収のものを含む。
func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

// Close は全Storeを破棄する。利用中のStoreは解放時にCloseされる。
func (r *Registry) Close() {
	r.mu.Lock()
	// Flushは OnEvicted を呼ばないため1件ずつ削除する。
	for id := range r.cache.Items() {
		r.cache.Delete(id)
	}
	r.mu.Unlock()
	r.retiring.Wait()
}
