package auth

import (
	"log/slog"
	"sync"
)

const defaultBrokerBuffer = 16

// Subscription は購読の解除ハンドル。Unsubscribeは何度呼んでもよい。
type Subscription interface {
	Unsubscribe()
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }

// Broker は購読者ごとのバッファ付きチャネルとgoroutineで通知を非同期配信する。
// 購読者ごとの配信順序は保証する。バッファが溢れた通知は破棄して警告を出す。
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewBroker はBrokerを生成する。bufferが0以下の場合は既定値を使う。
func NewBroker[T any](buffer int, logger *slog.Logger) *Broker[T] {
	if buffer <= 0 {
		buffer = defaultBrokerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe はfnを購読者として登録する。Close済みの場合は何もしないハンドルを返す。
func (b *Broker[T]) Subscribe(fn func(T)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return subscriptionFunc(func() {})
	}

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.buffer)
	b.subs[id] = ch

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for v := range ch {
			fn(v)
		}
	}()

	return subscriptionFunc(func() { b.remove(id) })
}

// Publish は全購読者に通知を送る。ブロックしない。
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.logger.Warn("dropping notification for slow subscriber",
				slog.Uint64("subscriber", id),
			)
		}
	}
}

// Len は現在の購読者数を返す。
func (b *Broker[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close は全購読を解除する。
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Drain はCloseした上で、バッファに残った通知の配信完了を待つ。
// 購読者のコールバック内から呼んではならない。
func (b *Broker[T]) Drain() {
	b.Close()
	b.wg.Wait()
}

func (b *Broker[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}
