package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Syncer はサーバー側のセッション同期エンドポイントへの通知を行う。
type Syncer interface {
	Sync(ctx context.Context, sessionID string) error
}

// SyncerFunc は関数をSyncerとして扱うためのアダプター。
type SyncerFunc func(ctx context.Context, sessionID string) error

// Sync はSyncerインターフェースを実装する。
func (f SyncerFunc) Sync(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

// SyncResponse は同期エンドポイントのレスポンス。
type SyncResponse struct {
	Success bool   `json:"success"`
	Session any    `json:"session,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HTTPSyncer は同期エンドポイントにセッションCookie付きでPOSTする。
type HTTPSyncer struct {
	url    string
	client *http.Client
}

// NewHTTPSyncer はHTTPSyncerを生成する。clientがnilの場合は5秒タイムアウトのクライアントを使う。
func NewHTTPSyncer(url string, client *http.Client) *HTTPSyncer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSyncer{url: url, client: client}
}

// Sync は本文なしでPOSTし、success=falseまたは2xx以外をエラーとして返す。
func (s *HTTPSyncer) Sync(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create sync request: %w", err)
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sessionID})
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call sync endpoint: %w", err)
	}
	defer resp.Body.Close()

	var out SyncResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode sync response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return fmt.Errorf("sync endpoint returned status %d: %s", resp.StatusCode, out.Error)
	}
	return nil
}
