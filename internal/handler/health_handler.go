package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// Pinger はデータベースの疎通確認を行う。
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc は関数をPingerとして扱うためのアダプター。
type PingerFunc func(ctx context.Context) error

// Ping はPingerインターフェースを実装する。
func (f PingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler はHealthHandlerを生成する。dbがnilの場合は疎通確認を省略する。
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health はプロセスの生存とデータベースへの疎通を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "unavailable",
				"database": "unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
