// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// 削除したセッションごとにプロバイダーがSIGNED_OUTを通知するため、
// 該当するブラウザコンテキストのStoreは未ログイン状態に戻る。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval は既定の実行間隔。
const DefaultInterval = time.Hour

// Purger は期限切れセッションを削除するインターフェース。
// auth.LocalProviderが実装する。
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	purger   Purger
	logger   *slog.Logger
	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(purger Purger, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		purger:   purger,
		logger:   logger,
		Interval: DefaultInterval,
	}
}

// Run は期限切れセッションを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.purger.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降Interval間隔で実行する。
// ctxがキャンセルされるまでブロックする。失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
