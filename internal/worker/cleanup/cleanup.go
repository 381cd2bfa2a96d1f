// Package cleanup は期限切れの認証状態を定期的に削除するジョブを提供する。
// ストアの期限切れセッションに加え、プロセス内のキャッシュや
// レート制限バケットなどの掃除もまとめて実行する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はジョブの既定の実行間隔。
const DefaultInterval = time.Hour

// SessionSweeper は期限切れセッションを削除するインターフェース。
// *session.Manager が実装する。
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// MemorySweeper はプロセス内の状態を掃除する関数と、そのログ上の名前。
type MemorySweeper struct {
	Name  string
	Sweep func() int
}

// CleanupJob は期限切れセッションとプロセス内の古い状態を削除するジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionSweeper
	memory   []MemorySweeper
	logger   *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。sessionsがnilの場合はストアの掃除を行わない。
func NewCleanupJob(sessions SessionSweeper, logger *slog.Logger, memory ...MemorySweeper) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions: sessions,
		memory:   memory,
		logger:   logger,
	}
}

// Run は1回分の掃除を実行する。
// プロセス内の掃除はストアの失敗に関係なく実行し、ストアのエラーのみを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	for _, m := range j.memory {
		if n := m.Sweep(); n > 0 {
			j.logger.Debug("in-memory state swept",
				slog.String("target", m.Name),
				slog.Int("removed", n),
			)
		}
	}

	if j.sessions == nil {
		return nil
	}

	deleted, err := j.sessions.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
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
