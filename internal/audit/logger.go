// Package audit はベストエフォートの監査ログ記録を提供する。
// 記録は非同期で行い、失敗しても呼び出し元の処理には影響させない。
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/repository"
)

// 既定値
const (
	DefaultBufferSize   = 1024
	DefaultWriteTimeout = 3 * time.Second
)

// Recorder は監査ログを記録するインターフェース。
// ハンドラーやサービス層はこのインターフェースに依存する。
type Recorder interface {
	Record(ctx context.Context, entry model.AuditLogEntry)
}

// Config はLoggerの設定。
type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
}

// Logger は監査ログをバッファ付きチャネル経由でリポジトリに書き込む。
// バッファが満杯の場合はエントリを破棄し、警告ログを出す。
type Logger struct {
	repo    repository.AuditRepository
	cfg     Config
	entries chan model.AuditLogEntry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewLogger はLoggerを生成し、書き込みワーカーを起動する。
func NewLogger(repo repository.AuditRepository, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Logger{
		repo:    repo,
		cfg:     cfg,
		entries: make(chan model.AuditLogEntry, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record はエントリをキューに積む。ブロックせず、エラーも返さない。
// IDとCreatedAtが未設定の場合はここで補う。
func (l *Logger) Record(_ context.Context, entry model.AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.drop(entry, "logger closed")
		return
	}

	select {
	case l.entries <- entry:
	default:
		l.drop(entry, "buffer full")
	}
}

func (l *Logger) drop(entry model.AuditLogEntry, reason string) {
	l.cfg.Metrics.RecordAuditDropped()
	l.cfg.Logger.Warn("audit entry dropped",
		slog.String("reason", reason),
		slog.String("action", entry.Action),
		slog.String("actor_id", entry.ActorID),
	)
}

func (l *Logger) run() {
	defer close(l.done)
	for entry := range l.entries {
		l.write(entry)
	}
}

func (l *Logger) write(entry model.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	if err := l.repo.Insert(ctx, &entry); err != nil {
		l.cfg.Metrics.RecordAuditFailed()
		l.cfg.Logger.Error("failed to write audit entry",
			slog.String("action", entry.Action),
			slog.String("actor_id", entry.ActorID),
			slog.String("error", err.Error()),
		)
		return
	}
	l.cfg.Metrics.RecordAuditWritten()
}

// Close は新規の受け付けを止め、キューに残ったエントリを書き終えるまで待つ。
// ctxが先に終了した場合はctx.Err()を返す。複数回呼んでもよい。
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.entries)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compile-time interface check
var _ Recorder = (*Logger)(nil)

// FromRequest はクライアント情報を埋めたエントリを作る補助関数。
func FromRequest(meta model.ClientMeta, actorID, action string) model.AuditLogEntry {
	return model.AuditLogEntry{
		ActorID:   actorID,
		Action:    action,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
}
