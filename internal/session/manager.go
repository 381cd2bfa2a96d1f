package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/repository"
)

// 既定値
const (
	DefaultLifetime     = 7 * 24 * time.Hour
	DefaultStoreTimeout = 3 * time.Second

	// tokenBytes はセッショントークンの乱数バイト数（256ビット）。
	tokenBytes = 32
)

// UserFinder はセッションの所有ユーザーを取得する。
// repository.UserRepositoryの部分集合。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Config はManagerの設定。ゼロ値のフィールドには既定値を使う。
type Config struct {
	Lifetime     time.Duration
	StoreTimeout time.Duration
	Clock        Clock
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
}

// Manager はセッションの発行・解決・失効を行う。
// 解決はキャッシュを優先し、ミス時のストア参照は同一トークンについて1回にまとめる。
// ストア呼び出しはリクエストのキャンセルから切り離し、StoreTimeoutで打ち切る。
type Manager struct {
	sessions repository.SessionRepository
	users    UserFinder
	cache    *Cache
	cfg      Config
	group    singleflight.Group
}

// NewManager はManagerを生成する。
func NewManager(sessions repository.SessionRepository, users UserFinder, cache *Cache, cfg Config) *Manager {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		sessions: sessions,
		users:    users,
		cache:    cache,
		cfg:      cfg,
	}
}

// Lifetime はセッションの有効期間を返す。Cookieのmax-ageに使う。
func (m *Manager) Lifetime() time.Duration {
	return m.cfg.Lifetime
}

// Issue はuserIDのセッションを発行する。
// 発行後すぐの解決がキャッシュミスにならないよう、ユーザーを取得してキャッシュに投入する。
func (m *Manager) Issue(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error) {
	s, err := m.create(ctx, userID, meta)
	if err != nil {
		return nil, err
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	user, err := m.users.FindByID(sctx, userID)
	if err != nil || user == nil {
		// セッション自体は有効なので、キャッシュ投入のみ諦める
		m.cfg.Logger.Warn("failed to load user for session cache",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return s, nil
	}
	m.cache.Set(Digest(s.Token), user, s.ExpiresAt)
	return s, nil
}

// IssueFor は取得済みのユーザーに対してセッションを発行し、そのままキャッシュに投入する。
func (m *Manager) IssueFor(ctx context.Context, user *model.User, meta model.ClientMeta) (*model.Session, error) {
	s, err := m.create(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}
	m.cache.Set(Digest(s.Token), user, s.ExpiresAt)
	return s, nil
}

func (m *Manager) create(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, model.NewInternalError(err)
	}

	now := m.cfg.Clock.Now()
	s := &model.Session{
		Token:     token,
		UserID:    userID,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Lifetime),
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.sessions.Create(sctx, Digest(token), s); err != nil {
		m.cfg.Metrics.RecordSessionStoreError("create")
		return nil, model.NewUpstreamError("create session", err)
	}

	m.cfg.Logger.Info("session issued",
		slog.String("user_id", userID),
		slog.String("session", LogID(token)),
	)
	return s, nil
}

// Resolve はトークンの所有ユーザーを返す。
// トークンが無効・期限切れ、またはストアに到達できない場合はnilを返す。
func (m *Manager) Resolve(ctx context.Context, token string) *model.User {
	if token == "" {
		return nil
	}

	key := Digest(token)
	if user, ok := m.cache.Get(key); ok {
		m.cfg.Metrics.RecordSessionCacheHit()
		return user
	}
	m.cfg.Metrics.RecordSessionCacheMiss()

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.load(ctx, key)
	})
	if err != nil {
		m.cfg.Metrics.RecordSessionStoreError("resolve")
		m.cfg.Logger.Warn("session store unavailable, treating request as unauthenticated",
			slog.String("session", key[:8]),
			slog.String("error", err.Error()),
		)
		return nil
	}

	user, _ := v.(*model.User)
	if user == nil {
		return nil
	}
	u := *user
	return &u
}

func (m *Manager) load(ctx context.Context, key string) (*model.User, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	s, err := m.sessions.FindByToken(sctx, key)
	if err != nil {
		return nil, err
	}
	if s == nil || s.IsExpired(m.cfg.Clock.Now()) {
		return nil, nil
	}

	user, err := m.users.FindByID(sctx, s.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session owner: %w", err)
	}
	if user == nil {
		return nil, nil
	}

	m.cache.Set(key, user, s.ExpiresAt)
	return user.Public(), nil
}

// Invalidate はトークンを失効させる。存在しないトークンに対してもエラーにしない。
// キャッシュからの削除はストアの結果に関わらず行う。
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	key := Digest(token)
	m.cache.Delete(key)

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	err := m.sessions.DeleteByToken(sctx, key)

	// 削除前に開始した解決処理が再投入していても取り除く
	m.cache.Delete(key)

	if err != nil {
		m.cfg.Metrics.RecordSessionStoreError("delete")
		return model.NewUpstreamError("delete session", err)
	}

	m.cfg.Logger.Info("session invalidated", slog.String("session", key[:8]))
	return nil
}

// InvalidateUser はユーザーの全セッションを失効させる。
func (m *Manager) InvalidateUser(ctx context.Context, userID string) error {
	m.cache.DeleteUser(userID)

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	err := m.sessions.DeleteByUserID(sctx, userID)

	m.cache.DeleteUser(userID)

	if err != nil {
		m.cfg.Metrics.RecordSessionStoreError("delete_user")
		return model.NewUpstreamError("delete user sessions", err)
	}
	return nil
}

// SweepExpired は期限切れセッションをストアとキャッシュから削除し、ストアの削除件数を返す。
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	m.cache.Sweep()

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	n, err := m.sessions.DeleteExpired(sctx)
	if err != nil {
		m.cfg.Metrics.RecordSessionStoreError("sweep")
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	return n, nil
}

// storeContext は呼び出し元のキャンセルを引き継がず、StoreTimeoutで打ち切るコンテキストを返す。
// クライアントが切断しても認証状態の書き込みは最後まで行う。
func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
}

// Digest はトークンのSHA-256ダイジェスト（16進）を返す。ストアとキャッシュのキーに使う。
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LogID はログ出力用のトークン識別子（ダイジェストの先頭8文字）を返す。
func LogID(token string) string {
	return Digest(token)[:8]
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
