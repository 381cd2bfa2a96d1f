// Package auth はメールアドレスとパスワードによるサインアップ・サインイン、
// ログアウトを提供する。セッションの発行と検証はsessionパッケージに委譲する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kairo/internal/audit"
	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/repository"
	"github.com/hitoshi/kairo/internal/security"
	"github.com/hitoshi/kairo/internal/session"
)

// SessionManager はセッションの発行・解決・破棄を行うインターフェース。
// *session.Manager が実装する。
type SessionManager interface {
	IssueFor(ctx context.Context, user *model.User, meta model.ClientMeta) (*model.Session, error)
	Resolve(ctx context.Context, token string) *model.User
	Invalidate(ctx context.Context, token string) error
	InvalidateUser(ctx context.Context, userID string) error
}

var _ SessionManager = (*session.Manager)(nil)

// SignUpInput はサインアップの入力。形式の検証は呼び出し側で済んでいる前提。
type SignUpInput struct {
	Email    string
	Password string
	Name     string
	Company  string
}

// SignInInput はサインインの入力。
type SignInInput struct {
	Email    string
	Password string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	Now     func() time.Time
	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users     repository.UserRepository
	sessions  SessionManager
	hasher    *security.PasswordHasher
	sanitizer *security.InputSanitizer
	audit     audit.Recorder
	config    ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	sessions SessionManager,
	hasher *security.PasswordHasher,
	sanitizer *security.InputSanitizer,
	recorder audit.Recorder,
	config ServiceConfig,
) *Service {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Nop{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{
		users:     users,
		sessions:  sessions,
		hasher:    hasher,
		sanitizer: sanitizer,
		audit:     recorder,
		config:    config,
	}
}

// NormalizeEmail はメールアドレスを比較用の形式にする。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp はユーザーを作成し、セッションを発行する。
// メールアドレスが登録済みの場合はEmailTakenエラーを返す。
func (s *Service) SignUp(ctx context.Context, in SignUpInput, meta model.ClientMeta) (*model.User, *model.Session, error) {
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, nil, model.NewInternalError(fmt.Errorf("failed to hash password: %w", err))
	}

	now := s.config.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        NormalizeEmail(in.Email),
		Name:         s.sanitizer.SanitizeText(in.Name),
		Company:      s.sanitizer.SanitizeText(in.Company),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, nil, model.NewEmailTakenError()
		}
		return nil, nil, model.NewUpstreamError("create user", err)
	}

	sess, err := s.sessions.IssueFor(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}

	s.record(ctx, meta, user.ID, model.AuditActionSignup, nil)
	s.config.Logger.Info("user signed up", slog.String("user_id", user.ID))

	return user.Public(), sess, nil
}

// SignIn はメールアドレスとパスワードを検証し、セッションを発行する。
// ユーザーが存在しない場合もパスワード不一致と同じエラーを返し、
// ダミーの検証を行って応答時間を揃える。
func (s *Service) SignIn(ctx context.Context, in SignInInput, meta model.ClientMeta) (*model.User, *model.Session, error) {
	email := NormalizeEmail(in.Email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		s.config.Metrics.RecordSignin("error")
		return nil, nil, model.NewUpstreamError("find user", err)
	}

	if user == nil {
		s.hasher.DummyVerify(in.Password)
		s.signinFailed(ctx, meta, "", "unknown_email")
		return nil, nil, model.NewInvalidCredentialsError()
	}

	ok, needsRehash := s.hasher.Verify(in.Password, user.PasswordHash)
	if !ok {
		s.signinFailed(ctx, meta, user.ID, "password_mismatch")
		return nil, nil, model.NewInvalidCredentialsError()
	}

	if needsRehash {
		s.rehash(ctx, user, in.Password)
	}

	sess, err := s.sessions.IssueFor(ctx, user, meta)
	if err != nil {
		s.config.Metrics.RecordSignin("error")
		return nil, nil, err
	}

	s.config.Metrics.RecordSignin("success")
	s.record(ctx, meta, user.ID, model.AuditActionSignin, nil)

	return user.Public(), sess, nil
}

// rehash は旧形式やコスト不足のハッシュを現行形式に置き換える。
// 失敗してもサインインは成功させる。
func (s *Service) rehash(ctx context.Context, user *model.User, password string) {
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.config.Logger.Warn("failed to upgrade password hash",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	user.PasswordHash = hash
	s.config.Logger.Info("password hash upgraded", slog.String("user_id", user.ID))
}

func (s *Service) signinFailed(ctx context.Context, meta model.ClientMeta, userID, reason string) {
	s.config.Metrics.RecordSignin("failure")
	s.record(ctx, meta, userID, model.AuditActionSigninFailed, map[string]any{"reason": reason})
}

// CurrentUser はセッショントークンに対応するユーザーを返す。
// 無効なトークンやストア障害の場合はnilを返す。
func (s *Service) CurrentUser(ctx context.Context, token string) *model.User {
	if token == "" {
		return nil
	}
	return s.sessions.Resolve(ctx, token)
}

// Logout はセッションを破棄する。トークンが無効でもエラーにしない。
func (s *Service) Logout(ctx context.Context, token string, meta model.ClientMeta) error {
	if token == "" {
		return nil
	}

	var actorID string
	if user := s.sessions.Resolve(ctx, token); user != nil {
		actorID = user.ID
	}

	if err := s.sessions.Invalidate(ctx, token); err != nil {
		return err
	}

	if actorID != "" {
		s.record(ctx, meta, actorID, model.AuditActionLogout, nil)
		s.config.Logger.Info("user logged out",
			slog.String("user_id", actorID),
			slog.String("session", session.LogID(token)),
		)
	}
	return nil
}

// LogoutAll はユーザーの全セッションを破棄する。
func (s *Service) LogoutAll(ctx context.Context, userID string, meta model.ClientMeta) error {
	if err := s.sessions.InvalidateUser(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, meta, userID, model.AuditActionLogout, map[string]any{"scope": "all"})
	return nil
}

func (s *Service) record(ctx context.Context, meta model.ClientMeta, actorID, action string, metadata map[string]any) {
	entry := audit.FromRequest(meta, actorID, action)
	entry.TargetType = "user"
	entry.TargetID = actorID
	entry.Metadata = metadata
	s.audit.Record(ctx, entry)
}
