// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/kairo/internal/model"
)

// ErrDuplicateEmail はメールアドレスの一意制約違反を表す。
var ErrDuplicateEmail = errors.New("email already registered")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByEmail は小文字化済みのメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdatePasswordHash はパスワードハッシュを置き換える。旧形式からの移行に使う。
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// トークンは平文では保存せず、呼び出し側が計算したダイジェストをキーにする。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, tokenDigest string, session *model.Session) error

	// FindByToken はダイジェストでセッションを取得する。見つからない場合はnilを返す。
	// 有効期限の判定は呼び出し側で行う。
	FindByToken(ctx context.Context, tokenDigest string) (*model.Session, error)

	// DeleteByToken はダイジェストに対応するセッションを削除する。存在しなくてもエラーにしない。
	DeleteByToken(ctx context.Context, tokenDigest string) error

	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error

	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// CredentialRepository はOAuth認証情報の永続化インターフェース。
// トークンは暗号化済みの値を受け渡しする。
type CredentialRepository interface {
	// Upsert は(user_id, provider)で認証情報を作成または更新し、行のIDを返す。
	Upsert(ctx context.Context, cred *model.OAuthCredential) (string, error)

	// Find はユーザーとプロバイダーで認証情報を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, userID, provider string) (*model.OAuthCredential, error)

	// Delete はユーザーとプロバイダーの認証情報を削除する。削除した場合にtrueを返す。
	Delete(ctx context.Context, userID, provider string) (bool, error)

	// ListByUser はユーザーの全認証情報をプロバイダー名順で返す。
	ListByUser(ctx context.Context, userID string) ([]*model.OAuthCredential, error)
}

// AuditRepository は監査ログの永続化インターフェース。追記のみを提供する。
type AuditRepository interface {
	Insert(ctx context.Context, entry *model.AuditLogEntry) error
}
