// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// IDは不変。Emailは常に小文字で保持する。
type User struct {
	ID           string
	Email        string
	Name         string
	Company      string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Public はパスワードハッシュを除いたユーザーの複製を返す。
// セッションキャッシュやAPIレスポンスにはこちらを使う。
func (u *User) Public() *User {
	if u == nil {
		return nil
	}
	cp := *u
	cp.PasswordHash = ""
	return &cp
}

// ClientMeta はセッション発行時のクライアント情報。
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// Session はユーザーのログインセッションを表す。
// Tokenは平文トークンで、永続化時にはダイジェストのみを保存する。
type Session struct {
	Token     string
	UserID    string
	UserAgent string
	IPAddress string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired はnow時点でセッションが期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
