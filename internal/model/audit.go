package model

import "time"

// AuditLogEntry はユーザー操作の監査ログ1件を表す。
// 追記専用で、このモジュールから更新・削除されることはない。
type AuditLogEntry struct {
	ID         string
	ActorID    string // 未認証の操作では空
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

// 監査ログのアクション名
const (
	AuditActionSignup              = "signup"
	AuditActionSignin              = "signin"
	AuditActionSigninFailed        = "signin_failed"
	AuditActionLogout              = "logout"
	AuditActionOAuthConnected      = "oauth.connected"
	AuditActionOAuthDisconnected   = "oauth.disconnected"
	AuditActionOAuthRefreshFailed  = "oauth.refresh_failed"
	AuditActionSecurityRateLimited = "security.rate_limited"
	AuditActionSecuritySuspicious  = "security.suspicious"
)
