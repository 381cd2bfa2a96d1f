package model

import "time"

// OAuthCredential は外部プロバイダーのOAuth認証情報を表す。
// (UserID, Provider) の組ごとに最大1件のみ存在する。
// AccessToken/RefreshTokenはメモリ上では平文、永続化時は暗号化される。
type OAuthCredential struct {
	ID           string
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time // ゼロ値は有効期限なし
	Scopes       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NeedsRefresh はnow >= Expiry - skew のときtrueを返す。
// 有効期限が設定されていない認証情報はリフレッシュ不要とみなす。
func (c *OAuthCredential) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Before(c.Expiry.Add(-skew))
}

// OAuthConnection は接続済みプロバイダーの一覧表示用の情報。
// トークンは含まない。
type OAuthConnection struct {
	Provider  string
	Scopes    []string
	Expiry    time.Time
	UpdatedAt time.Time
}
