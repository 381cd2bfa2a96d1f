// Package middleware はHTTPミドルウェアと、全ルート共通のセキュリティゲートを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/kairo/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookieの名前。
const SessionCookieName = "session-token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userContextKey         = contextKey("user")
	requestStateContextKey = contextKey("request_state")
)

// SessionResolver はセッショントークンからユーザーを解決する。
// *session.Manager が実装する。
type SessionResolver interface {
	Resolve(ctx context.Context, token string) *model.User
}

// SessionToken はリクエストのCookieからセッショントークンを取り出す。
func SessionToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// NewSessionMiddleware はCookieのセッションを解決し、ユーザーをコンテキストに注入するミドルウェアを返す。
// 解決できない場合も拒否せず、匿名のまま次に渡す。認証必須の判定はGateRoute.RequireAuthで行う。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := SessionToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			user := resolver.Resolve(r.Context(), token)
			if user == nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// UserFromContext はコンテキストから認証済みユーザーを取得する。未認証の場合はnil。
func UserFromContext(ctx context.Context) *model.User {
	user, _ := ctx.Value(userContextKey).(*model.User)
	return user
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user := UserFromContext(ctx)
	if user == nil || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストにユーザーを注入する。
// ロギングミドルウェアの内側で呼ばれた場合は、アクセスログにもユーザーIDを残す。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	if state, ok := ctx.Value(requestStateContextKey).(*requestState); ok && user != nil {
		state.userID = user.ID
	}
	return context.WithValue(ctx, userContextKey, user)
}
