// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/kairo/internal/middleware"
	"github.com/hitoshi/kairo/internal/model"
)

// SuccessResponse は成功レスポンスの統一フォーマット。
type SuccessResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// UserResponse はAPIレスポンスで返すユーザー情報。パスワードハッシュは含まない。
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Company   string    `json:"company,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthResponse はサインイン・サインアップのレスポンス。
type AuthResponse struct {
	User    UserResponse `json:"user"`
	Message string       `json:"message"`
}

func toUserResponse(u *model.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Company:   u.Company,
		CreatedAt: u.CreatedAt,
	}
}

// writeSuccess は成功レスポンスを書き込む。
func writeSuccess(w http.ResponseWriter, status int, data any, message string, now time.Time) {
	middleware.WriteJSON(w, status, SuccessResponse{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}
