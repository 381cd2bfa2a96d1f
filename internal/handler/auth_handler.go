package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/kairo/internal/auth"
	"github.com/hitoshi/kairo/internal/middleware"
	"github.com/hitoshi/kairo/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, in auth.SignUpInput, meta model.ClientMeta) (*model.User, *model.Session, error)
	SignIn(ctx context.Context, in auth.SignInInput, meta model.ClientMeta) (*model.User, *model.Session, error)
	CurrentUser(ctx context.Context, token string) *model.User
	Logout(ctx context.Context, token string, meta model.ClientMeta) error
	LogoutAll(ctx context.Context, userID string, meta model.ClientMeta) error
}

var _ AuthServiceInterface = (*auth.Service)(nil)

// SignInRequest はPOST /api/auth/signin のボディ。
type SignInRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=1,max=128"`
}

// SignUpRequest はPOST /api/auth/signup のボディ。
type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=128"`
	Name     string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Company  string `json:"company,omitempty" validate:"omitempty,max=100"`
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
	Now           func() time.Time
}

// AuthHandler はサインイン・サインアップ・セッション管理のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	gate    *middleware.Gate
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, gate *middleware.Gate, config AuthHandlerConfig) *AuthHandler {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AuthHandler{
		service: service,
		gate:    gate,
		config:  config,
	}
}

// SignIn はメールアドレスとパスワードで認証し、セッションCookieを設定する。
// POST /api/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) error {
	req := middleware.Body[SignInRequest](r)

	user, sess, err := h.service.SignIn(r.Context(), auth.SignInInput{
		Email:    req.Email,
		Password: req.Password,
	}, h.gate.ClientMeta(r))
	if err != nil {
		return err
	}

	h.setSessionCookie(w, sess)
	middleware.WriteJSON(w, http.StatusOK, AuthResponse{
		User:    toUserResponse(user),
		Message: "ログインしました。",
	})
	return nil
}

// SignUp はアカウントを作成し、そのままログイン状態にする。
// POST /api/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) error {
	req := middleware.Body[SignUpRequest](r)

	user, sess, err := h.service.SignUp(r.Context(), auth.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Company:  req.Company,
	}, h.gate.ClientMeta(r))
	if err != nil {
		return err
	}

	h.setSessionCookie(w, sess)
	middleware.WriteJSON(w, http.StatusCreated, AuthResponse{
		User:    toUserResponse(user),
		Message: "アカウントを作成しました。",
	})
	return nil
}

// Me は現在のログインユーザー情報を返す。セッションがなければ401。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) error {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		user = h.service.CurrentUser(r.Context(), middleware.SessionToken(r))
	}
	if user == nil {
		return model.NewUnauthenticatedError()
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]UserResponse{"user": toUserResponse(user)})
	return nil
}

// Logout はセッションを破棄する。
// サーバー側の破棄に失敗してもCookieは必ずクリアし、200を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) error {
	if token := middleware.SessionToken(r); token != "" {
		if err := h.service.Logout(r.Context(), token, h.gate.ClientMeta(r)); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.clearSessionCookie(w)
	writeSuccess(w, http.StatusOK, nil, "ログアウトしました。", h.config.Now())
	return nil
}

// LogoutAll はユーザーのすべてのセッションを破棄する。
// POST /api/auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return model.NewUnauthenticatedError()
	}

	if err := h.service.LogoutAll(r.Context(), userID, h.gate.ClientMeta(r)); err != nil {
		return err
	}

	h.clearSessionCookie(w)
	writeSuccess(w, http.StatusOK, nil, "すべての端末からログアウトしました。", h.config.Now())
	return nil
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sess *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie はセッションCookieを即時失効させる（Max-Age=0）。
func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
