package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/hitoshi/kairo/internal/audit"
	"github.com/hitoshi/kairo/internal/middleware"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/oauth"
)

// oauthStateCookie は認可リクエストのstateを保持するCookieの名前。
const oauthStateCookie = "oauth-state"

// コールバックのリダイレクトで使うエラーコード。プロバイダーの生のエラー文言は埋め込まない。
const (
	callbackErrAccessDenied    = "access_denied"
	callbackErrInvalidState    = "invalid_state"
	callbackErrNoCode          = "no_code"
	callbackErrExchangeFailed  = "exchange_failed"
	callbackErrStorageFailed   = "storage_failed"
	callbackErrUnknownProvider = "unknown_provider"
	callbackErrProviderError   = "provider_error"
)

// OAuthFlow は認可フローを担うインターフェース。*oauth.Exchanger が実装する。
type OAuthFlow interface {
	BeginAuthorization(userID, provider string) (authURL, state string, err error)
	Exchange(ctx context.Context, userID, provider, code, state string) (*oauth2.Token, error)
	Registry() *oauth.Registry
}

// CredentialStore は認証情報の保管を担うインターフェース。*oauth.Vault が実装する。
type CredentialStore interface {
	Store(ctx context.Context, userID, provider string, tok *oauth2.Token) (string, error)
	Get(ctx context.Context, userID, provider string) (*model.OAuthCredential, error)
	RefreshIfNeeded(ctx context.Context, cred *model.OAuthCredential) (*model.OAuthCredential, error)
	Delete(ctx context.Context, userID, provider string) (bool, error)
	List(ctx context.Context, userID string) ([]model.OAuthConnection, error)
}

var (
	_ OAuthFlow       = (*oauth.Exchanger)(nil)
	_ CredentialStore = (*oauth.Vault)(nil)
)

// OAuthHandlerConfig はOAuthハンドラーの設定。
type OAuthHandlerConfig struct {
	BaseURL      string
	CookieSecure bool
	StateTTL     time.Duration
	Now          func() time.Time
}

// AuthorizeResponse はGET /api/oauth/authorize/{provider} のレスポンス。
type AuthorizeResponse struct {
	AuthURL  string `json:"authUrl"`
	State    string `json:"state"`
	Provider string `json:"provider"`
}

// ProviderResponse は連携先プロバイダーの一覧表示用の情報。
type ProviderResponse struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Scopes     []string `json:"scopes"`
	Configured bool     `json:"configured"`
}

// ConnectionResponse は接続済みプロバイダーの情報。トークンは含まない。
type ConnectionResponse struct {
	Provider  string     `json:"provider"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// OAuthHandler は外部サービス連携のHTTPハンドラー。
type OAuthHandler struct {
	flow   OAuthFlow
	vault  CredentialStore
	audit  audit.Recorder
	gate   *middleware.Gate
	config OAuthHandlerConfig
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(flow OAuthFlow, vault CredentialStore, recorder audit.Recorder, gate *middleware.Gate, config OAuthHandlerConfig) *OAuthHandler {
	if config.StateTTL <= 0 {
		config.StateTTL = oauth.DefaultStateTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &OAuthHandler{
		flow:   flow,
		vault:  vault,
		audit:  recorder,
		gate:   gate,
		config: config,
	}
}

// Providers は登録済みのプロバイダー一覧を返す。
// GET /api/oauth/providers
func (h *OAuthHandler) Providers(w http.ResponseWriter, r *http.Request) error {
	providers := h.flow.Registry().List()
	out := make([]ProviderResponse, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderResponse{
			ID:         p.ID,
			Name:       p.Name,
			Category:   p.Category,
			Scopes:     p.Scopes,
			Configured: p.Configured(),
		})
	}
	writeSuccess(w, http.StatusOK, out, "", h.config.Now())
	return nil
}

// Authorize はユーザーに紐付いたstateを発行し、認可URLを返す。
// stateはHttpOnly Cookieにも保存する。
// GET /api/oauth/authorize/{provider}
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return model.NewUnauthenticatedError()
	}
	provider := chi.URLParam(r, "provider")

	authURL, state, err := h.flow.BeginAuthorization(userID, provider)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/oauth",
		MaxAge:   int(h.config.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	middleware.WriteJSON(w, http.StatusOK, AuthorizeResponse{
		AuthURL:  authURL,
		State:    state,
		Provider: provider,
	})
	return nil
}

// Callback はプロバイダーからのリダイレクトを処理し、連携状況ページへリダイレクトする。
// error パラメータがある場合はトークン交換を行わない。
// GET /api/oauth/callback/{provider}?code=xxx&state=yyy
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) error {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	h.clearStateCookie(w)

	if providerErr := q.Get("error"); providerErr != "" {
		code := callbackErrProviderError
		if providerErr == callbackErrAccessDenied {
			code = callbackErrAccessDenied
		}
		slog.Info("oauth authorization was not granted",
			slog.String("provider", provider),
			slog.String("code", code),
		)
		h.redirectResult(w, r, provider, code)
		return nil
	}

	if _, err := h.flow.Registry().Get(provider); err != nil {
		h.redirectResult(w, r, provider, callbackErrUnknownProvider)
		return nil
	}

	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		h.redirectResult(w, r, provider, callbackErrInvalidState)
		return nil
	}

	state := q.Get("state")
	if cookie, err := r.Cookie(oauthStateCookie); err == nil && cookie.Value != "" && state != "" && cookie.Value != state {
		h.redirectResult(w, r, provider, callbackErrInvalidState)
		return nil
	}
	if state == "" {
		h.redirectResult(w, r, provider, callbackErrInvalidState)
		return nil
	}

	code := q.Get("code")
	if code == "" {
		h.redirectResult(w, r, provider, callbackErrNoCode)
		return nil
	}

	tok, err := h.flow.Exchange(r.Context(), userID, provider, code, state)
	if err != nil {
		h.redirectResult(w, r, provider, callbackErrorCode(err))
		return nil
	}

	credID, err := h.vault.Store(r.Context(), userID, provider, tok)
	if err != nil {
		slog.Error("failed to store oauth credential",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		h.redirectResult(w, r, provider, callbackErrStorageFailed)
		return nil
	}

	h.record(r, userID, model.AuditActionOAuthConnected, credID, map[string]any{"provider": provider})
	h.redirectResult(w, r, provider, "")
	return nil
}

// Connections は接続済みプロバイダーの一覧を返す。
// GET /api/oauth/connections
func (h *OAuthHandler) Connections(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return model.NewUnauthenticatedError()
	}

	conns, err := h.vault.List(r.Context(), userID)
	if err != nil {
		return err
	}

	out := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, toConnectionResponse(c.Provider, c.Scopes, c.Expiry, c.UpdatedAt))
	}
	writeSuccess(w, http.StatusOK, out, "", h.config.Now())
	return nil
}

// Disconnect はプロバイダーとの連携を解除する。
// DELETE /api/oauth/connections/{provider}
func (h *OAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return model.NewUnauthenticatedError()
	}
	provider := chi.URLParam(r, "provider")

	deleted, err := h.vault.Delete(r.Context(), userID, provider)
	if err != nil {
		return err
	}
	if !deleted {
		return model.NewNotFoundError("連携が見つかりません。")
	}

	h.record(r, userID, model.AuditActionOAuthDisconnected, "", map[string]any{"provider": provider})
	writeSuccess(w, http.StatusOK, nil, "連携を解除しました。", h.config.Now())
	return nil
}

// Refresh は有効期限が近いアクセストークンを更新する。
// POST /api/oauth/connections/{provider}/refresh
func (h *OAuthHandler) Refresh(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		return model.NewUnauthenticatedError()
	}
	provider := chi.URLParam(r, "provider")

	cred, err := h.vault.Get(r.Context(), userID, provider)
	if err != nil {
		return err
	}
	if cred == nil {
		return model.NewNotFoundError("連携が見つかりません。")
	}

	refreshed, err := h.vault.RefreshIfNeeded(r.Context(), cred)
	if err != nil {
		h.record(r, userID, model.AuditActionOAuthRefreshFailed, cred.ID, map[string]any{
			"provider": provider,
			"kind":     model.KindOf(err).String(),
		})
		return err
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"connection": toConnectionResponse(refreshed.Provider, refreshed.Scopes, refreshed.Expiry, refreshed.UpdatedAt),
		"refreshed":  refreshed != cred,
	}, "", h.config.Now())
	return nil
}

// redirectResult は連携状況ページへリダイレクトする。errCodeが空の場合は成功。
func (h *OAuthHandler) redirectResult(w http.ResponseWriter, r *http.Request, provider, errCode string) {
	q := url.Values{}
	if errCode == "" {
		q.Set("success", "true")
	} else {
		q.Set("error", errCode)
	}
	if provider != "" {
		q.Set("provider", provider)
	}
	target := strings.TrimRight(h.config.BaseURL, "/") + "/integrations?" + q.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *OAuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/api/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *OAuthHandler) record(r *http.Request, userID, action, targetID string, metadata map[string]any) {
	if h.audit == nil {
		return
	}
	entry := audit.FromRequest(h.gate.ClientMeta(r), userID, action)
	entry.TargetType = "oauth_credential"
	entry.TargetID = targetID
	entry.Metadata = metadata
	h.audit.Record(r.Context(), entry)
}

// callbackErrorCode はトークン交換のエラーをリダイレクト用のコードに変換する。
func callbackErrorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrCodeInvalidState:
			return callbackErrInvalidState
		case model.ErrCodeUnknownProvider:
			return callbackErrUnknownProvider
		}
	}
	return callbackErrExchangeFailed
}

func toConnectionResponse(provider string, scopes []string, expiry, updatedAt time.Time) ConnectionResponse {
	resp := ConnectionResponse{
		Provider:  provider,
		Scopes:    scopes,
		UpdatedAt: updatedAt,
	}
	if !expiry.IsZero() {
		e := expiry
		resp.ExpiresAt = &e
	}
	return resp
}
