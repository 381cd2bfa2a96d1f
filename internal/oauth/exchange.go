package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/security"
)

// プロバイダーへの送信ペースの既定値
const (
	DefaultProviderTimeout = 10 * time.Second
	DefaultProviderRate    = rate.Limit(5)
	DefaultProviderBurst   = 10
)

var (
	// ErrExchangeFailed は認可コードの交換に失敗した場合のエラー。
	ErrExchangeFailed = errors.New("oauth code exchange failed")
	// ErrRefreshFailed はトークンのリフレッシュに失敗した場合のエラー。
	// 呼び出し元はユーザーに再連携を促す必要がある。
	ErrRefreshFailed = errors.New("oauth token refresh failed")
)

// ExchangerConfig はExchangerの設定。
type ExchangerConfig struct {
	BaseURL    string
	HTTPClient *http.Client // nilの場合はSSRF対策済みのクライアントを使う
	Timeout    time.Duration
	Rate       rate.Limit
	Burst      int
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Exchanger はプロバイダーの認可URL生成、認可コード交換、リフレッシュを行う。
type Exchanger struct {
	registry *Registry
	states   *StateStore
	client   *http.Client
	cfg      ExchangerConfig
	limiters map[string]*rate.Limiter
}

// NewExchanger はExchangerを生成する。
// 送信ペースの制御はプロバイダーごとに独立している。
func NewExchanger(registry *Registry, states *StateStore, cfg ExchangerConfig) *Exchanger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderTimeout
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultProviderRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultProviderBurst
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = security.NewProviderClient(cfg.Timeout)
	}

	limiters := make(map[string]*rate.Limiter, registry.Len())
	for _, p := range registry.List() {
		limiters[p.ID] = rate.NewLimiter(cfg.Rate, cfg.Burst)
	}

	return &Exchanger{
		registry: registry,
		states:   states,
		client:   client,
		cfg:      cfg,
		limiters: limiters,
	}
}

// Registry は利用しているプロバイダーレジストリを返す。
func (e *Exchanger) Registry() *Registry {
	return e.registry
}

func (e *Exchanger) config(p *Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     p.endpoint(),
		RedirectURL:  redirectURL(e.cfg.BaseURL, p.ID),
		Scopes:       p.Scopes,
	}
}

// AuthorizationURL はstateを埋め込んだ認可URLを返す。
func (e *Exchanger) AuthorizationURL(provider, state string) (string, error) {
	p, err := e.registry.Get(provider)
	if err != nil {
		return "", model.NewUnknownProviderError(provider)
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(p.AuthParams))
	for k, v := range p.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return e.config(p).AuthCodeURL(state, opts...), nil
}

// BeginAuthorization はユーザーに紐付いたstateを発行し、認可URLとともに返す。
func (e *Exchanger) BeginAuthorization(userID, provider string) (authURL, state string, err error) {
	if _, err := e.registry.Get(provider); err != nil {
		return "", "", model.NewUnknownProviderError(provider)
	}
	state, err = e.states.Issue(userID, provider)
	if err != nil {
		return "", "", model.NewInternalError(err)
	}
	authURL, err = e.AuthorizationURL(provider, state)
	if err != nil {
		return "", "", err
	}
	return authURL, state, nil
}

// Exchange はstateを検証したうえで認可コードをトークンに交換する。
// stateが不正な場合はプロバイダーを呼ばずにErrInvalidStateを返す。
func (e *Exchanger) Exchange(ctx context.Context, userID, provider, code, state string) (*oauth2.Token, error) {
	p, err := e.registry.Get(provider)
	if err != nil {
		return nil, model.NewUnknownProviderError(provider)
	}
	if err := e.states.Verify(state, userID, provider); err != nil {
		e.cfg.Metrics.RecordOAuthExchange(provider, "invalid_state")
		return nil, model.NewInvalidStateError(err)
	}

	ctx, cancel := e.providerContext(ctx)
	defer cancel()
	if err := e.limiters[p.ID].Wait(ctx); err != nil {
		e.cfg.Metrics.RecordOAuthExchange(provider, "error")
		return nil, model.NewUpstreamError("oauth exchange", fmt.Errorf("%w: %w", ErrExchangeFailed, err))
	}

	tok, err := e.config(p).Exchange(ctx, code)
	if err != nil {
		result, apiErr := classify(p.Name, "oauth exchange", ErrExchangeFailed, err)
		e.cfg.Metrics.RecordOAuthExchange(provider, result)
		e.cfg.Logger.Warn("oauth code exchange failed",
			slog.String("provider", provider),
			slog.String("result", result),
			slog.String("error", err.Error()),
		)
		return nil, apiErr
	}

	e.cfg.Metrics.RecordOAuthExchange(provider, "success")
	return tok, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// プロバイダーが新しいリフレッシュトークンを返さない場合は元の値を引き継ぐ。
func (e *Exchanger) Refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error) {
	p, err := e.registry.Get(provider)
	if err != nil {
		return nil, model.NewUnknownProviderError(provider)
	}
	if refreshToken == "" {
		e.cfg.Metrics.RecordOAuthRefresh(provider, "rejected")
		return nil, model.NewCredentialInvalidError(p.Name, fmt.Errorf("%w: no refresh token", ErrRefreshFailed))
	}

	ctx, cancel := e.providerContext(ctx)
	defer cancel()
	if err := e.limiters[p.ID].Wait(ctx); err != nil {
		e.cfg.Metrics.RecordOAuthRefresh(provider, "error")
		return nil, model.NewUpstreamError("oauth refresh", fmt.Errorf("%w: %w", ErrRefreshFailed, err))
	}

	tok, err := e.config(p).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		result, apiErr := classify(p.Name, "oauth refresh", ErrRefreshFailed, err)
		e.cfg.Metrics.RecordOAuthRefresh(provider, result)
		e.cfg.Logger.Warn("oauth token refresh failed",
			slog.String("provider", provider),
			slog.String("result", result),
			slog.String("error", err.Error()),
		)
		return nil, apiErr
	}

	e.cfg.Metrics.RecordOAuthRefresh(provider, "success")
	return tok, nil
}

// providerContext はプロバイダー呼び出し用のHTTPクライアントとタイムアウトをctxに設定する。
// 認可コードは1回しか使えないため、呼び出し元のキャンセルは引き継がない。
func (e *Exchanger) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, e.client)
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

// classify はプロバイダー呼び出しのエラーを分類する。
// 4xxはプロバイダーによる拒否、それ以外は一時的な障害として扱う。
func classify(provider, op string, sentinel, err error) (string, *model.APIError) {
	cause := fmt.Errorf("%w: %w", sentinel, err)

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status >= 400 && status < 500 {
			return "rejected", model.NewCredentialInvalidError(provider, cause)
		}
	}
	return "error", model.NewUpstreamError(op, cause)
}
