package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/hitoshi/kairo/internal/audit"
	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/middleware"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/ratelimit"
)

// 接続元IP単位の粗い流量制限。プロファイル別の制限より手前で過剰なリクエストを落とす。
const (
	floodLimit  = 300
	floodWindow = time.Minute
)

// logoutPath はCSRF検証の対象外とするログアウトのパス。
const logoutPath = "/api/auth/logout"

// Profiles はルート種別ごとのレート制限プロファイル。
type Profiles struct {
	Auth    ratelimit.Profile
	General ratelimit.Profile
	OAuth   ratelimit.Profile
}

// DefaultProfiles は既定のプロファイルを返す。
func DefaultProfiles() Profiles {
	return Profiles{
		Auth:    ratelimit.ProfileAuth,
		General: ratelimit.ProfileGeneral,
		OAuth:   ratelimit.ProfileOAuth,
	}
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Gate              *middleware.Gate
	Sessions          middleware.SessionResolver
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	HSTS              bool
	FloodLimit        int
	Profiles          Profiles
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler // nilの場合 /metrics は公開しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 外部連携
	OAuthFlow   OAuthFlow
	Credentials CredentialStore
	Audit       audit.Recorder
	OAuthConfig OAuthHandlerConfig

	// ヘルスチェック
	Health func(r *http.Request) error
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → httprate(IP) → Session → CSRF → Gate(ルート単位)
//
// Gateはメソッド検証、IPブロック、レート制限、認証、スキーマ検証をルートごとに適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flood := deps.FloodLimit
	if flood <= 0 {
		flood = floodLimit
	}

	// ログアウトは古いタブやCSRF Cookie切れでも必ずセッションCookieを消す
	csrf := deps.CSRF
	csrf.ExemptPaths = append(slices.Clone(csrf.ExemptPaths), logoutPath)

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Gate.ShowDetail()))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))

	// ヘルスチェックとメトリクスはセッション解決の対象外
	r.Get("/health", healthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Gate, deps.AuthConfig)
	oauthHandler := NewOAuthHandler(deps.OAuthFlow, deps.Credentials, deps.Audit, deps.Gate, deps.OAuthConfig)
	gate := deps.Gate
	p := deps.Profiles

	post := []string{http.MethodPost}
	get := []string{http.MethodGet}

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(flood, floodWindow,
			httprate.WithKeyFuncs(func(req *http.Request) (string, error) {
				return gate.ClientIP(req), nil
			}),
			httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
				middleware.WriteError(w, model.NewRateLimitedError(int(floodWindow.Seconds())), false)
			}),
		))
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(middleware.NewCSRFMiddleware(csrf))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// 認証
		r.Route("/api/auth", func(r chi.Router) {
			r.Handle("/signin", gate.Wrap(middleware.GateRoute{
				Methods: post,
				Profile: p.Auth,
				Schema:  func() any { return &SignInRequest{} },
			}, authHandler.SignIn))
			r.Handle("/signup", gate.Wrap(middleware.GateRoute{
				Methods: post,
				Profile: p.Auth,
				Schema:  func() any { return &SignUpRequest{} },
			}, authHandler.SignUp))
			r.Handle("/me", gate.Wrap(middleware.GateRoute{
				Methods: get,
				Profile: p.General,
			}, authHandler.Me))
			// ログアウトは常にCookieをクリアするため、レート制限をかけない
			r.Handle("/logout", gate.Wrap(middleware.GateRoute{
				Methods: post,
			}, authHandler.Logout))
			r.Handle("/logout-all", gate.Wrap(middleware.GateRoute{
				Methods:     post,
				Profile:     p.General,
				RequireAuth: true,
			}, authHandler.LogoutAll))
		})

		// 外部サービス連携
		r.Route("/api/oauth", func(r chi.Router) {
			r.Handle("/providers", gate.Wrap(middleware.GateRoute{
				Methods: get,
				Profile: p.General,
			}, oauthHandler.Providers))
			r.Handle("/authorize/{provider}", gate.Wrap(middleware.GateRoute{
				Methods:     get,
				Profile:     p.OAuth,
				RequireAuth: true,
			}, oauthHandler.Authorize))
			r.Handle("/callback/{provider}", gate.Wrap(middleware.GateRoute{
				Methods: get,
				Profile: p.OAuth,
			}, oauthHandler.Callback))
			r.Handle("/connections", gate.Wrap(middleware.GateRoute{
				Methods:     get,
				Profile:     p.General,
				RequireAuth: true,
			}, oauthHandler.Connections))
			r.Handle("/connections/{provider}", gate.Wrap(middleware.GateRoute{
				Methods:     []string{http.MethodDelete},
				Profile:     p.General,
				RequireAuth: true,
			}, oauthHandler.Disconnect))
			r.Handle("/connections/{provider}/refresh", gate.Wrap(middleware.GateRoute{
				Methods:     post,
				Profile:     p.OAuth,
				RequireAuth: true,
			}, oauthHandler.Refresh))
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, model.NewNotFoundError("リソースが見つかりません。"), false)
	})

	return r
}

// healthHandler はヘルスチェックのハンドラーを返す。checkがエラーを返した場合は503。
func healthHandler(check func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
