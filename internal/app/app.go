package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/kairo/internal/audit"
	"github.com/hitoshi/kairo/internal/auth"
	"github.com/hitoshi/kairo/internal/config"
	"github.com/hitoshi/kairo/internal/database"
	"github.com/hitoshi/kairo/internal/handler"
	"github.com/hitoshi/kairo/internal/logger"
	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/middleware"
	"github.com/hitoshi/kairo/internal/oauth"
	"github.com/hitoshi/kairo/internal/ratelimit"
	"github.com/hitoshi/kairo/internal/repository"
	"github.com/hitoshi/kairo/internal/security"
	"github.com/hitoshi/kairo/internal/session"
	"github.com/hitoshi/kairo/internal/worker/cleanup"
)

const (
	healthPingTimeout  = 2 * time.Second
	memorySweepEvery   = time.Minute
	shutdownTimeout    = 30 * time.Second
	defaultServerPort  = "8080"
	healthcheckTimeout = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Components は起動時に組み立てた依存関係一式。
// Startでバックグラウンドの掃除を開始し、Closeで停止する。
type Components struct {
	Handler  http.Handler
	Sessions *session.Manager
	Cache    *session.Cache
	Limiter  *ratelimit.Limiter
	Blocker  *security.IPBlocker
	States   *oauth.StateStore
	Audit    *audit.Logger
	Cleanup  *cleanup.CleanupJob
}

// profilesFromConfig は設定値からレート制限プロファイルを組み立てる。
// 認証プロファイルのブロック期間は既定値を引き継ぐ。
func profilesFromConfig(cfg *config.Config) handler.Profiles {
	p := handler.DefaultProfiles()
	p.Auth.Limit, p.Auth.Window = cfg.RateLimitAuth, cfg.RateLimitAuthWindow
	p.General.Limit, p.General.Window = cfg.RateLimitGeneral, cfg.RateLimitGeneralWindow
	p.OAuth.Limit, p.OAuth.Window = cfg.RateLimitOAuth, cfg.RateLimitOAuthWindow
	return p
}

// Build はDB接続とメトリクスレジストリから全コンポーネントをワイヤリングする。
// regがnilの場合は新しいレジストリを作る。
func Build(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*Components, error) {
	log := slog.Default()

	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
	}

	// 失敗しうる初期化はワーカー起動前に済ませる
	registry, err := oauth.LoadRegistry(cfg.OAuthProvidersFile, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth providers: %w", err)
	}
	cipher, err := security.NewCipher(cfg.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault cipher: %w", err)
	}

	collector := metrics.NewCollector(reg)

	// 1. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	// 2. 監査ログ
	auditLogger := audit.NewLogger(auditRepo, audit.Config{
		BufferSize:   cfg.AuditBufferSize,
		WriteTimeout: cfg.StoreTimeout,
		Metrics:      collector,
		Logger:       log,
	})

	// 3. セッション
	cache := session.NewCache(cfg.SessionCacheTTL, session.SystemClock)
	sessions := session.NewManager(sessionRepo, userRepo, cache, session.Config{
		Lifetime:     time.Duration(cfg.SessionMaxAge) * time.Second,
		StoreTimeout: cfg.StoreTimeout,
		Metrics:      collector,
		Logger:       log,
	})

	authService := auth.NewService(
		userRepo, sessions,
		security.NewPasswordHasher(0),
		security.NewInputSanitizer(),
		auditLogger,
		auth.ServiceConfig{Metrics: collector, Logger: log},
	)

	// 4. 外部連携
	states := oauth.NewStateStore([]byte(cfg.SessionSecret), oauth.DefaultStateTTL, nil)
	exchanger := oauth.NewExchanger(registry, states, oauth.ExchangerConfig{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.ProviderTimeout,
		Metrics: collector,
		Logger:  log,
	})
	vault := oauth.NewVault(credRepo, cipher, exchanger, oauth.VaultConfig{
		RefreshSkew:  cfg.OAuthRefreshSkew,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       log,
	})

	// 5. セキュリティゲート
	limiter := ratelimit.New(nil)
	blocker := security.NewIPBlocker(security.DefaultSuspiciousThreshold, security.DefaultBlockDuration, nil)
	gate := middleware.NewGate(middleware.GateConfig{
		Limiter:    limiter,
		Blocker:    blocker,
		Audit:      auditLogger,
		Metrics:    collector,
		Logger:     log,
		ShowDetail: !cfg.IsProduction(),
		TrustProxy: cfg.TrustProxy,
	})

	// 6. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		Gate:              gate,
		Sessions:          sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HSTS:           cfg.CookieSecure,
		FloodLimit:     cfg.FloodLimit,
		Profiles:       profilesFromConfig(cfg),
		Logger:         log,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		OAuthFlow:   exchanger,
		Credentials: vault,
		Audit:       auditLogger,
		OAuthConfig: handler.OAuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieSecure: cfg.CookieSecure,
			StateTTL:     oauth.DefaultStateTTL,
		},

		Health: func(r *http.Request) error {
			return database.Ping(r.Context(), db, healthPingTimeout)
		},
	})

	// 7. 掃除ジョブ
	job := cleanup.NewCleanupJob(sessions, log,
		cleanup.MemorySweeper{Name: "session_cache", Sweep: cache.Sweep},
		cleanup.MemorySweeper{Name: "rate_limit", Sweep: limiter.Sweep},
		cleanup.MemorySweeper{Name: "oauth_state", Sweep: states.Sweep},
		cleanup.MemorySweeper{Name: "ip_blocker", Sweep: blocker.Cleanup},
	)

	return &Components{
		Handler:  router,
		Sessions: sessions,
		Cache:    cache,
		Limiter:  limiter,
		Blocker:  blocker,
		States:   states,
		Audit:    auditLogger,
		Cleanup:  job,
	}, nil
}

// Start はキャッシュとレート制限のバックグラウンド掃除を開始する。
func (c *Components) Start() {
	c.Cache.Start(memorySweepEvery)
	c.Limiter.Start(memorySweepEvery)
}

// Close はバックグラウンド処理を停止し、未書き込みの監査ログを流し切る。
func (c *Components) Close(ctx context.Context) error {
	c.Limiter.Stop()
	c.Cache.Stop()
	if err := c.Audit.Close(ctx); err != nil {
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	return nil
}

// openDatabase はDB接続を開き、到達性を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(context.Background(), db, cfg.StoreTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// HTTPサーバーと掃除ジョブを並行して動かし、
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	comps, err := Build(cfg, db, nil)
	if err != nil {
		return err
	}
	comps.Start()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           comps.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		comps.Cleanup.Start(gctx, cfg.SessionSweep)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return comps.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runSweep は期限切れセッションの削除を1回だけ実行する。
// cronなど外部スケジューラーから呼び出す用途。
func runSweep(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions := session.NewManager(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresUserRepo(db),
		session.NewCache(cfg.SessionCacheTTL, session.SystemClock),
		session.Config{StoreTimeout: cfg.StoreTimeout},
	)
	return cleanup.NewCleanupJob(sessions, slog.Default()).Run(context.Background())
}

// runMigrateUp はすべての未適用マイグレーションを順番に適用する。
func runMigrateUp(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runMigrateDown は直近stepsバージョン分のマイグレーションを戻す。
func runMigrateDown(cfg *config.Config, steps int) error {
	slog.Info("rolling back database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("steps", steps),
	)

	if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// runMigrateVersion は適用済みのマイグレーションバージョンをwに出力する。
func runMigrateVersion(cfg *config.Config, w io.Writer) error {
	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "version=%d dirty=%t\n", version, dirty)
	return err
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	if port == "" {
		port = defaultServerPort
	}
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

// checkHealth はurlにGETを送り、200以外をエラーとして返す。
func checkHealth(url string) error {
	client := &http.Client{Timeout: healthcheckTimeout}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
