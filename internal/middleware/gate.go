package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/kairo/internal/audit"
	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/ratelimit"
	"github.com/hitoshi/kairo/internal/security"
)

// DefaultMaxBodyBytes はGateが受け付けるリクエストボディの既定上限。
const DefaultMaxBodyBytes = 64 << 10

var bodyContextKey = contextKey("body")

// HandlerFunc はエラーを返すHTTPハンドラー。返されたエラーはGateが統一フォーマットに変換する。
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// GateRoute はルートごとのゲート設定。
type GateRoute struct {
	// Methods は許可するHTTPメソッド。空の場合は全メソッドを許可する。
	Methods []string
	// Profile はレート制限のプロファイル。Limitが0の場合は制限しない。
	Profile ratelimit.Profile
	// Schema はボディのデコード先を生成する。nilの場合はボディを読まない。
	Schema func() any
	// RequireAuth がtrueの場合、未認証リクエストを401で拒否する。
	RequireAuth bool
}

// GateConfig はGateの設定。
type GateConfig struct {
	Limiter      *ratelimit.Limiter
	Blocker      *security.IPBlocker
	Audit        audit.Recorder
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
	ShowDetail   bool
	TrustProxy   bool
	MaxBodyBytes int64
	Now          func() time.Time
}

// Gate はセンシティブなルートに共通のセキュリティ処理を適用する。
// メソッド検証、IPブロック、不審リクエスト検知、レート制限、認証、
// スキーマ検証の順に評価し、ハンドラーのエラーを統一フォーマットに変換する。
type Gate struct {
	limiter      *ratelimit.Limiter
	blocker      *security.IPBlocker
	audit        audit.Recorder
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	validate     *validator.Validate
	showDetail   bool
	trustProxy   bool
	maxBodyBytes int64
	now          func() time.Time
}

// NewGate はGateを生成する。
func NewGate(cfg GateConfig) *Gate {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// フィールド名はJSONのキー名で報告する
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	return &Gate{
		limiter:      cfg.Limiter,
		blocker:      cfg.Blocker,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		validate:     v,
		showDetail:   cfg.ShowDetail,
		trustProxy:   cfg.TrustProxy,
		maxBodyBytes: cfg.MaxBodyBytes,
		now:          cfg.Now,
	}
}

// ClientIP はリクエスト元のIPアドレスを返す。
// trustProxyがtrueの場合はX-Forwarded-Forの先頭、次にX-Real-IPを優先する。
func (g *Gate) ClientIP(r *http.Request) string {
	return ClientIP(r, g.trustProxy)
}

// ClientMeta は監査ログとセッション発行に使うクライアント情報を返す。
func (g *Gate) ClientMeta(r *http.Request) model.ClientMeta {
	return model.ClientMeta{
		IPAddress: g.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// ShowDetail はエラーレスポンスに内部原因を含めるかを返す。
func (g *Gate) ShowDetail() bool {
	return g.showDetail
}

// Wrap はhandlerにrouteのゲート処理を適用したhttp.Handlerを返す。
func (g *Gate) Wrap(route GateRoute, handler HandlerFunc) http.Handler {
	allow := strings.Join(route.Methods, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error("panic recovered in gated handler",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteError(w, model.NewInternalError(fmt.Errorf("panic: %v", rec)), g.showDetail)
			}
		}()

		if len(route.Methods) > 0 && !containsMethod(route.Methods, r.Method) {
			w.Header().Set("Allow", allow)
			WriteError(w, model.NewMethodNotAllowedError(r.Method), false)
			return
		}

		meta := g.ClientMeta(r)
		user := UserFromContext(r.Context())

		if g.blocker != nil {
			if g.blocker.IsBlocked(meta.IPAddress) {
				WriteError(w, model.NewIPBlockedError(), false)
				return
			}
			if reason, ok := security.DetectSuspicious(r.URL.RequestURI(), meta.UserAgent); ok {
				w.Header().Set("X-Suspicious-Activity", "detected")
				blocked := g.blocker.MarkSuspicious(meta.IPAddress)
				g.record(r.Context(), meta, user, model.AuditActionSecuritySuspicious, map[string]any{
					"reason":  reason,
					"path":    r.URL.Path,
					"blocked": blocked,
				})
				if blocked {
					g.logger.Warn("ip blocked after repeated suspicious requests",
						slog.String("ip", meta.IPAddress),
						slog.String("reason", reason),
					)
				}
			}
		}

		if g.limiter != nil && route.Profile.Limit > 0 {
			if err := g.checkRate(w, r, route.Profile, meta, user); err != nil {
				WriteError(w, err, false)
				return
			}
		}

		if route.RequireAuth && user == nil {
			WriteError(w, model.NewUnauthenticatedError(), false)
			return
		}

		if route.Schema != nil {
			body, err := g.decode(w, r, route.Schema())
			if err != nil {
				WriteError(w, err, false)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), bodyContextKey, body))
		}

		if err := handler(w, r); err != nil {
			WriteError(w, err, g.showDetail)
		}
	})
}

// checkRate はレート制限を判定し、X-RateLimit-*ヘッダーを設定する。
// 認証済みの場合はユーザーID、未認証の場合はクライアントIPをキーにする。
func (g *Gate) checkRate(w http.ResponseWriter, r *http.Request, p ratelimit.Profile, meta model.ClientMeta, user *model.User) error {
	key := "ip:" + meta.IPAddress
	if user != nil {
		key = "user:" + user.ID
	}

	d := g.limiter.Check(key, p)
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return nil
	}

	retryAfter := d.RetryAfter(g.now())
	g.metrics.RecordRateLimited(p.Name)
	g.record(r.Context(), meta, user, model.AuditActionSecurityRateLimited, map[string]any{
		"profile": p.Name,
		"path":    r.URL.Path,
		"blocked": d.Blocked,
	})

	apiErr := model.NewRateLimitedError(retryAfter)
	if d.Blocked {
		apiErr.Code = model.ErrCodeIPBlocked
	}
	return apiErr
}

// decode はボディをdstにデコードし、スキーマ検証する。違反はすべてのフィールドを報告する。
func (g *Gate) decode(w http.ResponseWriter, r *http.Request, dst any) (any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, model.NewValidationError([]model.FieldError{{
				Field:   "body",
				Rule:    "max_bytes",
				Message: fmt.Sprintf("リクエストボディは%dバイト以下にしてください。", tooLarge.Limit),
			}})
		}
		return nil, model.NewValidationError([]model.FieldError{{Field: "body", Rule: "read", Message: "リクエストボディを読み取れません。"}})
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, model.NewValidationError([]model.FieldError{{Field: "body", Rule: "json", Message: "JSONの形式が正しくありません。"}})
		}
	}

	if err := g.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, model.NewInternalError(err)
		}
		fields := make([]model.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, model.FieldError{
				Field:   fe.Field(),
				Rule:    fe.Tag(),
				Message: fieldMessage(fe),
			})
		}
		return nil, model.NewValidationError(fields)
	}
	return dst, nil
}

func (g *Gate) record(ctx context.Context, meta model.ClientMeta, user *model.User, action string, metadata map[string]any) {
	if g.audit == nil {
		return
	}
	actorID := ""
	if user != nil {
		actorID = user.ID
	}
	entry := audit.FromRequest(meta, actorID, action)
	entry.TargetType = "request"
	entry.Metadata = metadata
	g.audit.Record(ctx, entry)
}

// Body はGateが検証済みのリクエストボディを返す。スキーマの型と一致しない場合はnil。
func Body[T any](r *http.Request) *T {
	v, _ := r.Context().Value(bodyContextKey).(*T)
	return v
}

// ClientIP はリクエスト元のIPアドレスを返す。
// trustProxyがfalseの場合は転送ヘッダーを無視し、接続元アドレスのみを使う。
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func containsMethod(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// fieldMessage は検証ルールに対応するユーザー向けメッセージを返す。
func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%sは必須です。", fe.Field())
	case "email":
		return "有効なメールアドレスを入力してください。"
	case "min":
		return fmt.Sprintf("%sは%s文字以上で入力してください。", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%sは%s文字以内で入力してください。", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%sは次のいずれかを指定してください: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%sの値が正しくありません。", fe.Field())
	}
}
