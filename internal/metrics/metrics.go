// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理、レート制限、OAuth、監査ログの各層から利用する。
type MetricsCollector interface {
	RecordSessionCacheHit()
	RecordSessionCacheMiss()
	RecordSessionStoreError(op string)
	RecordSignin(result string)
	RecordRateLimited(profile string)
	RecordOAuthExchange(provider, result string)
	RecordOAuthRefresh(provider, result string)
	RecordAuditWritten()
	RecordAuditDropped()
	RecordAuditFailed()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionCache   *prometheus.CounterVec
	sessionStore   *prometheus.CounterVec
	signin         *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	oauthExchange  *prometheus.CounterVec
	oauthRefresh   *prometheus.CounterVec
	audit          *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_session_cache_lookups_total",
			Help: "セッションキャッシュの参照数（result=hit|miss）",
		}, []string{"result"}),
		sessionStore: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_session_store_errors_total",
			Help: "セッションストア操作の失敗数",
		}, []string{"op"}),
		signin: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_signin_total",
			Help: "サインイン試行数（result=success|failure）",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_rate_limited_total",
			Help: "レート制限により拒否されたリクエスト数",
		}, []string{"profile"}),
		oauthExchange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_oauth_exchange_total",
			Help: "OAuth認可コード交換の結果別件数",
		}, []string{"provider", "result"}),
		oauthRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_oauth_refresh_total",
			Help: "OAuthトークン更新の結果別件数",
		}, []string{"provider", "result"}),
		audit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_audit_events_total",
			Help: "監査ログの処理結果別件数（result=written|dropped|failed）",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kairo_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.sessionCache,
		c.sessionStore,
		c.signin,
		c.rateLimited,
		c.oauthExchange,
		c.oauthRefresh,
		c.audit,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordSessionCacheHit はセッションキャッシュのヒットを記録する。
func (c *Collector) RecordSessionCacheHit() {
	c.sessionCache.WithLabelValues("hit").Inc()
}

// RecordSessionCacheMiss はセッションキャッシュのミスを記録する。
func (c *Collector) RecordSessionCacheMiss() {
	c.sessionCache.WithLabelValues("miss").Inc()
}

// RecordSessionStoreError はセッションストア操作の失敗を記録する。
func (c *Collector) RecordSessionStoreError(op string) {
	c.sessionStore.WithLabelValues(op).Inc()
}

// RecordSignin はサインインの結果を記録する。
func (c *Collector) RecordSignin(result string) {
	c.signin.WithLabelValues(result).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(profile string) {
	c.rateLimited.WithLabelValues(profile).Inc()
}

// RecordOAuthExchange は認可コード交換の結果を記録する。
func (c *Collector) RecordOAuthExchange(provider, result string) {
	c.oauthExchange.WithLabelValues(provider, result).Inc()
}

// RecordOAuthRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordOAuthRefresh(provider, result string) {
	c.oauthRefresh.WithLabelValues(provider, result).Inc()
}

// RecordAuditWritten は監査ログの書き込み成功を記録する。
func (c *Collector) RecordAuditWritten() {
	c.audit.WithLabelValues("written").Inc()
}

// RecordAuditDropped はバッファ満杯による監査ログの破棄を記録する。
func (c *Collector) RecordAuditDropped() {
	c.audit.WithLabelValues("dropped").Inc()
}

// RecordAuditFailed は監査ログの書き込み失敗を記録する。
func (c *Collector) RecordAuditFailed() {
	c.audit.WithLabelValues("failed").Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエスト処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSessionCacheHit() {}
func (Nop) RecordSessionCacheMiss() {}
func (Nop) RecordSessionStoreError(string) {}
func (Nop) RecordSignin(string) {}
func (Nop) RecordRateLimited(string) {}
func (Nop) RecordOAuthExchange(string, string) {}
func (Nop) RecordOAuthRefresh(string, string) {}
func (Nop) RecordAuditWritten() {}
func (Nop) RecordAuditDropped() {}
func (Nop) RecordAuditFailed() {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRequestLatency(time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
