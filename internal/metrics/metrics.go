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
// 認証ストア、ルートガード、TMDBクライアント、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordAuthOperation(op string, err error)
	RecordGuardDecision(decision string)
	RecordUpstreamCall(endpoint string, statusCode int, duration time.Duration)
	RecordUpstreamCacheHit(endpoint string)
	SetActiveContexts(count int)
	RecordHTTPStatus(statusCode int)
}

// ガード判定のラベル値
const (
	GuardAllow    = "allow"
	GuardRedirect = "redirect"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authOps        *prometheus.CounterVec
	guardDecisions *prometheus.CounterVec
	upstreamCalls  *prometheus.CounterVec
	upstreamCache  *prometheus.CounterVec
	upstreamTime   *prometheus.HistogramVec
	activeContexts prometheus.Gauge
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moviemate_auth_operations_total",
			Help: "認証操作の合計数（操作・結果別）",
		}, []string{"operation", "result"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moviemate_guard_decisions_total",
			Help: "ルートガードの判定数",
		}, []string{"decision"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moviemate_tmdb_requests_total",
			Help: "TMDB APIリクエストの合計数（エンドポイント・ステータス別）",
		}, []string{"endpoint", "status_code"}),
		upstreamCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moviemate_tmdb_cache_hits_total",
			Help: "TMDBレスポンスキャッシュのヒット数",
		}, []string{"endpoint"}),
		upstreamTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moviemate_tmdb_request_duration_seconds",
			Help:    "TMDB APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		activeContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moviemate_auth_active_contexts",
			Help: "保持しているブラウザコンテキストのセッションストア数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moviemate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authOps,
		c.guardDecisions,
		c.upstreamCalls,
		c.upstreamCache,
		c.upstreamTime,
		c.activeContexts,
		c.httpStatus,
	)

	return c
}

// RecordAuthOperation は認証操作の結果を記録する。
func (c *Collector) RecordAuthOperation(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.authOps.WithLabelValues(op, result).Inc()
}

// RecordGuardDecision はルートガードの判定を記録する。
func (c *Collector) RecordGuardDecision(decision string) {
	c.guardDecisions.WithLabelValues(decision).Inc()
}

// RecordUpstreamCall はTMDB APIの呼び出し結果を記録する。通信失敗はstatusCode=0。
func (c *Collector) RecordUpstreamCall(endpoint string, statusCode int, duration time.Duration) {
	c.upstreamCalls.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.upstreamTime.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordUpstreamCacheHit はレスポンスキャッシュのヒットを記録する。
func (c *Collector) RecordUpstreamCacheHit(endpoint string) {
	c.upstreamCache.WithLabelValues(endpoint).Inc()
}

// SetActiveContexts はセッションストア数を設定する。
func (c *Collector) SetActiveContexts(count int) {
	c.activeContexts.Set(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAuthOperation(string, error)             {}
func (Nop) RecordGuardDecision(string)                    {}
func (Nop) RecordUpstreamCall(string, int, time.Duration) {}
func (Nop) RecordUpstreamCacheHit(string)                 {}
func (Nop) SetActiveContexts(int)                         {}
func (Nop) RecordHTTPStatus(int)                          {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
