// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeSuccess は成功した操作・ステップのoutcomeラベル値。
// 失敗時は失敗分類（invalid_input, rejected など）をラベル値に使う。
const OutcomeSuccess = "success"

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、外部APIクライアント、ワーカーから利用する。
type MetricsCollector interface {
	RecordOperation(operation, outcome string)
	RecordLinkStep(step, outcome string)
	RecordUpstreamLatency(service, operation string, statusCode int, d time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordSessionsPurged(count int64)
	SetStaleLinkAttempts(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations      *prometheus.CounterVec
	linkSteps       *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
	sessionsPurged  prometheus.Counter
	staleAttempts   prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homework_operations_total",
			Help: "オーケストレーション操作の実行数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		linkSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homework_link_steps_total",
			Help: "公開トークン交換フローの各ステップの実行数（ステップ・結果別）",
		}, []string{"step", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "homework_upstream_request_duration_seconds",
			Help:    "外部API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "operation", "status_code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homework_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homework_sessions_purged_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
		staleAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homework_stale_link_attempts",
			Help: "完了も失敗もしないまま放置されている口座連携の数",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.linkSteps,
		c.upstreamLatency,
		c.httpStatus,
		c.sessionsPurged,
		c.staleAttempts,
	)

	return c
}

// RecordOperation は操作の結果を記録する。
func (c *Collector) RecordOperation(operation, outcome string) {
	c.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordLinkStep は口座連携ステップの結果を記録する。
func (c *Collector) RecordLinkStep(step, outcome string) {
	c.linkSteps.WithLabelValues(step, outcome).Inc()
}

// RecordUpstreamLatency は外部API呼び出しのレイテンシを記録する。
// 通信自体が失敗した場合のstatusCodeは0。
func (c *Collector) RecordUpstreamLatency(service, operation string, statusCode int, d time.Duration) {
	c.upstreamLatency.WithLabelValues(service, operation, strconv.Itoa(statusCode)).Observe(d.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsPurged は削除された期限切れセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// SetStaleLinkAttempts は放置されている口座連携の数を設定する。
func (c *Collector) SetStaleLinkAttempts(count int) {
	c.staleAttempts.Set(float64(count))
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

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordOperation(string, string) {}
func (Nop) RecordLinkStep(string, string) {}
func (Nop) RecordUpstreamLatency(string, string, int, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordSessionsPurged(int64) {}
func (Nop) SetStaleLinkAttempts(int) {}
