// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 予約操作の結果ラベル。
const (
	ResultSuccess      = "success"
	ResultValidation   = "validation"
	ResultConflict     = "conflict"
	ResultNotFound     = "not_found"
	ResultRemoteError  = "remote_error"
	ResultPersistence  = "persistence_error"
	ResultOrphaned     = "orphaned"
	ResultInconsistent = "inconsistent"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 予約サービス、会議サービスクライアント、ワーカーから利用する。
type MetricsCollector interface {
	RecordBookingOutcome(operation, result string)
	RecordRemoteCall(operation string, duration time.Duration, err error)
	RecordReconcileResult(action, result string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	bookingOutcomes *prometheus.CounterVec
	remoteLatency   *prometheus.HistogramVec
	remoteFailures  *prometheus.CounterVec
	reconcile       *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bookingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursemeet_booking_operations_total",
			Help: "予約操作（作成・変更・取消）の結果別件数",
		}, []string{"operation", "result"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursemeet_remote_call_duration_seconds",
			Help:    "会議サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursemeet_remote_call_failures_total",
			Help: "会議サービス呼び出しの失敗数",
		}, []string{"operation"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursemeet_reconcile_actions_total",
			Help: "リコンサイルジョブの処理結果別件数",
		}, []string{"action", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursemeet_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.bookingOutcomes,
		c.remoteLatency,
		c.remoteFailures,
		c.reconcile,
		c.httpStatus,
	)

	return c
}

// RecordBookingOutcome は予約操作の結果を記録する。
func (c *Collector) RecordBookingOutcome(operation, result string) {
	c.bookingOutcomes.WithLabelValues(operation, result).Inc()
}

// RecordRemoteCall は会議サービス呼び出しのレイテンシと失敗を記録する。
func (c *Collector) RecordRemoteCall(operation string, duration time.Duration, err error) {
	c.remoteLatency.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		c.remoteFailures.WithLabelValues(operation).Inc()
	}
}

// RecordReconcileResult はリコンサイル処理の結果を記録する。
func (c *Collector) RecordReconcileResult(action, result string) {
	c.reconcile.WithLabelValues(action, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordBookingOutcome(string, string) {}
func (Nop) RecordRemoteCall(string, time.Duration, error) {}
func (Nop) RecordReconcileResult(string, string) {}
func (Nop) RecordHTTPStatus(int) {}

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

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
