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
// セッション管理やサービス層から利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordRefresh(result string)
	RecordAccountCreated()
	RecordAccountRollback(stage string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	accountsCreated  prometheus.Counter
	accountRollbacks *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	requestLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_logins_total",
			Help: "ログイン試行の結果別合計数",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_refresh_total",
			Help: "セッションリフレッシュの結果別合計数",
		}, []string{"result"}),
		accountsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_accounts_created_total",
			Help: "作成されたユーザーアカウントの合計数",
		}),
		accountRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_account_rollbacks_total",
			Help: "アカウント作成サーガの補償削除のステージ別合計数",
		}, []string{"stage"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_request_latency_seconds",
			Help:    "HTTPリクエスト処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.accountsCreated,
		c.accountRollbacks,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン試行の結果（success/fail）を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordRefresh はセッションリフレッシュの結果（success/fail）を記録する。
func (c *Collector) RecordRefresh(result string) {
	c.refreshes.WithLabelValues(result).Inc()
}

// RecordAccountCreated はアカウント作成の成功を記録する。
func (c *Collector) RecordAccountCreated() {
	c.accountsCreated.Inc()
}

// RecordAccountRollback は補償削除が発生したステージを記録する。
func (c *Collector) RecordAccountRollback(stage string) {
	c.accountRollbacks.WithLabelValues(stage).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエスト処理のレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
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
