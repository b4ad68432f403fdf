package metrics

// ============================================================================
// Prometheus 監控指標
// 職責：收集迴圈迭代、批次修復與階段鏈的運行指標
//
// 指標分類：
//   1. 計數器（只增不減）：
//      - fieldloom_iterations_total{result}: 迭代總數，result 為 success / failure
//      - fieldloom_publishes_total: 成功發佈（雙指標換指）總數
//      - fieldloom_records_total{status}: 記錄流向統計，
//        status 為 accepted / rejected / repaired / still_rejected
//      - fieldloom_stage_failures_total{stage}: 各階段失敗次數
//   2. 瞬時值：
//      - fieldloom_consecutive_failures: 當前連續失敗次數
//      - fieldloom_backoff_seconds: 下次失敗退避秒數
//      - fieldloom_field_size{kind}: 概念場規模，
//        kind 為 nodes / members / edges / seeds / aliases
//   3. 分佈統計：
//      - fieldloom_stage_duration_seconds{stage}: 各階段耗時分佈
//
// OnStage / OnIteration 的簽名與迴圈控制器的量測掛勾一致，可直接掛上
// ============================================================================

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/field-loom/internal/loop"
)

// 迭代結果標籤值
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector Prometheus 指標收集器；一個程序至多建立一個
type Collector struct {
	iterations    *prometheus.CounterVec
	publishes     prometheus.Counter
	records       *prometheus.CounterVec
	stageFailures *prometheus.CounterVec

	consecutiveFailures prometheus.Gauge
	backoffSeconds      prometheus.Gauge
	fieldSize           *prometheus.GaugeVec

	stageDuration *prometheus.HistogramVec
}

// NewCollector 建立並註冊所有指標
func NewCollector() *Collector {
	c := &Collector{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldloom_iterations_total",
			Help: "Total number of loop iterations by result",
		}, []string{"result"}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldloom_publishes_total",
			Help: "Total number of successful pointer publishes",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldloom_records_total",
			Help: "Total number of batch records by status",
		}, []string{"status"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldloom_stage_failures_total",
			Help: "Total number of stage failures by stage",
		}, []string{"stage"}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldloom_consecutive_failures",
			Help: "Current number of consecutive failed iterations",
		}),
		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldloom_backoff_seconds",
			Help: "Backoff applied to the next failed iteration in seconds",
		}),
		fieldSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldloom_field_size",
			Help: "Size of the merged concept field by row kind",
		}, []string{"kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldloom_stage_duration_seconds",
			Help:    "Stage wall time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	prometheus.MustRegister(c.iterations)
	prometheus.MustRegister(c.publishes)
	prometheus.MustRegister(c.records)
	prometheus.MustRegister(c.stageFailures)
	prometheus.MustRegister(c.consecutiveFailures)
	prometheus.MustRegister(c.backoffSeconds)
	prometheus.MustRegister(c.fieldSize)
	prometheus.MustRegister(c.stageDuration)

	return c
}

// OnStage 記錄單一階段的耗時或失敗；簽名對應 loop.Config.OnStage
func (c *Collector) OnStage(stage string, elapsed time.Duration, err error) {
	if err != nil {
		c.stageFailures.WithLabelValues(stage).Inc()
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// OnIteration 記錄一次迭代的結果；簽名對應 loop.Config.OnIteration
func (c *Collector) OnIteration(res *loop.RunResult, err error, consecutiveFailures int, backoff time.Duration) {
	c.consecutiveFailures.Set(float64(consecutiveFailures))
	c.backoffSeconds.Set(backoff.Seconds())

	if err != nil {
		c.iterations.WithLabelValues(ResultFailure).Inc()
		return
	}
	c.iterations.WithLabelValues(ResultSuccess).Inc()
	c.publishes.Inc()

	c.records.WithLabelValues("accepted").Add(float64(res.Counts.Accepted))
	c.records.WithLabelValues("rejected").Add(float64(res.Counts.Rejected))
	c.records.WithLabelValues("repaired").Add(float64(res.Counts.Repaired))
	c.records.WithLabelValues("still_rejected").Add(float64(res.Counts.StillRejected))

	c.fieldSize.WithLabelValues("nodes").Set(float64(res.Field.Nodes))
	c.fieldSize.WithLabelValues("members").Set(float64(res.Field.Members))
	c.fieldSize.WithLabelValues("edges").Set(float64(res.Field.Edges))
	c.fieldSize.WithLabelValues("seeds").Set(float64(res.Field.Seeds))
	c.fieldSize.WithLabelValues("aliases").Set(float64(res.Field.Aliases))
}

// Handler 回傳 /metrics 端點的處理器，由狀態伺服器掛載
func Handler() http.Handler {
	return promhttp.Handler()
}
