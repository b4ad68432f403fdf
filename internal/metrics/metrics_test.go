package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/field-loom/internal/loop"
	"github.com/ChuLiYu/field-loom/pkg/types"
)

// newCollector 每個測試都換掉預設註冊表，避免重複註冊衝突
func newCollector() *Collector {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return NewCollector()
}

func TestOnIterationSuccess(t *testing.T) {
	c := newCollector()
	res := &loop.RunResult{
		Counts: types.BatchCounts{Accepted: 8, Rejected: 3, Repaired: 2, StillRejected: 1},
		Field:  types.FieldCounts{Nodes: 40, Members: 240, Edges: 96, Seeds: 40, Aliases: 5},
	}

	c.OnIteration(res, nil, 0, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.iterations.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.iterations.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishes))

	assert.Equal(t, 8.0, testutil.ToFloat64(c.records.WithLabelValues("accepted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.records.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.records.WithLabelValues("repaired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.records.WithLabelValues("still_rejected")))

	assert.Equal(t, 40.0, testutil.ToFloat64(c.fieldSize.WithLabelValues("nodes")))
	assert.Equal(t, 240.0, testutil.ToFloat64(c.fieldSize.WithLabelValues("members")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.fieldSize.WithLabelValues("aliases")))

	assert.Equal(t, 0.0, testutil.ToFloat64(c.consecutiveFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.backoffSeconds))
}

func TestOnIterationFailure(t *testing.T) {
	c := newCollector()

	c.OnIteration(nil, errors.New("batch incomplete"), 2, 4*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.iterations.WithLabelValues(ResultFailure)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.iterations.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.publishes))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.records.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.consecutiveFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.backoffSeconds))
}

// TestRecordsAccumulate 記錄計數器跨迭代累加，概念場規模取最新值
func TestRecordsAccumulate(t *testing.T) {
	c := newCollector()
	first := &loop.RunResult{
		Counts: types.BatchCounts{Accepted: 3},
		Field:  types.FieldCounts{Nodes: 10},
	}
	second := &loop.RunResult{
		Counts: types.BatchCounts{Accepted: 3},
		Field:  types.FieldCounts{Nodes: 14},
	}

	c.OnIteration(first, nil, 0, time.Second)
	c.OnIteration(second, nil, 0, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.iterations.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.records.WithLabelValues("accepted")))
	assert.Equal(t, 14.0, testutil.ToFloat64(c.fieldSize.WithLabelValues("nodes")))
}

func TestOnStage(t *testing.T) {
	c := newCollector()

	c.OnStage("materialize", 120*time.Millisecond, nil)
	c.OnStage("normalize", 40*time.Millisecond, nil)
	c.OnStage("link", 0, errors.New("link backend unavailable"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("link")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("materialize")))
	// 失敗的階段不計入耗時分佈
	assert.Equal(t, 2, testutil.CollectAndCount(c.stageDuration))
}

// TestSecondCollectorPanics 同一註冊表不允許第二個收集器
func TestSecondCollectorPanics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	NewCollector()

	assert.Panics(t, func() { NewCollector() })
}
