// ============================================================================
// Field-Loom Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level pipeline throughput and cold-start recovery tests
//
// Test Objectives:
//   1. verify pipeline throughput (records/second through all five stages)
//   2. verify cold-start state reconstruction time (< 3 second target)
//   3. verify reconstructed state matches what the loop published
//
// Test Environment:
//   - single-process pipeline, no external producer (streams pre-written)
//   - 200 records per batch, one domain, distinct clusters
//   - tight poll intervals to keep the watcher out of the measurement
//
// TestPipelineThroughput:
//   test full-chain throughput under a realistic batch
//   - pre-write 200 accepted records
//   - run salvage + five stages + publish once
//   - target: >= 50 records/s
//
// TestColdStartRecovery:
//   test state reconstruction after a process restart
//   - run three loop iterations to populate ledger, pointers and manifests
//   - reconstruct operator-visible state from disk alone
//   - target: < 3 seconds reconstruction time
//
// Performance Baseline:
//   The chain is file-bound JSONL rewriting; a 200-record batch walks
//   roughly 1200 member rows through five stages. Local runs finish in
//   tens of milliseconds, so 50 records/s leaves room for slow CI disks.
//
// Notes:
//   - test results affected by system load
//   - CI environment may be slower than local
//   - use temp directory to avoid test pollution
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/field-loom/internal/chain"
	"github.com/ChuLiYu/field-loom/internal/ledger"
	"github.com/ChuLiYu/field-loom/internal/loop"
	"github.com/ChuLiYu/field-loom/internal/publish"
	"github.com/ChuLiYu/field-loom/internal/watcher"
	"github.com/ChuLiYu/field-loom/pkg/types"
)

// directProducer writes both streams synchronously and reports the
// producer as already exited, so the watcher settles on the first poll.
func directProducer(recs []types.Record) loop.ProducerFunc {
	return func(_ context.Context, runDir, _ string) (watcher.JobHandle, error) {
		if _, err := chain.WriteJSONL(filepath.Join(runDir, loop.AcceptedStream), recs); err != nil {
			return nil, err
		}
		return watcher.HandleFunc(func() (bool, error) { return false, nil }), nil
	}
}

// TestPipelineThroughput tests full-chain throughput
//
// Test Flow:
//  1. Pre-write a 200-record accepted stream
//  2. Run the pipeline once (salvage, five stages, publish)
//  3. Compute records/second over the whole run
//  4. Verify meets performance target
func TestPipelineThroughput(t *testing.T) {
	defer goleak.VerifyNone(t)

	totalRecords := 200
	recs := make([]types.Record, totalRecords)
	for i := range recs {
		recs[i] = acceptedRecord(t, "ethics", fmt.Sprintf("ethics/c%04d", i))
	}

	runDir := t.TempDir()
	_, err := chain.WriteJSONL(filepath.Join(runDir, loop.AcceptedStream), recs)
	require.NoError(t, err)

	p := &loop.Pipeline{
		RunDir:       runDir,
		ChainRoot:    t.TempDir(),
		PointerRoot:  t.TempDir(),
		Tag:          "perf_001",
		Expected:     totalRecords,
		PollInterval: time.Millisecond,
	}

	startTime := time.Now()
	res, err := p.Run(context.Background())
	elapsedTime := time.Since(startTime)
	require.NoError(t, err)

	throughput := float64(totalRecords) / elapsedTime.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total records: %d", totalRecords)
	t.Logf("Accepted: %d", res.Counts.Accepted)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f records/second", throughput)
	t.Logf("================================")

	// All 200 clusters share one fact set: one concept, deduplicated
	// members and edges, one retrieval seed per cluster.
	assert.Equal(t, totalRecords, res.Counts.Accepted)
	assert.Equal(t, types.FieldCounts{Nodes: 1, Members: 6, Edges: 3, Seeds: totalRecords}, res.Field)

	expectedThroughput := 50.0
	if throughput < expectedThroughput {
		t.Errorf("⚠️  Throughput %.2f records/s is below target of %.2f records/s", throughput, expectedThroughput)
	} else {
		t.Logf("✅ Throughput target met: %.2f records/s >= %.2f records/s", throughput, expectedThroughput)
	}
}

// TestColdStartRecovery tests state reconstruction after a restart
func TestColdStartRecovery(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	cfg := loop.Config{
		LockDir:           filepath.Join(root, "locks"),
		RunRoot:           filepath.Join(root, "runs"),
		ChainRoot:         filepath.Join(root, "chain"),
		PointerRoot:       filepath.Join(root, "field"),
		LedgerPath:        filepath.Join(root, "ledger.jsonl"),
		TagPrefix:         "perf",
		Expected:          2,
		PollInterval:      time.Millisecond,
		Sleep:             time.Millisecond,
		MaxIterations:     3,
		MaxFailures:       2,
		BackoffBase:       5 * time.Millisecond,
		BackoffCeiling:    20 * time.Millisecond,
		IdleCheckInterval: time.Millisecond,
		Producer: directProducer([]types.Record{
			acceptedRecord(t, "ethics", "ethics/c0001"),
			acceptedRecord(t, "ethics", "ethics/c0002"),
		}),
	}

	// Phase 1: populate ledger, pointers and manifests
	require.NoError(t, loop.New(cfg).Run(context.Background()))

	// Phase 2: the loop process is gone; rebuild the operator view
	// from disk alone, the way the status command does on startup
	t.Log("Simulating process restart...")
	startTime := time.Now()

	reg := publish.NewRegistry(cfg.PointerRoot)
	pointers, err := reg.Current()
	require.NoError(t, err)
	fieldDir, ok := pointers[publish.FieldCurrent]
	require.True(t, ok, "field_current pointer must survive restart")
	m, err := publish.ReadManifest(fieldDir)
	require.NoError(t, err)
	tail, err := ledger.Tail(cfg.LedgerPath, 10)
	require.NoError(t, err)

	recoveryTime := time.Since(startTime)

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("Pointers recovered: %d", len(pointers))
	t.Logf("Ledger lines recovered: %d", len(tail))
	t.Logf("===========================")

	// Reconstructed state must match what the loop last published
	require.Len(t, tail, 3)
	assert.Equal(t, m.RunTag, tail[2].Entry.Tag)
	assert.Contains(t, pointers, publish.EvalCurrent)
	for _, line := range tail {
		assert.Equal(t, 0, line.Entry.ExitCode)
	}

	if recoveryTime > 3*time.Second {
		t.Errorf("❌ Recovery time %v exceeds 3s target", recoveryTime)
	} else {
		t.Logf("✅ Recovery time target met: %v < 3s", recoveryTime)
	}
}
