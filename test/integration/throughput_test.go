package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/field-loom/internal/chain"
	"github.com/ChuLiYu/field-loom/internal/loop"
	"github.com/ChuLiYu/field-loom/pkg/types"
)

func BenchmarkPipelineIteration(b *testing.B) {
	chainRoot := b.TempDir()
	pointerRoot := b.TempDir()
	recs := []types.Record{
		acceptedRecord(b, "ethics", "ethics/c0001"),
		acceptedRecord(b, "ethics", "ethics/c0002"),
		acceptedRecord(b, "ethics", "ethics/c0003"),
	}

	// 同一批記錄反覆合併是冪等的，概念場不會隨 b.N 膨脹
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		runDir := b.TempDir()
		_, err := chain.WriteJSONL(filepath.Join(runDir, loop.AcceptedStream), recs)
		require.NoError(b, err)
		b.StartTimer()

		p := &loop.Pipeline{
			RunDir:       runDir,
			ChainRoot:    chainRoot,
			PointerRoot:  pointerRoot,
			Tag:          fmt.Sprintf("bench_%06d", i),
			Expected:     len(recs),
			PollInterval: time.Millisecond,
		}
		_, err = p.Run(context.Background())
		require.NoError(b, err)
	}
}
