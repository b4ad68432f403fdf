package publish

// ============================================================================
// 發佈指標登錄簿測試檔案
// 職責：驗證指標換指、解析、版本日誌與 manifest 落地順序
// ============================================================================

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

func sampleManifest(tag string) types.Manifest {
	return types.Manifest{
		RunTag:        tag,
		RunDir:        "/runs/" + tag,
		StageDirs:     map[string]string{"merge": "/out/merge_" + tag},
		ExpectedCount: 20,
		Counts:        types.BatchCounts{Accepted: 18, Rejected: 2, Repaired: 1, StillRejected: 1},
		Field:         types.FieldCounts{Nodes: 40, Members: 90, Edges: 75, Seeds: 12},
		CreatedAt:     1700000000000,
	}
}

// TestResolveMissingPointer 測試不存在的指標回報 ErrPointerNotFound
func TestResolveMissingPointer(t *testing.T) {
	r := NewRegistry(t.TempDir())

	_, err := r.Resolve(FieldCurrent)
	assert.ErrorIs(t, err, ErrPointerNotFound)
}

// TestRepointAndResolve 測試換指後解析得到新目標
func TestRepointAndResolve(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	target := filepath.Join(root, "merge_t1")
	require.NoError(t, os.MkdirAll(target, 0o755))

	require.NoError(t, r.Repoint(FieldCurrent, target))

	got, err := r.Resolve(FieldCurrent)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	// 指標檔內容為目標路徑加換行
	data, err := os.ReadFile(r.PointerPath(FieldCurrent))
	require.NoError(t, err)
	assert.Equal(t, target+"\n", string(data))
}

// TestRepointRejectsMissingTarget 測試目標目錄不存在時拒絕換指
func TestRepointRejectsMissingTarget(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	err := r.Repoint(FieldCurrent, filepath.Join(root, "nope"))
	assert.ErrorIs(t, err, ErrTargetMissing)

	// 失敗的換指不得留下指標
	_, err = r.Resolve(FieldCurrent)
	assert.ErrorIs(t, err, ErrPointerNotFound)
}

// TestRepointReplacesPrevious 測試重複換指覆蓋舊目標且版本日誌留痕
func TestRepointReplacesPrevious(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	t1 := filepath.Join(root, "merge_t1")
	t2 := filepath.Join(root, "merge_t2")
	require.NoError(t, os.MkdirAll(t1, 0o755))
	require.NoError(t, os.MkdirAll(t2, 0o755))

	require.NoError(t, r.Repoint(FieldCurrent, t1))
	require.NoError(t, r.Repoint(FieldCurrent, t2))

	got, err := r.Resolve(FieldCurrent)
	require.NoError(t, err)
	assert.Equal(t, t2, got)

	rows, err := r.History(0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, t1, rows[0].Target)
	assert.Equal(t, t2, rows[1].Target)
	assert.Equal(t, FieldCurrent, rows[0].Name)
}

// TestHistoryTail 測試只取最後數行版本紀錄
func TestHistoryTail(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	for _, name := range []string{"a", "b", "c"} {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, r.Repoint(EvalCurrent, dir))
	}

	rows, err := r.History(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, filepath.Join(root, "b"), rows[0].Target)
	assert.Equal(t, filepath.Join(root, "c"), rows[1].Target)
}

// TestCurrentListsAllPointers 測試列出全部指標
func TestCurrentListsAllPointers(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	evalDir := filepath.Join(root, "run_t1")
	fieldDir := filepath.Join(root, "merge_t1")
	require.NoError(t, os.MkdirAll(evalDir, 0o755))
	require.NoError(t, os.MkdirAll(fieldDir, 0o755))

	require.NoError(t, r.Repoint(EvalCurrent, evalDir))
	require.NoError(t, r.Repoint(FieldCurrent, fieldDir))

	got, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		EvalCurrent:  evalDir,
		FieldCurrent: fieldDir,
	}, got)
}

// TestCurrentEmptyRegistry 測試空登錄簿回傳空表
func TestCurrentEmptyRegistry(t *testing.T) {
	r := NewRegistry(t.TempDir())

	got, err := r.Current()
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestManifestRoundTrip 測試 manifest 寫入後可讀回
func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := sampleManifest("t1")

	require.NoError(t, WriteManifest(dir, m))
	assert.True(t, HasManifest(dir))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	// 臨時檔不得殘留
	_, err = os.Stat(ManifestPath(dir) + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

// TestReadManifestCorrupted 測試損壞的 manifest 回報 ErrCorruptedManifest
func TestReadManifestCorrupted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(ManifestPath(dir), []byte("{oops"), 0o644))

	_, err := ReadManifest(dir)
	assert.ErrorIs(t, err, ErrCorruptedManifest)
}

// TestPublishFlow 測試發佈依序落地 manifest 再換兩個指標
func TestPublishFlow(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	evalDir := filepath.Join(root, "run_t1")
	fieldDir := filepath.Join(root, "merge_t1")
	require.NoError(t, os.MkdirAll(evalDir, 0o755))
	require.NoError(t, os.MkdirAll(fieldDir, 0o755))

	m := sampleManifest("t1")
	require.NoError(t, r.Publish(m, evalDir, fieldDir))

	// 兩個目錄都拿到同一份 manifest
	gotEval, err := ReadManifest(evalDir)
	require.NoError(t, err)
	gotField, err := ReadManifest(fieldDir)
	require.NoError(t, err)
	assert.Equal(t, m, gotEval)
	assert.Equal(t, m, gotField)

	// 指標指向對應目錄
	eval, err := r.Resolve(EvalCurrent)
	require.NoError(t, err)
	field, err := r.Resolve(FieldCurrent)
	require.NoError(t, err)
	assert.Equal(t, evalDir, eval)
	assert.Equal(t, fieldDir, field)

	rows, err := r.History(0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

// TestPublishMissingDirLeavesPointersUntouched 測試目錄缺失時發佈中止且不換指
func TestPublishMissingDirLeavesPointersUntouched(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root)

	oldEval := filepath.Join(root, "run_t0")
	oldField := filepath.Join(root, "merge_t0")
	require.NoError(t, os.MkdirAll(oldEval, 0o755))
	require.NoError(t, os.MkdirAll(oldField, 0o755))
	require.NoError(t, r.Publish(sampleManifest("t0"), oldEval, oldField))

	evalDir := filepath.Join(root, "run_t1")
	require.NoError(t, os.MkdirAll(evalDir, 0o755))
	err := r.Publish(sampleManifest("t1"), evalDir, filepath.Join(root, "merge_t1"))
	require.Error(t, err)

	field, err := r.Resolve(FieldCurrent)
	require.NoError(t, err)
	assert.Equal(t, oldField, field)
}
