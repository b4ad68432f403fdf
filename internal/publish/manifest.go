package publish

// ============================================================================
// Manifest 讀寫
// manifest.json 描述一次成功發佈的完整來源：批次目錄、各階段目錄、
// 參數與數量統計；寫入後不再修改
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

var ErrCorruptedManifest = errors.New("manifest file is corrupted")

const manifestFileName = "manifest.json"

// ManifestPath 回傳某目錄下 manifest 的路徑
func ManifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}

// WriteManifest 原子性寫入 manifest
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換
func WriteManifest(dir string, m types.Manifest) error {
	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := ManifestPath(dir)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// ReadManifest 讀取某目錄下的 manifest
func ReadManifest(dir string) (types.Manifest, error) {
	var m types.Manifest

	jsonBytes, err := os.ReadFile(ManifestPath(dir))
	if err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrCorruptedManifest, err)
	}
	return m, nil
}

// HasManifest 檢查某目錄是否帶有 manifest
func HasManifest(dir string) bool {
	_, err := os.Stat(ManifestPath(dir))
	return err == nil
}
