package publish

// ============================================================================
// 發佈指標登錄簿
// 職責：
// 1. 以指標檔（.ptr）記錄各名稱目前指向的輸出目錄
// 2. 使用原子性寫入（temp file + rename）換指標，讀者永遠看到完整目標
// 3. 維護 append-only 版本日誌（versions.jsonl）供稽核與回溯
// 4. 提供 Publish 一次完成 manifest 落地、記錄版本、換指標
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrPointerNotFound = errors.New("pointer not found")
	ErrTargetMissing   = errors.New("publish target directory does not exist")
)

// 固定的指標名稱
const (
	EvalCurrent  = "eval_current"  // 最新已定稿的評估批次
	FieldCurrent = "field_current" // 最新合併後的概念場
)

const (
	pointersDirName  = "pointers"
	versionsFileName = "versions.jsonl"
)

// VersionRow 版本日誌中的一行
type VersionRow struct {
	Name   string `json:"name"`   // 指標名稱
	Target string `json:"target"` // 指向的目錄
	At     int64  `json:"at"`     // 換指時間（Unix 毫秒）
}

// ============================================================================
// 登錄簿
// ============================================================================

// Registry 管理單一根目錄下的全部指標
type Registry struct {
	root string     // 指標根目錄
	mu   sync.Mutex // 保護指標檔與版本日誌操作
}

// NewRegistry 建立登錄簿實例
func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// Root 回傳指標根目錄
func (r *Registry) Root() string { return r.root }

// PointerPath 回傳某名稱的指標檔路徑
func (r *Registry) PointerPath(name string) string {
	return filepath.Join(r.root, pointersDirName, name+".ptr")
}

// Resolve 讀取指標目前的目標
// 指標不存在時回傳 ErrPointerNotFound
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) (string, error) {
	data, err := os.ReadFile(r.PointerPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrPointerNotFound, name)
		}
		return "", fmt.Errorf("read pointer %s: %w", name, err)
	}
	target := strings.TrimSpace(string(data))
	if target == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrPointerNotFound, name)
	}
	return target, nil
}

// Repoint 將指標原子性換到新目標並記錄版本
//
// 流程：
// 1. 驗證目標目錄存在
// 2. 追加版本日誌
// 3. 寫入臨時指標檔後 os.Rename 替換（絕不先刪後建）
func (r *Registry) Repoint(name, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repointLocked(name, target)
}

func (r *Registry) repointLocked(name, target string) error {
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrTargetMissing, target)
	}

	ptrDir := filepath.Join(r.root, pointersDirName)
	if err := os.MkdirAll(ptrDir, 0o755); err != nil {
		return fmt.Errorf("create pointers dir: %w", err)
	}

	if err := r.appendVersionLocked(VersionRow{
		Name:   name,
		Target: target,
		At:     time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	ptrPath := r.PointerPath(name)
	tmpPath := ptrPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(target+"\n"), 0o644); err != nil {
		return fmt.Errorf("write temp pointer: %w", err)
	}
	if err := os.Rename(tmpPath, ptrPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename pointer %s: %w", name, err)
	}
	return nil
}

// appendVersionLocked 追加一行版本紀錄；呼叫端需已持鎖
func (r *Registry) appendVersionLocked(row VersionRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal version row: %w", err)
	}
	path := filepath.Join(r.root, versionsFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open version log: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append version log: %w", err)
	}
	return nil
}

// Current 回傳全部已存在指標的名稱與目標
func (r *Registry) Current() (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.root, pointersDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read pointers dir: %w", err)
	}

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ptr") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".ptr")
		target, err := r.resolveLocked(name)
		if err != nil {
			return nil, err
		}
		out[name] = target
	}
	return out, nil
}

// History 讀取版本日誌中最後 n 行（n <= 0 表示全部）
func (r *Registry) History(n int) ([]VersionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.Open(filepath.Join(r.root, versionsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open version log: %w", err)
	}
	defer file.Close()

	var rows []VersionRow
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row VersionRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("decode version row: %w", err)
		}
		rows = append(rows, row)
		if n > 0 && len(rows) > n {
			rows = rows[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan version log: %w", err)
	}
	return rows, nil
}

// Publish 發佈一次成功的執行結果
//
// 流程：
// 1. 將同一份 manifest 寫進評估批次目錄與合併輸出目錄
// 2. eval_current 換指到評估批次目錄
// 3. field_current 換指到合併輸出目錄
//
// 指標換掉之前 manifest 必已落地，讀者循新指標一定找得到 manifest
func (r *Registry) Publish(m types.Manifest, evalDir, fieldDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := WriteManifest(evalDir, m); err != nil {
		return fmt.Errorf("write manifest into %s: %w", evalDir, err)
	}
	if err := WriteManifest(fieldDir, m); err != nil {
		return fmt.Errorf("write manifest into %s: %w", fieldDir, err)
	}
	if err := r.repointLocked(EvalCurrent, evalDir); err != nil {
		return err
	}
	if err := r.repointLocked(FieldCurrent, fieldDir); err != nil {
		return err
	}
	return nil
}
