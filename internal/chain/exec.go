package chain

// ============================================================================
// 外部命令階段
// 任一內建階段可由外部命令替換：命令在自己的輸出（stdout+stderr 合併的
// 執行軌跡）中以 KEY=path 形式宣告輸出目錄，掃描由後往前、後出現者優先，
// 避開囉嗦輸出裡較早的偶然匹配
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultMarkerKey 輸出目錄宣告的預設鍵
const DefaultMarkerKey = "OUT_DIR"

// 命令列中的佔位符，執行前展開
const (
	PlaceholderInDir   = "{in_dir}"
	PlaceholderOutRoot = "{out_root}"
	PlaceholderRunTag  = "{run_tag}"
	PlaceholderBaseDir = "{base_dir}"
)

// ExecStage 以外部命令實作的階段
type ExecStage struct {
	StageName string
	Command   []string // argv；元素內的佔位符會被展開
	MarkerKey string   // 空字串時用 DefaultMarkerKey
}

// Name 回傳階段名稱
func (s ExecStage) Name() string { return s.StageName }

func (s ExecStage) markerKey() string {
	if s.MarkerKey == "" {
		return DefaultMarkerKey
	}
	return s.MarkerKey
}

// Run 執行外部命令並自執行軌跡解析輸出目錄
func (s ExecStage) Run(ctx context.Context, env Env, inputDir string) (Result, error) {
	if len(s.Command) == 0 {
		return Result{}, fmt.Errorf("exec stage %s has no command", s.StageName)
	}

	argv := make([]string, len(s.Command))
	for i, arg := range s.Command {
		argv[i] = expandPlaceholders(arg, env, inputDir)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var trace bytes.Buffer
	cmd.Stdout = &trace
	cmd.Stderr = &trace

	log.Info("exec stage starting", "stage", s.StageName, "argv", argv)
	if err := cmd.Run(); err != nil {
		log.Error("exec stage failed",
			"stage", s.StageName, "err", err, "trace_tail", traceTail(trace.String(), 2048))
		return Result{}, fmt.Errorf("run %s: %w", argv[0], err)
	}

	outDir, ok := ScanMarker(trace.String(), s.markerKey())
	if !ok {
		return Result{}, fmt.Errorf("%w: no %s= marker in trace of %s",
			ErrNoOutputDir, s.markerKey(), argv[0])
	}
	return Result{OutputDir: outDir}, nil
}

// expandPlaceholders 展開命令列元素中的環境佔位符
func expandPlaceholders(arg string, env Env, inputDir string) string {
	r := strings.NewReplacer(
		PlaceholderInDir, inputDir,
		PlaceholderOutRoot, env.OutRoot,
		PlaceholderRunTag, env.RunTag,
		PlaceholderBaseDir, env.BaseDir,
	)
	return r.Replace(arg)
}

// ScanMarker 自執行軌跡由後往前找 KEY=path 宣告
// 整行必須以鍵開頭；後出現者優先
func ScanMarker(trace, key string) (string, bool) {
	lines := strings.Split(trace, "\n")
	prefix := key + "="
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		if value := strings.TrimSpace(line[len(prefix):]); value != "" {
			return value, true
		}
	}
	return "", false
}

// traceTail 取執行軌跡的最後 n 個位元組供日誌使用
func traceTail(trace string, n int) string {
	if len(trace) <= n {
		return trace
	}
	return trace[len(trace)-n:]
}

// exitStatus 自錯誤鏈取出外部命令結束碼；取不到時視為一般失敗
func exitStatus(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}
