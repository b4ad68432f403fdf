package chain

// ============================================================================
// 階段鏈執行器
// 職責：
// 1. 依固定順序執行五個階段：materialize → normalize → link → score → merge
// 2. 每階段成功必須交出輸出目錄；拿不到輸出目錄即為致命階段失敗
// 3. 任一階段失敗立即中止整條鏈，絕不發佈部分結果
// 4. 前一階段的輸出目錄是後一階段的輸入目錄
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var log = slog.Default()

// ErrNoOutputDir 階段回報成功卻沒有可用的輸出目錄
var ErrNoOutputDir = errors.New("stage reported success without a usable output directory")

// 固定的階段名稱
const (
	StageMaterialize = "materialize"
	StageNormalize   = "normalize"
	StageLink        = "link"
	StageScoreLinks  = "score_links"
	StageMerge       = "merge"
)

// Env 一次鏈執行的共用環境
type Env struct {
	OutRoot string // 各階段輸出目錄的根
	RunTag  string // 本次執行標籤，進入每個階段目錄名
	BaseDir string // 合併基底概念場；空字串表示沒有基底
	Link    LinkSpec
	Score   ScoreSpec
}

// Result 單一階段的執行結果
type Result struct {
	OutputDir string         // 本階段寫出的目錄
	Counts    map[string]int // 產出數量，併入 manifest 與帳本
}

// Stage 鏈中的一個階段
type Stage interface {
	Name() string
	Run(ctx context.Context, env Env, inputDir string) (Result, error)
}

// StageFailure 帶有階段座標的失敗；鏈的唯一錯誤型別
type StageFailure struct {
	Index  int    // 階段序，自 0 起
	Stage  string // 階段名稱
	Status int    // 外部命令結束碼；內建階段失敗時為 1
	Err    error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %d (%s) failed with status %d: %v",
		e.Index, e.Stage, e.Status, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// Runner 依序驅動一組階段
type Runner struct {
	Stages []Stage
	// OnStage 每階段結束時的量測掛勾；可為 nil
	OnStage func(stage string, elapsed time.Duration, err error)
}

// NewRunner 以給定階段建立執行器
func NewRunner(stages ...Stage) *Runner {
	return &Runner{Stages: stages}
}

// DefaultStages 內建的五階段固定鏈
func DefaultStages() []Stage {
	return []Stage{Materialize{}, Normalize{}, Link{}, ScoreLinks{}, Merge{}}
}

// Run 執行整條鏈
//
// 回傳值：
//   - dirs: 已完成階段的名稱到輸出目錄對照（失敗時含失敗前的階段）
//   - final: 最後一個階段的結果，OutputDir 即交付目錄
//   - err: 失敗時為 *StageFailure
func (r *Runner) Run(ctx context.Context, env Env, inputDir string) (dirs map[string]string, final Result, err error) {
	dirs = make(map[string]string, len(r.Stages))
	in := inputDir

	for i, st := range r.Stages {
		select {
		case <-ctx.Done():
			return dirs, Result{}, &StageFailure{Index: i, Stage: st.Name(), Status: 1, Err: ctx.Err()}
		default:
		}

		log.Info("stage starting", "index", i, "stage", st.Name(), "input_dir", in)
		start := time.Now()
		res, runErr := st.Run(ctx, env, in)
		elapsed := time.Since(start)
		if r.OnStage != nil {
			r.OnStage(st.Name(), elapsed, runErr)
		}

		if runErr != nil {
			return dirs, Result{}, &StageFailure{
				Index:  i,
				Stage:  st.Name(),
				Status: exitStatus(runErr),
				Err:    runErr,
			}
		}
		if res.OutputDir == "" {
			return dirs, Result{}, &StageFailure{Index: i, Stage: st.Name(), Status: 1, Err: ErrNoOutputDir}
		}
		if info, statErr := os.Stat(res.OutputDir); statErr != nil || !info.IsDir() {
			return dirs, Result{}, &StageFailure{
				Index:  i,
				Stage:  st.Name(),
				Status: 1,
				Err:    fmt.Errorf("%w: %s", ErrNoOutputDir, res.OutputDir),
			}
		}

		dirs[st.Name()] = res.OutputDir
		log.Info("stage complete",
			"index", i, "stage", st.Name(),
			"output_dir", res.OutputDir, "elapsed", elapsed, "counts", res.Counts)
		in = res.OutputDir
		final = res
	}
	return dirs, final, nil
}

// stageDir 組合某階段的輸出目錄並確保存在
func stageDir(env Env, name string) (string, error) {
	dir := filepath.Join(env.OutRoot, name+"_"+env.RunTag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir %s: %w", dir, err)
	}
	return dir, nil
}
