package loop

// ============================================================================
// 單次管線迭代
// 職責：看守批次完成 → 讀取記錄串流 → 修復不合格記錄 → 跑階段鏈 → 原子發佈
// 呼叫端負責持有 finalize 鎖；本型別不碰鎖
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/field-loom/internal/chain"
	"github.com/ChuLiYu/field-loom/internal/publish"
	"github.com/ChuLiYu/field-loom/internal/salvage"
	"github.com/ChuLiYu/field-loom/internal/watcher"
	"github.com/ChuLiYu/field-loom/pkg/types"
)

// 評估批次目錄內的固定檔名
const (
	AcceptedStream = "ok.jsonl"
	RejectedStream = "bad.jsonl"
	DefaultPIDFile = "producer.pid"
	HygieneFile    = "hygiene_report.json"
)

// Pipeline 一次完整迭代的參數
type Pipeline struct {
	RunDir       string // 評估批次目錄（ok.jsonl / bad.jsonl 所在）
	ChainRoot    string // 各階段輸出目錄的根
	PointerRoot  string // 指標註冊表根
	BaseDir      string // 合併基底；空字串時以 field_current 指標解析，仍無則無基底
	Tag          string
	Expected     int
	Wait         bool // false 時不等待產生端，當下行數即最終值
	PollInterval time.Duration

	Handle watcher.JobHandle // 產生程序把手；nil 時以 <RunDir>/producer.pid 探測

	Salvage salvage.Spec
	Link    chain.LinkSpec
	Score   chain.ScoreSpec

	Stages  []chain.Stage // nil 時用內建五階段
	OnStage func(stage string, elapsed time.Duration, err error)
}

// RunResult 一次成功迭代的產出
type RunResult struct {
	Tag       string
	StageDirs map[string]string
	FinalDir  string
	Counts    types.BatchCounts
	Field     types.FieldCounts
}

// Run 執行一次迭代；任何錯誤都表示本次什麼都沒發佈
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	if err := p.awaitBatch(ctx); err != nil {
		return nil, err
	}

	accepted, err := chain.ReadJSONLOptional[types.Record](filepath.Join(p.RunDir, AcceptedStream))
	if err != nil {
		return nil, err
	}
	rejected, err := chain.ReadJSONLOptional[types.Record](filepath.Join(p.RunDir, RejectedStream))
	if err != nil {
		return nil, err
	}

	already := make(map[string]bool, len(accepted))
	for i := range accepted {
		already[accepted[i].ClusterID] = true
	}
	sres := salvage.NewEngine(p.Salvage).Repair(rejected, already)

	counts := types.BatchCounts{
		Accepted:      len(accepted),
		Rejected:      len(rejected),
		Repaired:      len(sres.Repaired),
		StillRejected: len(sres.StillRejected),
	}
	log.Info("batch salvaged",
		"tag", p.Tag, "accepted", counts.Accepted, "rejected", counts.Rejected,
		"repaired", counts.Repaired, "still_rejected", counts.StillRejected)

	// 鏈輸入：合格記錄加上修復後合格者，連同不可修復清單一起落地
	evalDir := filepath.Join(p.ChainRoot, "eval_"+p.Tag)
	if err := os.MkdirAll(evalDir, 0o755); err != nil {
		return nil, fmt.Errorf("create eval dir: %w", err)
	}
	records := make([]types.Record, 0, len(accepted)+len(sres.Repaired))
	records = append(records, accepted...)
	records = append(records, sres.Repaired...)
	if _, err := chain.WriteJSONL(filepath.Join(evalDir, chain.RecordsFile), records); err != nil {
		return nil, err
	}
	if _, err := chain.WriteJSONL(filepath.Join(evalDir, chain.StillRejectedFile), sres.StillRejected); err != nil {
		return nil, err
	}
	if err := writeHygiene(evalDir, sres.Hygiene); err != nil {
		return nil, err
	}

	reg := publish.NewRegistry(p.PointerRoot)
	baseDir := p.BaseDir
	if baseDir == "" {
		baseDir, err = reg.Resolve(publish.FieldCurrent)
		if errors.Is(err, publish.ErrPointerNotFound) {
			// 首次執行還沒有概念場，合併階段無基底
			baseDir = ""
		} else if err != nil {
			return nil, err
		}
	}

	stages := p.Stages
	if stages == nil {
		stages = chain.DefaultStages()
	}
	runner := chain.NewRunner(stages...)
	runner.OnStage = p.OnStage
	env := chain.Env{
		OutRoot: p.ChainRoot,
		RunTag:  p.Tag,
		BaseDir: baseDir,
		Link:    p.Link,
		Score:   p.Score,
	}
	dirs, final, err := runner.Run(ctx, env, evalDir)
	if err != nil {
		return nil, err
	}

	field := types.FieldCounts{
		Nodes:   final.Counts["nodes"],
		Members: final.Counts["members"],
		Edges:   final.Counts["edges"],
		Seeds:   final.Counts["seeds"],
		Aliases: final.Counts["aliases"],
	}

	m := types.Manifest{
		RunTag:        p.Tag,
		RunDir:        p.RunDir,
		BaseDir:       baseDir,
		StageDirs:     dirs,
		ExpectedCount: p.Expected,
		Counts:        counts,
		Field:         field,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := reg.Publish(m, evalDir, final.OutputDir); err != nil {
		return nil, err
	}

	log.Info("iteration published",
		"tag", p.Tag, "field_dir", final.OutputDir, "eval_dir", evalDir,
		"nodes", field.Nodes, "edges", field.Edges)

	return &RunResult{
		Tag:       p.Tag,
		StageDirs: dirs,
		FinalDir:  final.OutputDir,
		Counts:    counts,
		Field:     field,
	}, nil
}

// awaitBatch 等待批次完成
// Wait=false 時把產生端視為已結束，一次判定當下行數是否達標
func (p *Pipeline) awaitBatch(ctx context.Context) error {
	handle := p.Handle
	if handle == nil {
		handle = &watcher.PIDFileHandle{Path: filepath.Join(p.RunDir, DefaultPIDFile)}
	}
	if !p.Wait {
		handle = watcher.HandleFunc(func() (bool, error) { return false, nil })
	}
	_, err := watcher.Await(ctx, watcher.Spec{
		AcceptedPath: filepath.Join(p.RunDir, AcceptedStream),
		RejectedPath: filepath.Join(p.RunDir, RejectedStream),
		Expected:     p.Expected,
		Handle:       handle,
		PollInterval: p.PollInterval,
	})
	return err
}

func writeHygiene(dir string, rep salvage.HygieneReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode hygiene report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, HygieneFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write hygiene report: %w", err)
	}
	return nil
}
