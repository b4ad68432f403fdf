// ============================================================================
// Field-Loom 命令列介面
//
// 命令結構：
//   fieldloom                      # 根命令
//   ├── finalize                   # 單次定稿：等批次完成、修復、鏈結、發佈
//   │   └── --run-dir, --tag, --expected, --wait, --pidfile, --base
//   ├── loop                       # 長駐迴圈：反覆評估與定稿，含退避與帳本
//   │   └── --expected, --max-iterations, --tag-prefix
//   ├── status                     # 檢視指標、帳本尾端與概念場規模
//   │   └── --json, --tail
//   └── version                    # 顯示版本資訊
//
// 設定管理：
//   YAML 設定檔（預設 configs/default.yaml），章節包括：
//   - pipeline: 鏈結根目錄、指標註冊表根、鎖目錄、合併基底
//   - watch:    批次輪詢間隔
//   - salvage:  呈現事實數與散文字數帶域
//   - link / score: 連結候選與打分門檻
//   - loop:     標籤前綴、睡眠、退避、失敗上限、產生命令
//   - ledger / metrics: 帳本路徑、狀態監聽位址
//   - stages:   以外部命令覆蓋內建階段（OUT_DIR= 軌跡宣告）
//
// 信號處理：
//   finalize 與 loop 攔截 SIGINT/SIGTERM 並取消 context；
//   鎖、帳本與狀態監聽器由 defer 保證釋放。
//
// 結束碼：
//   0 成功；2 批次不完整；3 鎖被持有；其餘 1（由 cmd/fieldloom 映射）
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/field-loom/internal/chain"
	"github.com/ChuLiYu/field-loom/internal/ledger"
	"github.com/ChuLiYu/field-loom/internal/lockfile"
	"github.com/ChuLiYu/field-loom/internal/loop"
	"github.com/ChuLiYu/field-loom/internal/metrics"
	"github.com/ChuLiYu/field-loom/internal/publish"
	"github.com/ChuLiYu/field-loom/internal/salvage"
	"github.com/ChuLiYu/field-loom/internal/status"
	"github.com/ChuLiYu/field-loom/internal/watcher"
)

// Version 隨二進位檔發布的版本字串
const Version = "1.0.0"

const defaultConfigPath = "configs/default.yaml"

// Config 完整系統設定結構，以 YAML 章節對映
type Config struct {
	Pipeline struct {
		ChainRoot   string `yaml:"chain_root"`
		PointerRoot string `yaml:"pointer_root"`
		LockDir     string `yaml:"lock_dir"`
		BaseDir     string `yaml:"base_dir"`
	} `yaml:"pipeline"`

	Watch struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"watch"`

	Salvage struct {
		PresentedFacts int `yaml:"presented_facts"`
		WordLo         int `yaml:"word_lo"`
		WordHi         int `yaml:"word_hi"`
	} `yaml:"salvage"`

	Link struct {
		MaxTokenDF int `yaml:"max_token_df"`
	} `yaml:"link"`

	Score struct {
		MinSrcDst         float64 `yaml:"min_src_dst"`
		MinQueryDst       float64 `yaml:"min_query_dst"`
		MinQuerySrc       float64 `yaml:"min_query_src"`
		MinQueryTokensHit int     `yaml:"min_query_tokens_hit"`
		MinVotes          int     `yaml:"min_votes"`
	} `yaml:"score"`

	Loop struct {
		TagPrefix         string        `yaml:"tag_prefix"`
		RunRoot           string        `yaml:"run_root"`
		Expected          int           `yaml:"expected"`
		Sleep             time.Duration `yaml:"sleep"`
		MaxIterations     int           `yaml:"max_iterations"`
		MaxFailures       int           `yaml:"max_consecutive_failures"`
		BackoffBase       time.Duration `yaml:"backoff_base"`
		BackoffCeiling    time.Duration `yaml:"backoff_ceiling"`
		IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
		Producer          []string      `yaml:"producer"`
	} `yaml:"loop"`

	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Stages []StageConfig `yaml:"stages"`
}

// StageConfig 以外部命令覆蓋同名內建階段
// 命令 argv 支援 {in_dir}、{out_root}、{run_tag}、{base_dir} 佔位符，
// 輸出目錄以軌跡中的 KEY=path 宣告回報
type StageConfig struct {
	Name      string   `yaml:"name"`
	Command   []string `yaml:"command"`
	MarkerKey string   `yaml:"marker_key"`
}

// 產生命令 argv 中的佔位符，每迭代啟動前展開
const (
	placeholderRunDir   = "{run_dir}"
	placeholderTag      = "{tag}"
	placeholderExpected = "{expected}"
)

var stageNames = map[string]bool{
	chain.StageMaterialize: true,
	chain.StageNormalize:   true,
	chain.StageLink:        true,
	chain.StageScoreLinks:  true,
	chain.StageMerge:       true,
}

// DefaultConfig 內建預設值；零值欄位在下游仍會套各元件自己的預設
func DefaultConfig() Config {
	var cfg Config
	cfg.Pipeline.ChainRoot = "data/chain"
	cfg.Pipeline.PointerRoot = "data/field"
	cfg.Pipeline.LockDir = "data/locks"
	cfg.Watch.PollInterval = 500 * time.Millisecond
	cfg.Salvage.PresentedFacts = 6
	cfg.Salvage.WordLo = 120
	cfg.Salvage.WordHi = 260
	cfg.Link.MaxTokenDF = chain.DefaultMaxTokenDF
	cfg.Score.MinSrcDst = chain.DefaultMinSrcDst
	cfg.Score.MinQueryDst = chain.DefaultMinQueryDst
	cfg.Score.MinQuerySrc = chain.DefaultMinQuerySrc
	cfg.Score.MinQueryTokensHit = chain.DefaultMinQueryTokensHit
	cfg.Score.MinVotes = chain.DefaultMinVotes
	cfg.Loop.TagPrefix = "loom"
	cfg.Loop.RunRoot = "data/runs"
	cfg.Loop.Sleep = time.Minute
	cfg.Loop.MaxFailures = 5
	cfg.Loop.BackoffBase = 2 * time.Second
	cfg.Loop.BackoffCeiling = 5 * time.Minute
	cfg.Loop.IdleCheckInterval = 2 * time.Second
	cfg.Ledger.Path = "data/ledger.jsonl"
	cfg.Metrics.Addr = "127.0.0.1:9090"
	return cfg
}

// LoadConfig 讀取 YAML 設定檔並疊在預設值上，最後做一致性驗證
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate 檢查設定欄位之間的一致性
func (c *Config) Validate() error {
	if c.Salvage.WordLo > c.Salvage.WordHi {
		return fmt.Errorf("salvage.word_lo %d exceeds word_hi %d", c.Salvage.WordLo, c.Salvage.WordHi)
	}
	if c.Loop.Expected < 0 {
		return fmt.Errorf("loop.expected must not be negative, got %d", c.Loop.Expected)
	}
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("loop.max_iterations must not be negative, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.BackoffCeiling > 0 && c.Loop.BackoffBase > c.Loop.BackoffCeiling {
		return fmt.Errorf("loop.backoff_base %s exceeds backoff_ceiling %s",
			c.Loop.BackoffBase, c.Loop.BackoffCeiling)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled")
	}
	for _, sc := range c.Stages {
		if !stageNames[sc.Name] {
			return fmt.Errorf("unknown stage %q in stages override", sc.Name)
		}
		if len(sc.Command) == 0 {
			return fmt.Errorf("stage %q override has no command", sc.Name)
		}
	}
	return nil
}

func (c *Config) salvageSpec() salvage.Spec {
	return salvage.Spec{
		K:      c.Salvage.PresentedFacts,
		WordLo: c.Salvage.WordLo,
		WordHi: c.Salvage.WordHi,
	}
}

func (c *Config) linkSpec() chain.LinkSpec {
	return chain.LinkSpec{MaxTokenDF: c.Link.MaxTokenDF}
}

func (c *Config) scoreSpec() chain.ScoreSpec {
	return chain.ScoreSpec{
		MinSrcDst:         c.Score.MinSrcDst,
		MinQueryDst:       c.Score.MinQueryDst,
		MinQuerySrc:       c.Score.MinQuerySrc,
		MinQueryTokensHit: c.Score.MinQueryTokensHit,
		MinVotes:          c.Score.MinVotes,
	}
}

// buildStages 把設定檔的外部命令覆蓋套到內建五階段上
// 沒有任何覆蓋時回傳 nil，讓管線用內建鏈
func buildStages(cfg *Config) []chain.Stage {
	if len(cfg.Stages) == 0 {
		return nil
	}
	override := make(map[string]chain.ExecStage, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		override[sc.Name] = chain.ExecStage{
			StageName: sc.Name,
			Command:   sc.Command,
			MarkerKey: sc.MarkerKey,
		}
	}
	stages := chain.DefaultStages()
	for i, st := range stages {
		if ex, ok := override[st.Name()]; ok {
			stages[i] = ex
		}
	}
	return stages
}

var configFile string

// currentConfig 依 --config 旗標載入設定
// 未指定自訂路徑且預設檔不存在時，直接用內建預設值
func currentConfig() (*Config, error) {
	if configFile == defaultConfigPath {
		if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
	}
	return LoadConfig(configFile)
}

// signalContext 攔截 SIGINT/SIGTERM 並轉為 context 取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fieldloom",
		Short: "Field-Loom: a self-healing concept field finalizer",
		Long: `Field-Loom watches evaluation batches, salvages rejected records,
chains them into a versioned concept field and republishes pointers:
- flock-guarded finalize with completion gating
- rule-based repair with full provenance
- materialize/normalize/link/score/merge stage chain
- checksummed run ledger and Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildFinalizeCommand())
	rootCmd.AddCommand(buildLoopCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildFinalizeCommand() *cobra.Command {
	var (
		runDir   string
		tag      string
		expected int
		wait     bool
		pidfile  string
		baseDir  string
	)

	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize one evaluation batch into the concept field",
		Long: `Wait for the batch to complete, salvage rejected records, run the
stage chain and atomically repoint eval_current / field_current.
Refuses immediately (exit 3) when another finalize holds the lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFinalize(runDir, tag, expected, wait, pidfile, baseDir)
		},
	}

	cmd.Flags().StringVarP(&runDir, "run-dir", "d", "", "evaluation batch directory (ok.jsonl / bad.jsonl)")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "run tag (default manual_<UTC timestamp>)")
	cmd.Flags().IntVarP(&expected, "expected", "n", 0, "expected record count for the batch")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the producer instead of taking the streams as-is")
	cmd.Flags().StringVar(&pidfile, "pidfile", "", "producer pidfile for liveness probing (default <run-dir>/producer.pid)")
	cmd.Flags().StringVar(&baseDir, "base", "", "base field directory to merge onto (default: field_current pointer)")
	cmd.MarkFlagRequired("run-dir")

	return cmd
}

func runFinalize(runDir, tag string, expected int, wait bool, pidfile, baseDir string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	if expected == 0 {
		expected = cfg.Loop.Expected
	}
	if expected <= 0 {
		return fmt.Errorf("expected record count is required (--expected or loop.expected)")
	}
	if tag == "" {
		tag = "manual_" + time.Now().UTC().Format("20060102_150405")
	}
	if baseDir == "" {
		baseDir = cfg.Pipeline.BaseDir
	}

	ctx, stop := signalContext()
	defer stop()

	guard, err := lockfile.TryAcquire(cfg.Pipeline.LockDir, loop.FinalizeLockName)
	if err != nil {
		return fmt.Errorf("acquire finalize lock: %w", err)
	}
	defer guard.Release()

	var handle watcher.JobHandle
	if pidfile != "" {
		handle = &watcher.PIDFileHandle{Path: pidfile}
	}

	p := &loop.Pipeline{
		RunDir:       runDir,
		ChainRoot:    cfg.Pipeline.ChainRoot,
		PointerRoot:  cfg.Pipeline.PointerRoot,
		BaseDir:      baseDir,
		Tag:          tag,
		Expected:     expected,
		Wait:         wait,
		PollInterval: cfg.Watch.PollInterval,
		Handle:       handle,
		Salvage:      cfg.salvageSpec(),
		Link:         cfg.linkSpec(),
		Score:        cfg.scoreSpec(),
		Stages:       buildStages(cfg),
	}

	log.Printf("Finalizing %s (tag %s, expecting %d records)\n", runDir, tag, expected)
	res, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", tag, err)
	}

	log.Printf("Batch: accepted=%d repaired=%d rejected=%d still_rejected=%d\n",
		res.Counts.Accepted, res.Counts.Repaired, res.Counts.Rejected, res.Counts.StillRejected)
	log.Printf("Field: nodes=%d members=%d edges=%d seeds=%d aliases=%d\n",
		res.Field.Nodes, res.Field.Members, res.Field.Edges, res.Field.Seeds, res.Field.Aliases)
	log.Printf("Published %s -> %s\n", publish.FieldCurrent, res.FinalDir)
	return nil
}

func buildLoopCommand() *cobra.Command {
	var (
		expected      int
		maxIterations int
		tagPrefix     string
	)

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the resident evaluate-and-finalize loop",
		Long: `Repeatedly launch the producer, finalize each batch and republish the
field. Failures back off exponentially up to a ceiling; the loop dies
after the configured number of consecutive failures. Every iteration
is appended to the run ledger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(expected, maxIterations, tagPrefix)
		},
	}

	cmd.Flags().IntVarP(&expected, "expected", "n", 0, "expected record count per iteration (overrides config)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", -1, "iteration limit, 0 = unlimited (overrides config)")
	cmd.Flags().StringVar(&tagPrefix, "tag-prefix", "", "run tag prefix (overrides config)")

	return cmd
}

func runLoop(expected, maxIterations int, tagPrefix string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	if expected > 0 {
		cfg.Loop.Expected = expected
	}
	if maxIterations >= 0 {
		cfg.Loop.MaxIterations = maxIterations
	}
	if tagPrefix != "" {
		cfg.Loop.TagPrefix = tagPrefix
	}
	if cfg.Loop.Expected <= 0 {
		return fmt.Errorf("expected record count is required (--expected or loop.expected)")
	}

	ctx, stop := signalContext()
	defer stop()

	lcfg := loop.Config{
		LockDir:     cfg.Pipeline.LockDir,
		RunRoot:     cfg.Loop.RunRoot,
		ChainRoot:   cfg.Pipeline.ChainRoot,
		PointerRoot: cfg.Pipeline.PointerRoot,
		LedgerPath:  cfg.Ledger.Path,

		TagPrefix:    cfg.Loop.TagPrefix,
		Expected:     cfg.Loop.Expected,
		PollInterval: cfg.Watch.PollInterval,

		Sleep:             cfg.Loop.Sleep,
		MaxIterations:     cfg.Loop.MaxIterations,
		MaxFailures:       cfg.Loop.MaxFailures,
		BackoffBase:       cfg.Loop.BackoffBase,
		BackoffCeiling:    cfg.Loop.BackoffCeiling,
		IdleCheckInterval: cfg.Loop.IdleCheckInterval,

		Salvage: cfg.salvageSpec(),
		Link:    cfg.linkSpec(),
		Score:   cfg.scoreSpec(),
		Stages:  buildStages(cfg),
	}
	if len(cfg.Loop.Producer) > 0 {
		lcfg.Producer = producerFromArgv(cfg.Loop.Producer, cfg.Loop.Expected)
	}

	if cfg.Metrics.Enabled {
		col := metrics.NewCollector()
		lcfg.OnStage = col.OnStage
		lcfg.OnIteration = col.OnIteration
	}

	ctrl := loop.New(lcfg)

	if cfg.Metrics.Enabled {
		srv := &status.Server{
			Addr:        cfg.Metrics.Addr,
			Controller:  ctrl,
			LedgerPath:  cfg.Ledger.Path,
			PointerRoot: cfg.Pipeline.PointerRoot,
		}
		addr, err := srv.Start()
		if err != nil {
			return fmt.Errorf("start status listener: %w", err)
		}
		log.Printf("Status listener on http://%s (/healthz /status /metrics)\n", addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	log.Printf("Loop starting (prefix %s, expecting %d records per iteration)\n",
		cfg.Loop.TagPrefix, cfg.Loop.Expected)
	return ctrl.Run(ctx)
}

// producerFromArgv 把設定檔宣告的產生命令轉成每迭代的啟動函式
func producerFromArgv(argv []string, expected int) loop.ProducerFunc {
	return func(ctx context.Context, runDir, tag string) (watcher.JobHandle, error) {
		r := strings.NewReplacer(
			placeholderRunDir, runDir,
			placeholderTag, tag,
			placeholderExpected, strconv.Itoa(expected),
		)
		expanded := make([]string, len(argv))
		for i, a := range argv {
			expanded[i] = r.Replace(a)
		}
		return watcher.Launch(ctx, runDir, expanded[0], expanded[1:]...)
	}
}

func buildStatusCommand() *cobra.Command {
	var (
		asJSON bool
		tailN  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show current pointers, recent runs and field size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(asJSON, tailN)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable JSON output")
	cmd.Flags().IntVar(&tailN, "tail", 5, "number of recent ledger entries to show")

	return cmd
}

func showStatus(asJSON bool, tailN int) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	reg := publish.NewRegistry(cfg.Pipeline.PointerRoot)
	pointers, err := reg.Current()
	if err != nil {
		return fmt.Errorf("read pointers: %w", err)
	}
	recent, err := ledger.Tail(cfg.Ledger.Path, tailN)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	if asJSON {
		rep := status.Report{
			Pointers: pointers,
			Recent:   recent,
			Now:      time.Now().UnixMilli(),
		}
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Field-Loom System Status                 ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:   %s\n", configFile)
	fmt.Printf("  └─ Chain Root:    %s\n", cfg.Pipeline.ChainRoot)
	fmt.Printf("  └─ Run Root:      %s\n", cfg.Loop.RunRoot)
	fmt.Printf("  └─ Ledger:        %s\n", cfg.Ledger.Path)
	fmt.Println()

	fmt.Println("📌 Pointers:")
	if len(pointers) == 0 {
		fmt.Println("  └─ none published yet (run 'fieldloom finalize' first)")
	} else {
		printed := map[string]bool{}
		for _, name := range []string{publish.EvalCurrent, publish.FieldCurrent} {
			if target, ok := pointers[name]; ok {
				fmt.Printf("  └─ %-14s %s\n", name+":", target)
				printed[name] = true
			}
		}
		for name, target := range pointers {
			if !printed[name] {
				fmt.Printf("  └─ %-14s %s\n", name+":", target)
			}
		}
	}
	fmt.Println()

	if dir, err := reg.Resolve(publish.FieldCurrent); err == nil && publish.HasManifest(dir) {
		if m, err := publish.ReadManifest(dir); err == nil {
			fmt.Println("🧠 Concept Field:")
			fmt.Printf("  ├─ Nodes:   %d\n", m.Field.Nodes)
			fmt.Printf("  ├─ Members: %d\n", m.Field.Members)
			fmt.Printf("  ├─ Edges:   %d\n", m.Field.Edges)
			fmt.Printf("  └─ Seeds:   %d\n", m.Field.Seeds)
			fmt.Println()
		}
	}

	fmt.Println("📜 Recent Runs:")
	if len(recent) == 0 {
		fmt.Println("  └─ ledger is empty")
	} else {
		for _, line := range recent {
			e := line.Entry
			mark := "✅"
			if e.ExitCode != 0 {
				mark = "❌"
			}
			fmt.Printf("  └─ %s %s  exit=%d accepted=%d repaired=%d still_rejected=%d\n",
				mark, e.Tag, e.ExitCode, e.Counts.Accepted, e.Counts.Repaired, e.Counts.StillRejected)
			if e.Err != "" {
				fmt.Printf("        %s\n", e.Err)
			}
		}
	}
	fmt.Println()
	return nil
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fieldloom %s (%s)\n", Version, runtime.Version())
		},
	}
}
