package loop

// ============================================================================
// 迴圈控制器
// 職責：
// 1. 以 loop 鎖保證同主機至多一個迴圈程序
// 2. 每迭代先等管線閒置（finalize 鎖探測），取得鎖後才執行
// 3. 成功重設退避與失敗計數；失敗退避倍增，達連續上限即致命終止
// 4. 每迭代寫一筆帳本紀錄，成功失敗都寫
// 5. 收到終止信號立即退出，不留鎖
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/field-loom/internal/chain"
	"github.com/ChuLiYu/field-loom/internal/ledger"
	"github.com/ChuLiYu/field-loom/internal/lockfile"
	"github.com/ChuLiYu/field-loom/internal/salvage"
	"github.com/ChuLiYu/field-loom/internal/watcher"
	"github.com/ChuLiYu/field-loom/pkg/types"
)

var log = slog.Default()

// 鎖名：finalize 鎖與手動觸發共用，loop 鎖為獨立名稱
const (
	FinalizeLockName = "finalize"
	LoopLockName     = "loop"
)

// ErrFailureCeiling 連續失敗達上限，迴圈致命終止，須人工介入
var ErrFailureCeiling = errors.New("consecutive failure ceiling reached")

// ProducerFunc 每迭代啟動產生工作並交回存活把手
// 回傳 nil 把手表示產生端由外部啟動，改以 pidfile 探測
type ProducerFunc func(ctx context.Context, runDir, tag string) (watcher.JobHandle, error)

// Config 迴圈控制器參數
type Config struct {
	LockDir     string
	RunRoot     string // 每迭代評估批次目錄的根
	ChainRoot   string
	PointerRoot string
	LedgerPath  string

	TagPrefix    string
	Expected     int
	PollInterval time.Duration

	Sleep             time.Duration // 成功後的固定睡眠
	MaxIterations     int           // 0 = 無限
	MaxFailures       int           // 連續失敗上限
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	IdleCheckInterval time.Duration

	Salvage salvage.Spec
	Link    chain.LinkSpec
	Score   chain.ScoreSpec

	Producer ProducerFunc
	Stages   []chain.Stage

	// 量測掛勾，皆可為 nil
	OnStage     func(stage string, elapsed time.Duration, err error)
	OnIteration func(res *RunResult, err error, consecutiveFailures int, backoff time.Duration)
}

func (c Config) withDefaults() Config {
	if c.TagPrefix == "" {
		c.TagPrefix = "loom"
	}
	if c.Sleep <= 0 {
		c.Sleep = time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 2 * time.Second
	}
	return c
}

// Snapshot 控制器當下狀態，供狀態介面查詢
type Snapshot struct {
	State               string  `json:"state"`
	Iteration           int     `json:"iteration"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	BackoffSeconds      float64 `json:"backoff_seconds"`
	LastTag             string  `json:"last_tag,omitempty"`
	LastError           string  `json:"last_error,omitempty"`
}

// Controller 長駐迴圈控制器，單一 goroutine 驅動
type Controller struct {
	cfg Config
	led *ledger.Ledger

	mu        sync.Mutex
	state     State
	backoff   *Backoff
	iteration int
	failures  int
	lastTag   string
	lastErr   string
}

// New 建立控制器
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:     cfg,
		state:   Idle,
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffCeiling),
	}
}

// Snapshot 回傳當下狀態快照
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:               c.state.String(),
		Iteration:           c.iteration,
		ConsecutiveFailures: c.failures,
		BackoffSeconds:      c.backoff.Current().Seconds(),
		LastTag:             c.lastTag,
		LastError:           c.lastErr,
	}
}

// Run 驅動迴圈直到達最大迭代數（乾淨結束）、連續失敗達上限或 ctx 取消
func (c *Controller) Run(ctx context.Context) error {
	guard, err := lockfile.TryAcquire(c.cfg.LockDir, LoopLockName)
	if err != nil {
		return fmt.Errorf("acquire loop lock: %w", err)
	}
	defer guard.Release()

	led, err := ledger.Open(c.cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()
	c.led = led

	log.Info("loop starting",
		"run_root", c.cfg.RunRoot, "tag_prefix", c.cfg.TagPrefix,
		"max_iterations", c.cfg.MaxIterations, "max_failures", c.cfg.MaxFailures)

	for iter := 1; c.cfg.MaxIterations == 0 || iter <= c.cfg.MaxIterations; iter++ {
		c.mu.Lock()
		c.iteration = iter
		c.mu.Unlock()

		c.setState(WaitingForIdle)
		fin, err := c.waitForIdle(ctx)
		if err != nil {
			return err
		}

		c.setState(Running)
		tag := fmt.Sprintf("%s_%s_%03d",
			c.cfg.TagPrefix, time.Now().UTC().Format("20060102_150405"), iter)
		started := time.Now()
		res, runErr := c.runOnce(ctx, tag)
		ended := time.Now()
		fin.Release()

		if err := c.appendEntry(tag, started, ended, res, runErr); err != nil {
			return err
		}

		// 信號到了就立即退出；鎖由 defer 釋放
		if ctx.Err() != nil {
			log.Info("loop interrupted, exiting", "iteration", iter)
			return ctx.Err()
		}

		if runErr == nil {
			c.noteSuccess(res)
			c.setState(Succeeded)
			if c.cfg.OnIteration != nil {
				c.cfg.OnIteration(res, nil, 0, c.currentBackoff())
			}
			log.Info("iteration succeeded", "iteration", iter, "tag", tag,
				"sleep", c.cfg.Sleep)
			if !sleep(ctx, c.cfg.Sleep) {
				return ctx.Err()
			}
			c.setState(Idle)
			continue
		}

		failures := c.noteFailure(tag, runErr)
		c.setState(Failed)
		if c.cfg.OnIteration != nil {
			c.cfg.OnIteration(nil, runErr, failures, c.currentBackoff())
		}
		if failures >= c.cfg.MaxFailures {
			log.Error("failure ceiling reached, terminating loop",
				"consecutive_failures", failures, "err", runErr)
			return fmt.Errorf("%w after %d attempts: %v",
				ErrFailureCeiling, failures, runErr)
		}

		d := c.nextBackoff()
		log.Warn("iteration failed, backing off",
			"iteration", iter, "tag", tag, "err", runErr,
			"consecutive_failures", failures, "backoff", d)
		if !sleep(ctx, d) {
			return ctx.Err()
		}
		c.setState(Idle)
	}

	log.Info("max iterations reached, exiting cleanly", "iterations", c.cfg.MaxIterations)
	return nil
}

// waitForIdle 以非阻塞 finalize 鎖探測管線是否閒置；取得鎖即視為閒置並轉入執行
func (c *Controller) waitForIdle(ctx context.Context) (*lockfile.Guard, error) {
	var guard *lockfile.Guard
	err := watcher.WaitUntil(ctx, c.cfg.IdleCheckInterval, func() (bool, error) {
		g, err := lockfile.TryAcquire(c.cfg.LockDir, FinalizeLockName)
		if errors.Is(err, lockfile.ErrBusy) {
			log.Info("pipeline busy, waiting for idle", "lock", FinalizeLockName)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		guard = g
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait for idle: %w", err)
	}
	return guard, nil
}

// runOnce 建立本迭代的批次目錄、啟動產生端並跑完整條管線
func (c *Controller) runOnce(ctx context.Context, tag string) (*RunResult, error) {
	runDir := filepath.Join(c.cfg.RunRoot, tag)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	var handle watcher.JobHandle
	if c.cfg.Producer != nil {
		h, err := c.cfg.Producer(ctx, runDir, tag)
		if err != nil {
			return nil, fmt.Errorf("launch producer: %w", err)
		}
		handle = h
	}

	p := &Pipeline{
		RunDir:       runDir,
		ChainRoot:    c.cfg.ChainRoot,
		PointerRoot:  c.cfg.PointerRoot,
		Tag:          tag,
		Expected:     c.cfg.Expected,
		Wait:         true,
		PollInterval: c.cfg.PollInterval,
		Handle:       handle,
		Salvage:      c.cfg.Salvage,
		Link:         c.cfg.Link,
		Score:        c.cfg.Score,
		Stages:       c.cfg.Stages,
		OnStage:      c.cfg.OnStage,
	}
	return p.Run(ctx)
}

// appendEntry 寫入本迭代的帳本紀錄；寫不進帳本視為致命
func (c *Controller) appendEntry(tag string, started, ended time.Time, res *RunResult, runErr error) error {
	entry := types.LedgerEntry{
		RunID:     uuid.NewString(),
		Tag:       tag,
		StartedAt: started.UnixMilli(),
		EndedAt:   ended.UnixMilli(),
		ExitCode:  ExitCode(runErr),
		Params: map[string]string{
			"run_dir":  filepath.Join(c.cfg.RunRoot, tag),
			"expected": strconv.Itoa(c.cfg.Expected),
		},
	}
	if res != nil {
		entry.StageDirs = res.StageDirs
		entry.Counts = res.Counts
	}
	if runErr != nil {
		entry.Err = runErr.Error()
	}
	if _, err := c.led.Append(entry); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.state, to) {
		log.Warn("illegal state transition", "from", c.state, "to", to)
	}
	c.state = to
}

func (c *Controller) noteSuccess(res *RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.backoff.Reset()
	c.lastTag = res.Tag
	c.lastErr = ""
}

func (c *Controller) noteFailure(tag string, err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastTag = tag
	c.lastErr = err.Error()
	return c.failures
}

func (c *Controller) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Next()
}

func (c *Controller) currentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Current()
}

// ExitCode 把錯誤映射為程序結束碼
// 0 成功；2 批次不完整；3 鎖被持有；其餘 1
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, watcher.ErrIncomplete):
		return 2
	case errors.Is(err, lockfile.ErrBusy):
		return 3
	default:
		return 1
	}
}

// sleep 可取消睡眠；被取消時回傳 false
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
