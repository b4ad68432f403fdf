package watcher

// ============================================================================
// 完成度看守器
// 職責：輪詢記錄串流行數與產生程序存活狀態，判定批次完成或提前中斷
// ============================================================================
//
// 判定規則：
// - Ready：accepted+rejected >= expected 且產生程序已結束
// - 數量已達標但程序仍在（可能還在沖刷緩衝）→ 繼續輪詢
// - 程序已結束但數量不足 → Incomplete，屬硬性失敗，絕不靜默放行
//
// 存活狀態先於行數讀取：一旦觀察到程序已結束，當下讀到的行數即為最終值
//
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

var log = slog.Default()

// ErrIncomplete 產生程序提前結束，批次記錄數不足
var ErrIncomplete = errors.New("incomplete batch")

// Outcome 看守結果
type Outcome int

const (
	// Ready 批次完成且產生程序已結束
	Ready Outcome = iota
	// Incomplete 產生程序結束但記錄數不足
	Incomplete
)

// String 人類可讀的結果名稱
func (o Outcome) String() string {
	if o == Ready {
		return "ready"
	}
	return "incomplete"
}

// Spec 一次看守任務的參數
type Spec struct {
	AcceptedPath string        // 合格記錄串流（ok.jsonl）
	RejectedPath string        // 不合格記錄串流（bad.jsonl）
	Expected     int           // 預期記錄總數
	Handle       JobHandle     // 產生程序存活探測
	PollInterval time.Duration // 輪詢間隔
}

// Result 看守結束時的統計
type Result struct {
	Outcome  Outcome
	Accepted int
	Rejected int
}

// WaitUntil 可取消的輪詢組合子：每隔 interval 評估一次 pred，
// 直到 pred 回報完成、回傳錯誤或 ctx 取消
func WaitUntil(ctx context.Context, interval time.Duration, pred func() (bool, error)) error {
	for {
		done, err := pred()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Await 輪詢直到批次完成、不完整或 ctx 取消
// Incomplete 時回傳包裝了 ErrIncomplete 的錯誤，結果中仍帶有實際行數
func Await(ctx context.Context, spec Spec) (Result, error) {
	if spec.PollInterval <= 0 {
		spec.PollInterval = 10 * time.Second
	}

	var res Result
	err := WaitUntil(ctx, spec.PollInterval, func() (bool, error) {
		alive, err := spec.Handle.Alive()
		if err != nil {
			return false, fmt.Errorf("liveness probe: %w", err)
		}

		acc, err := countLines(spec.AcceptedPath)
		if err != nil {
			return false, err
		}
		rej, err := countLines(spec.RejectedPath)
		if err != nil {
			return false, err
		}
		res.Accepted, res.Rejected = acc, rej

		log.Debug("completion poll",
			"accepted", acc, "rejected", rej, "expected", spec.Expected, "producer_alive", alive)

		if alive {
			// 即使數量達標也要等產生端退出，避免讀到沖刷到一半的串流
			return false, nil
		}
		if acc+rej >= spec.Expected {
			res.Outcome = Ready
			return true, nil
		}
		res.Outcome = Incomplete
		return true, nil
	})
	if err != nil {
		return res, err
	}

	if res.Outcome == Incomplete {
		log.Warn("producer exited short of expected count",
			"accepted", res.Accepted, "rejected", res.Rejected, "expected", spec.Expected)
		return res, fmt.Errorf("%w: got %d of %d records",
			ErrIncomplete, res.Accepted+res.Rejected, spec.Expected)
	}

	log.Info("batch complete",
		"accepted", res.Accepted, "rejected", res.Rejected, "expected", spec.Expected)
	return res, nil
}

// countLines 計算檔案中的換行數；檔案不存在視為 0 行
// 以區塊讀取避免單行長度限制
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open stream %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	count := 0
	for {
		n, err := f.Read(buf)
		count += bytes.Count(buf[:n], []byte{'\n'})
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read stream %s: %w", path, err)
		}
	}
}
