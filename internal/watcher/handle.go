package watcher

// ============================================================================
// 產生程序存活探測
// 職責：以 JobHandle 介面抽象「產生端是否還活著」，由啟動方取得把手，
//       而非事後以程序名稱比對
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// JobHandle 外部產生工作的存活探測能力
// 本元件對程序模型不做任何假設，只問「活著或不活著」
type JobHandle interface {
	// Alive 回報工作是否仍在執行
	Alive() (bool, error)

	// PID 回傳工作的程序識別碼；未知時回傳 -1
	PID() int
}

// HandleFunc 以函式實作 JobHandle，便於測試與合成探測
type HandleFunc func() (bool, error)

// Alive 呼叫底層函式
func (f HandleFunc) Alive() (bool, error) { return f() }

// PID 函式型把手沒有對應程序
func (f HandleFunc) PID() int { return -1 }

// Proc 由 Launch 啟動的子程序把手
type Proc struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	werr error
}

// Launch 啟動產生命令並回傳其把手；ctx 取消時子程序會被終止
func Launch(ctx context.Context, dir, name string, args ...string) (*Proc, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", name, err)
	}

	p := &Proc{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		p.werr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Alive 子程序尚未結束時回報 true
func (p *Proc) Alive() (bool, error) {
	select {
	case <-p.done:
		return false, nil
	default:
		return true, nil
	}
}

// PID 回傳子程序的 PID
func (p *Proc) PID() int { return p.pid }

// Err 子程序結束後的 Wait 錯誤；尚未結束時回傳 nil
func (p *Proc) Err() error {
	select {
	case <-p.done:
		return p.werr
	default:
		return nil
	}
}

// PIDFileHandle 以 pidfile 探測外部啟動的產生程序
// 檔案不存在或程序已消失即視為結束
type PIDFileHandle struct {
	Path string

	lastPID int
}

// Alive 讀取 pidfile 並以 kill(pid, 0) 探測
func (h *PIDFileHandle) Alive() (bool, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("malformed pidfile %s: %q", h.Path, strings.TrimSpace(string(data)))
	}
	h.lastPID = pid

	// signal 0 只做存在性檢查；EPERM 代表程序存在但不屬於我們
	err = syscall.Kill(pid, 0)
	if err == nil || errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	return false, fmt.Errorf("probe pid %d: %w", pid, err)
}

// PID 回傳最近一次讀到的 PID；尚未探測過時回傳 -1
func (h *PIDFileHandle) PID() int {
	if h.lastPID == 0 {
		return -1
	}
	return h.lastPID
}
