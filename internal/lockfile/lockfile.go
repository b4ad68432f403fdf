package lockfile

// ============================================================================
// 單飛鎖管理器
// 職責：以檔案建議鎖（flock）保證同一主機上同名鎖至多一個持有者
// ============================================================================
//
// 設計重點：
// - 每個鎖名對應固定檔案路徑，跨程序互斥
// - 非可重入：同程序再次取得同名鎖一樣會阻塞
// - 程序結束（含崩潰）時核心自動釋放，不會留下死鎖
// - 提供阻塞與非阻塞兩種取得模式，對應迴圈與手動觸發兩類呼叫者
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// 鎖競爭輪詢參數：自 100ms 起倍增，上限 2s
const (
	pollMinBackoff = 100 * time.Millisecond
	pollMaxBackoff = 2 * time.Second
)

// ErrBusy 鎖已被其他持有者佔用（非阻塞模式立即回報）
var ErrBusy = errors.New("lock already held")

// Guard 代表一把已取得的鎖，釋放後不可再用
type Guard struct {
	name string
	path string
	file *os.File

	once sync.Once
	err  error
}

// Name 回傳鎖名
func (g *Guard) Name() string { return g.name }

// Path 回傳鎖檔案路徑
func (g *Guard) Path() string { return g.path }

// Release 釋放鎖並關閉檔案描述子，可安全重複呼叫
func (g *Guard) Release() error {
	g.once.Do(func() {
		if g.file == nil {
			return
		}
		if err := syscall.Flock(int(g.file.Fd()), syscall.LOCK_UN); err != nil {
			g.err = fmt.Errorf("unlock %s: %w", g.name, err)
		}
		if err := g.file.Close(); err != nil && g.err == nil {
			g.err = fmt.Errorf("close lock file %s: %w", g.name, err)
		}
		g.file = nil
	})
	return g.err
}

// Path 回傳鎖名在 dir 下對應的固定檔案路徑
func Path(dir, name string) string {
	return filepath.Join(dir, name+".lock")
}

// open 開啟（必要時建立）鎖檔案
func open(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create lock dir: %w", err)
	}
	path := Path(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open lock file: %w", err)
	}
	return f, path, nil
}

// stamp 在鎖檔案內記下持有者 PID，僅供人工除錯
func stamp(f *os.File) {
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
}

// TryAcquire 非阻塞取得鎖；若已被持有立即回傳 ErrBusy
func TryAcquire(dir, name string) (*Guard, error) {
	f, path, err := open(dir, name)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, name)
		}
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}
	stamp(f)
	return &Guard{name: name, path: path, file: f}, nil
}

// Acquire 阻塞取得鎖，直到成功或 ctx 取消
// 以非阻塞嘗試加輪詢實作，退避間隔倍增以降低競爭成本
func Acquire(ctx context.Context, dir, name string) (*Guard, error) {
	f, path, err := open(dir, name)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
		stamp(f)
		return &Guard{name: name, path: path, file: f}, nil
	} else if !errors.Is(err, syscall.EWOULDBLOCK) {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}

	backoff := pollMinBackoff
	for {
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("acquire %s: %w", name, ctx.Err())
		case <-time.After(backoff):
			err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
			if err == nil {
				stamp(f)
				return &Guard{name: name, path: path, file: f}, nil
			}
			if !errors.Is(err, syscall.EWOULDBLOCK) {
				f.Close()
				return nil, fmt.Errorf("flock %s: %w", name, err)
			}
			backoff *= 2
			if backoff > pollMaxBackoff {
				backoff = pollMaxBackoff
			}
		}
	}
}
