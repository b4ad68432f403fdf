package ledger

// ============================================================================
// 稽核帳本
// 職責：
// 1. 以 append-only JSONL 形式記錄每次迴圈迭代（永不改寫、永不壓縮）
// 2. 每行帶單調遞增序號與 CRC32 校驗和，確保資料完整性
// 3. 提供重放功能供狀態報表與除錯使用
// 4. 開檔時自最後一行恢復序號，並修復崩潰殘留的斷尾
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

var log = slog.Default()

// 單行上限：條目含參數與階段目錄，正常遠小於此
const maxLineBytes = 1 << 20

// Line 帳本檔案中的一行：條目本體加上序號與校驗和
type Line struct {
	Seq      uint64            `json:"seq"`      // 單調遞增序號
	Entry    types.LedgerEntry `json:"entry"`    // 迭代紀錄本體
	Checksum uint32            `json:"checksum"` // CRC32 校驗和
}

// Handler 重放時逐行套用的處理函式
type Handler func(line Line) error

// Ledger 帳本實例；所有操作以互斥鎖保護
type Ledger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
}

// Open 建立或開啟帳本
//
// 行為：
// - 檔案不存在時建立，序號自 0 起
// - 檔案已存在時掃描至最後一行有效條目以恢復序號
// - 最後一次 append 途中崩潰留下的斷尾會被截除（已完成的條目永不刪除）
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	seq, validEnd, err := scanTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	if stat, err := file.Stat(); err == nil && stat.Size() > validEnd {
		log.Warn("truncating torn ledger tail",
			"path", path, "valid_bytes", validEnd, "file_bytes", stat.Size())
		if err := file.Truncate(validEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek ledger end: %w", err)
	}

	return &Ledger{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
		seq:     seq,
	}, nil
}

// Append 追加一筆迭代紀錄，指派序號並同步到磁碟
// 帳本一次迭代只寫一行，不做批次緩衝
func (l *Ledger) Append(entry types.LedgerEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, ErrClosed
	}

	l.seq++
	line := Line{Seq: l.seq, Entry: entry}
	sum, err := Checksum(line.Seq, line.Entry)
	if err != nil {
		l.seq--
		return 0, fmt.Errorf("checksum entry: %w", err)
	}
	line.Checksum = sum

	if err := l.encoder.Encode(line); err != nil {
		l.seq--
		return 0, fmt.Errorf("append ledger line: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync ledger: %w", err)
	}
	return line.Seq, nil
}

// Replay 自頭重放全部帳本條目
//
// 行為：
// - 逐行解碼並驗證校驗和，任一失敗立即中止
// - handler 回傳錯誤時中止
func (l *Ledger) Replay(handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return replayFile(l.path, handler)
}

// LastSeq 回傳目前序號
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Path 回傳帳本檔案路徑
func (l *Ledger) Path() string { return l.path }

// Close 關閉帳本；關閉後的實例不可再用
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

// Tail 讀取檔案中最後 n 筆條目（不需持有開啟中的帳本）
func Tail(path string, n int) ([]Line, error) {
	if n <= 0 {
		return nil, nil
	}
	var ring []Line
	err := replayFile(path, func(line Line) error {
		ring = append(ring, line)
		if len(ring) > n {
			ring = ring[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// Replay 自檔案重放全部條目；檔案不存在視為空帳本
func Replay(path string, handler Handler) error {
	return replayFile(path, handler)
}

// replayFile 逐行讀取、解碼、驗證並套用 handler
func replayFile(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return &CorruptionError{LineNo: lineNo, Cause: err}
		}
		ok, expected, err := Verify(line)
		if err != nil {
			return &CorruptionError{LineNo: lineNo, Cause: err}
		}
		if !ok {
			return &ChecksumError{Seq: line.Seq, Expected: expected, Actual: line.Checksum}
		}
		if err := handler(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}
	return nil
}

// scanTail 掃描既有檔案，回傳最後一行有效條目的序號與其結尾位移
// 僅容忍「最後一行寫到一半」的斷尾；中段損毀視為錯誤
func scanTail(path string) (seq uint64, validEnd int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var offset int64
	lineNo := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) == 0 && readErr == io.EOF {
			break
		}
		lineNo++

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 {
			var line Line
			if decErr := json.Unmarshal(trimmed, &line); decErr != nil {
				if readErr == io.EOF {
					// 斷尾：最後一次寫入未完成，交由 Open 截除
					return seq, validEnd, nil
				}
				return 0, 0, &CorruptionError{LineNo: lineNo, Cause: decErr}
			}
			seq = line.Seq
		}

		offset += int64(len(raw))
		if readErr == io.EOF {
			// 最後一行無換行符但可完整解碼：視為有效
			validEnd = offset
			break
		}
		validEnd = offset
		if readErr != nil {
			return 0, 0, fmt.Errorf("read ledger: %w", readErr)
		}
	}
	return seq, validEnd, nil
}
