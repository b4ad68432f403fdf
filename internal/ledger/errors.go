package ledger

import (
	"errors"
	"fmt"
)

// ErrClosed 帳本已關閉
var ErrClosed = errors.New("ledger is closed")

// ChecksumError 某行校驗和不符：檔案遭竄改或磁碟損毀
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("ledger checksum mismatch at seq %d: expected %08x, got %08x",
		e.Seq, e.Expected, e.Actual)
}

// CorruptionError 某行無法解碼
type CorruptionError struct {
	LineNo int
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger corrupted at line %d: %v", e.LineNo, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }
