package ledger

// ============================================================================
// 校驗和計算
// 對「序號 + 條目 JSON」整體計算 CRC32（IEEE），序號參與計算
// 使得搬移或重排行也會被偵測
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

// Checksum 計算一筆條目的校驗和
func Checksum(seq uint64, entry types.LedgerEntry) (uint32, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal entry: %w", err)
	}
	h := crc32.NewIEEE()
	fmt.Fprintf(h, "%d|", seq)
	h.Write(data)
	return h.Sum32(), nil
}

// Verify 重新計算並比對校驗和，回傳是否相符與期望值
func Verify(line Line) (ok bool, expected uint32, err error) {
	expected, err = Checksum(line.Seq, line.Entry)
	if err != nil {
		return false, 0, err
	}
	return expected == line.Checksum, expected, nil
}
