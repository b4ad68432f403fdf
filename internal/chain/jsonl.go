package chain

// ============================================================================
// JSONL 讀寫工具
// 階段間的全部交接都是目錄內的行分隔 JSON 檔
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// 單列上限：事實原文與散文正常遠小於此
const maxRowBytes = 4 << 20

// ReadJSONL 讀取整個 JSONL 檔；空白行略過
func ReadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var rows []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRowBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode %s line %d: %w", path, lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return rows, nil
}

// ReadJSONLOptional 同 ReadJSONL，但檔案不存在時回傳空集合
// 合併基底可能缺少某些檔案（例如首次合併沒有跨邊）
func ReadJSONLOptional[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return ReadJSONL[T](path)
}

// WriteJSONL 將整批資料列寫成 JSONL 檔，回傳寫出的列數
func WriteJSONL[T any](path string, rows []T) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			return 0, fmt.Errorf("encode %s row %d: %w", path, i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", path, err)
	}
	return len(rows), nil
}

// copyFile 以位元組複製單一檔案
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

// carryFieldFiles 將上游目錄的指定檔案原樣帶進本階段輸出目錄
// 不存在的檔案略過；交接目錄必須自足，下游只看自己的輸入目錄
func carryFieldFiles(inDir, outDir string, names ...string) error {
	for _, name := range names {
		src := filepath.Join(inDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyFile(src, filepath.Join(outDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// writeSummary 寫出人類可讀的階段摘要
func writeSummary(dir, text string) error {
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
