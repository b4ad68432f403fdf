package main

// ============================================================================
// fieldloom 執行檔入口
// 職責：
// 1. 建立並執行 CLI 命令樹，邏輯全在 internal/cli
// 2. 把哨兵錯誤映射為結束碼：0 成功、2 批次不完整、3 鎖被持有、其餘 1
// 3. panic 防護，堆疊不噴到操作者面前
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/field-loom/internal/cli"
	"github.com/ChuLiYu/field-loom/internal/loop"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fieldloom: fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fieldloom: %v\n", err)
		os.Exit(loop.ExitCode(err))
	}
}
