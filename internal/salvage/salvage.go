package salvage

// ============================================================================
// 打撈修復引擎
// 職責：對不合格記錄嘗試確定性修復，把可救者晉升為合格，餘者原樣保留
// ============================================================================
//
// 流程（逐筆）：
// 1. 已存在於合格集合者直接略過（不重複產出）
// 2. 解析載荷：優先取 obj 欄位，否則解析 raw 原文；解析失敗即不可修復
// 3. 依固定順序套用修復規則
// 4. 重新驗證：零錯誤 → repaired（附上套用過的規則名稱）；
//    仍有錯誤 → still_rejected（逐位元組保留原記錄，永不丟棄）
//
// 數量守恆：len(repaired) + len(still_rejected) == len(輸入扣除已合格者)
//
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

var log = slog.Default()

// Engine 修復引擎；規則順序固定，同輸入必得同輸出
type Engine struct {
	spec  Spec
	rules []rule
}

// NewEngine 以驗證參數建立引擎
func NewEngine(spec Spec) *Engine {
	return &Engine{spec: spec.withDefaults(), rules: defaultRules()}
}

// Result 一次修復呼叫的產出
type Result struct {
	Repaired      []types.Record // 修復後通過驗證的新記錄狀態
	StillRejected []types.Record // 原樣保留的不可修復記錄
	Hygiene       HygieneReport  // 降級統計
}

// Validate 以引擎參數驗證單筆記錄的載荷，回傳錯誤碼清單
// 解析失敗時回傳 json_parse_error 碼
func (e *Engine) Validate(rec *types.Record) []string {
	obj, err := parsePayload(rec)
	if err != nil {
		return []string{fmt.Sprintf("json_parse_error:%.160s", err.Error())}
	}
	return Validate(obj, e.spec, rec.PresentedIndices(), rec.FactTexts())
}

// Repair 對不合格記錄批次套用修復
// alreadyAccepted 為既有合格記錄的 cluster_id 集合；其成員不再處理
func (e *Engine) Repair(rejected []types.Record, alreadyAccepted map[string]bool) Result {
	var res Result

	for i := range rejected {
		rec := rejected[i]
		if alreadyAccepted[rec.ClusterID] {
			log.Debug("skip already accepted record", "cluster_id", rec.ClusterID)
			continue
		}

		repaired, ok := e.repairOne(&rec, &res.Hygiene)
		if ok {
			res.Repaired = append(res.Repaired, *repaired)
		} else {
			res.StillRejected = append(res.StillRejected, rec)
		}
	}

	log.Info("salvage pass finished",
		"input", len(rejected),
		"repaired", len(res.Repaired),
		"still_rejected", len(res.StillRejected),
		"contradicts_downgraded", res.Hygiene.ContradictsDowngraded,
		"depends_on_downgraded", res.Hygiene.DependsOnDowngraded)
	return res
}

// repairOne 修復單筆記錄；成功時回傳新的記錄狀態
func (e *Engine) repairOne(rec *types.Record, rep *HygieneReport) (*types.Record, bool) {
	obj, err := parsePayload(rec)
	if err != nil {
		// 解析不了的載荷沒有可操作的結構，直接不可修復
		return nil, false
	}

	rc := &ruleContext{
		obj:       obj,
		presented: rec.PresentedIndices(),
		factText:  rec.FactTexts(),
		report:    rep,
	}

	var ops []string
	for _, r := range e.rules {
		if op := r.apply(rc); op != "" {
			ops = append(ops, op)
		}
	}

	errs := Validate(obj, e.spec, rc.presented, rc.factText)
	if len(errs) > 0 {
		return nil, false
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}

	out := *rec
	out.Obj = raw
	out.ValidationErrors = []string{}
	out.RepairOps = ops
	return &out, true
}

// parsePayload 取得記錄的載荷物件：obj 欄位優先，退而解析 raw 原文
func parsePayload(rec *types.Record) (map[string]interface{}, error) {
	data := []byte(rec.Raw)
	if len(rec.Obj) > 0 {
		data = rec.Obj
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("payload is null")
	}
	return obj, nil
}
