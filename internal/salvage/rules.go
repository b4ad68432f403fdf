package salvage

// ============================================================================
// 修復規則
// 職責：對結構化載荷套用有序、確定性、冪等的正規化規則
// ============================================================================
//
// 規則約束：
// - 純函式：同樣輸入必得同樣輸出，不得引入載荷推導不出的資訊
// - 冪等：對已修復輸出再套用一次必為 no-op
// - 單調安全：只消除自己針對的驗證錯誤，不得靠刪除必要欄位掩蓋他種錯誤
//
// ============================================================================

import "reflect"

// 規則名稱，記錄於修復後記錄的 repair_ops 欄位
const (
	OpReindexOneBased  = "reindex_ordinal_1_based"
	OpReindexZeroBased = "reindex_ordinal_0_based"
	OpEndpointNorm     = "endpoint_normalize"
	OpContradictsDown  = "contradicts_downgrade"
	OpDependsOnDown    = "depends_on_downgrade"
)

// HygieneReport 一次修復呼叫的降級統計
type HygieneReport struct {
	ChangedTotal          int `json:"changed_total"`          // 任何規則造成的變更數
	ContradictsTotal      int `json:"contradicts_total"`      // 看到的 contradicts 邊總數
	ContradictsDowngraded int `json:"contradicts_downgraded"` // 其中降級為 refines 者
	DependsOnTotal        int `json:"depends_on_total"`       // 看到的 depends_on 邊總數
	DependsOnDowngraded   int `json:"depends_on_downgraded"`  // 其中降級為 refines 者
}

// ruleContext 單筆記錄的規則執行環境
type ruleContext struct {
	obj       map[string]interface{}
	presented []int          // 呈現順序的事實索引
	factText  map[int]string // 索引 -> 事實文字
	report    *HygieneReport
}

// rule 一條具名修復規則；apply 回傳實際套用的規則名稱（no-op 時為空）
type rule struct {
	name  string
	apply func(rc *ruleContext) string
}

// defaultRules 規則的固定套用順序：
// 先把索引座標系修正回呈現索引，再正規化支持證據，最後做關係種類降級
func defaultRules() []rule {
	return []rule{
		{name: "reindex_ordinal", apply: applyOrdinalReindex},
		{name: OpEndpointNorm, apply: applyEndpointNormalize},
		{name: OpContradictsDown, apply: applyContradictsDowngrade},
		{name: OpDependsOnDown, apply: applyDependsOnDowngrade},
	}
}

// relationsOf 取出關係陣列；形狀不對時回傳 nil
func relationsOf(obj map[string]interface{}) []map[string]interface{} {
	raw, ok := obj["relations"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, rv := range raw {
		rel, ok := rv.(map[string]interface{})
		if !ok {
			return nil
		}
		out = append(out, rel)
	}
	return out
}

// collectIndices 蒐集載荷引用到的全部事實索引（逐元素，略過非整數雜質）
func collectIndices(obj map[string]interface{}) []int {
	var out []int
	appendInts := func(v interface{}) {
		raw, ok := v.([]interface{})
		if !ok {
			return
		}
		for _, x := range raw {
			if i, ok := asInt(x); ok {
				out = append(out, i)
			}
		}
	}

	appendInts(obj["used_fact_i"])
	for _, rel := range relationsOf(obj) {
		if i, ok := asInt(rel["src_i"]); ok {
			out = append(out, i)
		}
		if i, ok := asInt(rel["dst_i"]); ok {
			out = append(out, i)
		}
		appendInts(rel["support_i_list"])
	}
	return out
}

// applyOrdinalReindex 修復常見的座標系錯誤：模型以顯示序（0 基或 1 基）
// 而非真實呈現索引輸出。所有引用都落在序數範圍內時依呈現順序重映射
func applyOrdinalReindex(rc *ruleContext) string {
	if len(rc.presented) == 0 {
		return ""
	}
	idxs := collectIndices(rc.obj)
	if len(idxs) == 0 {
		return ""
	}

	presentedSet := make(map[int]bool, len(rc.presented))
	for _, i := range rc.presented {
		presentedSet[i] = true
	}
	allPresented := true
	for _, i := range idxs {
		if !presentedSet[i] {
			allPresented = false
			break
		}
	}
	if allPresented {
		return ""
	}

	k := len(rc.presented)
	inRange := func(lo, hi int) bool {
		for _, i := range idxs {
			if i < lo || i > hi {
				return false
			}
		}
		return true
	}

	var mapping map[int]int
	var op string
	switch {
	case inRange(1, k):
		mapping = make(map[int]int, k)
		for i := 1; i <= k; i++ {
			mapping[i] = rc.presented[i-1]
		}
		op = OpReindexOneBased
	case inRange(0, k-1):
		mapping = make(map[int]int, k)
		for i := 0; i < k; i++ {
			mapping[i] = rc.presented[i]
		}
		op = OpReindexZeroBased
	default:
		return ""
	}

	remap := func(v interface{}) interface{} {
		if i, ok := asInt(v); ok {
			if to, ok := mapping[i]; ok {
				return float64(to)
			}
		}
		return v
	}

	if used, ok := rc.obj["used_fact_i"].([]interface{}); ok {
		for i, v := range used {
			used[i] = remap(v)
		}
	}
	for _, rel := range relationsOf(rc.obj) {
		rel["src_i"] = remap(rel["src_i"])
		rel["dst_i"] = remap(rel["dst_i"])
		if sup, ok := rel["support_i_list"].([]interface{}); ok {
			for i, v := range sup {
				sup[i] = remap(v)
			}
		}
	}

	rc.report.ChangedTotal++
	return op
}

// applyEndpointNormalize 正規化每條關係的支持證據：
// 去重（保留首見順序）、補入缺席端點（src 置前、dst 緊隨其後）、
// 自尾端移除非端點項直到不超過上限 3
func applyEndpointNormalize(rc *ruleContext) string {
	changed := false

	for _, rel := range relationsOf(rc.obj) {
		si, siOK := asInt(rel["src_i"])
		di, diOK := asInt(rel["dst_i"])
		if !siOK || !diOK {
			continue
		}
		sup, ok := rel["support_i_list"].([]interface{})
		if !ok {
			continue
		}

		out := make([]interface{}, 0, len(sup)+2)
		seen := make(map[int]bool)
		hasSrc, hasDst := false, false
		for _, v := range sup {
			i, isInt := asInt(v)
			if !isInt {
				out = append(out, v)
				continue
			}
			if seen[i] {
				continue
			}
			seen[i] = true
			if i == si {
				hasSrc = true
			}
			if i == di {
				hasDst = true
			}
			out = append(out, v)
		}

		if !hasSrc {
			out = append([]interface{}{float64(si)}, out...)
		}
		if !hasDst && di != si {
			// dst 插在 src 之後的典型位置
			pos := 0
			for idx, v := range out {
				if i, ok := asInt(v); ok && i == si {
					pos = idx
					break
				}
			}
			rest := append([]interface{}{float64(di)}, out[pos+1:]...)
			out = append(out[:pos+1], rest...)
		}

		for len(out) > 3 {
			dropped := false
			for idx := len(out) - 1; idx >= 0; idx-- {
				if i, ok := asInt(out[idx]); ok && (i == si || i == di) {
					continue
				}
				out = append(out[:idx], out[idx+1:]...)
				dropped = true
				break
			}
			if !dropped {
				break
			}
		}

		if !reflect.DeepEqual(sup, out) {
			rel["support_i_list"] = out
			changed = true
		}
	}

	if changed {
		rc.report.ChangedTotal++
		return OpEndpointNorm
	}
	return ""
}

// applyContradictsDowngrade 對兩端文字皆無否定線索的 contradicts 邊
// 保守降級為 refines，避免污染概念骨架
func applyContradictsDowngrade(rc *ruleContext) string {
	changed := false

	for _, rel := range relationsOf(rc.obj) {
		if rel["rel_type"] != "contradicts" {
			continue
		}
		si, siOK := asInt(rel["src_i"])
		di, diOK := asInt(rel["dst_i"])
		if !siOK || !diOK {
			continue
		}
		rc.report.ContradictsTotal++

		srcText := rc.factText[si]
		dstText := rc.factText[di]
		if !negCues.MatchString(srcText) && !negCues.MatchString(dstText) {
			rel["rel_type"] = "refines"
			rc.report.ContradictsDowngraded++
			changed = true
		}
	}

	if changed {
		rc.report.ChangedTotal++
		return OpContradictsDown
	}
	return ""
}

// applyDependsOnDowngrade 對目標端文字無依賴線索的 depends_on 邊降級為 refines
func applyDependsOnDowngrade(rc *ruleContext) string {
	changed := false

	for _, rel := range relationsOf(rc.obj) {
		if rel["rel_type"] != "depends_on" {
			continue
		}
		di, diOK := asInt(rel["dst_i"])
		if !diOK {
			continue
		}
		rc.report.DependsOnTotal++

		if !depCues.MatchString(rc.factText[di]) {
			rel["rel_type"] = "refines"
			rc.report.DependsOnDowngraded++
			changed = true
		}
	}

	if changed {
		rc.report.ChangedTotal++
		return OpDependsOnDown
	}
	return ""
}

