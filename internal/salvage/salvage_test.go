package salvage

// ============================================================================
// 打撈修復引擎測試檔案
// 職責：驗證修復冪等性、數量守恆、三類降級規則與驗證器錯誤碼
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

// prose 產生落在帶域內的確定性散文（150 字）
func prose() string {
	return strings.TrimSpace(strings.Repeat("the claim follows from observation ", 30))
}

// baseFacts 六條事實，索引 0..5；索引 3 帶否定線索、索引 4 帶依賴線索
func baseFacts() []types.Fact {
	return []types.Fact{
		{I: 0, Text: "knowledge is justified true belief"},
		{I: 1, Text: "perception provides direct evidence"},
		{I: 2, Text: "testimony transmits warrant between agents"},
		{I: 3, Text: "a belief is not justified by luck"},
		{I: 4, Text: "justification requires reliable processes"},
		{I: 5, Text: "coherence strengthens belief systems"},
	}
}

// objMap 以合法載荷為底、可覆寫欄位的測試建構器
func objMap(overrides map[string]interface{}) map[string]interface{} {
	obj := map[string]interface{}{
		"cluster_id":  "epistemology/c0001",
		"pass":        "R",
		"error":       "",
		"used_fact_i": []interface{}{0.0, 1.0, 2.0, 3.0, 4.0, 5.0},
		"relations": []interface{}{
			map[string]interface{}{"src_i": 0.0, "dst_i": 1.0, "rel_type": "entails", "support_i_list": []interface{}{0.0, 1.0}},
			map[string]interface{}{"src_i": 1.0, "dst_i": 2.0, "rel_type": "refines", "support_i_list": []interface{}{1.0, 2.0}},
			map[string]interface{}{"src_i": 2.0, "dst_i": 5.0, "rel_type": "causes", "support_i_list": []interface{}{2.0, 5.0}},
		},
		"teaching_prose": prose(),
		"new_claims":     []interface{}{},
	}
	for k, v := range overrides {
		obj[k] = v
	}
	return obj
}

// rejectedRecord 以載荷建構一筆帶驗證錯誤的記錄
func rejectedRecord(t *testing.T, obj map[string]interface{}, errs ...string) types.Record {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return types.Record{
		Domain:           "epistemology",
		ClusterID:        obj["cluster_id"].(string),
		Facts:            baseFacts(),
		Raw:              string(raw),
		Obj:              raw,
		ValidationErrors: errs,
	}
}

// ============================================================================
// 驗證器測試
// ============================================================================

// TestValidateAcceptsWellFormed 測試合法載荷零錯誤
func TestValidateAcceptsWellFormed(t *testing.T) {
	rec := rejectedRecord(t, objMap(nil))
	errs := NewEngine(Spec{}).Validate(&rec)
	assert.Empty(t, errs)
}

// TestValidateMissingKeys 測試缺欄位短路回報
func TestValidateMissingKeys(t *testing.T) {
	obj := objMap(nil)
	delete(obj, "relations")
	delete(obj, "teaching_prose")

	errs := Validate(obj, Spec{}, []int{0, 1, 2, 3, 4, 5}, nil)
	assert.ElementsMatch(t, []string{"missing:relations", "missing:teaching_prose"}, errs)
}

// TestValidateStructuralErrors 測試主要結構錯誤碼
func TestValidateStructuralErrors(t *testing.T) {
	presented := []int{0, 1, 2, 3, 4, 5}
	facts := map[int]string{}

	cases := []struct {
		name string
		mut  map[string]interface{}
		want string
	}{
		{"wrong pass", map[string]interface{}{"pass": "C"}, "pass!=R"},
		{"bad error", map[string]interface{}{"error": "gave_up"}, "bad_error:gave_up"},
		{"new claims", map[string]interface{}{"new_claims": []interface{}{"invented"}}, "new_claims_not_empty"},
		{"short used", map[string]interface{}{"used_fact_i": []interface{}{0.0, 1.0}}, "used_fact_i_len!=K"},
		{"dup used", map[string]interface{}{"used_fact_i": []interface{}{0.0, 0.0, 1.0, 2.0, 3.0, 4.0}}, "used_fact_i_not_unique"},
		{"foreign used", map[string]interface{}{"used_fact_i": []interface{}{0.0, 1.0, 2.0, 3.0, 4.0, 99.0}}, "used_fact_i_not_in_presented"},
		{"too few relations", map[string]interface{}{"relations": []interface{}{}}, "relations_len_out_of_range"},
		{"short prose", map[string]interface{}{"teaching_prose": "too short"}, "word_count_out_of_band:2"},
		{"meta phrase", map[string]interface{}{"teaching_prose": prose() + " taken together these hold"}, "meta_provenance_phrase_present"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := Validate(objMap(tc.mut), Spec{}, presented, facts)
			assert.Contains(t, errs, tc.want)
		})
	}
}

// TestValidateRelationErrors 測試關係層級錯誤碼
func TestValidateRelationErrors(t *testing.T) {
	rel := func(m map[string]interface{}) map[string]interface{} {
		base := map[string]interface{}{
			"src_i": 0.0, "dst_i": 1.0, "rel_type": "entails",
			"support_i_list": []interface{}{0.0, 1.0},
		}
		for k, v := range m {
			base[k] = v
		}
		return base
	}
	mkRels := func(bad map[string]interface{}) []interface{} {
		return []interface{}{rel(nil), rel(nil), rel(bad)}
	}

	cases := []struct {
		name string
		bad  map[string]interface{}
		want string
	}{
		{"string src", map[string]interface{}{"src_i": "zero"}, "rel_2_bad_src_dst"},
		{"foreign endpoint", map[string]interface{}{"src_i": 42.0}, "rel_2_src_dst_not_in_used"},
		{"unknown kind", map[string]interface{}{"rel_type": "banana"}, "rel_2_bad_rel_type"},
		{"oversized support", map[string]interface{}{"support_i_list": []interface{}{0.0, 1.0, 2.0, 3.0}}, "rel_2_bad_support_shape"},
		{"dup support", map[string]interface{}{"support_i_list": []interface{}{0.0, 0.0, 1.0}}, "rel_2_support_not_unique"},
		{"missing endpoints", map[string]interface{}{"support_i_list": []interface{}{2.0, 3.0}}, "rel_2_support_missing_endpoints"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj := objMap(map[string]interface{}{"relations": mkRels(tc.bad)})
			errs := Validate(obj, Spec{}, []int{0, 1, 2, 3, 4, 5}, nil)
			assert.Contains(t, errs, tc.want)
		})
	}
}

// TestValidateFailurePayload 測試 insufficient_support 分支
func TestValidateFailurePayload(t *testing.T) {
	obj := objMap(map[string]interface{}{
		"error":          "insufficient_support",
		"used_fact_i":    []interface{}{},
		"relations":      []interface{}{},
		"teaching_prose": "",
	})
	assert.Empty(t, Validate(obj, Spec{}, []int{0, 1, 2, 3, 4, 5}, nil))

	obj["teaching_prose"] = "leftover text"
	errs := Validate(obj, Spec{}, []int{0, 1, 2, 3, 4, 5}, nil)
	assert.Contains(t, errs, "failure_teaching_prose_not_empty")
}

// ============================================================================
// 修復規則測試
// ============================================================================

// TestRepairContradictsNoNegCue 情境：contradicts 邊兩端皆無否定線索
// → 降級為 refines 並通過驗證
func TestRepairContradictsNoNegCue(t *testing.T) {
	obj := objMap(map[string]interface{}{
		"relations": []interface{}{
			map[string]interface{}{"src_i": 0.0, "dst_i": 1.0, "rel_type": "contradicts", "support_i_list": []interface{}{0.0, 1.0}},
			map[string]interface{}{"src_i": 1.0, "dst_i": 2.0, "rel_type": "refines", "support_i_list": []interface{}{1.0, 2.0}},
			map[string]interface{}{"src_i": 2.0, "dst_i": 5.0, "rel_type": "causes", "support_i_list": []interface{}{2.0, 5.0}},
		},
	})
	rec := rejectedRecord(t, obj, "rel_0_bad_rel_type")

	res := NewEngine(Spec{}).Repair([]types.Record{rec}, nil)
	require.Len(t, res.Repaired, 1)
	require.Empty(t, res.StillRejected)

	got := res.Repaired[0]
	assert.True(t, got.Accepted())
	assert.Contains(t, got.RepairOps, OpContradictsDown)

	payload, err := got.Payload()
	require.NoError(t, err)
	assert.Equal(t, types.RelRefines, payload.Relations[0].RelType)

	assert.Equal(t, 1, res.Hygiene.ContradictsTotal)
	assert.Equal(t, 1, res.Hygiene.ContradictsDowngraded)
}

// TestRepairContradictsKeptWithNegCue 測試有否定線索的 contradicts 不被降級
func TestRepairContradictsKeptWithNegCue(t *testing.T) {
	// 索引 3 的文字含 "not"；這條邊合法，真正的毛病在另一條邊的支持證據
	obj := objMap(map[string]interface{}{
		"relations": []interface{}{
			map[string]interface{}{"src_i": 0.0, "dst_i": 3.0, "rel_type": "contradicts", "support_i_list": []interface{}{0.0, 3.0}},
			map[string]interface{}{"src_i": 1.0, "dst_i": 2.0, "rel_type": "refines", "support_i_list": []interface{}{1.0, 1.0, 2.0}},
			map[string]interface{}{"src_i": 2.0, "dst_i": 5.0, "rel_type": "causes", "support_i_list": []interface{}{2.0, 5.0}},
		},
	})
	rec := rejectedRecord(t, obj, "rel_1_support_not_unique")

	res := NewEngine(Spec{}).Repair([]types.Record{rec}, nil)
	require.Len(t, res.Repaired, 1)

	payload, err := res.Repaired[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, types.RelContradicts, payload.Relations[0].RelType)
	assert.Equal(t, 1, res.Hygiene.ContradictsTotal)
	assert.Equal(t, 0, res.Hygiene.ContradictsDowngraded)
}

// TestRepairDependsOnDowngrade 測試依賴線索缺席時 depends_on → refines
func TestRepairDependsOnDowngrade(t *testing.T) {
	mkObj := func(dst float64) map[string]interface{} {
		return objMap(map[string]interface{}{
			"cluster_id": fmt.Sprintf("epistemology/c%04.0f", dst),
			"relations": []interface{}{
				map[string]interface{}{"src_i": 0.0, "dst_i": dst, "rel_type": "depends_on", "support_i_list": []interface{}{0.0, dst}},
				map[string]interface{}{"src_i": 1.0, "dst_i": 2.0, "rel_type": "refines", "support_i_list": []interface{}{1.0, 2.0}},
				map[string]interface{}{"src_i": 2.0, "dst_i": 5.0, "rel_type": "causes", "support_i_list": []interface{}{2.0, 5.0, 2.0}},
			},
		})
	}

	// dst=5 無依賴線索 → 降級；dst=4 的文字含 "requires" → 保留
	recDown := rejectedRecord(t, mkObj(5), "rel_2_support_not_unique")
	recKeep := rejectedRecord(t, mkObj(4), "rel_2_support_not_unique")

	res := NewEngine(Spec{}).Repair([]types.Record{recDown, recKeep}, nil)
	require.Len(t, res.Repaired, 2)

	p0, err := res.Repaired[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, types.RelRefines, p0.Relations[0].RelType)

	p1, err := res.Repaired[1].Payload()
	require.NoError(t, err)
	assert.Equal(t, types.RelDependsOn, p1.Relations[0].RelType)

	assert.Equal(t, 2, res.Hygiene.DependsOnTotal)
	assert.Equal(t, 1, res.Hygiene.DependsOnDowngraded)
}

// TestRepairEndpointNormalize 測試支持證據正規化：去重、補端點、截到上限
func TestRepairEndpointNormalize(t *testing.T) {
	obj := objMap(map[string]interface{}{
		"relations": []interface{}{
			// 缺兩端點且有重複：[2,2,5] src=0 dst=1 → [0,1,2]
			map[string]interface{}{"src_i": 0.0, "dst_i": 1.0, "rel_type": "entails", "support_i_list": []interface{}{2.0, 2.0, 5.0}},
			map[string]interface{}{"src_i": 1.0, "dst_i": 2.0, "rel_type": "refines", "support_i_list": []interface{}{1.0, 2.0}},
			map[string]interface{}{"src_i": 2.0, "dst_i": 5.0, "rel_type": "causes", "support_i_list": []interface{}{2.0, 5.0}},
		},
	})
	rec := rejectedRecord(t, obj, "rel_0_support_missing_endpoints")

	res := NewEngine(Spec{}).Repair([]types.Record{rec}, nil)
	require.Len(t, res.Repaired, 1)
	assert.Contains(t, res.Repaired[0].RepairOps, OpEndpointNorm)

	payload, err := res.Repaired[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, payload.Relations[0].SupportIList)
}

// TestRepairOrdinalReindex 測試序數座標系重映射（1 基）
func TestRepairOrdinalReindex(t *testing.T) {
	// 呈現索引刻意不連續：0,2,4,6,8,10；模型卻輸出 1..6
	facts := []types.Fact{
		{I: 0, Text: "alpha"}, {I: 2, Text: "beta"}, {I: 4, Text: "gamma"},
		{I: 6, Text: "delta"}, {I: 8, Text: "epsilon"}, {I: 10, Text: "zeta"},
	}
	obj := objMap(map[string]interface{}{
		"used_fact_i": []interface{}{1.0, 2.0, 3.0, 4.0, 5.0, 6.0},
		"relations": []interface{}{
			map[string]interface{}{"src_i": 1.0, "dst_i": 2.0, "rel_type": "entails", "support_i_list": []interface{}{1.0, 2.0}},
			map[string]interface{}{"src_i": 2.0, "dst_i": 3.0, "rel_type": "refines", "support_i_list": []interface{}{2.0, 3.0}},
			map[string]interface{}{"src_i": 3.0, "dst_i": 6.0, "rel_type": "causes", "support_i_list": []interface{}{3.0, 6.0}},
		},
	})
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	rec := types.Record{
		Domain: "epistemology", ClusterID: "epistemology/c0042",
		Facts: facts, Raw: string(raw), Obj: raw,
		ValidationErrors: []string{"used_fact_i_not_in_presented"},
	}

	res := NewEngine(Spec{}).Repair([]types.Record{rec}, nil)
	require.Len(t, res.Repaired, 1)
	assert.Contains(t, res.Repaired[0].RepairOps, OpReindexOneBased)

	payload, err := res.Repaired[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4, 6, 8, 10}, payload.UsedFactI)
	assert.Equal(t, 0, payload.Relations[0].SrcI)
	assert.Equal(t, 2, payload.Relations[0].DstI)
}

// ============================================================================
// 引擎層性質測試
// ============================================================================

// mixedBatch 一批混合輸入：可修復、不可修復、解析失敗各一
func mixedBatch(t *testing.T) []types.Record {
	t.Helper()

	fixable := rejectedRecord(t, objMap(map[string]interface{}{
		"relations": []interface{}{
			map[string]interface{}{"src_i": 0.0, "dst_i": 1.0, "rel_type": "contradicts", "support_i_list": []interface{}{0.0, 1.0}},
			map[string]interface{}{"src_i": 1.0, "dst_i": 2.0, "rel_type": "refines", "support_i_list": []interface{}{1.0, 2.0}},
			map[string]interface{}{"src_i": 2.0, "dst_i": 5.0, "rel_type": "causes", "support_i_list": []interface{}{2.0, 5.0}},
		},
	}), "rel_0_bad_rel_type")

	hopelessObj := objMap(map[string]interface{}{
		"cluster_id":     "epistemology/c0002",
		"teaching_prose": "way too short",
	})
	hopeless := rejectedRecord(t, hopelessObj, "word_count_out_of_band:3")

	garbage := types.Record{
		Domain: "epistemology", ClusterID: "epistemology/c0003",
		Facts: baseFacts(), Raw: "model emitted prose, not JSON {",
		ValidationErrors: []string{"json_parse_error:SyntaxError"},
	}

	return []types.Record{fixable, hopeless, garbage}
}

// TestRepairNoRecordLoss 性質：repaired + still_rejected == 輸入扣除已合格者
func TestRepairNoRecordLoss(t *testing.T) {
	batch := mixedBatch(t)

	res := NewEngine(Spec{}).Repair(batch, nil)
	assert.Equal(t, len(batch), len(res.Repaired)+len(res.StillRejected))

	// 已合格者被整批剔除
	res2 := NewEngine(Spec{}).Repair(batch, map[string]bool{"epistemology/c0001": true})
	assert.Equal(t, len(batch)-1, len(res2.Repaired)+len(res2.StillRejected))
}

// TestRepairPreservesRejectedVerbatim 測試不可修復記錄逐位元組原樣保留
func TestRepairPreservesRejectedVerbatim(t *testing.T) {
	batch := mixedBatch(t)
	res := NewEngine(Spec{}).Repair(batch, nil)

	require.Len(t, res.StillRejected, 2)
	assert.Equal(t, batch[1], res.StillRejected[0])
	assert.Equal(t, batch[2], res.StillRejected[1])
}

// TestRepairIdempotent 性質：repair(repair(R)) == repair(R)
func TestRepairIdempotent(t *testing.T) {
	batch := mixedBatch(t)
	engine := NewEngine(Spec{})

	first := engine.Repair(batch, nil)
	require.NotEmpty(t, first.Repaired)

	second := engine.Repair(first.Repaired, nil)
	require.Len(t, second.Repaired, len(first.Repaired))
	require.Empty(t, second.StillRejected)

	for i := range first.Repaired {
		assert.Equal(t, first.Repaired[i].ValidationErrors, second.Repaired[i].ValidationErrors)
		assert.JSONEq(t, string(first.Repaired[i].Obj), string(second.Repaired[i].Obj))
		// 第二輪不應再有任何規則生效
		assert.Empty(t, second.Repaired[i].RepairOps)
	}
}

// TestRepairDeterministic 性質：同輸入兩次修復逐位元組相同
func TestRepairDeterministic(t *testing.T) {
	a := NewEngine(Spec{}).Repair(mixedBatch(t), nil)
	b := NewEngine(Spec{}).Repair(mixedBatch(t), nil)

	require.Equal(t, len(a.Repaired), len(b.Repaired))
	for i := range a.Repaired {
		assert.Equal(t, string(a.Repaired[i].Obj), string(b.Repaired[i].Obj))
		assert.Equal(t, a.Repaired[i].RepairOps, b.Repaired[i].RepairOps)
	}
	assert.Equal(t, a.Hygiene, b.Hygiene)
}
