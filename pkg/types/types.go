// Package types 定義了 field-loom 管線中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
)

// RelKind 關係種類
type RelKind string

// 定義合法的關係種類常數
const (
	RelSameAs        RelKind = "same_as"
	RelEntails       RelKind = "entails"
	RelContradicts   RelKind = "contradicts"
	RelRefines       RelKind = "refines"
	RelMechanismFor  RelKind = "mechanism_for"
	RelConditionFor  RelKind = "condition_for"
	RelExampleOf     RelKind = "example_of"
	RelQuantifies    RelKind = "quantifies"
	RelDistinguishes RelKind = "distinguishes"
	RelDependsOn     RelKind = "depends_on"
	RelCauses        RelKind = "causes"
	RelPartOf        RelKind = "part_of"
)

// ValidRelKinds 所有合法關係種類的集合
var ValidRelKinds = map[RelKind]bool{
	RelSameAs: true, RelEntails: true, RelContradicts: true, RelRefines: true,
	RelMechanismFor: true, RelConditionFor: true, RelExampleOf: true,
	RelQuantifies: true, RelDistinguishes: true, RelDependsOn: true,
	RelCauses: true, RelPartOf: true,
}

// Fact 一條呈現給產生模型的事實（索引 -> 文字）
type Fact struct {
	I    int    `json:"i"`    // 叢集內索引
	Text string `json:"text"` // 事實原文
}

// RelEdge 結構化載荷中的一條關係邊
type RelEdge struct {
	SrcI         int     `json:"src_i"`          // 來源事實索引
	DstI         int     `json:"dst_i"`          // 目標事實索引
	RelType      RelKind `json:"rel_type"`       // 關係種類
	SupportIList []int   `json:"support_i_list"` // 支持證據索引（1..3，需含兩端點）
}

// Payload 模型輸出的結構化載荷（關係擷取回合）
type Payload struct {
	ClusterID     string    `json:"cluster_id"`     // 對應叢集
	Pass          string    `json:"pass"`           // 回合代號，必為 "R"
	Error         string    `json:"error"`          // "" 或 "insufficient_support"
	UsedFactI     []int     `json:"used_fact_i"`    // 實際使用的事實索引（K 個、不重複）
	Relations     []RelEdge `json:"relations"`      // 關係邊（3..8 條）
	TeachingProse string    `json:"teaching_prose"` // 教學散文（字數帶域限制）
	NewClaims     []string  `json:"new_claims"`     // 必為空；模型不得自創主張
}

// Record 一筆已評估的工作單元，對應記錄串流中的一行
// 寫入後不可變；修復產生新的記錄狀態並重新驗證，不就地修改
// Obj 保留原始 JSON 形態：不合格載荷可能帶有任意形狀，不能強行套型別
type Record struct {
	Domain           string          `json:"domain"`               // 領域名稱
	ClusterID        string          `json:"cluster_id"`           // 穩定識別碼
	Facts            []Fact          `json:"facts"`                // 呈現給模型的事實
	Raw              string          `json:"raw"`                  // 模型原始輸出文字
	Obj              json.RawMessage `json:"obj,omitempty"`        // 載荷原文（可能不合形狀）
	ValidationErrors []string        `json:"validation_errors"`   // 驗證錯誤；空 = 合格
	RepairOps        []string        `json:"repair_ops,omitempty"` // 實際套用過的修復規則名稱
	Provenance       []string        `json:"provenance,omitempty"` // 衍生來源記錄識別碼
}

// Payload 解析 Obj 為結構化載荷；僅對已通過驗證的記錄有意義
func (r *Record) Payload() (*Payload, error) {
	if len(r.Obj) == 0 {
		return nil, fmt.Errorf("record %s has no payload", r.ClusterID)
	}
	var p Payload
	if err := json.Unmarshal(r.Obj, &p); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", r.ClusterID, err)
	}
	return &p, nil
}

// Accepted 回報此記錄是否通過驗證
func (r *Record) Accepted() bool {
	return len(r.ValidationErrors) == 0
}

// FactTexts 回傳索引到事實文字的查找表
func (r *Record) FactTexts() map[int]string {
	m := make(map[int]string, len(r.Facts))
	for _, f := range r.Facts {
		m[f.I] = f.Text
	}
	return m
}

// PresentedIndices 回傳呈現給模型的事實索引（依呈現順序）
func (r *Record) PresentedIndices() []int {
	out := make([]int, 0, len(r.Facts))
	for _, f := range r.Facts {
		out = append(out, f.I)
	}
	return out
}

// BatchCounts 一次批次處理的記錄數量統計
type BatchCounts struct {
	Accepted      int `json:"accepted"`       // 驗證合格
	Rejected      int `json:"rejected"`       // 驗證失敗（修復前）
	Repaired      int `json:"repaired"`       // 修復後轉為合格
	StillRejected int `json:"still_rejected"` // 修復後仍失敗
}

// FieldCounts 合併後概念場的規模統計
type FieldCounts struct {
	Nodes   int `json:"nodes"`
	Members int `json:"members"`
	Edges   int `json:"edges"`
	Seeds   int `json:"seeds"`
	Aliases int `json:"aliases"`
}

// Manifest 記錄一次成功發佈所用到的全部上游目錄與執行參數
// 建立後不再修改；存放於其描述的合併輸出目錄內
type Manifest struct {
	RunTag        string            `json:"run_tag"`            // 本次執行標籤
	RunDir        string            `json:"run_dir"`            // 評估批次目錄
	BaseDir       string            `json:"base_dir,omitempty"` // 合併基底（可無）
	StageDirs     map[string]string `json:"stage_dirs"`         // 各階段輸出目錄
	ExpectedCount int               `json:"expected_count"`     // 預期記錄數參數
	Counts        BatchCounts       `json:"counts"`             // 記錄數量統計
	Field         FieldCounts       `json:"field"`              // 概念場規模
	CreatedAt     int64             `json:"created_at"`         // 建立時間（Unix 毫秒）
}

// LedgerEntry 帳本中的一筆迴圈迭代紀錄
type LedgerEntry struct {
	RunID     string            `json:"run_id"`               // 本次迭代唯一識別碼
	Tag       string            `json:"tag"`                  // 執行標籤
	StartedAt int64             `json:"started_at"`           // 開始時間（Unix 毫秒）
	EndedAt   int64             `json:"ended_at"`             // 結束時間（Unix 毫秒）
	ExitCode  int               `json:"exit_code"`            // 0 = 成功
	Params    map[string]string `json:"params,omitempty"`     // 輸入參數
	StageDirs map[string]string `json:"stage_dirs,omitempty"` // 解析出的各階段目錄
	Counts    BatchCounts       `json:"counts"`               // 記錄數量統計
	Err       string            `json:"error,omitempty"`      // 失敗原因摘要
}
