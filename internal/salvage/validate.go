package salvage

// ============================================================================
// 記錄驗證器
// 職責：對鬆散型態的載荷物件執行完整驗證，產出錯誤碼清單
// ============================================================================
//
// 驗證階層：
// 1. 必要欄位存在性（missing:<key>）
// 2. 回合與錯誤欄位語意（pass!=R、bad_error:<e>、new_claims_not_empty）
// 3. 成功載荷的結構約束（used_fact_i、relations、散文帶域、詮釋語句）
// 4. 失敗載荷（insufficient_support）必須全空
//
// 錯誤碼為穩定字串，修復引擎與下游報表都以其為準
//
// ============================================================================

import (
	"fmt"
	"math"
	"regexp"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

// 驗證參數預設值：K 為呈現事實數，散文字數帶域 120..260
const (
	DefaultK      = 6
	DefaultWordLo = 120
	DefaultWordHi = 260
)

var (
	wordPat = regexp.MustCompile(`\b[\w'-]+\b`)

	// 詮釋性措辭：教學散文不得談論「這些敘述」本身
	metaPat = regexp.MustCompile(`(?i)\b(these statements|these points|these sentences|taken together|one statement|other accounts|refer to the same|can be read as)\b`)

	// 否定線索：contradicts 關係至少一端需命中
	negCues = regexp.MustCompile(`(?i)\b(not|no|never|cannot|can't|does not|do not|is not|isn't|aren't|without)\b`)

	// 依賴線索：depends_on 關係的目標端需命中
	depCues = regexp.MustCompile(`(?i)\b(require|requires|required|depend|depends|need|needs|must|assume|assumes|only if)\b`)
)

// requiredKeys 載荷必要欄位
var requiredKeys = []string{
	"cluster_id", "pass", "error", "used_fact_i", "relations", "teaching_prose", "new_claims",
}

// wordCount 計算散文字數
func wordCount(s string) int {
	return len(wordPat.FindAllString(s, -1))
}

// asInt 將 JSON 解碼值轉為整數；非整數值回報失敗
func asInt(v interface{}) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// asIntList 將 JSON 陣列轉為整數切片；任一元素非整數即失敗
func asIntList(v interface{}) ([]int, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(raw))
	for _, x := range raw {
		i, ok := asInt(x)
		if !ok {
			return nil, false
		}
		out = append(out, i)
	}
	return out, true
}

// emptyList 判斷欄位是否為空陣列（缺欄位或 nil 視為空）
func emptyList(v interface{}) bool {
	raw, ok := v.([]interface{})
	if !ok {
		return v == nil
	}
	return len(raw) == 0
}

// Spec 驗證參數
type Spec struct {
	K      int // 呈現事實數；used_fact_i 必須恰為 K 個相異索引
	WordLo int // 散文字數下限
	WordHi int // 散文字數上限
}

// withDefaults 補齊零值參數
func (s Spec) withDefaults() Spec {
	if s.K <= 0 {
		s.K = DefaultK
	}
	if s.WordLo <= 0 {
		s.WordLo = DefaultWordLo
	}
	if s.WordHi <= 0 {
		s.WordHi = DefaultWordHi
	}
	return s
}

// Validate 驗證一個鬆散型態載荷，回傳錯誤碼清單；空清單即合格
// presented 為呈現給模型的事實索引，factText 為索引到文字的查找表
func Validate(obj map[string]interface{}, spec Spec, presented []int, factText map[int]string) []string {
	spec = spec.withDefaults()
	var errs []string

	for _, key := range requiredKeys {
		if _, ok := obj[key]; !ok {
			errs = append(errs, "missing:"+key)
		}
	}
	if len(errs) > 0 {
		return errs
	}

	if obj["pass"] != "R" {
		errs = append(errs, "pass!=R")
	}

	errField, _ := obj["error"].(string)
	if errField != "" && errField != "insufficient_support" {
		errs = append(errs, fmt.Sprintf("bad_error:%v", obj["error"]))
	}

	if !emptyList(obj["new_claims"]) {
		errs = append(errs, "new_claims_not_empty")
	}

	if errField != "" {
		// 失敗載荷：其餘欄位必須全空
		if !emptyList(obj["used_fact_i"]) {
			errs = append(errs, "failure_used_fact_i_not_empty")
		}
		if !emptyList(obj["relations"]) {
			errs = append(errs, "failure_relations_not_empty")
		}
		if prose, _ := obj["teaching_prose"].(string); prose != "" {
			errs = append(errs, "failure_teaching_prose_not_empty")
		}
		return errs
	}

	presentedSet := make(map[int]bool, len(presented))
	for _, i := range presented {
		presentedSet[i] = true
	}

	used, ok := asIntList(obj["used_fact_i"])
	if !ok || len(used) != spec.K {
		errs = append(errs, "used_fact_i_len!=K")
		return errs
	}
	usedSet := make(map[int]bool, len(used))
	for _, i := range used {
		usedSet[i] = true
	}
	if len(usedSet) != len(used) {
		errs = append(errs, "used_fact_i_not_unique")
	}
	for _, i := range used {
		if !presentedSet[i] {
			errs = append(errs, "used_fact_i_not_in_presented")
			break
		}
	}

	rels, ok := obj["relations"].([]interface{})
	if !ok || len(rels) < 3 || len(rels) > 8 {
		errs = append(errs, "relations_len_out_of_range")
	} else {
		for j, rv := range rels {
			rel, ok := rv.(map[string]interface{})
			if !ok {
				errs = append(errs, fmt.Sprintf("rel_%d_not_obj", j))
				continue
			}
			for _, rk := range []string{"src_i", "dst_i", "rel_type", "support_i_list"} {
				if _, ok := rel[rk]; !ok {
					errs = append(errs, fmt.Sprintf("rel_%d_missing:%s", j, rk))
				}
			}

			si, siOK := asInt(rel["src_i"])
			di, diOK := asInt(rel["dst_i"])
			if !siOK || !diOK {
				errs = append(errs, fmt.Sprintf("rel_%d_bad_src_dst", j))
			} else if !usedSet[si] || !usedSet[di] {
				errs = append(errs, fmt.Sprintf("rel_%d_src_dst_not_in_used", j))
			}

			if rt, ok := rel["rel_type"].(string); ok {
				if !types.ValidRelKinds[types.RelKind(rt)] {
					errs = append(errs, fmt.Sprintf("rel_%d_bad_rel_type", j))
				}
			}

			sup, supOK := asIntList(rel["support_i_list"])
			if !supOK || len(sup) < 1 || len(sup) > 3 {
				errs = append(errs, fmt.Sprintf("rel_%d_bad_support_shape", j))
				continue
			}
			supSet := make(map[int]bool, len(sup))
			for _, x := range sup {
				supSet[x] = true
			}
			if len(supSet) != len(sup) {
				errs = append(errs, fmt.Sprintf("rel_%d_support_not_unique", j))
			}
			for _, x := range sup {
				if !usedSet[x] {
					errs = append(errs, fmt.Sprintf("rel_%d_support_not_in_used", j))
					break
				}
			}
			if siOK && diOK && (!supSet[si] || !supSet[di]) {
				errs = append(errs, fmt.Sprintf("rel_%d_support_missing_endpoints", j))
			}
		}
	}

	prose, _ := obj["teaching_prose"].(string)
	if n := wordCount(prose); n < spec.WordLo || n > spec.WordHi {
		errs = append(errs, fmt.Sprintf("word_count_out_of_band:%d", n))
	}
	if metaPat.MatchString(prose) {
		errs = append(errs, "meta_provenance_phrase_present")
	}

	return errs
}
