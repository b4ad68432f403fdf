package chain

// ============================================================================
// 連結階段
// 跨概念候選邊的詞彙式產生（向量檢索後端不在本核心範圍內）：
// - 典範文字斷詞成內容詞集合（NFKC、轉小寫、去停用詞與雜訊）
// - 以倒排索引找出共享內容詞的概念對
// - 文件頻率過高的詞視為停用詞，不產生候選
// - 候選邊帶上來源概念的檢索種子查詢，供打分階段使用
// ============================================================================

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxTokenDF 倒排索引中單一詞允許的最大文件頻率
const DefaultMaxTokenDF = 32

// LinkSpec 連結階段參數
type LinkSpec struct {
	MaxTokenDF int // 超過此文件頻率的詞不產生候選；0 取預設值
}

func (s LinkSpec) withDefaults() LinkSpec {
	if s.MaxTokenDF <= 0 {
		s.MaxTokenDF = DefaultMaxTokenDF
	}
	return s
}

var wordRE = regexp.MustCompile(`\b[\w'’-]+\b`)

// 內容詞集合排除的功能詞
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "by": true, "for": true, "with": true,
	"as": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "that": true, "which": true,
	"this": true, "these": true, "those": true, "it": true, "its": true,
	"into": true, "from": true, "at": true, "if": true, "then": true,
	"there": true, "exists": true, "such": true,
}

// tokens 斷詞：NFKC 正規化後轉小寫取詞
func tokens(s string) []string {
	return wordRE.FindAllString(strings.ToLower(norm.NFKC.String(s)), -1)
}

// contentSet 內容詞集合
// 保留 ln、dx 這類短數學詞；丟掉停用詞、單字元雜訊與純數字
func contentSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range tokens(s) {
		if stopWords[w] {
			continue
		}
		if len([]rune(w)) == 1 {
			continue
		}
		if isDigits(w) {
			continue
		}
		out[w] = true
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// Link 五階段鏈的第三階段
type Link struct{}

// Name 回傳階段名稱
func (Link) Name() string { return StageLink }

// Run 產生跨概念候選邊並帶上上游概念場檔案
func (Link) Run(_ context.Context, env Env, inputDir string) (Result, error) {
	spec := env.Link.withDefaults()

	nodes, err := ReadJSONL[ConceptNode](filepath.Join(inputDir, NodesFile))
	if err != nil {
		return Result{}, err
	}
	seeds, err := ReadJSONL[RetrievalSeed](filepath.Join(inputDir, SeedsFile))
	if err != nil {
		return Result{}, err
	}

	outDir, err := stageDir(env, StageLink)
	if err != nil {
		return Result{}, err
	}

	// 每個概念的種子查詢聯集，依種子檔順序
	queriesByConcept := make(map[string][]string)
	for _, s := range seeds {
		queriesByConcept[s.ConceptID] = append(queriesByConcept[s.ConceptID], s.RetrievalQueries...)
	}

	// 倒排索引：內容詞 -> 節點序
	index := make(map[string][]int)
	for i, n := range nodes {
		for tok := range contentSet(n.CanonicalText) {
			index[tok] = append(index[tok], i)
		}
	}

	tokensCapped := 0
	pairSeen := make(map[string]bool)
	var cross []CrossEdge

	for _, postings := range index {
		if len(postings) < 2 {
			continue
		}
		if len(postings) > spec.MaxTokenDF {
			// 高頻詞幾乎把全場連成完全圖，按停用詞處理
			tokensCapped++
			continue
		}
		for _, si := range postings {
			for _, di := range postings {
				if si == di {
					continue
				}
				src, dst := &nodes[si], &nodes[di]
				key := src.ConceptID + "|" + dst.ConceptID
				if pairSeen[key] {
					continue
				}
				pairSeen[key] = true
				cross = append(cross, CrossEdge{
					RelType:          RelRetrievedNeighbor,
					SrcConceptID:     src.ConceptID,
					DstConceptID:     dst.ConceptID,
					Domain:           dst.Domain,
					RetrievalQueries: queriesByConcept[src.ConceptID],
				})
			}
		}
	}

	// 索引走訪順序不定，輸出按端點排序固定下來
	sort.Slice(cross, func(i, j int) bool {
		if cross[i].SrcConceptID != cross[j].SrcConceptID {
			return cross[i].SrcConceptID < cross[j].SrcConceptID
		}
		return cross[i].DstConceptID < cross[j].DstConceptID
	})

	if err := carryFieldFiles(inputDir, outDir,
		NodesFile, MembersFile, EdgesFile, SeedsFile, AliasesFile); err != nil {
		return Result{}, err
	}
	nCross, err := WriteJSONL(filepath.Join(outDir, CrossFile), cross)
	if err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Link summary\n\n")
	fmt.Fprintf(&sb, "- in_dir: %s\n- out_dir: %s\n\n", inputDir, outDir)
	fmt.Fprintf(&sb, "- nodes: %d\n- tokens_indexed: %d\n- tokens_capped: %d\n- cross_candidates: %d\n",
		len(nodes), len(index), tokensCapped, nCross)
	fmt.Fprintf(&sb, "- max_token_df: %d\n", spec.MaxTokenDF)
	if err := writeSummary(outDir, sb.String()); err != nil {
		return Result{}, err
	}

	return Result{
		OutputDir: outDir,
		Counts: map[string]int{
			"nodes": len(nodes), "tokens_indexed": len(index),
			"tokens_capped": tokensCapped, "cross_candidates": nCross,
		},
	}, nil
}
