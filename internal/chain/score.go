package chain

// ============================================================================
// 跨邊打分階段
// 候選邊的去留由目標端證據投票決定：
// - 三票來源全部落在目標端：src↔dst 重疊、query↔dst 重疊、query 詞命中 dst
// - 來源端防呆閘：query 與 src 毫無相似的連結一律可疑
// - 每條候選都寫出（含落選原因），合併階段只取 keep==true
// ============================================================================

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// 打分預設門檻
const (
	DefaultMinSrcDst         = 0.06
	DefaultMinQueryDst       = 0.08
	DefaultMinQuerySrc       = 0.06
	DefaultMinQueryTokensHit = 2
	DefaultMinVotes          = 3
)

// ScoreSpec 打分階段參數；零值欄位取預設門檻
type ScoreSpec struct {
	MinSrcDst         float64
	MinQueryDst       float64
	MinQuerySrc       float64
	MinQueryTokensHit int
	MinVotes          int
}

func (s ScoreSpec) withDefaults() ScoreSpec {
	if s.MinSrcDst <= 0 {
		s.MinSrcDst = DefaultMinSrcDst
	}
	if s.MinQueryDst <= 0 {
		s.MinQueryDst = DefaultMinQueryDst
	}
	if s.MinQuerySrc <= 0 {
		s.MinQuerySrc = DefaultMinQuerySrc
	}
	if s.MinQueryTokensHit <= 0 {
		s.MinQueryTokensHit = DefaultMinQueryTokensHit
	}
	if s.MinVotes <= 0 {
		s.MinVotes = DefaultMinVotes
	}
	return s
}

// jaccard 兩個內容詞集合的交併比
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := intersectCount(a, b)
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func intersectCount(a, b map[string]bool) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for tok := range a {
		if b[tok] {
			n++
		}
	}
	return n
}

// round4 分數固定四位小數，輸出才可跨執行比對
func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

// ScoreLinks 五階段鏈的第四階段
type ScoreLinks struct{}

// Name 回傳階段名稱
func (ScoreLinks) Name() string { return StageScoreLinks }

// Run 為每條候選邊打分並標記去留
func (ScoreLinks) Run(_ context.Context, env Env, inputDir string) (Result, error) {
	spec := env.Score.withDefaults()

	nodes, err := ReadJSONL[ConceptNode](filepath.Join(inputDir, NodesFile))
	if err != nil {
		return Result{}, err
	}
	cross, err := ReadJSONL[CrossEdge](filepath.Join(inputDir, CrossFile))
	if err != nil {
		return Result{}, err
	}

	outDir, err := stageDir(env, StageScoreLinks)
	if err != nil {
		return Result{}, err
	}

	nodeByID := make(map[string]*ConceptNode, len(nodes))
	for i := range nodes {
		nodeByID[nodes[i].ConceptID] = &nodes[i]
	}

	var scored []ScoredCrossEdge
	kept, dropped, selfLoops, missingIDs, missingNodes := 0, 0, 0, 0, 0

	for _, e := range cross {
		if e.SrcConceptID == "" || e.DstConceptID == "" {
			missingIDs++
			continue
		}
		if e.SrcConceptID == e.DstConceptID {
			selfLoops++
			continue
		}
		src := nodeByID[e.SrcConceptID]
		dst := nodeByID[e.DstConceptID]
		if src == nil || dst == nil {
			missingNodes++
			continue
		}

		a := contentSet(src.CanonicalText)
		b := contentSet(dst.CanonicalText)
		q := contentSet(strings.Join(e.RetrievalQueries, " "))

		scoreSrcDst := jaccard(a, b)
		scoreQueryDst := jaccard(q, b)
		scoreQuerySrc := jaccard(q, a)
		hitsDst := intersectCount(q, b)
		hitsSrc := intersectCount(q, a)

		// 投票一律要求目標端證據，免得 src 與 query 的重疊送免費票
		votes := 0
		var voteReasons []string
		if scoreSrcDst >= spec.MinSrcDst {
			votes++
			voteReasons = append(voteReasons, "src_dst")
		}
		if scoreQueryDst >= spec.MinQueryDst {
			votes++
			voteReasons = append(voteReasons, "query_dst")
		}
		if hitsDst >= spec.MinQueryTokensHit {
			votes++
			voteReasons = append(voteReasons, "hits_dst")
		}

		srcQueryOK := scoreQuerySrc >= spec.MinQuerySrc
		keep := srcQueryOK && votes >= spec.MinVotes

		row := ScoredCrossEdge{
			CrossEdge:         e,
			ScoreSrcDst:       round4(scoreSrcDst),
			ScoreQueryDst:     round4(scoreQueryDst),
			ScoreQuerySrc:     round4(scoreQuerySrc),
			QueryTokenHitsDst: hitsDst,
			QueryTokenHitsSrc: hitsSrc,
			Votes:             votes,
			VoteReasons:       voteReasons,
			SrcQueryOK:        srcQueryOK,
			Keep:              keep,
		}
		if keep {
			kept++
		} else {
			dropped++
			if !srcQueryOK {
				row.DropReason = "query_src_low"
			} else {
				row.DropReason = fmt.Sprintf("votes<%d", spec.MinVotes)
			}
		}
		scored = append(scored, row)
	}

	if err := carryFieldFiles(inputDir, outDir,
		NodesFile, MembersFile, EdgesFile, SeedsFile, AliasesFile); err != nil {
		return Result{}, err
	}
	nRows, err := WriteJSONL(filepath.Join(outDir, CrossScoredFile), scored)
	if err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Score-links summary\n\n")
	fmt.Fprintf(&sb, "- in_dir: %s\n- out_dir: %s\n\n", inputDir, outDir)
	fmt.Fprintf(&sb, "- total_rows_written: %d\n- kept: %d\n- dropped: %d\n", nRows, kept, dropped)
	fmt.Fprintf(&sb, "- self_loops_skipped: %d\n- missing_ids_skipped: %d\n- missing_nodes_skipped: %d\n",
		selfLoops, missingIDs, missingNodes)
	fmt.Fprintf(&sb, "- thresholds: min_src_dst=%g min_query_dst=%g min_query_src=%g min_query_tokens_hit=%d min_votes=%d\n",
		spec.MinSrcDst, spec.MinQueryDst, spec.MinQuerySrc, spec.MinQueryTokensHit, spec.MinVotes)
	if err := writeSummary(outDir, sb.String()); err != nil {
		return Result{}, err
	}

	return Result{
		OutputDir: outDir,
		Counts: map[string]int{
			"rows": nRows, "kept": kept, "dropped": dropped,
			"self_loops": selfLoops, "missing_ids": missingIDs, "missing_nodes": missingNodes,
		},
	}, nil
}
