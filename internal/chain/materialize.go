package chain

// ============================================================================
// 物化階段
// 把合格記錄（含修復後合格）攤平成概念場資料列：
// - 每筆記錄的最小使用事實索引為典範事實，決定 concept_id
// - 同 concept_id 的節點去重，來源叢集聯集
// - 關係邊掛上穩定成員識別碼端點與信任標記
// - 教學散文的第一句成為檢索種子
// ============================================================================

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

// Materialize 五階段鏈的第一階段
type Materialize struct{}

// Name 回傳階段名稱
func (Materialize) Name() string { return StageMaterialize }

// Run 讀取輸入目錄的 records.jsonl 並寫出四個概念場檔案
func (Materialize) Run(_ context.Context, env Env, inputDir string) (Result, error) {
	recs, err := ReadJSONL[types.Record](filepath.Join(inputDir, RecordsFile))
	if err != nil {
		return Result{}, err
	}

	outDir, err := stageDir(env, StageMaterialize)
	if err != nil {
		return Result{}, err
	}

	nodeByID := make(map[string]*ConceptNode)
	var nodeOrder []string
	var members []ConceptMember
	var edges []ConceptEdge
	var seeds []RetrievalSeed
	relCounts := make(map[string]int)
	skipped := 0
	noContent := 0

	for i := range recs {
		rec := &recs[i]
		if !rec.Accepted() {
			// 輸入應全為合格記錄；混進來的不合格列不可進場
			skipped++
			continue
		}
		p, err := rec.Payload()
		if err != nil {
			log.Warn("skipping record with unreadable payload",
				"cluster_id", rec.ClusterID, "err", err)
			skipped++
			continue
		}
		if p.Error != "" || len(p.UsedFactI) == 0 {
			// 合格的失敗載荷（insufficient_support）沒有可物化的內容
			noContent++
			continue
		}

		facts := rec.FactTexts()
		canonical := p.UsedFactI[0]
		for _, fi := range p.UsedFactI[1:] {
			if fi < canonical {
				canonical = fi
			}
		}
		canonicalText := facts[canonical]
		if canonicalText == "" {
			skipped++
			continue
		}

		cid := ConceptID(rec.Domain, canonicalText)
		trust := TrustModel
		if len(rec.RepairOps) > 0 {
			trust = TrustRepaired
		}

		node := nodeByID[cid]
		if node == nil {
			node = &ConceptNode{
				ConceptID:         cid,
				Domain:            rec.Domain,
				CanonicalText:     canonicalText,
				CanonicalMemberID: MemberID(rec.Domain, canonicalText),
				SourceClusterIDs:  []string{rec.ClusterID},
			}
			nodeByID[cid] = node
			nodeOrder = append(nodeOrder, cid)
		} else if !slices.Contains(node.SourceClusterIDs, rec.ClusterID) {
			node.SourceClusterIDs = append(node.SourceClusterIDs, rec.ClusterID)
		}

		idxToMid := make(map[int]string, len(p.UsedFactI))
		for _, fi := range p.UsedFactI {
			if txt := facts[fi]; txt != "" {
				idxToMid[fi] = MemberID(rec.Domain, txt)
			}
		}

		for _, fi := range p.UsedFactI {
			txt := facts[fi]
			if txt == "" {
				continue
			}
			members = append(members, ConceptMember{
				ConceptID:   cid,
				ClusterID:   rec.ClusterID,
				Domain:      rec.Domain,
				MemberID:    idxToMid[fi],
				IsCanonical: fi == canonical,
				Text:        txt,
				FactI:       fi,
			})
		}

		for _, rel := range p.Relations {
			relCounts[string(rel.RelType)]++
			var supMids []string
			for _, si := range rel.SupportIList {
				if mid, ok := idxToMid[si]; ok {
					supMids = append(supMids, mid)
				}
			}
			edges = append(edges, ConceptEdge{
				ConceptID:        cid,
				ClusterID:        rec.ClusterID,
				Domain:           rec.Domain,
				RelType:          string(rel.RelType),
				SrcMemberID:      idxToMid[rel.SrcI],
				DstMemberID:      idxToMid[rel.DstI],
				SupportMemberIDs: supMids,
				Trust:            trust,
				SrcI:             rel.SrcI,
				DstI:             rel.DstI,
				SupportIList:     rel.SupportIList,
				SrcText:          facts[rel.SrcI],
				DstText:          facts[rel.DstI],
			})
		}

		if q := firstSentence(p.TeachingProse); q != "" {
			seeds = append(seeds, RetrievalSeed{
				ConceptID:        cid,
				ClusterID:        rec.ClusterID,
				Domain:           rec.Domain,
				RetrievalQueries: []string{q},
			})
		}
	}

	nodes := make([]ConceptNode, 0, len(nodeOrder))
	for _, cid := range nodeOrder {
		nodes = append(nodes, *nodeByID[cid])
	}

	nNodes, err := WriteJSONL(filepath.Join(outDir, NodesFile), nodes)
	if err != nil {
		return Result{}, err
	}
	nMembers, err := WriteJSONL(filepath.Join(outDir, MembersFile), members)
	if err != nil {
		return Result{}, err
	}
	nEdges, err := WriteJSONL(filepath.Join(outDir, EdgesFile), edges)
	if err != nil {
		return Result{}, err
	}
	nSeeds, err := WriteJSONL(filepath.Join(outDir, SeedsFile), seeds)
	if err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Materialize summary\n\n")
	fmt.Fprintf(&sb, "- in_dir: %s\n- out_dir: %s\n\n", inputDir, outDir)
	fmt.Fprintf(&sb, "## Counts\n\n")
	fmt.Fprintf(&sb, "- records: %d\n- concept_nodes: %d\n- concept_members: %d\n", len(recs), nNodes, nMembers)
	fmt.Fprintf(&sb, "- concept_edges: %d\n- retrieval_seeds: %d\n", nEdges, nSeeds)
	fmt.Fprintf(&sb, "- skipped: %d\n- no_content: %d\n\n", skipped, noContent)
	fmt.Fprintf(&sb, "## rel_type distribution\n\n%s", formatCounts(relCounts))
	if err := writeSummary(outDir, sb.String()); err != nil {
		return Result{}, err
	}

	return Result{
		OutputDir: outDir,
		Counts: map[string]int{
			"records": len(recs), "nodes": nNodes, "members": nMembers,
			"edges": nEdges, "seeds": nSeeds, "skipped": skipped, "no_content": noContent,
		},
	}, nil
}

// firstSentence 取散文的第一個句子作為檢索查詢，去掉句末標點
func firstSentence(prose string) string {
	prose = strings.TrimSpace(prose)
	if idx := strings.IndexAny(prose, ".!?"); idx >= 0 {
		return strings.TrimSpace(prose[:idx])
	}
	return prose
}

// formatCounts 以固定順序（數量遞減、同數量按名稱）列印計數表
func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %d\n", k, counts[k])
	}
	return sb.String()
}
