package chain

// ============================================================================
// 合併階段
// 把新批次切片併進既有概念場基底：
// - 節點按 concept_id 上插，來源叢集聯集
// - 成員、邊、種子、別名按自然鍵去重，基底列優先
// - 跨邊只收打分通過（keep==true）者，與基底既有跨邊聯集後去重
// - 沒有基底時本切片直接成為新概念場
// ============================================================================

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Merge 五階段鏈的最後一階段
type Merge struct{}

// Name 回傳階段名稱
func (Merge) Name() string { return StageMerge }

// Run 合併基底與新切片，寫出完整概念場
func (Merge) Run(_ context.Context, env Env, inputDir string) (Result, error) {
	expNodes, err := ReadJSONL[ConceptNode](filepath.Join(inputDir, NodesFile))
	if err != nil {
		return Result{}, err
	}
	expMembers, err := ReadJSONL[ConceptMember](filepath.Join(inputDir, MembersFile))
	if err != nil {
		return Result{}, err
	}
	expEdges, err := ReadJSONL[ConceptEdge](filepath.Join(inputDir, EdgesFile))
	if err != nil {
		return Result{}, err
	}
	expSeeds, err := ReadJSONL[RetrievalSeed](filepath.Join(inputDir, SeedsFile))
	if err != nil {
		return Result{}, err
	}
	expAliases, err := ReadJSONL[ConceptAlias](filepath.Join(inputDir, AliasesFile))
	if err != nil {
		return Result{}, err
	}
	expScored, err := ReadJSONL[ScoredCrossEdge](filepath.Join(inputDir, CrossScoredFile))
	if err != nil {
		return Result{}, err
	}

	// 基底可整個缺席（首次執行），也可缺個別檔案
	var baseNodes []ConceptNode
	var baseMembers []ConceptMember
	var baseEdges []ConceptEdge
	var baseSeeds []RetrievalSeed
	var baseAliases []ConceptAlias
	var baseCross []ScoredCrossEdge
	if env.BaseDir != "" {
		if baseNodes, err = ReadJSONLOptional[ConceptNode](filepath.Join(env.BaseDir, NodesFile)); err != nil {
			return Result{}, err
		}
		if baseMembers, err = ReadJSONLOptional[ConceptMember](filepath.Join(env.BaseDir, MembersFile)); err != nil {
			return Result{}, err
		}
		if baseEdges, err = ReadJSONLOptional[ConceptEdge](filepath.Join(env.BaseDir, EdgesFile)); err != nil {
			return Result{}, err
		}
		if baseSeeds, err = ReadJSONLOptional[RetrievalSeed](filepath.Join(env.BaseDir, SeedsFile)); err != nil {
			return Result{}, err
		}
		if baseAliases, err = ReadJSONLOptional[ConceptAlias](filepath.Join(env.BaseDir, AliasesFile)); err != nil {
			return Result{}, err
		}
		if baseCross, err = ReadJSONLOptional[ScoredCrossEdge](filepath.Join(env.BaseDir, CrossFile)); err != nil {
			return Result{}, err
		}
	}

	outDir, err := stageDir(env, StageMerge)
	if err != nil {
		return Result{}, err
	}

	// 節點上插：基底先進，provenance 聯集
	nodeByID := make(map[string]*ConceptNode)
	var nodeOrder []string
	upsert := func(n ConceptNode) {
		if n.ConceptID == "" {
			return
		}
		cur := nodeByID[n.ConceptID]
		if cur == nil {
			cp := n
			cp.SourceClusterIDs = append([]string(nil), n.SourceClusterIDs...)
			nodeByID[n.ConceptID] = &cp
			nodeOrder = append(nodeOrder, n.ConceptID)
			return
		}
		seen := make(map[string]bool, len(cur.SourceClusterIDs))
		for _, c := range cur.SourceClusterIDs {
			seen[c] = true
		}
		for _, c := range n.SourceClusterIDs {
			if !seen[c] {
				cur.SourceClusterIDs = append(cur.SourceClusterIDs, c)
				seen[c] = true
			}
		}
	}
	for _, n := range baseNodes {
		upsert(n)
	}
	for _, n := range expNodes {
		upsert(n)
	}
	nodes := make([]ConceptNode, 0, len(nodeOrder))
	for _, cid := range nodeOrder {
		nodes = append(nodes, *nodeByID[cid])
	}

	// 成員去重
	memSeen := make(map[string]bool)
	var members []ConceptMember
	for _, m := range append(baseMembers, expMembers...) {
		key := strings.Join([]string{m.ConceptID, m.MemberID, m.Text}, "|")
		if memSeen[key] {
			continue
		}
		memSeen[key] = true
		members = append(members, m)
	}

	// 概念內邊去重
	edgeSeen := make(map[string]bool)
	var edges []ConceptEdge
	for _, e := range append(baseEdges, expEdges...) {
		key := edgeKey(e.ConceptID, e.RelType, e.SrcMemberID, e.DstMemberID, e.SupportMemberIDs)
		if edgeSeen[key] {
			continue
		}
		edgeSeen[key] = true
		edges = append(edges, e)
	}

	// 種子去重
	seedSeen := make(map[string]bool)
	var seeds []RetrievalSeed
	for _, s := range append(baseSeeds, expSeeds...) {
		key := strings.Join([]string{s.ConceptID, s.ClusterID, s.Domain, strings.Join(s.RetrievalQueries, "\x1f")}, "|")
		if seedSeen[key] {
			continue
		}
		seedSeen[key] = true
		seeds = append(seeds, s)
	}

	// 別名去重
	aliasSeen := make(map[string]bool)
	var aliases []ConceptAlias
	for _, a := range append(baseAliases, expAliases...) {
		key := strings.Join([]string{a.ConceptID, a.AliasMemberID, a.RepMemberID}, "|")
		if aliasSeen[key] {
			continue
		}
		aliasSeen[key] = true
		aliases = append(aliases, a)
	}

	// 跨邊：基底既有者加上本批打分通過者，自迴圈丟棄後去重
	var keptNew []ScoredCrossEdge
	for _, x := range expScored {
		if x.Keep {
			keptNew = append(keptNew, x)
		}
	}
	crossSeen := make(map[string]bool)
	var cross []ScoredCrossEdge
	selfLoops := 0
	for _, x := range append(baseCross, keptNew...) {
		if x.SrcConceptID == "" || x.DstConceptID == "" {
			continue
		}
		if x.SrcConceptID == x.DstConceptID {
			selfLoops++
			continue
		}
		key := strings.Join([]string{x.RelType, x.SrcConceptID, x.DstConceptID,
			strings.Join(x.RetrievalQueries, "\x1f")}, "|")
		if crossSeen[key] {
			continue
		}
		crossSeen[key] = true
		cross = append(cross, x)
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
	nAliases, err := WriteJSONL(filepath.Join(outDir, AliasesFile), aliases)
	if err != nil {
		return Result{}, err
	}
	nCross, err := WriteJSONL(filepath.Join(outDir, CrossFile), cross)
	if err != nil {
		return Result{}, err
	}

	relCounts := make(map[string]int, 12)
	for _, e := range edges {
		relCounts[e.RelType]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Merge summary\n\n")
	fmt.Fprintf(&sb, "- base_dir: %s\n- exp_dir: %s\n- out_dir: %s\n\n", env.BaseDir, inputDir, outDir)
	fmt.Fprintf(&sb, "## Counts\n\n")
	fmt.Fprintf(&sb, "- concept_nodes: %d\n- concept_members: %d\n- concept_edges: %d\n",
		nNodes, nMembers, nEdges)
	fmt.Fprintf(&sb, "- retrieval_seeds: %d\n- concept_aliases: %d\n- concept_edges_cross: %d\n",
		nSeeds, nAliases, nCross)
	fmt.Fprintf(&sb, "- cross_self_loops_dropped: %d\n\n", selfLoops)
	fmt.Fprintf(&sb, "## rel_type distribution\n\n%s", formatCounts(relCounts))
	if err := writeSummary(outDir, sb.String()); err != nil {
		return Result{}, err
	}

	return Result{
		OutputDir: outDir,
		Counts: map[string]int{
			"nodes": nNodes, "members": nMembers, "edges": nEdges,
			"seeds": nSeeds, "aliases": nAliases, "cross_edges": nCross,
			"cross_self_loops": selfLoops,
		},
	}, nil
}
