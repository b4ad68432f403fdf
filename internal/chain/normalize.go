package chain

// ============================================================================
// 正規化階段
// 同一概念內被 same_as 連起來的成員合併為別名群：
// - 群代表優先取典範成員，否則取最小成員識別碼
// - 非代表成員標記 alias_of，另外寫出別名對照檔
// - 邊端點與支持證據改寫為代表成員，same_as 邊移除，重複邊去重
// ============================================================================

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/field-loom/pkg/types"
)

// Normalize 五階段鏈的第二階段
type Normalize struct{}

// Name 回傳階段名稱
func (Normalize) Name() string { return StageNormalize }

// unionFind 成員識別碼上的不交集合
type unionFind struct {
	parent map[string]string
}

func newUnionFind(ids []string) *unionFind {
	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
	}
	return &unionFind{parent: parent}
}

// find 帶路徑減半的根查找
func (u *unionFind) find(x string) string {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// Run 讀取物化輸出並寫出正規化後的概念場
func (Normalize) Run(_ context.Context, env Env, inputDir string) (Result, error) {
	nodes, err := ReadJSONL[ConceptNode](filepath.Join(inputDir, NodesFile))
	if err != nil {
		return Result{}, err
	}
	members, err := ReadJSONL[ConceptMember](filepath.Join(inputDir, MembersFile))
	if err != nil {
		return Result{}, err
	}
	edges, err := ReadJSONL[ConceptEdge](filepath.Join(inputDir, EdgesFile))
	if err != nil {
		return Result{}, err
	}
	seeds, err := ReadJSONL[RetrievalSeed](filepath.Join(inputDir, SeedsFile))
	if err != nil {
		return Result{}, err
	}

	outDir, err := stageDir(env, StageNormalize)
	if err != nil {
		return Result{}, err
	}

	memByC := make(map[string][]int)
	for i := range members {
		memByC[members[i].ConceptID] = append(memByC[members[i].ConceptID], i)
	}
	edgeByC := make(map[string][]int)
	for i := range edges {
		edgeByC[edges[i].ConceptID] = append(edgeByC[edges[i].ConceptID], i)
	}

	var aliases []ConceptAlias
	newMembers := make([]ConceptMember, 0, len(members))
	newEdges := make([]ConceptEdge, 0, len(edges))
	removedSameAs := 0
	dedupedEdges := 0

	for _, node := range nodes {
		cid := node.ConceptID
		memIdx := memByC[cid]
		edgeIdx := edgeByC[cid]

		// 蒐集本概念的成員識別碼；排序後建集合，輸出才有固定順序
		midSet := make(map[string]bool, len(memIdx))
		for _, i := range memIdx {
			if members[i].MemberID != "" {
				midSet[members[i].MemberID] = true
			}
		}
		if len(midSet) == 0 {
			continue
		}
		mids := make([]string, 0, len(midSet))
		for mid := range midSet {
			mids = append(mids, mid)
		}
		sort.Strings(mids)

		uf := newUnionFind(mids)
		for _, i := range edgeIdx {
			e := &edges[i]
			if e.RelType != string(types.RelSameAs) {
				continue
			}
			if midSet[e.SrcMemberID] && midSet[e.DstMemberID] {
				uf.union(e.SrcMemberID, e.DstMemberID)
			}
		}

		// 依根分組並挑代表
		groups := make(map[string][]string)
		var roots []string
		for _, mid := range mids {
			root := uf.find(mid)
			if _, seen := groups[root]; !seen {
				roots = append(roots, root)
			}
			groups[root] = append(groups[root], mid)
		}
		sort.Strings(roots)

		repFor := make(map[string]string, len(mids))
		for _, root := range roots {
			group := groups[root]
			rep := group[0] // 已排序，首位即最小識別碼
			for _, mid := range group {
				if mid == node.CanonicalMemberID {
					rep = node.CanonicalMemberID
					break
				}
			}
			for _, mid := range group {
				repFor[mid] = rep
				if mid != rep {
					aliases = append(aliases, ConceptAlias{
						ConceptID:     cid,
						AliasMemberID: mid,
						RepMemberID:   rep,
					})
				}
			}
		}

		// 成員改寫：非代表者標記 alias_of
		for _, i := range memIdx {
			m := members[i]
			if rep, ok := repFor[m.MemberID]; ok && rep != m.MemberID {
				m.AliasOf = rep
			}
			newMembers = append(newMembers, m)
		}

		// 邊改寫：端點換代表、same_as 移除、重複去除
		seen := make(map[string]bool)
		for _, i := range edgeIdx {
			e := edges[i]
			if e.RelType == string(types.RelSameAs) {
				removedSameAs++
				continue
			}
			if rep, ok := repFor[e.SrcMemberID]; ok {
				e.SrcMemberID = rep
			}
			if rep, ok := repFor[e.DstMemberID]; ok {
				e.DstMemberID = rep
			}
			if len(e.SupportMemberIDs) > 0 {
				// 改寫進新切片，不碰輸入列共享的底層陣列
				sup := make([]string, len(e.SupportMemberIDs))
				copy(sup, e.SupportMemberIDs)
				for j, s := range sup {
					if rep, ok := repFor[s]; ok {
						sup[j] = rep
					}
				}
				e.SupportMemberIDs = sup
			}
			key := edgeKey(e.ConceptID, e.RelType, e.SrcMemberID, e.DstMemberID, e.SupportMemberIDs)
			if seen[key] {
				dedupedEdges++
				continue
			}
			seen[key] = true
			newEdges = append(newEdges, e)
		}
	}

	nNodes, err := WriteJSONL(filepath.Join(outDir, NodesFile), nodes)
	if err != nil {
		return Result{}, err
	}
	nMembers, err := WriteJSONL(filepath.Join(outDir, MembersFile), newMembers)
	if err != nil {
		return Result{}, err
	}
	nEdges, err := WriteJSONL(filepath.Join(outDir, EdgesFile), newEdges)
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

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Normalize summary\n\n")
	fmt.Fprintf(&sb, "- in_dir: %s\n- out_dir: %s\n\n", inputDir, outDir)
	fmt.Fprintf(&sb, "## Counts\n\n")
	fmt.Fprintf(&sb, "- nodes: %d\n- members: %d\n- edges: %d\n- seeds: %d\n- aliases: %d\n\n",
		nNodes, nMembers, nEdges, nSeeds, nAliases)
	fmt.Fprintf(&sb, "- removed_same_as_edges: %d\n- dedup_edges_removed: %d\n",
		removedSameAs, dedupedEdges)
	if err := writeSummary(outDir, sb.String()); err != nil {
		return Result{}, err
	}

	return Result{
		OutputDir: outDir,
		Counts: map[string]int{
			"nodes": nNodes, "members": nMembers, "edges": nEdges,
			"seeds": nSeeds, "aliases": nAliases,
			"removed_same_as": removedSameAs, "deduped_edges": dedupedEdges,
		},
	}, nil
}

// edgeKey 概念內邊的去重鍵
func edgeKey(cid, relType, src, dst string, support []string) string {
	return strings.Join([]string{cid, relType, src, dst, strings.Join(support, ",")}, "|")
}
