package chain

// ============================================================================
// 概念場資料列定義
// 五個階段在目錄間傳遞的 JSONL 列形狀，以及穩定識別碼的計算方式
// ============================================================================

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

// 概念場目錄內的檔案名稱
const (
	RecordsFile       = "records.jsonl"
	StillRejectedFile = "still_rejected.jsonl"
	NodesFile         = "concept_nodes.jsonl"
	MembersFile       = "concept_members.jsonl"
	EdgesFile         = "concept_edges.jsonl"
	SeedsFile         = "retrieval_seeds.jsonl"
	AliasesFile       = "concept_aliases.jsonl"
	CrossFile         = "concept_edges_cross.jsonl"
	CrossScoredFile   = "concept_edges_cross_scored.jsonl"
	SummaryFile       = "summary.md"
)

// 邊的信任標記：修復後接受的記錄產出的邊與模型直出的邊分開標記
const (
	TrustModel    = "model"
	TrustRepaired = "repaired"
)

// RelRetrievedNeighbor 跨概念候選邊的關係種類
const RelRetrievedNeighbor = "retrieved_neighbor"

// ConceptNode 概念節點；同一 concept_id 全場只有一列
type ConceptNode struct {
	ConceptID         string   `json:"concept_id"`
	Domain            string   `json:"domain"`
	CanonicalText     string   `json:"canonical_text"`
	CanonicalMemberID string   `json:"canonical_member_id"`
	SourceClusterIDs  []string `json:"source_cluster_ids"`
}

// ConceptMember 概念成員；一列對應一條被使用的事實
type ConceptMember struct {
	ConceptID   string `json:"concept_id"`
	ClusterID   string `json:"cluster_id"`
	Domain      string `json:"domain"`
	MemberID    string `json:"member_id"`
	IsCanonical bool   `json:"is_canonical"`
	Text        string `json:"text"`
	FactI       int    `json:"fact_i"`              // 叢集內索引，僅供除錯
	AliasOf     string `json:"alias_of,omitempty"` // 正規化後指向代表成員
}

// ConceptEdge 概念內關係邊；端點為穩定成員識別碼
type ConceptEdge struct {
	ConceptID        string   `json:"concept_id"`
	ClusterID        string   `json:"cluster_id"`
	Domain           string   `json:"domain"`
	RelType          string   `json:"rel_type"`
	SrcMemberID      string   `json:"src_member_id"`
	DstMemberID      string   `json:"dst_member_id"`
	SupportMemberIDs []string `json:"support_member_ids"`
	Trust            string   `json:"trust"`
	// 除錯欄位：保留叢集內索引與原文
	SrcI         int    `json:"src_i"`
	DstI         int    `json:"dst_i"`
	SupportIList []int  `json:"support_i_list"`
	SrcText      string `json:"src_text"`
	DstText      string `json:"dst_text"`
}

// RetrievalSeed 檢索種子；下游擴張批次用的查詢句
type RetrievalSeed struct {
	ConceptID        string   `json:"concept_id"`
	ClusterID        string   `json:"cluster_id"`
	Domain           string   `json:"domain"`
	RetrievalQueries []string `json:"retrieval_queries"`
}

// ConceptAlias 別名對照；非代表成員指向其代表
type ConceptAlias struct {
	ConceptID     string `json:"concept_id"`
	AliasMemberID string `json:"alias_member_id"`
	RepMemberID   string `json:"rep_member_id"`
}

// CrossEdge 跨概念候選邊
type CrossEdge struct {
	RelType          string   `json:"rel_type"`
	SrcConceptID     string   `json:"src_concept_id"`
	DstConceptID     string   `json:"dst_concept_id"`
	Domain           string   `json:"domain"`
	RetrievalQueries []string `json:"retrieval_queries"`
}

// ScoredCrossEdge 打分後的跨概念邊；原候選欄位攤平保留
type ScoredCrossEdge struct {
	CrossEdge
	ScoreSrcDst       float64  `json:"score_src_dst"`
	ScoreQueryDst     float64  `json:"score_query_dst"`
	ScoreQuerySrc     float64  `json:"score_query_src"`
	QueryTokenHitsDst int      `json:"query_token_hits_dst"`
	QueryTokenHitsSrc int      `json:"query_token_hits_src"`
	Votes             int      `json:"votes"`
	VoteReasons       []string `json:"vote_reasons"`
	SrcQueryOK        bool     `json:"src_query_ok"`
	Keep              bool     `json:"keep"`
	DropReason        string   `json:"drop_reason,omitempty"`
}

// ============================================================================
// 穩定識別碼
// 成員與概念的身分由「領域 + 正規化文字」決定，跨批次不變
// ============================================================================

var wsRE = regexp.MustCompile(`\s+`)

// NormText 識別碼用的文字正規化：去頭尾空白、轉小寫、摺疊連續空白
func NormText(s string) string {
	return wsRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MemberID 成員的穩定識別碼
func MemberID(domain, text string) string {
	return sha1Hex("MEMBER||" + domain + "||" + NormText(text))
}

// ConceptID 概念的穩定識別碼，取自典範文字
func ConceptID(domain, canonicalText string) string {
	return sha1Hex("CONCEPT||" + domain + "||" + NormText(canonicalText))
}
