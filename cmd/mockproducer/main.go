package main

// ============================================================================
// mockproducer 合成評估批次產生器
// 職責：
// 1. 模擬上游評估程序：逐筆把記錄寫進 ok.jsonl / bad.jsonl
// 2. 寫入 pidfile 供定稿端的存活探測，結束時移除
// 3. 以 --reject-rate 控制不合格比例；不合格記錄一半可修復、一半無望
//
// 用法：
//   mockproducer --out data/runs/x --count 10 --reject-rate 0.2 --interval 50ms
//
// 搭配迴圈設定：
//   loop:
//     producer: ["mockproducer", "--out", "{run_dir}", "--count", "{expected}"]
// ============================================================================

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/field-loom/internal/loop"
	"github.com/ChuLiYu/field-loom/pkg/types"
)

var domains = []string{"ethics", "calculus", "mechanics"}

// 每個領域六條事實；措辭避開否定線索，讓 contradicts 降級規則可以套用
var factBank = map[string][]string{
	"ethics": {
		"every promise creates an obligation",
		"obligations bind future conduct",
		"consent legitimizes shared undertakings",
		"broken promises erode mutual trust",
		"fairness requires that like cases be treated alike",
		"institutions stabilize expectations between strangers",
	},
	"calculus": {
		"the derivative measures instantaneous rate of change",
		"integration accumulates quantities over an interval",
		"the fundamental theorem links derivatives and integrals",
		"continuity underpins the intermediate value theorem",
		"limits describe behavior near a point",
		"the chain rule differentiates composed functions",
	},
	"mechanics": {
		"force equals mass times acceleration",
		"momentum is conserved in closed systems",
		"energy transforms between kinetic and potential forms",
		"friction converts motion into heat",
		"every action pairs with an equal and opposite reaction",
		"torque rotates bodies about an axis",
	},
}

// 首句成為檢索種子；加上重複填充句湊到帶域內字數
var proseLead = map[string]string{
	"ethics":    "Shared rules make cooperation durable.",
	"calculus":  "Calculus turns change into computable structure.",
	"mechanics": "Classical mechanics links cause to measurable motion.",
}

var proseFiller = map[string]string{
	"ethics":    "Each promise narrows what a fair agent may do next.",
	"calculus":  "Each limit argument binds local behavior to global conclusions here.",
	"mechanics": "Each applied force leaves a trace that equations can predict.",
}

func factsOf(domain string) []types.Fact {
	texts := factBank[domain]
	facts := make([]types.Fact, len(texts))
	for i, text := range texts {
		facts[i] = types.Fact{I: i, Text: text}
	}
	return facts
}

// proseOf 約 135 字的教學散文，落在預設 120..260 帶域內
func proseOf(domain string) string {
	prose := proseLead[domain]
	for i := 0; i < 13; i++ {
		prose += " " + proseFiller[domain]
	}
	return prose
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// acceptedRecord 合格記錄：結構化載荷、合法支撐形狀、帶域內散文
func acceptedRecord(domain, cluster string) types.Record {
	obj := mustJSON(types.Payload{
		ClusterID: cluster,
		Pass:      "R",
		UsedFactI: []int{0, 1, 2, 3, 4, 5},
		Relations: []types.RelEdge{
			{SrcI: 0, DstI: 1, RelType: types.RelEntails, SupportIList: []int{0, 1}},
			{SrcI: 1, DstI: 2, RelType: types.RelRefines, SupportIList: []int{1, 2}},
			{SrcI: 2, DstI: 5, RelType: types.RelCauses, SupportIList: []int{2, 5}},
		},
		TeachingProse: proseOf(domain),
		NewClaims:     []string{},
	})
	return types.Record{
		Domain:    domain,
		ClusterID: cluster,
		Facts:     factsOf(domain),
		Raw:       string(obj),
		Obj:       obj,
	}
}

// fixableRecord 首條關係支撐清單缺端點且 contradicts 兩端皆無否定線索，
// 修復引擎補端點、降級關係後可重新合格
func fixableRecord(domain, cluster string) types.Record {
	obj := mustJSON(map[string]interface{}{
		"cluster_id":  cluster,
		"pass":        "R",
		"error":       "",
		"used_fact_i": []int{0, 1, 2, 3, 4, 5},
		"relations": []interface{}{
			map[string]interface{}{"src_i": 0, "dst_i": 1, "rel_type": "contradicts", "support_i_list": []int{1}},
			map[string]interface{}{"src_i": 1, "dst_i": 2, "rel_type": "refines", "support_i_list": []int{1, 2}},
			map[string]interface{}{"src_i": 2, "dst_i": 5, "rel_type": "causes", "support_i_list": []int{2, 5}},
		},
		"teaching_prose": proseOf(domain),
		"new_claims":     []interface{}{},
	})
	return types.Record{
		Domain:           domain,
		ClusterID:        cluster,
		Facts:            factsOf(domain),
		Raw:              string(obj),
		Obj:              obj,
		ValidationErrors: []string{"rel_0_support_missing_endpoints"},
	}
}

// hopelessRecord 散文遠低於帶域下限，沒有規則能補字數
func hopelessRecord(domain, cluster string) types.Record {
	obj := mustJSON(map[string]interface{}{
		"cluster_id":  cluster,
		"pass":        "R",
		"error":       "",
		"used_fact_i": []int{0, 1, 2, 3, 4, 5},
		"relations": []interface{}{
			map[string]interface{}{"src_i": 0, "dst_i": 1, "rel_type": "entails", "support_i_list": []int{0, 1}},
		},
		"teaching_prose": "norms matter",
		"new_claims":     []interface{}{},
	})
	return types.Record{
		Domain:           domain,
		ClusterID:        cluster,
		Facts:            factsOf(domain),
		Raw:              string(obj),
		Obj:              obj,
		ValidationErrors: []string{"word_count_out_of_band:2"},
	}
}

// appendLine 逐筆追加，模擬真實產生端的串流式寫入
func appendLine(path string, rec types.Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func main() {
	var (
		out        = flag.String("out", "", "run directory for ok.jsonl / bad.jsonl (required)")
		count      = flag.Int("count", 10, "total records to emit")
		rejectRate = flag.Float64("reject-rate", 0.2, "fraction of records emitted as rejected")
		interval   = flag.Duration("interval", 50*time.Millisecond, "delay between records")
		pidfile    = flag.String("pidfile", loop.DefaultPIDFile, "pidfile name inside the run directory")
		seed       = flag.Int64("seed", 1, "deterministic random seed")
	)
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "mockproducer: --out is required")
		os.Exit(2)
	}
	if err := run(*out, *count, *rejectRate, *interval, *pidfile, *seed); err != nil {
		log.Fatalf("mockproducer: %v", err)
	}
}

func run(out string, count int, rejectRate float64, interval time.Duration, pidfile string, seed int64) error {
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	pidPath := filepath.Join(out, pidfile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	defer os.Remove(pidPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	rng := rand.New(rand.NewSource(seed))
	okPath := filepath.Join(out, loop.AcceptedStream)
	badPath := filepath.Join(out, loop.RejectedStream)

	rejected := 0
	for i := 0; i < count; i++ {
		domain := domains[i%len(domains)]
		cluster := fmt.Sprintf("%s/c%04d", domain, i)

		var rec types.Record
		path := okPath
		if rng.Float64() < rejectRate {
			if rejected%2 == 0 {
				rec = fixableRecord(domain, cluster)
			} else {
				rec = hopelessRecord(domain, cluster)
			}
			rejected++
			path = badPath
		} else {
			rec = acceptedRecord(domain, cluster)
		}

		if err := appendLine(path, rec); err != nil {
			return err
		}

		select {
		case sig := <-sigCh:
			log.Printf("interrupted by %v after %d records", sig, i+1)
			return nil
		case <-time.After(interval):
		}
	}

	log.Printf("emitted %d records (%d rejected) into %s", count, rejected, out)
	return nil
}
