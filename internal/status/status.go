package status

// ============================================================================
// HTTP 狀態介面
// 職責：以唯讀端點暴露迴圈快照、指標註冊表與帳本尾端
//   GET /healthz  活性探測
//   GET /status   JSON 快照（迴圈狀態、當前指標、最近迭代）
//   GET /metrics  Prometheus 指標
// 介面不做任何寫入，安全地與執行中的迴圈共存
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/field-loom/internal/ledger"
	"github.com/ChuLiYu/field-loom/internal/loop"
	"github.com/ChuLiYu/field-loom/internal/metrics"
	"github.com/ChuLiYu/field-loom/internal/publish"
)

var log = slog.Default()

// 預設帶回的帳本行數
const defaultTailN = 5

// Snapshotter 提供迴圈當下狀態；由迴圈控制器實作
type Snapshotter interface {
	Snapshot() loop.Snapshot
}

// Server 唯讀狀態介面
type Server struct {
	Addr        string
	Controller  Snapshotter // 可為 nil（單次定稿沒有迴圈）
	LedgerPath  string
	PointerRoot string
	TailN       int

	httpSrv *http.Server
}

// Report /status 的回應形狀
type Report struct {
	Loop     *loop.Snapshot    `json:"loop,omitempty"`
	Pointers map[string]string `json:"pointers,omitempty"`
	Recent   []ledger.Line     `json:"recent,omitempty"`
	Now      int64             `json:"now"` // Unix 毫秒
}

// Handler 組出完整的路由表
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 開始監聽並回傳實際綁定位址；服務在背景執行
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status listener failed", "err", err)
		}
	}()
	addr := ln.Addr().String()
	log.Info("status listener started", "addr", addr)
	return addr, nil
}

// Shutdown 優雅關閉；未啟動時為 no-op
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rep := Report{Now: time.Now().UnixMilli()}

	if s.Controller != nil {
		snap := s.Controller.Snapshot()
		rep.Loop = &snap
	}
	if s.PointerRoot != "" {
		cur, err := publish.NewRegistry(s.PointerRoot).Current()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rep.Pointers = cur
	}
	if s.LedgerPath != "" {
		n := s.TailN
		if n <= 0 {
			n = defaultTailN
		}
		lines, err := ledger.Tail(s.LedgerPath, n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rep.Recent = lines
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		log.Error("encode status report", "err", err)
	}
}
