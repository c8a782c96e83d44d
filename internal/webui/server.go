// Package webui serves the upload/run browser frontend: workflow sources are
// uploaded or edited in place, compiled to bytecode plus a DOT graph, and
// executed with live status and log streaming over SSE. Runs live in memory
// only; nothing outlasts the process but the files on disk.
package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	conduct "github.com/armadha/conduct"
	"github.com/armadha/conduct/bytecode"
	"github.com/armadha/conduct/internal/config"
	"github.com/armadha/conduct/parser"
	"github.com/armadha/conduct/visualize"
)

var allowedExt = map[string]bool{".flow": true, ".txt": true}

// Server is the web UI HTTP server. Construct with New, then ListenAndServe.
type Server struct {
	cfg    config.WebConfig
	runCfg config.RunConfig
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type statusEvent struct {
	Type   string `json:"type"`
	Step   string `json:"step"`
	Status string `json:"status"`
}

type run struct {
	id      string
	cancel  context.CancelFunc
	logPath string
	events  chan statusEvent

	mu        sync.Mutex
	status    string
	done      bool
	statusMap map[string]string
}

func (r *run) setStatus(s string) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *run) finish(s string) {
	r.mu.Lock()
	r.status = s
	r.done = true
	r.mu.Unlock()
	close(r.events)
}

func (r *run) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// New creates the server and its upload/output directories.
func New(cfg config.WebConfig, runCfg config.RunConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{cfg.UploadDir, cfg.OutDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Server{
		cfg:    cfg,
		runCfg: runCfg,
		logger: logger,
		runs:   make(map[string]*run),
	}, nil
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleIndex)
	r.Get("/files", s.handleFiles)
	r.Post("/upload", s.handleUpload)
	r.Get("/raw/{filename}", s.handleRaw)
	r.Post("/save/{filename}", s.handleSave)
	r.Post("/emit/{filename}", s.handleEmit)
	r.Get("/dag/{filename}", s.handleDAG)
	r.Post("/start", s.handleStart)
	r.Post("/stop/{runID}", s.handleStop)
	r.Get("/logs/{runID}", s.handleLogs)
	r.Get("/stream/{runID}", s.handleStreamLogs)
	r.Get("/stream-status/{runID}", s.handleStreamStatus)
	r.Get("/runs", s.handleRuns)
	return r
}

// ListenAndServe blocks serving the UI until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	s.logger.Info("web ui listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func cleanName(name string) (string, bool) {
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "" {
		return "", false
	}
	return name, allowedExt[strings.ToLower(filepath.Ext(name))]
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleFiles(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := []string{}
	for _, ent := range entries {
		if _, ok := cleanName(ent.Name()); ok && !ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	writeJSON(w, names)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "no file", http.StatusBadRequest)
		return
	}
	defer f.Close()
	name, ok := cleanName(hdr.Filename)
	if !ok {
		http.Error(w, "invalid file type", http.StatusBadRequest)
		return
	}
	dst, err := os.Create(filepath.Join(s.cfg.UploadDir, name))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer dst.Close()
	if _, err := dst.ReadFrom(f); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	name, ok := cleanName(chi.URLParam(r, "filename"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.UploadDir, name))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	name, ok := cleanName(chi.URLParam(r, "filename"))
	if !ok {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := os.WriteFile(filepath.Join(s.cfg.UploadDir, name), []byte(body.Content), 0o644); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// handleEmit compiles an uploaded source to bytecode and a DOT graph.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	name, ok := cleanName(chi.URLParam(r, "filename"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	wf, err := parser.ParseFile(filepath.Join(s.cfg.UploadDir, name))
	if err != nil {
		http.Error(w, "parse error: "+err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := conduct.Analyze(wf); err != nil {
		http.Error(w, "semantic error: "+err.Error(), http.StatusBadRequest)
		return
	}

	bcName := name + ".bc.json"
	if err := bytecode.Emit(bytecode.FromWorkflow(wf), filepath.Join(s.cfg.OutDir, bcName)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dotName := name + ".dot"
	if err := visualize.WriteFile(wf, filepath.Join(s.cfg.OutDir, dotName), visualize.Options{ShowDetails: true}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"bytecode": bcName, "dag": dotName})
}

func (s *Server) handleDAG(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "filename"))
	data, err := os.ReadFile(filepath.Join(s.cfg.OutDir, name))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	_, _ = w.Write(data)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bytecode   string `json:"bytecode"`
		MemLimitMB int    `json:"mem_limit_mb"`
		MaxWorkers int    `json:"max_workers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Bytecode == "" {
		http.Error(w, "bytecode param required", http.StatusBadRequest)
		return
	}
	bcPath := filepath.Join(s.cfg.OutDir, filepath.Base(body.Bytecode))
	prog, err := bytecode.Load(bcPath)
	if err != nil {
		http.Error(w, "bytecode not found", http.StatusNotFound)
		return
	}

	runID := uuid.NewString()[:8]
	runDir := filepath.Join(s.cfg.OutDir, "run_"+runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Request parameters win; the config file supplies defaults.
	if body.MemLimitMB == 0 {
		body.MemLimitMB = s.runCfg.MemLimitMB
	}
	if body.MaxWorkers == 0 {
		body.MaxWorkers = s.runCfg.MaxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{
		id:        runID,
		cancel:    cancel,
		logPath:   filepath.Join(runDir, "run.log"),
		events:    make(chan statusEvent, 256),
		status:    "queued",
		statusMap: make(map[string]string),
	}
	s.mu.Lock()
	s.runs[runID] = rn
	s.mu.Unlock()

	go s.executeRun(ctx, rn, prog, runDir, body.MemLimitMB, body.MaxWorkers)
	writeJSON(w, map[string]string{"run_id": runID})
}

// executeRun drives one background workflow run, feeding the run's log file
// and status stream.
func (s *Server) executeRun(ctx context.Context, rn *run, prog *bytecode.Program, runDir string, memLimitMB, maxWorkers int) {
	rn.setStatus("running")

	onStatus := func(step string, status conduct.StepStatus) {
		rn.mu.Lock()
		rn.statusMap[step] = string(status)
		rn.mu.Unlock()
		select {
		case rn.events <- statusEvent{Type: "status", Step: step, Status: string(status)}:
		default:
		}
		line := fmt.Sprintf("[%s] STATUS %s -> %s\n",
			time.Now().Format("2006-01-02 15:04:05"), step, status)
		f, err := os.OpenFile(rn.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString(line)
	}

	engine := conduct.NewEngine(prog.ToWorkflow(),
		conduct.WithWorkdir(runDir),
		conduct.WithMemLimit(memLimitMB),
		conduct.WithMaxWorkers(maxWorkers),
		conduct.WithStatusFunc(onStatus),
		conduct.WithLogger(s.logger),
	)

	result, err := engine.Execute(ctx)
	switch {
	case err != nil:
		s.logger.Error("web run failed", "run_id", rn.id, "error", err)
		rn.finish("error")
	case result == conduct.ResultSucceeded:
		rn.finish("finished")
	default:
		rn.finish(result.String())
	}
}

func (s *Server) getRun(r *http.Request) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[chi.URLParam(r, "runID")]
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	rn := s.getRun(r)
	if rn == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	rn.setStatus("stopping")
	rn.cancel()
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	rn := s.getRun(r)
	if rn == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	data, err := os.ReadFile(rn.logPath)
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// handleStreamLogs tails the run's log file over SSE until the run finishes.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	rn := s.getRun(r)
	if rn == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	var offset int64
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		offset = s.flushLogTail(w, flusher, rn.logPath, offset)
		if rn.isDone() {
			offset = s.flushLogTail(w, flusher, rn.logPath, offset)
			fmt.Fprint(w, "data: [STREAM-CLOSED]\n\n")
			flusher.Flush()
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) flushLogTail(w http.ResponseWriter, flusher http.Flusher, path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return offset
	}
	buf := make([]byte, 64*1024)
	n, _ := f.Read(buf)
	if n == 0 {
		return offset
	}
	for _, line := range strings.Split(strings.TrimRight(string(buf[:n]), "\n"), "\n") {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	flusher.Flush()
	return offset + int64(n)
}

// handleStreamStatus streams step status events over SSE: first a dump of
// the current map, then live events until the run finishes.
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	rn := s.getRun(r)
	if rn == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	rn.mu.Lock()
	snapshot := make(map[string]string, len(rn.statusMap))
	for k, v := range rn.statusMap {
		snapshot[k] = v
	}
	rn.mu.Unlock()
	for step, st := range snapshot {
		writeSSEEvent(w, statusEvent{Type: "status", Step: step, Status: st})
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-rn.events:
			if !open {
				fmt.Fprint(w, "data: [STATUS-STREAM-CLOSED]\n\n")
				flusher.Flush()
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.runs))
	for id, rn := range s.runs {
		rn.mu.Lock()
		out[id] = map[string]any{
			"status": rn.status,
			"log":    filepath.Base(rn.logPath),
			"done":   rn.done,
		}
		rn.mu.Unlock()
	}
	writeJSON(w, out)
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func writeSSEEvent(w http.ResponseWriter, ev statusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
