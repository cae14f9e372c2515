// Package nodeapi is the HTTP surface between the main node and a
// task-running node: submit a task, poll its state, fetch its
// results, cancel it. Uses a small stdlib net/http.ServeMux, no router
// framework, the same way a narrow internal health endpoint would be
// built.
package nodeapi

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/layout"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/rs/zerolog"
)

// RunFunc detonates a reserved task on a reserved machine. The node
// API spawns it in a goroutine once a POST /tasks reservation
// succeeds, and cancels its context on DELETE /tasks/{id}.
type RunFunc func(ctx context.Context, task *types.Task, machine *types.Machine)

// TaskEnvelope is the body of POST /tasks: the full task and its
// parent analysis record, plus the submission payload inlined (base64
// via encoding/json's []byte handling) for file targets. Small enough
// payload sizes are assumed; submissions are bounded to 4 GiB,
// which a production deployment would instead fetch by reference —
// noted as a simplification in DESIGN.md.
type TaskEnvelope struct {
	Task     types.Task     `json:"task"`
	Analysis types.Analysis `json:"analysis"`
	Payload  []byte         `json:"payload,omitempty"`
}

// Server exposes one task-node's machine pool and task lifecycle over
// HTTP, guarded by a single bearer token.
type Server struct {
	st    store.Store
	bins  *binstore.Store
	pool  *pool.Pool
	cwd   *layout.CWD
	token string
	run   RunFunc

	mux        *http.ServeMux
	httpServer *http.Server

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	logger zerolog.Logger
}

// New builds a Server. token is the bearer credential this node
// expects on every request (rotated per-node).
func New(st store.Store, bins *binstore.Store, p *pool.Pool, cwd *layout.CWD, token string, run RunFunc) *Server {
	s := &Server{
		st:      st,
		bins:    bins,
		pool:    p,
		cwd:     cwd,
		token:   token,
		run:     run,
		cancels: make(map[string]context.CancelFunc),
		logger:  log.WithComponent("nodeapi"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /machines", s.auth(s.handleMachines))
	mux.HandleFunc("POST /tasks", s.auth(s.handleCreateTask))
	mux.HandleFunc("GET /tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("GET /tasks/{id}/result", s.auth(s.handleGetResult))
	mux.HandleFunc("DELETE /tasks/{id}", s.auth(s.handleDeleteTask))
	s.mux = mux

	return s
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // /tasks/{id}/result may stream a large tarball
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("node api server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := "token " + s.token
		got := r.Header.Get("Authorization")
		if s.token == "" || got != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.List())
}

// reserveResponse mirrors what scheduler.RemoteCandidates.Reserve
// needs: whether the reservation succeeded.
type reserveResponse struct {
	Reserved bool   `json:"reserved"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var env TaskEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, fmt.Sprintf("decode task envelope: %v", err), http.StatusBadRequest)
		return
	}
	task := env.Task
	if task.ID == "" || task.Machine == "" {
		http.Error(w, "task id and machine are required", http.StatusBadRequest)
		return
	}

	machine, ok, err := s.pool.Acquire(task.Machine, task.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, reserveResponse{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, reserveResponse{Reserved: false})
		return
	}

	if err := s.st.CreateAnalysis(&env.Analysis); err != nil {
		s.logger.Warn().Err(err).Str("analysis_id", env.Analysis.ID).Msg("persist fanned-out analysis record failed")
	}
	if len(env.Payload) > 0 {
		if _, err := s.bins.Put(env.Payload); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("store fanned-out payload failed")
		}
	}
	if err := s.st.CreateTask(&task); err != nil {
		_ = s.pool.Release(task.Machine, err)
		writeJSON(w, http.StatusInternalServerError, reserveResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[task.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, task.ID)
			s.mu.Unlock()
		}()
		s.run(ctx, &task, machine)
	}()

	writeJSON(w, http.StatusCreated, reserveResponse{Reserved: true})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.st.GetTask(id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.st.GetTask(id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if task.State != types.TaskReported {
		http.Error(w, fmt.Sprintf("task %s is not reported yet (state=%s)", id, task.State), http.StatusConflict)
		return
	}

	dir := s.cwd.TaskDir(task.AnalysisID, id)
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.gz"`, id))
	w.WriteHeader(http.StatusOK)

	gw := gzip.NewWriter(w)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	if err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}); err != nil {
		s.logger.Error().Err(err).Str("task_id", id).Msg("stream result tarball failed")
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "task not active on this node", http.StatusNotFound)
		return
	}
	cancel()
	w.WriteHeader(http.StatusAccepted)
}
