package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/deploy"
	"github.com/dreamware/shardctl/internal/leader"
)

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /indices", s.handleListIndices)
	mux.HandleFunc("POST /indices", s.handleAddIndex)
	mux.HandleFunc("GET /indices/{name}", s.handleGetIndex)
	mux.HandleFunc("DELETE /indices/{name}", s.handleRemoveIndex)
	mux.HandleFunc("PUT /indices/{name}/replication", s.handleSetReplication)
	mux.HandleFunc("POST /indices/{name}/retry", s.handleRetryIndex)
	mux.HandleFunc("GET /operations", s.handleOperations)
	mux.HandleFunc("GET /operations/history", s.handleOperationHistory)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if err := s.join(req.Node); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deploy.Nodes()
	if err != nil {
		writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []cluster.Node{}
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []cluster.Node `json:"nodes"`
	}{Nodes: nodes})
}

func (s *server) handleListIndices(w http.ResponseWriter, r *http.Request) {
	indices, err := s.deploy.Indices()
	if err != nil {
		writeError(w, err)
		return
	}
	if indices == nil {
		indices = []cluster.Index{}
	}
	writeJSON(w, http.StatusOK, struct {
		Indices []cluster.Index `json:"indices"`
	}{Indices: indices})
}

func (s *server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	idx, err := s.deploy.Index(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (s *server) handleAddIndex(w http.ResponseWriter, r *http.Request) {
	var spec deploy.IndexSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	wait, ok := parseWait(w, r)
	if !ok {
		return
	}
	future, err := s.deploy.AddIndex(spec)
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondDeploy(w, r, future, wait)
}

func (s *server) handleRetryIndex(w http.ResponseWriter, r *http.Request) {
	wait, ok := parseWait(w, r)
	if !ok {
		return
	}
	future, err := s.deploy.RetryIndex(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondDeploy(w, r, future, wait)
}

// respondDeploy answers a deploy request. Without a wait it returns 202
// and the announced metadata; with one it blocks until the index is
// deployed, fails or the wait runs out.
func (s *server) respondDeploy(w http.ResponseWriter, r *http.Request, future *deploy.Future, wait time.Duration) {
	defer future.Close()
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		idx, err := future.Wait(ctx)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, idx)
			return
		case !errors.Is(err, context.DeadlineExceeded):
			writeError(w, err)
			return
		}
	}
	idx, err := s.deploy.Index(future.Index())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idx)
}

func (s *server) handleRemoveIndex(w http.ResponseWriter, r *http.Request) {
	wait, ok := parseWait(w, r)
	if !ok {
		return
	}
	future, err := s.deploy.RemoveIndex(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer future.Close()
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if _, err := future.Wait(ctx); err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		} else if !errors.Is(err, context.DeadlineExceeded) {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleSetReplication(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Replication int `json:"replication"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	idx, err := s.deploy.SetReplication(r.PathValue("name"), req.Replication)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (s *server) handleOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.operations()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Leader     string `json:"leader"`
		Operations any    `json:"operations"`
	}{Leader: s.cfg.Coordinator.Name, Operations: ops})
}

func (s *server) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.operationHistory(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Operations []leader.HistoryRecord `json:"operations"`
	}{Operations: records})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthStatus())
}

// parseWait reads the optional ?wait= duration. It writes a 400 and
// returns false when the value is malformed.
func parseWait(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return 0, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		http.Error(w, "bad wait duration", http.StatusBadRequest)
		return 0, false
	}
	return d, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var failed *deploy.DeployFailedError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, cluster.ErrInvalidName),
		errors.Is(err, deploy.ErrInvalidReplication),
		errors.Is(err, deploy.ErrMissingSource):
		status = http.StatusBadRequest
	case errors.Is(err, cluster.ErrIndexNotFound):
		status = http.StatusNotFound
	case errors.Is(err, deploy.ErrIndexExists),
		errors.Is(err, deploy.ErrWrongState):
		status = http.StatusConflict
	case errors.As(err, &failed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, coord.ErrUnavailable),
		errors.Is(err, errNotLeader):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
