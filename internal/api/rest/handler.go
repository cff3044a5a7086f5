// Package rest serves read-only views of investigation runs.
//
// Runs are read straight from the workspace tree, so the API works with any
// run produced by the CLI, including runs that are still in progress. When a
// SQL mirror is configured, run listings and cost figures come from it.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-investigator/internal/db"
	"github.com/kubilitics/kubilitics-investigator/internal/findings"
	"github.com/kubilitics/kubilitics-investigator/internal/hypothesis"
	"github.com/kubilitics/kubilitics-investigator/internal/orchestrator"
	"github.com/kubilitics/kubilitics-investigator/internal/progress"
	"github.com/kubilitics/kubilitics-investigator/internal/session"
	"github.com/kubilitics/kubilitics-investigator/internal/workspace"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// RunIndex is the optional SQL mirror.
type RunIndex interface {
	ListRuns(ctx context.Context, limit, offset int) ([]db.RunRecord, error)
	RunCost(ctx context.Context, runID string) (tokens int, costUSD float64, err error)
}

// Handler serves the run endpoints.
type Handler struct {
	root   string
	index  RunIndex
	logger *zap.Logger
}

// NewHandler returns a handler over the workspace root. index may be nil.
func NewHandler(root string, index RunIndex, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{root: root, index: index, logger: logger}
}

// RunSummary is one entry of the run listing.
type RunSummary struct {
	RunID           string     `json:"run_id"`
	State           string     `json:"state"`
	TotalHypotheses int        `json:"total_hypotheses"`
	Confirmed       int        `json:"confirmed"`
	RuledOut        int        `json:"ruled_out"`
	Pending         int        `json:"pending"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
}

// RunStatus is the detailed view of one run.
type RunStatus struct {
	RunSummary
	Hypotheses   map[hypothesis.Status]int `json:"hypotheses"`
	LastProgress *progress.Entry           `json:"last_progress,omitempty"`
	TotalTokens  *int                      `json:"total_tokens,omitempty"`
	CostUSD      *float64                  `json:"cost_usd,omitempty"`
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListRuns handles GET /api/v1/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.index != nil {
		records, err := h.index.ListRuns(r.Context(), limit, offset)
		if err != nil {
			h.logger.Error("list runs from mirror", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		runs := make([]RunSummary, 0, len(records))
		for _, rec := range records {
			runs = append(runs, RunSummary{
				RunID:           rec.ID,
				State:           rec.State,
				TotalHypotheses: rec.TotalHypotheses,
				Confirmed:       rec.Confirmed,
				RuledOut:        rec.RuledOut,
				Pending:         rec.Pending,
				FinalizedAt:     rec.FinalizedAt,
			})
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "source": "db"})
		return
	}

	ids, err := h.runIDs()
	if err != nil {
		h.logger.Error("scan workspace", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	runs := []RunSummary{}
	for i, id := range ids {
		if i < offset {
			continue
		}
		if len(runs) == limit {
			break
		}
		ws, err := workspace.New(h.root, id)
		if err != nil {
			continue
		}
		st, err := h.status(r.Context(), ws)
		if err != nil {
			h.logger.Warn("skip unreadable run", zap.String("run_id", id), zap.Error(err))
			continue
		}
		runs = append(runs, st.RunSummary)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "source": "workspace"})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	st, err := h.status(r.Context(), ws)
	if err != nil {
		h.fail(w, ws.RunID, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// GetHypotheses handles GET /api/v1/runs/{id}/hypotheses.
func (h *Handler) GetHypotheses(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	hs, err := hypothesis.NewLedger(ws.HypothesesPath(), h.logger).Load()
	if err != nil {
		h.fail(w, ws.RunID, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []hypothesis.Hypothesis{}
		for _, hyp := range hs {
			if strings.EqualFold(string(hyp.Status), status) {
				filtered = append(filtered, hyp)
			}
		}
		hs = filtered
	}
	respondJSON(w, http.StatusOK, hs)
}

// GetFindings handles GET /api/v1/runs/{id}/findings.
func (h *Handler) GetFindings(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	ledger, err := findings.Read(ws.FindingsPath())
	if err != nil {
		h.fail(w, ws.RunID, err)
		return
	}
	if outcome := r.URL.Query().Get("outcome"); outcome != "" {
		filtered := []findings.Finding{}
		for _, f := range ledger.Findings {
			if strings.EqualFold(string(f.Outcome), outcome) {
				filtered = append(filtered, f)
			}
		}
		ledger.Findings = filtered
	}
	respondJSON(w, http.StatusOK, ledger)
}

// GetProgress handles GET /api/v1/runs/{id}/progress.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	entries, err := progress.Read(ws.ProgressPath())
	if err != nil {
		h.fail(w, ws.RunID, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// GetSession handles GET /api/v1/runs/{id}/sessions/{hid}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	hid := mux.Vars(r)["hid"]
	if !workspace.ValidID(hid) {
		respondError(w, http.StatusBadRequest, "invalid hypothesis id")
		return
	}
	log, found, err := session.LatestSummary(ws.LogsDir(), hid)
	if err != nil {
		h.fail(w, ws.RunID, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "no session for hypothesis "+hid)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":       log,
		"summary_path":  ws.Rel(log.SummaryPath),
		"markdown_path": ws.Rel(log.MarkdownPath),
	})
}

// GetMemory handles GET /api/v1/runs/{id}/memory.
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	data, err := os.ReadFile(ws.MemoryPath())
	if err != nil {
		h.fail(w, ws.RunID, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (h *Handler) workspace(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	ws, err := workspace.New(h.root, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return nil, false
	}
	if !ws.Exists() {
		respondError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return ws, true
}

// status assembles the run view from the ledgers and progress log.
func (h *Handler) status(ctx context.Context, ws *workspace.Workspace) (*RunStatus, error) {
	hs, err := hypothesis.NewLedger(ws.HypothesesPath(), h.logger).Load()
	if err != nil {
		return nil, err
	}
	st := &RunStatus{
		RunSummary: RunSummary{RunID: ws.RunID, TotalHypotheses: len(hs)},
		Hypotheses: map[hypothesis.Status]int{},
	}
	for _, hyp := range hs {
		st.Hypotheses[hyp.Status]++
	}
	st.Confirmed = st.Hypotheses[hypothesis.StatusConfirmed]
	st.RuledOut = st.Hypotheses[hypothesis.StatusRuledOut]
	st.Pending = st.Hypotheses[hypothesis.StatusPending]

	if ledger, err := findings.Read(ws.FindingsPath()); err == nil {
		st.FinalizedAt = ledger.FinalizedAt
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	entries, err := progress.Read(ws.ProgressPath())
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		st.LastProgress = &last
	}
	st.State = string(deriveState(st.FinalizedAt != nil, st.LastProgress))

	if h.index != nil {
		tokens, cost, err := h.index.RunCost(ctx, ws.RunID)
		if err != nil {
			h.logger.Warn("read run cost", zap.String("run_id", ws.RunID), zap.Error(err))
		} else {
			st.TotalTokens, st.CostUSD = &tokens, &cost
		}
	}
	return st, nil
}

// deriveState infers the orchestrator state from what is on disk.
func deriveState(finalized bool, last *progress.Entry) orchestrator.State {
	switch {
	case finalized:
		return orchestrator.StateDone
	case last != nil && last.IsError():
		return orchestrator.StateFailed
	case last == nil:
		return orchestrator.StateInitializing
	default:
		return orchestrator.StateLooping
	}
}

// runIDs lists run directories holding a hypothesis ledger, sorted.
func (h *Handler) runIDs() ([]string, error) {
	entries, err := os.ReadDir(h.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !workspace.ValidID(e.Name()) {
			continue
		}
		ws, err := workspace.New(h.root, e.Name())
		if err != nil {
			continue
		}
		if info, err := os.Stat(ws.HypothesesPath()); err == nil && info.Mode().IsRegular() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (h *Handler) fail(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		respondError(w, http.StatusNotFound, "not available yet")
		return
	}
	h.logger.Error("read run", zap.String("run_id", runID), zap.Error(err))
	respondError(w, http.StatusInternalServerError, "failed to read run")
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultLimit
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("invalid limit")
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
