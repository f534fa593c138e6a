// Package server owns run lifecycle for the quarryd service: it accepts
// research questions over HTTP, executes the pipeline in the background,
// and exposes run state and ledger retrieval.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/models"
)

// RunStarter is the pipeline surface the service drives. Implemented by
// pipeline.Runner; stubbed in tests.
type RunStarter interface {
	RunWithID(ctx context.Context, runID, question string) (*models.PipelineState, error)
}

// runStatus tags in-flight runs in the live registry.
const (
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// runEntry tracks one run owned by this process.
type runEntry struct {
	question  string
	status    string
	startedAt time.Time
	cancel    context.CancelFunc
	state     *models.PipelineState // set once the run finishes
}

// Service executes research runs and serves their state.
type Service struct {
	runner RunStarter
	store  *ledger.Store // optional; read path for finished/archived runs
	logger *zap.Logger

	mu   sync.RWMutex
	runs map[string]*runEntry

	wg sync.WaitGroup
}

// New creates the run service. store may be nil in store-less setups;
// state for in-flight and finished runs is then served from memory only.
func New(runner RunStarter, store *ledger.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runner: runner,
		store:  store,
		logger: logger,
		runs:   make(map[string]*runEntry),
	}
}

// RegisterRoutes registers the run API on the provided mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunByID)
}

// Shutdown waits for in-flight runs to finish, bounded by ctx. Runs that
// outlive ctx are cancelled.
func (s *Service) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.RLock()
		for id, entry := range s.runs {
			if entry.status == statusRunning && entry.cancel != nil {
				s.logger.Warn("Cancelling run during shutdown", zap.String("run_id", id))
				entry.cancel()
			}
		}
		s.mu.RUnlock()
		s.wg.Wait()
	}
}

type startRunRequest struct {
	Question string `json:"question"`
}

type startRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// handleRuns starts a run.
// POST /api/v1/runs {"question": "..."}
func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req startRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	runID := uuid.New().String()
	s.startRun(runID, req.Question)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(startRunResponse{RunID: runID, Status: statusRunning})
}

// startRun launches the pipeline in the background. The run context is
// detached from the HTTP request so the run survives the response.
func (s *Service) startRun(runID, question string) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.runs[runID] = &runEntry{
		question:  question,
		status:    statusRunning,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		state, err := s.runner.RunWithID(ctx, runID, question)

		s.mu.Lock()
		entry := s.runs[runID]
		if entry != nil {
			entry.state = state
			entry.status = statusCompleted
			if err != nil {
				entry.status = statusFailed
			}
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("Run finished with failure",
				zap.String("run_id", runID), zap.Error(err))
			return
		}
		s.logger.Info("Run finished", zap.String("run_id", runID))
	}()
}

// handleRunByID dispatches /api/v1/runs/{id}[/ledger|/cancel].
func (s *Service) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.SplitN(rest, "/", 2)
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.handleGetRun(w, r, runID)
	case sub == "ledger" && r.Method == http.MethodGet:
		s.handleGetLedger(w, r, runID)
	case sub == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleGetRun serves the run's PipelineState. In-flight runs come from
// the store's phase snapshots when one is wired; finished runs from the
// in-memory entry, falling back to the store for archived runs.
func (s *Service) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	s.mu.RLock()
	entry := s.runs[runID]
	s.mu.RUnlock()

	if entry != nil && entry.state != nil {
		writeJSON(w, map[string]interface{}{"status": entry.status, "state": entry.state})
		return
	}

	if s.store != nil {
		state, err := s.store.GetRun(r.Context(), runID)
		if err == nil {
			rows, rowsErr := s.store.ListRows(r.Context(), runID)
			if rowsErr == nil {
				state.Ledger = rows
			}
			status := statusCompleted
			if entry != nil {
				status = entry.status
			} else if state.Phase == models.PhaseFailed {
				status = statusFailed
			}
			writeJSON(w, map[string]interface{}{"status": status, "state": state})
			return
		}
		if !errors.Is(err, ledger.ErrRunNotFound) {
			s.logger.Error("Failed to load run", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
	}

	if entry != nil {
		// Running with no store: phase snapshots are not readable until
		// the run finishes, so report progress-free status.
		writeJSON(w, map[string]interface{}{
			"status":     entry.status,
			"run_id":     runID,
			"question":   entry.question,
			"started_at": entry.startedAt,
		})
		return
	}
	writeError(w, http.StatusNotFound, "run not found")
}

// handleGetLedger serves the run's ledger rows as JSON, or as CSV with
// ?format=csv. The export is a read-only view; reporting collaborators
// must never mutate rows.
func (s *Service) handleGetLedger(w http.ResponseWriter, r *http.Request, runID string) {
	var rows []models.EvidenceRow
	var schema *models.LedgerSchema

	s.mu.RLock()
	entry := s.runs[runID]
	s.mu.RUnlock()

	switch {
	case entry != nil && entry.state != nil:
		rows = entry.state.Ledger
		schema = entry.state.Schema
	case s.store != nil:
		state, err := s.store.GetRun(r.Context(), runID)
		if errors.Is(err, ledger.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		} else if err != nil {
			s.logger.Error("Failed to load run", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
		schema = state.Schema
		rows, err = s.store.ListRows(r.Context(), runID)
		if err != nil {
			s.logger.Error("Failed to load ledger", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load ledger")
			return
		}
	case entry != nil:
		writeError(w, http.StatusConflict, "run still in progress")
		return
	default:
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+"-ledger.csv"))
		if err := ledger.WriteCSV(w, schema, rows); err != nil {
			s.logger.Error("CSV export failed", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	writeJSON(w, map[string]interface{}{"run_id": runID, "rows": rows, "count": len(rows)})
}

// handleCancel cancels an in-flight run. The pipeline surfaces the
// cancellation as a failed phase with the partial ledger preserved.
func (s *Service) handleCancel(w http.ResponseWriter, runID string) {
	s.mu.RLock()
	entry := s.runs[runID]
	s.mu.RUnlock()

	if entry == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if entry.status != statusRunning || entry.cancel == nil {
		writeError(w, http.StatusConflict, "run is not in progress")
		return
	}
	entry.cancel()
	s.logger.Info("Run cancelled by request", zap.String("run_id", runID))
	writeJSON(w, map[string]string{"run_id": runID, "status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
