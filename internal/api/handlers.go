// Package api exposes runs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/roach88/recsync/internal/engine"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/store"
)

// Runner starts runs. Implemented by *engine.Engine.
type Runner interface {
	Run(ctx context.Context, plan, connector string) (*ir.Run, error)
}

// RunStore reads persisted runs. Implemented by *store.Store.
type RunStore interface {
	GetRun(ctx context.Context, id string) (ir.Run, error)
	ListRuns(ctx context.Context, plan string, limit int) ([]ir.Run, error)
}

var (
	_ Runner   = (*engine.Engine)(nil)
	_ RunStore = (*store.Store)(nil)
)

// DefaultListLimit caps GET /runs when no limit is given.
const DefaultListLimit = 50

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	Plan      string `json:"plan"`
	Connector string `json:"connector"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string  `json:"error"`
	Status    int     `json:"status"`
	Details   string  `json:"details,omitempty"`
	Code      string  `json:"code,omitempty"`
	Run       *ir.Run `json:"run,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// RunHandler serves the /runs endpoints.
type RunHandler struct {
	runner Runner
	runs   RunStore
	log    *zap.SugaredLogger
}

// NewRunHandler creates a run handler. A nil logger discards output.
func NewRunHandler(runner Runner, runs RunStore, log *zap.SugaredLogger) *RunHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RunHandler{runner: runner, runs: runs, log: log}
}

// RegisterRoutes registers the run routes on router.
func (h *RunHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/runs", h.ListRuns).Methods(http.MethodGet)
	router.HandleFunc("/runs", h.StartRun).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id}", h.GetRun).Methods(http.MethodGet)
}

func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeErrorResponse(w, http.StatusBadRequest, "Invalid limit", errors.Newf("limit %q", v))
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRuns(r.Context(), r.URL.Query().Get("plan"), limit)
	if err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, runs)
}

func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeErrorResponse(w, http.StatusNotFound, "Run not found", err)
		return
	}
	if err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get run", err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, run)
}

// StartRun executes a run synchronously and returns its report. The run
// outlives a disconnecting client.
func (h *RunHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Plan == "" || req.Connector == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "plan and connector are required", nil)
		return
	}

	run, err := h.runner.Run(context.WithoutCancel(r.Context()), req.Plan, req.Connector)
	if err != nil {
		var cfgErr *engine.ConfigurationError
		switch {
		case errors.Is(err, engine.ErrRunInProgress):
			h.writeErrorResponse(w, http.StatusConflict, "Run in progress", err)
		case errors.As(err, &cfgErr):
			h.writeError(w, ErrorResponse{
				Error:   "Configuration error",
				Status:  http.StatusUnprocessableEntity,
				Details: err.Error(),
				Code:    string(cfgErr.Code),
				Run:     run,
			})
		default:
			h.writeErrorResponse(w, http.StatusInternalServerError, "Failed to start run", err)
		}
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, run)
}

func (h *RunHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warnw("write response failed", "error", err)
	}
}

func (h *RunHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := ErrorResponse{Error: message, Status: statusCode}
	if err != nil {
		resp.Details = err.Error()
	}
	h.writeError(w, resp)
}

func (h *RunHandler) writeError(w http.ResponseWriter, resp ErrorResponse) {
	if resp.Status >= http.StatusInternalServerError {
		h.log.Errorw(resp.Error, "status", resp.Status, "error", resp.Details)
	} else {
		h.log.Debugw(resp.Error, "status", resp.Status, "error", resp.Details)
	}
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	h.writeJSONResponse(w, resp.Status, resp)
}
