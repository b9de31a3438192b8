package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/modules/search"
	"github.com/wikipath/wikipath/modules/worker"
	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/model"
	"github.com/wikipath/wikipath/pkg/wikipedia"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes caps request bodies; search and explore payloads are tiny.
const maxBodyBytes = 1 << 16

// request-level error codes; task-level codes live in modules/worker.
const (
	codeValidationError    = "VALIDATION_ERROR"
	codeInvalidContentType = "INVALID_CONTENT_TYPE"
)

// Handler serves the public HTTP API.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/getPath", a.handleGetPath).Methods(http.MethodPost)
	r.HandleFunc("/tasks/status/{id}", a.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/explore", a.handleExplore).Methods(http.MethodPost)
	r.HandleFunc("/cache/clear", a.handleCacheClear).Methods(http.MethodPost)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api", a.handleAPIIndex).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return a.withMiddleware(r)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type submitResponse struct {
	Status    string `json:"status"`
	TaskID    string `json:"task_id"`
	PollURL   string `json:"poll_url"`
	StartPage string `json:"start_page"`
	EndPage   string `json:"end_page"`
}

// handleGetPath accepts a search and hands it to the task runtime. The
// response is immediate; clients poll the task endpoint for the result.
func (a *App) handleGetPath(w http.ResponseWriter, r *http.Request) {
	var req model.SearchRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error(), codeValidationError)
		return
	}

	taskID := uuid.NewString()
	job := &worker.Job{
		TaskID:    taskID,
		StartPage: req.StartPage,
		EndPage:   req.EndPage,
		Algorithm: req.Algorithm,
		MaxDepth:  req.MaxDepth,
	}

	if err := a.tasks.MarkPending(r.Context(), taskID); err != nil {
		a.writeStoreError(w, err)
		return
	}
	if err := a.broker.Enqueue(r.Context(), job); err != nil {
		a.writeStoreError(w, err)
		return
	}

	level.Info(a.logger).Log("msg", "search task submitted", "task_id", taskID,
		"start", req.StartPage, "end", req.EndPage, "algorithm", req.Algorithm)

	a.writeJSON(w, http.StatusAccepted, submitResponse{
		Status:    "IN_PROGRESS",
		TaskID:    taskID,
		PollURL:   "/tasks/status/" + taskID,
		StartPage: req.StartPage,
		EndPage:   req.EndPage,
	})
}

type taskStatusResponse struct {
	TaskID   string               `json:"task_id"`
	State    model.TaskStatus     `json:"state"`
	Status   string               `json:"status,omitempty"`
	Progress *worker.ProgressMeta `json:"progress,omitempty"`
	Result   *model.PathResult    `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
	Code     string               `json:"code,omitempty"`
	Retries  int                  `json:"retries,omitempty"`
}

// handleTaskStatus reports task state. An unknown id reads as PENDING:
// the record may not have been written yet, and expired records are
// indistinguishable from never-submitted ones.
func (a *App) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	rec, found, err := a.tasks.Get(r.Context(), taskID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if !found {
		a.writeJSON(w, http.StatusOK, taskStatusResponse{
			TaskID: taskID,
			State:  model.TaskPending,
			Status: "Task is waiting to be processed",
		})
		return
	}

	a.writeJSON(w, http.StatusOK, taskStatusResponse{
		TaskID:   rec.TaskID,
		State:    rec.Status,
		Progress: rec.Progress,
		Result:   rec.Result,
		Error:    rec.Error,
		Code:     rec.Code,
		Retries:  rec.Retries,
	})
}

func (a *App) handleExplore(w http.ResponseWriter, r *http.Request) {
	var req model.ExploreRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	result, err := a.explorer.Explore(r.Context(), req)
	if err != nil {
		var invalid *pathfinder.InvalidPageError
		switch {
		case errors.As(err, &invalid):
			a.writeError(w, http.StatusBadRequest, invalid.Reason, worker.CodeInvalidPage)
		case wikipedia.IsAPIError(err):
			a.writeError(w, http.StatusBadGateway, "upstream API unavailable", "")
		default:
			a.writeStoreError(w, err)
		}
		return
	}

	a.writeJSON(w, http.StatusOK, result)
}

type cacheClearRequest struct {
	Pattern string `json:"pattern,omitempty"`
}

type cacheClearResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Pattern string `json:"pattern"`
}

// handleCacheClear drops cached upstream data, defaulting to the link
// cache. Task records and live search sessions are never swept.
func (a *App) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	var req cacheClearRequest
	if r.ContentLength != 0 && !a.decodeBody(w, r, &req) {
		return
	}

	pattern := req.Pattern
	if pattern == "" {
		pattern = search.DefaultClearPattern
	}

	deleted, err := a.caches.Clear(r.Context(), pattern)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, cacheClearResponse{
		Success: true,
		Message: fmt.Sprintf("cleared %d keys", deleted),
		Pattern: pattern,
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"redis":  "down",
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"redis":  "up",
	})
}

func (a *App) handleAPIIndex(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name": "wikipath",
		"endpoints": []string{
			"POST /getPath",
			"GET /tasks/status/{id}",
			"POST /explore",
			"POST /cache/clear",
			"GET /health",
			"GET /metrics",
		},
	})
}

func (a *App) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		a.writeError(w, http.StatusBadRequest, "expected application/json", codeInvalidContentType)
		return false
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), codeValidationError)
		return false
	}
	return true
}

func (a *App) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, kvstore.ErrStoreUnavailable) {
		a.writeError(w, http.StatusServiceUnavailable, "storage unavailable", "")
		return
	}
	level.Error(a.logger).Log("msg", "request failed", "err", err)
	a.writeError(w, http.StatusInternalServerError, "internal error", worker.CodeInternalError)
}

func (a *App) writeError(w http.ResponseWriter, status int, msg, code string) {
	a.writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(a.logger).Log("msg", "failed to encode response", "err", err)
	}
}
