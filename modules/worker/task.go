// Package worker is the background task runtime: a pool of workers
// consumes pathfinding jobs from a Redis-backed broker queue, reports
// progress, retries transient failures with backoff and persists results.
package worker

import (
	"context"
	"time"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/model"
)

const (
	taskKeyPrefix = "task:"

	// taskRecordTTL is how long task results stay readable after the
	// last update.
	taskRecordTTL = time.Hour
)

// Terminal failure codes surfaced to clients.
const (
	CodeInvalidPage        = "INVALID_PAGE"
	CodePathNotFound       = "PATH_NOT_FOUND"
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	CodeSoftTimeout        = "SOFT_TIMEOUT"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Job is one submitted search, carried through the broker queue.
type Job struct {
	TaskID    string `json:"task_id"`
	StartPage string `json:"start_page"`
	EndPage   string `json:"end_page"`
	Algorithm string `json:"algorithm"`
	MaxDepth  int    `json:"max_depth,omitempty"`
}

// ProgressMeta is the coarse progress payload attached to PROGRESS and
// RETRY records.
type ProgressMeta struct {
	Current     int                  `json:"current"`
	Total       int                  `json:"total"`
	Status      string               `json:"status"`
	StartPage   string               `json:"start_page,omitempty"`
	EndPage     string               `json:"end_page,omitempty"`
	SearchStats *pathfinder.Progress `json:"search_stats,omitempty"`
	RetryCount  int                  `json:"retry_count,omitempty"`
	MaxRetries  int                  `json:"max_retries,omitempty"`
	NextRetryIn int                  `json:"next_retry_in,omitempty"`
}

// TaskRecord is the persisted state of one task.
type TaskRecord struct {
	TaskID    string            `json:"task_id"`
	Status    model.TaskStatus  `json:"status"`
	Progress  *ProgressMeta     `json:"progress,omitempty"`
	Result    *model.PathResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      string            `json:"code,omitempty"`
	Retries   int               `json:"retries,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TaskStore persists task state in the KV store under task:{id}.
type TaskStore struct {
	store kvstore.Store
}

func NewTaskStore(store kvstore.Store) *TaskStore {
	return &TaskStore{store: store}
}

func (t *TaskStore) Get(ctx context.Context, taskID string) (*TaskRecord, bool, error) {
	var rec TaskRecord
	hit, err := kvstore.GetJSON(ctx, t.store, taskKeyPrefix+taskID, &rec)
	if err != nil || !hit {
		return nil, false, err
	}
	return &rec, true, nil
}

func (t *TaskStore) save(ctx context.Context, rec *TaskRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return kvstore.SetJSON(ctx, t.store, taskKeyPrefix+rec.TaskID, rec, taskRecordTTL)
}

func (t *TaskStore) MarkPending(ctx context.Context, taskID string) error {
	return t.save(ctx, &TaskRecord{TaskID: taskID, Status: model.TaskPending})
}

func (t *TaskStore) MarkProgress(ctx context.Context, taskID string, meta *ProgressMeta) error {
	return t.save(ctx, &TaskRecord{TaskID: taskID, Status: model.TaskProgress, Progress: meta})
}

func (t *TaskStore) MarkRetry(ctx context.Context, taskID string, retries int, meta *ProgressMeta) error {
	return t.save(ctx, &TaskRecord{TaskID: taskID, Status: model.TaskRetry, Retries: retries, Progress: meta})
}

func (t *TaskStore) MarkSuccess(ctx context.Context, taskID string, result *model.PathResult) error {
	return t.save(ctx, &TaskRecord{TaskID: taskID, Status: model.TaskSuccess, Result: result})
}

func (t *TaskStore) MarkFailure(ctx context.Context, taskID, code, errMsg string, retries int) error {
	return t.save(ctx, &TaskRecord{TaskID: taskID, Status: model.TaskFailure, Code: code, Error: errMsg, Retries: retries})
}
