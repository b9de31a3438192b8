package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/model"
	"github.com/wikipath/wikipath/pkg/wikipedia"
)

var (
	metricTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "worker_tasks_total",
		Help:      "Total number of finished tasks by terminal status code.",
	}, []string{"status"})
	metricTaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "worker_task_retries_total",
		Help:      "Total number of task retry attempts.",
	})
	metricTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wikipath",
		Name:      "worker_task_duration_seconds",
		Help:      "Wall-clock duration of finished tasks.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	})
)

// errHardTimeout marks an attempt that blew the hard time limit. The
// attempt is abandoned and the failure counts as retryable.
var errHardTimeout = errors.New("task hard time limit exceeded")

type Config struct {
	Concurrency   int
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	PollTimeout   time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.SoftTimeLimit == 0 {
		cfg.SoftTimeLimit = 5 * time.Minute
	}
	if cfg.HardTimeLimit == 0 {
		cfg.HardTimeLimit = 10 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Minute
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}
}

// Handler executes the actual search for a job. The production handler
// is assembled by the service factory; tests substitute their own.
type Handler interface {
	ValidatePages(ctx context.Context, startPage, endPage string) (startExists, endExists bool)
	FindPath(ctx context.Context, job *Job, progress pathfinder.ProgressFunc) (*model.PathResult, error)
}

// Runner is the worker pool. Each worker is one goroutine running one
// task at a time; there is no cross-task shared mutable state inside a
// worker.
type Runner struct {
	services.Service

	cfg     Config
	broker  *Broker
	tasks   *TaskStore
	handler Handler
	logger  log.Logger
}

func NewRunner(cfg Config, broker *Broker, tasks *TaskStore, handler Handler, logger log.Logger) *Runner {
	cfg.applyDefaults()

	r := &Runner{
		cfg:     cfg,
		broker:  broker,
		tasks:   tasks,
		handler: handler,
		logger:  logger,
	}
	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)
	return r
}

func (r *Runner) starting(ctx context.Context) error {
	requeued, err := r.broker.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering unacknowledged jobs: %w", err)
	}
	if requeued > 0 {
		level.Info(r.logger).Log("msg", "requeued unacknowledged jobs", "count", requeued)
	}
	return nil
}

func (r *Runner) running(ctx context.Context) error {
	level.Info(r.logger).Log("msg", "worker pool running", "concurrency", r.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

func (r *Runner) stopping(_ error) error {
	level.Info(r.logger).Log("msg", "worker pool stopped")
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		job, payload, err := r.broker.Dequeue(ctx, r.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			level.Error(r.logger).Log("msg", "dequeue failed", "worker", worker, "err", err)
			time.Sleep(r.cfg.PollTimeout)
			continue
		}
		if job == nil {
			continue
		}

		acked := r.runJob(ctx, job)

		// acks-late: only after the handler has returned. On shutdown
		// mid-task the job stays in the processing list and is
		// redelivered by Recover.
		if acked {
			if err := r.broker.Ack(ctx, payload); err != nil {
				level.Error(r.logger).Log("msg", "ack failed", "worker", worker, "task_id", job.TaskID, "err", err)
			}
		}
	}
}

// RunJob executes one job to a terminal state, including retries.
// Exposed for tests; workers call it via the pool loop.
func (r *Runner) RunJob(ctx context.Context, job *Job) {
	r.runJob(ctx, job)
}

func (r *Runner) runJob(ctx context.Context, job *Job) (acked bool) {
	level.Info(r.logger).Log("msg", "task started", "task_id", job.TaskID, "start", job.StartPage, "end", job.EndPage, "algorithm", job.Algorithm)
	taskStart := time.Now()
	defer func() {
		metricTaskDuration.Observe(time.Since(taskStart).Seconds())
	}()

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: r.cfg.RetryBackoff,
		MaxBackoff: r.cfg.RetryBackoff,
		MaxRetries: 0,
	})

	for attempt := 0; ; attempt++ {
		result, err := r.attempt(ctx, job)
		if err == nil {
			r.finish(job.TaskID, model.TaskSuccess, "", func(c context.Context) error {
				return r.tasks.MarkSuccess(c, job.TaskID, result)
			})
			level.Info(r.logger).Log("msg", "task succeeded", "task_id", job.TaskID, "length", result.Length, "attempts", attempt+1)
			return true
		}

		if ctx.Err() != nil {
			// shutting down: leave the job unacknowledged for redelivery.
			level.Warn(r.logger).Log("msg", "task interrupted by shutdown", "task_id", job.TaskID)
			return false
		}

		switch classify(err) {
		case outcomeInvalidPage:
			r.fail(job.TaskID, CodeInvalidPage, err, attempt)
			return true
		case outcomePathNotFound:
			r.fail(job.TaskID, CodePathNotFound, err, attempt)
			return true
		case outcomeSoftTimeout:
			r.fail(job.TaskID, CodeSoftTimeout, err, attempt)
			return true
		case outcomeRetryable:
			if attempt < r.cfg.MaxRetries {
				metricTaskRetries.Inc()
				level.Warn(r.logger).Log("msg", "task attempt failed, retrying", "task_id", job.TaskID,
					"attempt", attempt+1, "backoff", r.cfg.RetryBackoff, "err", err)
				r.finish(job.TaskID, model.TaskRetry, "", func(c context.Context) error {
					return r.tasks.MarkRetry(c, job.TaskID, attempt+1, &ProgressMeta{
						Status:      "Retrying due to: " + err.Error(),
						RetryCount:  attempt + 1,
						MaxRetries:  r.cfg.MaxRetries,
						NextRetryIn: int(r.cfg.RetryBackoff.Seconds()),
					})
				})
				boff.Wait()
				continue
			}
			r.fail(job.TaskID, CodeMaxRetriesExceeded,
				fmt.Errorf("max retries exceeded, last error: %w", err), attempt)
			return true
		default:
			r.fail(job.TaskID, CodeInternalError, err, attempt)
			return true
		}
	}
}

// attempt runs a single task attempt under the soft and hard time
// limits. The soft limit cancels the search context so the engine exits
// at its next safe point; the hard limit abandons the attempt outright.
func (r *Runner) attempt(ctx context.Context, job *Job) (*model.PathResult, error) {
	hardCtx, hardCancel := context.WithTimeout(ctx, r.cfg.HardTimeLimit)
	defer hardCancel()
	softCtx, softCancel := context.WithTimeout(hardCtx, r.cfg.SoftTimeLimit)
	defer softCancel()

	r.updateProgress(job, 0, "Initializing pathfinding...")
	r.updateProgress(job, 10, "Validating pages...")

	startExists, endExists := r.handler.ValidatePages(softCtx, job.StartPage, job.EndPage)
	if !startExists {
		return nil, &pathfinder.InvalidPageError{Reason: fmt.Sprintf("start page %q does not exist", job.StartPage)}
	}
	if !endExists {
		return nil, &pathfinder.InvalidPageError{Reason: fmt.Sprintf("end page %q does not exist", job.EndPage)}
	}

	r.updateProgress(job, 25, "Starting pathfinding search...")

	type outcome struct {
		result *model.PathResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := r.handler.FindPath(softCtx, job, func(p pathfinder.Progress) {
			meta := &ProgressMeta{
				Current:     50,
				Total:       100,
				Status:      p.Status,
				StartPage:   job.StartPage,
				EndPage:     job.EndPage,
				SearchStats: &p,
			}
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.tasks.MarkProgress(c, job.TaskID, meta); err != nil {
				level.Warn(r.logger).Log("msg", "progress update failed", "task_id", job.TaskID, "err", err)
			}
		})
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// Upstream timeouts ride inside *APIError and stay retryable;
			// only deadlines from the task's own limits are rewritten.
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil && !wikipedia.IsAPIError(out.err) {
				if hardCtx.Err() != nil {
					return nil, fmt.Errorf("%w: %s", errHardTimeout, out.err)
				}
				if softCtx.Err() != nil {
					return nil, fmt.Errorf("%w after %s: %s", errSoftTimeout, r.cfg.SoftTimeLimit, out.err)
				}
			}
			return nil, out.err
		}
		r.updateProgress(job, 90, "Finalizing results...")
		return out.result, nil
	case <-hardCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errHardTimeout
	}
}

func (r *Runner) updateProgress(job *Job, current int, status string) {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	meta := &ProgressMeta{
		Current:   current,
		Total:     100,
		Status:    status,
		StartPage: job.StartPage,
		EndPage:   job.EndPage,
	}
	if err := r.tasks.MarkProgress(c, job.TaskID, meta); err != nil {
		level.Warn(r.logger).Log("msg", "progress update failed", "task_id", job.TaskID, "err", err)
	}
}

func (r *Runner) fail(taskID, code string, err error, attempt int) {
	level.Error(r.logger).Log("msg", "task failed", "task_id", taskID, "code", code, "attempts", attempt+1, "err", err)
	r.finish(taskID, model.TaskFailure, code, func(c context.Context) error {
		return r.tasks.MarkFailure(c, taskID, code, err.Error(), attempt)
	})
}

// finish persists a terminal (or retry) record with a fresh context so
// state survives cancellation of the task context.
func (r *Runner) finish(taskID string, status model.TaskStatus, code string, save func(context.Context) error) {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := save(c); err != nil {
		level.Error(r.logger).Log("msg", "failed to persist task state", "task_id", taskID, "status", status, "err", err)
	}
	if status == model.TaskSuccess || status == model.TaskFailure {
		label := string(status)
		if code != "" {
			label = code
		}
		metricTasksTotal.WithLabelValues(label).Inc()
	}
}

// errSoftTimeout marks a search that observed the soft limit and exited
// at a safe point. Terminal: the partial state is discarded.
var errSoftTimeout = errors.New("task soft time limit exceeded")

type taskOutcome int

const (
	outcomeRetryable taskOutcome = iota
	outcomeInvalidPage
	outcomePathNotFound
	outcomeSoftTimeout
	outcomeInternal
)

// classify maps an attempt error onto the retry policy: upstream API and
// store failures (and hard timeouts) retry, InvalidPage / PathNotFound /
// soft timeouts are terminal, anything unknown is an internal error.
func classify(err error) taskOutcome {
	switch {
	case pathfinder.IsInvalidPage(err):
		return outcomeInvalidPage
	case pathfinder.IsPathNotFound(err):
		return outcomePathNotFound
	case errors.Is(err, errSoftTimeout):
		return outcomeSoftTimeout
	case errors.Is(err, errHardTimeout),
		errors.Is(err, kvstore.ErrStoreUnavailable),
		wikipedia.IsAPIError(err):
		return outcomeRetryable
	default:
		return outcomeInternal
	}
}
