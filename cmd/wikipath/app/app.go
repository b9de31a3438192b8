// Package app assembles the process: one Redis connection shared by the
// caches, the session state, the broker and the task records, plus the
// HTTP adapter and the background services.
package app

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/modules/search"
	"github.com/wikipath/wikipath/modules/worker"
	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/model"
	"github.com/wikipath/wikipath/pkg/queue"
	"github.com/wikipath/wikipath/pkg/wikipedia"
)

type Config struct {
	RedisURL          string
	HTTPListenAddress string
	MaxSearchDepth    int
	BFSBatchSize      int

	Wikipedia wikipedia.Config
	Worker    worker.Config
}

// App owns every long-lived component. Everything hangs off one Redis
// client; Shutdown stops the background services and closes it.
type App struct {
	cfg    Config
	logger log.Logger

	redis    *redis.Client
	store    kvstore.Store
	sessions *queue.Queue

	wiki     *wikipedia.Client
	searcher *search.Service
	explorer *search.ExploreService
	caches   *search.CacheService

	tasks       *worker.TaskStore
	broker      *worker.Broker
	runner      *worker.Runner
	housekeeper *worker.Housekeeper

	svcManager *services.Manager
}

func New(cfg Config, logger log.Logger) (*App, error) {
	client, err := kvstore.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "creating redis client")
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		redis:  client,
	}

	a.store = kvstore.NewRedisStore(client, log.With(logger, "component", "kvstore"))
	a.sessions = queue.New(client)

	a.wiki = wikipedia.NewClient(cfg.Wikipedia, a.store, log.With(logger, "component", "wikipedia"))

	a.searcher = search.NewService(a.newFinder, a.store, a.wiki, log.With(logger, "component", "search"))
	a.explorer = search.NewExploreService(a.wiki, a.store, log.With(logger, "component", "explore"))
	a.caches = search.NewCacheService(a.store, log.With(logger, "component", "cache"))

	workerID := hostWorkerID()
	a.tasks = worker.NewTaskStore(a.store)
	a.broker = worker.NewBroker(client, workerID)
	a.runner = worker.NewRunner(cfg.Worker, a.broker, a.tasks, &taskHandler{searcher: a.searcher},
		log.With(logger, "component", "worker"))
	a.housekeeper = worker.NewHousekeeper(a.store, workerID, log.With(logger, "component", "housekeeper"))

	a.svcManager, err = services.NewManager(a.runner, a.housekeeper.CleanupService(), a.housekeeper.HealthService())
	if err != nil {
		return nil, errors.Wrap(err, "creating service manager")
	}

	return a, nil
}

// newFinder builds the per-request search engine. Every search gets its
// own engine so progress callbacks and depth limits stay per-task.
func (a *App) newFinder(algorithm string, maxDepth int, progress pathfinder.ProgressFunc) pathfinder.PathFinder {
	if maxDepth <= 0 || maxDepth > a.cfg.MaxSearchDepth {
		maxDepth = a.cfg.MaxSearchDepth
	}
	cfg := pathfinder.Config{MaxDepth: maxDepth, BatchSize: a.cfg.BFSBatchSize}
	logger := log.With(a.logger, "component", "pathfinder")
	if algorithm == model.AlgorithmBidirectional {
		return pathfinder.NewBidirectional(cfg, a.wiki, a.store, a.sessions, progress, logger)
	}
	return pathfinder.NewBFS(cfg, a.wiki, a.store, a.sessions, progress, logger)
}

// StartBackground starts the worker pool and the housekeeping services.
func (a *App) StartBackground(ctx context.Context) error {
	return services.StartManagerAndAwaitHealthy(ctx, a.svcManager)
}

// Shutdown stops the background services and closes the Redis client.
func (a *App) Shutdown(ctx context.Context) {
	a.svcManager.StopAsync()
	if err := a.svcManager.AwaitStopped(ctx); err != nil {
		level.Error(a.logger).Log("msg", "background services did not stop cleanly", "err", err)
	}
	if err := a.redis.Close(); err != nil {
		level.Error(a.logger).Log("msg", "closing redis client", "err", err)
	}
}

// taskHandler adapts the search service to the task runtime.
type taskHandler struct {
	searcher *search.Service
}

func (h *taskHandler) ValidatePages(ctx context.Context, startPage, endPage string) (bool, bool) {
	return h.searcher.ValidatePages(ctx, startPage, endPage)
}

func (h *taskHandler) FindPath(ctx context.Context, job *worker.Job, progress pathfinder.ProgressFunc) (*model.PathResult, error) {
	req := model.SearchRequest{
		StartPage: job.StartPage,
		EndPage:   job.EndPage,
		Algorithm: job.Algorithm,
		MaxDepth:  job.MaxDepth,
	}
	return h.searcher.FindPath(ctx, req, progress)
}

// hostWorkerID names this process's broker processing list. It must be
// stable across restarts so Recover finds jobs a crash left behind.
func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host
}
