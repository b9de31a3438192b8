package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wikipath/wikipath/pkg/kvstore"
)

var (
	metricCleanupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "housekeeper_cleanup_runs_total",
		Help:      "Total number of session cleanup sweeps by result.",
	}, []string{"result"})
	metricCleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "housekeeper_keys_deleted_total",
		Help:      "Total number of stale search session keys deleted.",
	})
	metricHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "housekeeper_health_checks_total",
		Help:      "Total number of store health checks by result.",
	}, []string{"result"})
)

const (
	cleanupInterval = time.Hour
	healthInterval  = 5 * time.Minute

	// healthRecordTTL keeps the per-worker liveness record a few checks
	// past the last successful one.
	healthRecordTTL = 15 * time.Minute

	healthKeyPrefix = "worker:health:"
)

// Housekeeper runs the periodic maintenance jobs: an hourly sweep of
// orphaned search session keys and a five-minute store health check that
// records worker liveness.
type Housekeeper struct {
	store    kvstore.Store
	workerID string
	logger   log.Logger
}

func NewHousekeeper(store kvstore.Store, workerID string, logger log.Logger) *Housekeeper {
	return &Housekeeper{
		store:    store,
		workerID: workerID,
		logger:   logger,
	}
}

// CleanupService returns the hourly session sweep as a runnable service.
func (h *Housekeeper) CleanupService() services.Service {
	return services.NewTimerService(cleanupInterval, nil, h.cleanupIteration, nil)
}

// HealthService returns the periodic store health check as a runnable
// service.
func (h *Housekeeper) HealthService() services.Service {
	return services.NewTimerService(healthInterval, h.healthIteration, h.healthIteration, nil)
}

// cleanupIteration deletes search session keys left behind by crashed or
// abandoned searches. Live searches are unaffected: a deleted visited or
// path row only makes the search re-expand that node.
func (h *Housekeeper) cleanupIteration(ctx context.Context) error {
	deleted := 0
	for _, pattern := range []string{"bfs_queue:*", "bfs_visited:*", "bfs_paths:*"} {
		n, err := h.store.ClearPattern(ctx, pattern)
		if err != nil {
			metricCleanupRuns.WithLabelValues("error").Inc()
			level.Error(h.logger).Log("msg", "session cleanup sweep failed", "pattern", pattern, "err", err)
			// keep the service running; the next tick retries.
			return nil
		}
		deleted += n
	}

	metricCleanupRuns.WithLabelValues("ok").Inc()
	metricCleanupDeleted.Add(float64(deleted))
	if deleted > 0 {
		level.Info(h.logger).Log("msg", "session cleanup sweep finished", "deleted", deleted)
	}
	return nil
}

// healthIteration verifies the store end to end with a write/read
// round trip and records this worker as alive.
func (h *Housekeeper) healthIteration(ctx context.Context) error {
	if err := h.checkStore(ctx); err != nil {
		metricHealthChecks.WithLabelValues("error").Inc()
		level.Error(h.logger).Log("msg", "store health check failed", "err", err)
		return nil
	}

	record := fmt.Sprintf(`{"worker_id":%q,"checked_at":%q}`, h.workerID, time.Now().UTC().Format(time.RFC3339))
	if err := h.store.Set(ctx, healthKeyPrefix+h.workerID, []byte(record), healthRecordTTL); err != nil {
		metricHealthChecks.WithLabelValues("error").Inc()
		level.Error(h.logger).Log("msg", "health record write failed", "err", err)
		return nil
	}

	metricHealthChecks.WithLabelValues("ok").Inc()
	return nil
}

func (h *Housekeeper) checkStore(ctx context.Context) error {
	if err := h.store.Ping(ctx); err != nil {
		return err
	}

	probeKey := "worker:probe:" + h.workerID
	if err := h.store.Set(ctx, probeKey, []byte("ok"), time.Minute); err != nil {
		return err
	}
	val, err := h.store.Get(ctx, probeKey)
	if err != nil {
		return err
	}
	if string(val) != "ok" {
		return fmt.Errorf("probe read back %q, want %q", val, "ok")
	}
	return h.store.Delete(ctx, probeKey)
}
