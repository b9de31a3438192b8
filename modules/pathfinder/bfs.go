package pathfinder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/queue"
	"github.com/wikipath/wikipath/pkg/wikipedia"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// sessionTTL bounds orphaned search state: if cleanup fails, the
	// store reclaims session keys on its own.
	sessionTTL = time.Hour

	// progressEvery is the number of frontier pops between progress
	// callbacks.
	progressEvery = 3

	DefaultMaxDepth = 6

	// DefaultBatchSize is how many frontier entries are popped and link-
	// resolved per iteration. Matching the upstream client's per-request
	// title limit keeps one iteration to one API call.
	DefaultBatchSize = 50
)

var (
	metricSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "bfs_searches_total",
		Help:      "Total number of BFS searches by outcome.",
	}, []string{"outcome"})
	metricNodesExplored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "bfs_nodes_explored_total",
		Help:      "Total number of frontier pops across all searches.",
	})
	metricPathLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wikipath",
		Name:      "bfs_path_length",
		Help:      "Length in pages of returned paths.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})
)

// frontierItem is one pending BFS frontier entry.
type frontierItem struct {
	Page  string `json:"page"`
	Depth int    `json:"depth"`
}

// BFS is the store-backed breadth-first engine. A search owns a session
// keyspace (bfs_queue:{sid}, bfs_visited:{sid}:*, bfs_paths:{sid}:*)
// that no other process mutates, and clears it on every exit.
type BFS struct {
	links     LinkClient
	store     kvstore.Store
	queue     *queue.Queue
	maxDepth  int
	batchSize int
	progress  ProgressFunc
	logger    log.Logger
}

// Config bounds one search engine instance.
type Config struct {
	MaxDepth  int
	BatchSize int
}

func NewBFS(cfg Config, links LinkClient, store kvstore.Store, q *queue.Queue, progress ProgressFunc, logger log.Logger) *BFS {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &BFS{
		links:     links,
		store:     store,
		queue:     q,
		maxDepth:  cfg.MaxDepth,
		batchSize: cfg.BatchSize,
		progress:  progress,
		logger:    logger,
	}
}

// FindShortestPath runs a breadth-first search from startPage to
// endPage. The first time the end page is seen it is at minimum depth,
// so the returned path is shortest by hop count.
func (b *BFS) FindShortestPath(ctx context.Context, startPage, endPage string) (*Result, error) {
	startPage = strings.TrimSpace(startPage)
	endPage = strings.TrimSpace(endPage)

	if startPage == "" || endPage == "" {
		return nil, &InvalidPageError{Reason: "start and end pages cannot be empty"}
	}
	if startPage == endPage {
		return &Result{Path: []string{startPage}, NodesExplored: 1}, nil
	}

	if !b.links.PageExists(ctx, startPage) {
		return nil, &InvalidPageError{Reason: fmt.Sprintf("start page %q does not exist", startPage)}
	}
	if !b.links.PageExists(ctx, endPage) {
		return nil, &InvalidPageError{Reason: fmt.Sprintf("end page %q does not exist", endPage)}
	}

	sid := uuid.NewString()
	level.Info(b.logger).Log("msg", "starting BFS", "start", startPage, "end", endPage, "session", sid, "max_depth", b.maxDepth)

	defer b.cleanup(sid)

	res, err := b.search(ctx, sid, startPage, endPage)
	switch {
	case err == nil:
		metricSearches.WithLabelValues("found").Inc()
		metricPathLength.Observe(float64(len(res.Path)))
	case IsPathNotFound(err):
		metricSearches.WithLabelValues("not_found").Inc()
	default:
		metricSearches.WithLabelValues("error").Inc()
	}
	return res, err
}

func (b *BFS) search(ctx context.Context, sid, startPage, endPage string) (*Result, error) {
	queueKey := queueKey(sid)

	if err := b.queue.Push(ctx, queueKey, frontierItem{Page: startPage, Depth: 0}); err != nil {
		return nil, err
	}
	if err := kvstore.SetJSON(ctx, b.store, visitedKey(sid, startPage), true, sessionTTL); err != nil {
		return nil, err
	}
	if err := kvstore.SetJSON(ctx, b.store, pathKey(sid, startPage), []string{startPage}, sessionTTL); err != nil {
		return nil, err
	}

	var (
		nodesExplored int
		lastProgress  int
		depthExceeded bool
		searchStart   = time.Now()
	)

	for !depthExceeded {
		// safe point for soft-timeout cancellation.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		payloads, err := b.queue.PopBatch(ctx, queueKey, b.batchSize)
		if err != nil {
			return nil, err
		}
		if len(payloads) == 0 {
			break
		}

		// the queue is FIFO, so depths in a batch are non-decreasing and
		// nothing shallower remains once the bound is crossed.
		var batch []frontierItem
		for _, payload := range payloads {
			var item frontierItem
			if err := json.Unmarshal(payload, &item); err != nil {
				level.Warn(b.logger).Log("msg", "malformed frontier entry, skipping", "session", sid, "err", err)
				continue
			}
			if item.Depth > b.maxDepth {
				level.Warn(b.logger).Log("msg", "reached maximum depth, stopping", "session", sid, "max_depth", b.maxDepth)
				depthExceeded = true
				break
			}
			batch = append(batch, item)
		}
		nodesExplored += len(payloads)
		metricNodesExplored.Add(float64(len(payloads)))

		if b.progress != nil && nodesExplored-lastProgress >= progressEvery && len(batch) > 0 {
			lastProgress = nodesExplored
			last := batch[len(batch)-1]
			queueSize, _ := b.queue.Length(ctx, queueKey)
			b.progress(Progress{
				Status:        "Searching...",
				NodesExplored: nodesExplored,
				CurrentDepth:  last.Depth,
				LastNode:      last.Page,
				QueueSize:     queueSize,
				ElapsedSecs:   time.Since(searchStart).Seconds(),
			})
		}

		// reconstruct each page's path before expanding it; a missing row
		// means the session TTL beat us to it and the page is skipped.
		var (
			pages = make([]string, 0, len(batch))
			paths = make(map[string][]string, len(batch))
		)
		for _, item := range batch {
			var currentPath []string
			hit, err := kvstore.GetJSON(ctx, b.store, pathKey(sid, item.Page), &currentPath)
			if err != nil {
				return nil, err
			}
			if !hit {
				level.Warn(b.logger).Log("msg", "no path for page, skipping", "session", sid, "page", item.Page)
				continue
			}
			pages = append(pages, item.Page)
			paths[item.Page] = currentPath
		}
		if len(pages) == 0 {
			continue
		}

		linksByPage, err := b.links.GetLinksBulk(ctx, pages)
		if err != nil {
			if errors.Is(err, kvstore.ErrStoreUnavailable) || wikipedia.IsAPIError(err) || ctx.Err() != nil {
				return nil, err
			}
			level.Error(b.logger).Log("msg", "failed to get links, skipping batch", "session", sid, "pages", len(pages), "err", err)
			continue
		}

		for _, item := range batch {
			currentPath, ok := paths[item.Page]
			if !ok {
				continue
			}

			for _, link := range linksByPage[item.Page] {
				if link == endPage {
					path := append(append([]string{}, currentPath...), link)
					level.Info(b.logger).Log("msg", "path found", "session", sid, "length", len(path), "nodes_explored", nodesExplored)
					return &Result{Path: path, NodesExplored: nodesExplored}, nil
				}

				visited, err := b.store.Exists(ctx, visitedKey(sid, link))
				if err != nil {
					return nil, err
				}
				if visited {
					continue
				}

				if err := kvstore.SetJSON(ctx, b.store, visitedKey(sid, link), true, sessionTTL); err != nil {
					return nil, err
				}
				path := append(append([]string{}, currentPath...), link)
				if err := kvstore.SetJSON(ctx, b.store, pathKey(sid, link), path, sessionTTL); err != nil {
					return nil, err
				}
				if err := b.queue.Push(ctx, queueKey, frontierItem{Page: link, Depth: item.Depth + 1}); err != nil {
					return nil, err
				}
			}
		}
	}

	level.Warn(b.logger).Log("msg", "no path found", "session", sid, "start", startPage, "end", endPage, "nodes_explored", nodesExplored)
	return nil, &PathNotFoundError{StartPage: startPage, EndPage: endPage}
}

// cleanup clears the session keyspace on any exit. Failures are logged,
// never re-raised: the session TTL reclaims leftovers.
func (b *BFS) cleanup(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.queue.Clear(ctx, queueKey(sid)); err != nil {
		level.Error(b.logger).Log("msg", "failed to clear session queue", "session", sid, "err", err)
	}
	visited, err := b.store.ClearPattern(ctx, "bfs_visited:"+sid+":*")
	if err != nil {
		level.Error(b.logger).Log("msg", "failed to clear visited keys", "session", sid, "err", err)
	}
	paths, err := b.store.ClearPattern(ctx, "bfs_paths:"+sid+":*")
	if err != nil {
		level.Error(b.logger).Log("msg", "failed to clear path keys", "session", sid, "err", err)
	}
	level.Debug(b.logger).Log("msg", "session cleanup done", "session", sid, "visited_cleared", visited, "paths_cleared", paths)
}

func queueKey(sid string) string {
	return "bfs_queue:" + sid
}

func visitedKey(sid, page string) string {
	return "bfs_visited:" + sid + ":" + page
}

func pathKey(sid, page string) string {
	return "bfs_paths:" + sid + ":" + page
}
