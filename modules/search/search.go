// Package search orchestrates single pathfinding and explore requests on
// top of the BFS engine, the upstream client and the result caches.
package search

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/model"
)

const (
	resultCacheTTL = time.Hour

	pathKeyPrefix = "path:"
)

// FinderFactory builds a search engine for one request. The progress
// callback may be nil.
type FinderFactory func(algorithm string, maxDepth int, progress pathfinder.ProgressFunc) pathfinder.PathFinder

// Service runs one search request end to end: validation, result-cache
// short circuit, timing, result caching. Engine errors propagate
// unchanged so the task runtime can classify them.
type Service struct {
	newFinder FinderFactory
	store     kvstore.Store
	links     pathfinder.LinkClient
	logger    log.Logger
}

func NewService(newFinder FinderFactory, store kvstore.Store, links pathfinder.LinkClient, logger log.Logger) *Service {
	return &Service{
		newFinder: newFinder,
		store:     store,
		links:     links,
		logger:    logger,
	}
}

// FindPath returns the shortest path for the request, from the result
// cache when possible. Negative results are never cached.
func (s *Service) FindPath(ctx context.Context, req model.SearchRequest, progress pathfinder.ProgressFunc) (*model.PathResult, error) {
	if err := req.Validate(); err != nil {
		return nil, &pathfinder.InvalidPageError{Reason: err.Error()}
	}

	cacheKey := pathKeyPrefix + req.StartPage + ":" + req.EndPage

	var cached model.PathResult
	hit, err := kvstore.GetJSON(ctx, s.store, cacheKey, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		level.Info(s.logger).Log("msg", "path served from cache", "start", req.StartPage, "end", req.EndPage)
		return &cached, nil
	}

	finder := s.newFinder(req.Algorithm, req.MaxDepth, progress)

	searchStart := time.Now()
	found, err := finder.FindShortestPath(ctx, req.StartPage, req.EndPage)
	if err != nil {
		level.Error(s.logger).Log("msg", "pathfinding failed", "start", req.StartPage, "end", req.EndPage,
			"elapsed", time.Since(searchStart), "err", err)
		return nil, err
	}

	result := &model.PathResult{
		Path:          found.Path,
		Length:        len(found.Path),
		StartPage:     req.StartPage,
		EndPage:       req.EndPage,
		SearchTime:    time.Since(searchStart).Seconds(),
		NodesExplored: found.NodesExplored,
	}

	if err := kvstore.SetJSON(ctx, s.store, cacheKey, result, resultCacheTTL); err != nil {
		return nil, err
	}

	level.Info(s.logger).Log("msg", "path found", "start", req.StartPage, "end", req.EndPage,
		"length", result.Length, "nodes_explored", result.NodesExplored, "elapsed", time.Since(searchStart))
	return result, nil
}

// ValidatePages reports whether the start and end pages exist upstream.
func (s *Service) ValidatePages(ctx context.Context, startPage, endPage string) (startExists, endExists bool) {
	return s.links.PageExists(ctx, startPage), s.links.PageExists(ctx, endPage)
}
