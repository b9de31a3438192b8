package search

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/model"
)

const exploreCacheTTL = 30 * time.Minute

// ExploreService builds a star graph of one page's outgoing links for
// visualization.
type ExploreService struct {
	links  pathfinder.LinkClient
	store  kvstore.Store
	logger log.Logger
}

func NewExploreService(links pathfinder.LinkClient, store kvstore.Store, logger log.Logger) *ExploreService {
	return &ExploreService{
		links:  links,
		store:  store,
		logger: logger,
	}
}

func (s *ExploreService) Explore(ctx context.Context, req model.ExploreRequest) (*model.ExploreResult, error) {
	if err := req.Validate(); err != nil {
		return nil, &pathfinder.InvalidPageError{Reason: err.Error()}
	}

	cacheKey := fmt.Sprintf("explore:%s:%d", req.StartPage, req.MaxLinks)

	var cached model.ExploreResult
	hit, err := kvstore.GetJSON(ctx, s.store, cacheKey, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		return &cached, nil
	}

	if !s.links.PageExists(ctx, req.StartPage) {
		return nil, &pathfinder.InvalidPageError{Reason: fmt.Sprintf("page %q does not exist", req.StartPage)}
	}

	linksByPage, err := s.links.GetLinksBulk(ctx, []string{req.StartPage})
	if err != nil {
		return nil, err
	}
	allLinks := linksByPage[req.StartPage]

	result := &model.ExploreResult{
		StartPage:  req.StartPage,
		Nodes:      []string{req.StartPage},
		Edges:      [][2]string{},
		TotalLinks: len(allLinks),
	}

	shown := allLinks
	if len(shown) > req.MaxLinks {
		shown = shown[:req.MaxLinks]
	}
	for _, link := range shown {
		result.Nodes = append(result.Nodes, link)
		result.Edges = append(result.Edges, [2]string{req.StartPage, link})
	}

	if err := kvstore.SetJSON(ctx, s.store, cacheKey, result, exploreCacheTTL); err != nil {
		return nil, err
	}

	level.Info(s.logger).Log("msg", "explore completed", "start", req.StartPage, "shown", len(shown), "total", len(allLinks))
	return result, nil
}
