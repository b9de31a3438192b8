package search

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wikipath/wikipath/pkg/kvstore"
)

// DefaultClearPattern is the namespace swept when no pattern is given:
// the upstream link cache, the usual thing to invalidate. Task records
// and live search sessions are not cache and are never swept.
const DefaultClearPattern = "wiki_links:*"

// CacheService is the admin surface over the cached upstream and result
// data.
type CacheService struct {
	store  kvstore.Store
	logger log.Logger
}

func NewCacheService(store kvstore.Store, logger log.Logger) *CacheService {
	return &CacheService{store: store, logger: logger}
}

// Clear deletes cached data matching pattern, defaulting to the
// upstream link cache. It returns the number of keys removed.
func (s *CacheService) Clear(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = DefaultClearPattern
	}

	deleted, err := s.store.ClearPattern(ctx, pattern)
	if err != nil {
		return deleted, err
	}

	level.Info(s.logger).Log("msg", "cache cleared", "pattern", pattern, "deleted", deleted)
	return deleted, nil
}
