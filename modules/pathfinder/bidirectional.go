package pathfinder

import (
	"context"

	"github.com/go-kit/log"

	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/queue"
)

// Bidirectional is a named extension point for a two-frontier search:
// expand from start and end alternating on the smaller frontier, meet on
// any shared visited vertex, and concatenate the forward and reverse
// paths with the meeting vertex emitted once. The current implementation
// delegates to the unidirectional engine; the contract is identical.
type Bidirectional struct {
	inner *BFS
}

func NewBidirectional(cfg Config, links LinkClient, store kvstore.Store, q *queue.Queue, progress ProgressFunc, logger log.Logger) *Bidirectional {
	return &Bidirectional{
		inner: NewBFS(cfg, links, store, q, progress, logger),
	}
}

func (b *Bidirectional) FindShortestPath(ctx context.Context, startPage, endPage string) (*Result, error) {
	return b.inner.FindShortestPath(ctx, startPage, endPage)
}
