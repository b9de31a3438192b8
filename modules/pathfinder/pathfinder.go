// Package pathfinder implements shortest-path search over the page link
// graph. Queue, visited set and per-vertex path reconstruction live in a
// shared key/value store rather than worker memory, so searches can be
// long-running and larger than one worker's RAM.
package pathfinder

import (
	"context"
	"errors"
	"fmt"
)

// Result is a completed search: the shortest path from start to end and
// the number of frontier pops it took to find it.
type Result struct {
	Path          []string
	NodesExplored int
}

// Progress is a point-in-time snapshot reported to the progress
// callback. The callback is advisory and must not mutate engine state.
type Progress struct {
	Status        string  `json:"status"`
	NodesExplored int     `json:"nodes_explored"`
	CurrentDepth  int     `json:"current_depth"`
	LastNode      string  `json:"last_node"`
	QueueSize     int64   `json:"queue_size"`
	ElapsedSecs   float64 `json:"elapsed_s"`
}

type ProgressFunc func(Progress)

// LinkClient is the slice of the upstream client the engine consumes.
type LinkClient interface {
	GetLinksBulk(ctx context.Context, titles []string) (map[string][]string, error)
	PageExists(ctx context.Context, title string) bool
}

// PathFinder finds the shortest chain of links between two pages.
type PathFinder interface {
	FindShortestPath(ctx context.Context, startPage, endPage string) (*Result, error)
}

// PathNotFoundError means the search drained its frontier (or hit the
// depth bound) without reaching the end page. It is terminal, never
// retried.
type PathNotFoundError struct {
	StartPage string
	EndPage   string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("no path found from %q to %q", e.StartPage, e.EndPage)
}

// IsPathNotFound reports whether err is a PathNotFoundError.
func IsPathNotFound(err error) bool {
	var pnf *PathNotFoundError
	return errors.As(err, &pnf)
}

// InvalidPageError means a start or end title is empty or does not exist
// upstream. It is terminal, never retried.
type InvalidPageError struct {
	Reason string
}

func (e *InvalidPageError) Error() string {
	return "invalid page: " + e.Reason
}

// IsInvalidPage reports whether err is an InvalidPageError.
func IsInvalidPage(err error) bool {
	var inv *InvalidPageError
	return errors.As(err, &inv)
}
