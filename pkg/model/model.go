// Package model holds the request and result types shared by the search
// services, the task runtime and the HTTP adapter.
package model

import (
	"errors"
	"strings"
)

const (
	AlgorithmBFS           = "bfs"
	AlgorithmBidirectional = "bidirectional"
)

// TaskStatus is the lifecycle state of a background pathfinding task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskProgress TaskStatus = "PROGRESS"
	TaskRetry    TaskStatus = "RETRY"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailure  TaskStatus = "FAILURE"
)

var (
	ErrEmptyTitle     = errors.New("start and end pages must be non-empty")
	ErrSamePage       = errors.New("start and end pages must be different")
	ErrBadAlgorithm   = errors.New("algorithm must be one of: bfs, bidirectional")
	ErrBadMaxDepth    = errors.New("max_depth must be between 1 and 10")
	ErrBadMaxLinks    = errors.New("max_links must be between 1 and 50")
	ErrEmptyStartPage = errors.New("start page must be non-empty")
)

// SearchRequest is a request to find the shortest link path between two
// pages. Titles are compared exactly and case-sensitively.
type SearchRequest struct {
	StartPage string `json:"start"`
	EndPage   string `json:"end"`
	Algorithm string `json:"algorithm,omitempty"`
	MaxDepth  int    `json:"max_depth,omitempty"`
}

func (r *SearchRequest) Validate() error {
	r.StartPage = strings.TrimSpace(r.StartPage)
	r.EndPage = strings.TrimSpace(r.EndPage)

	if r.StartPage == "" || r.EndPage == "" {
		return ErrEmptyTitle
	}
	if r.StartPage == r.EndPage {
		return ErrSamePage
	}
	switch r.Algorithm {
	case "":
		r.Algorithm = AlgorithmBFS
	case AlgorithmBFS, AlgorithmBidirectional:
	default:
		return ErrBadAlgorithm
	}
	if r.MaxDepth != 0 && (r.MaxDepth < 1 || r.MaxDepth > 10) {
		return ErrBadMaxDepth
	}
	return nil
}

// PathResult is a completed shortest-path search. Path[0] is the start
// page and Path[len-1] the end page; Length == len(Path).
type PathResult struct {
	Path          []string `json:"path"`
	Length        int      `json:"length"`
	StartPage     string   `json:"start_page"`
	EndPage       string   `json:"end_page"`
	SearchTime    float64  `json:"search_time"`
	NodesExplored int      `json:"nodes_explored"`
}

func (r *PathResult) Valid() bool {
	if len(r.Path) == 0 || r.Length != len(r.Path) {
		return false
	}
	if r.Length == 1 {
		return r.Path[0] == r.StartPage && r.StartPage == r.EndPage
	}
	return r.Length >= 2 && r.Path[0] == r.StartPage && r.Path[len(r.Path)-1] == r.EndPage
}

// ExploreRequest asks for the outgoing links of a single page, for
// visualization.
type ExploreRequest struct {
	StartPage string `json:"start"`
	MaxLinks  int    `json:"max_links,omitempty"`
}

func (r *ExploreRequest) Validate() error {
	r.StartPage = strings.TrimSpace(r.StartPage)
	if r.StartPage == "" {
		return ErrEmptyStartPage
	}
	if r.MaxLinks == 0 {
		r.MaxLinks = 10
	}
	if r.MaxLinks < 1 || r.MaxLinks > 50 {
		return ErrBadMaxLinks
	}
	return nil
}

// ExploreResult is a star graph rooted at StartPage.
type ExploreResult struct {
	StartPage  string      `json:"start_page"`
	Nodes      []string    `json:"nodes"`
	Edges      [][2]string `json:"edges"`
	TotalLinks int         `json:"total_links"`
}
