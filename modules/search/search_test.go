package search

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/pkg/kvstore"
	"github.com/wikipath/wikipath/pkg/model"
)

type fakeFinder struct {
	result *pathfinder.Result
	err    error
	calls  int
}

func (f *fakeFinder) FindShortestPath(context.Context, string, string) (*pathfinder.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeLinks struct {
	pages map[string][]string
}

func (f *fakeLinks) GetLinksBulk(_ context.Context, titles []string) (map[string][]string, error) {
	out := make(map[string][]string, len(titles))
	for _, t := range titles {
		out[t] = append([]string{}, f.pages[t]...)
	}
	return out, nil
}

func (f *fakeLinks) PageExists(_ context.Context, title string) bool {
	_, ok := f.pages[title]
	return ok
}

func testStore(t *testing.T) (kvstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return kvstore.NewRedisStore(client, log.NewNopLogger()), mr
}

func newService(t *testing.T, finder *fakeFinder, links pathfinder.LinkClient) (*Service, kvstore.Store) {
	t.Helper()

	store, _ := testStore(t)
	factory := func(string, int, pathfinder.ProgressFunc) pathfinder.PathFinder { return finder }
	return NewService(factory, store, links, log.NewNopLogger()), store
}

func TestFindPath_BuildsResult(t *testing.T) {
	finder := &fakeFinder{result: &pathfinder.Result{
		Path:          []string{"A", "B", "C"},
		NodesExplored: 7,
	}}
	svc, _ := newService(t, finder, &fakeLinks{})

	res, err := svc.FindPath(context.Background(), model.SearchRequest{StartPage: "A", EndPage: "C"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, res.Path)
	assert.Equal(t, 3, res.Length)
	assert.Equal(t, "A", res.StartPage)
	assert.Equal(t, "C", res.EndPage)
	assert.Equal(t, 7, res.NodesExplored)
	assert.GreaterOrEqual(t, res.SearchTime, 0.0)
	assert.True(t, res.Valid())
}

func TestFindPath_SecondCallServedFromCache(t *testing.T) {
	finder := &fakeFinder{result: &pathfinder.Result{Path: []string{"A", "B"}}}
	svc, _ := newService(t, finder, &fakeLinks{})

	first, err := svc.FindPath(context.Background(), model.SearchRequest{StartPage: "A", EndPage: "B"}, nil)
	require.NoError(t, err)

	second, err := svc.FindPath(context.Background(), model.SearchRequest{StartPage: "A", EndPage: "B"}, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, finder.calls)
}

func TestFindPath_NegativeResultNotCached(t *testing.T) {
	finder := &fakeFinder{err: &pathfinder.PathNotFoundError{StartPage: "A", EndPage: "B"}}
	svc, store := newService(t, finder, &fakeLinks{})

	_, err := svc.FindPath(context.Background(), model.SearchRequest{StartPage: "A", EndPage: "B"}, nil)
	require.Error(t, err)
	assert.True(t, pathfinder.IsPathNotFound(err))

	exists, err := store.Exists(context.Background(), "path:A:B")
	require.NoError(t, err)
	assert.False(t, exists)

	// the engine runs again on the next request
	_, err = svc.FindPath(context.Background(), model.SearchRequest{StartPage: "A", EndPage: "B"}, nil)
	require.Error(t, err)
	assert.Equal(t, 2, finder.calls)
}

func TestFindPath_ValidationErrors(t *testing.T) {
	svc, _ := newService(t, &fakeFinder{}, &fakeLinks{})

	tests := []struct {
		name string
		req  model.SearchRequest
	}{
		{"empty start", model.SearchRequest{StartPage: "", EndPage: "B"}},
		{"empty end", model.SearchRequest{StartPage: "A", EndPage: "  "}},
		{"same pages", model.SearchRequest{StartPage: "A", EndPage: "A"}},
		{"bad algorithm", model.SearchRequest{StartPage: "A", EndPage: "B", Algorithm: "dijkstra"}},
		{"bad depth", model.SearchRequest{StartPage: "A", EndPage: "B", MaxDepth: 11}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.FindPath(context.Background(), tc.req, nil)
			require.Error(t, err)
			assert.True(t, pathfinder.IsInvalidPage(err))
		})
	}
}

func TestFindPath_EngineErrorsPropagate(t *testing.T) {
	finder := &fakeFinder{err: &pathfinder.InvalidPageError{Reason: "start page does not exist"}}
	svc, _ := newService(t, finder, &fakeLinks{})

	_, err := svc.FindPath(context.Background(), model.SearchRequest{StartPage: "A", EndPage: "B"}, nil)
	require.Error(t, err)
	assert.True(t, pathfinder.IsInvalidPage(err))
}

func TestValidatePages(t *testing.T) {
	svc, _ := newService(t, &fakeFinder{}, &fakeLinks{pages: map[string][]string{"A": {}}})

	startOK, endOK := svc.ValidatePages(context.Background(), "A", "Nope")
	assert.True(t, startOK)
	assert.False(t, endOK)
}

func TestExplore_BuildsStarGraph(t *testing.T) {
	links := &fakeLinks{pages: map[string][]string{
		"A": {"B", "C", "D", "E"},
	}}
	store, _ := testStore(t)
	svc := NewExploreService(links, store, log.NewNopLogger())

	res, err := svc.Explore(context.Background(), model.ExploreRequest{StartPage: "A", MaxLinks: 3})
	require.NoError(t, err)

	assert.Equal(t, "A", res.StartPage)
	assert.Equal(t, []string{"A", "B", "C", "D"}, res.Nodes)
	assert.Equal(t, [][2]string{{"A", "B"}, {"A", "C"}, {"A", "D"}}, res.Edges)
	assert.Equal(t, 4, res.TotalLinks)
}

func TestExplore_UnknownPage(t *testing.T) {
	store, _ := testStore(t)
	svc := NewExploreService(&fakeLinks{}, store, log.NewNopLogger())

	_, err := svc.Explore(context.Background(), model.ExploreRequest{StartPage: "Nope"})
	require.Error(t, err)
	assert.True(t, pathfinder.IsInvalidPage(err))
}

func TestCacheService_ClearDefaultsToLinkCache(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)
	svc := NewCacheService(store, log.NewNopLogger())

	for _, k := range []string{"wiki_links:Go", "wiki_links:Google", "path:A:B", "task:t1", "bfs_queue:s1"} {
		require.NoError(t, store.Set(ctx, k, []byte("x"), 0))
	}

	deleted, err := svc.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// only the link cache is swept
	for _, k := range []string{"path:A:B", "task:t1", "bfs_queue:s1"} {
		exists, err := store.Exists(ctx, k)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestCacheService_ClearPattern(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)
	svc := NewCacheService(store, log.NewNopLogger())

	require.NoError(t, store.Set(ctx, "wiki_links:Go", []byte("x"), 0))
	require.NoError(t, store.Set(ctx, "path:A:B", []byte("x"), 0))

	deleted, err := svc.Clear(ctx, "path:*")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	exists, err := store.Exists(ctx, "wiki_links:Go")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExplore_CachesResult(t *testing.T) {
	links := &fakeLinks{pages: map[string][]string{"A": {"B"}}}
	store, _ := testStore(t)
	svc := NewExploreService(links, store, log.NewNopLogger())

	first, err := svc.Explore(context.Background(), model.ExploreRequest{StartPage: "A"})
	require.NoError(t, err)

	// cached result survives the underlying data changing
	links.pages["A"] = []string{"B", "C"}
	second, err := svc.Explore(context.Background(), model.ExploreRequest{StartPage: "A"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
