package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikipath/wikipath/modules/worker"
	"github.com/wikipath/wikipath/pkg/model"
	"github.com/wikipath/wikipath/pkg/wikipedia"
)

// knownPages is the fake upstream: every listed page exists and links to
// the listed targets.
var knownPages = map[string][]string{
	"Go (programming language)": {"Google", "Computer science", "Talk:Go"},
	"Google":                    {"Go (programming language)"},
}

func fakeWikiServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		titles := strings.Split(r.URL.Query().Get("titles"), "|")

		pages := map[string]interface{}{}
		for i, title := range titles {
			links, ok := knownPages[title]
			if !ok {
				pages[fmt.Sprintf("-%d", i+1)] = map[string]interface{}{"title": title, "missing": ""}
				continue
			}
			linkObjs := make([]map[string]string, 0, len(links))
			for _, l := range links {
				linkObjs = append(linkObjs, map[string]string{"title": l})
			}
			pages[fmt.Sprintf("%d", i+1)] = map[string]interface{}{
				"title":  title,
				"pageid": i + 1,
				"links":  linkObjs,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"query": map[string]interface{}{"pages": pages},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testApp(t *testing.T) (*App, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	srv := fakeWikiServer(t)

	a, err := New(Config{
		RedisURL:          "redis://" + mr.Addr(),
		HTTPListenAddress: ":0",
		MaxSearchDepth:    6,
		Wikipedia:         wikipedia.Config{BaseURL: srv.URL},
	}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.redis.Close()
	})

	return a, mr
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetPath_SubmitsTask(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodPost, "/getPath",
		`{"start": "Go (programming language)", "end": "Google"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "IN_PROGRESS", resp.Status)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "/tasks/status/"+resp.TaskID, resp.PollURL)
	assert.Equal(t, "Go (programming language)", resp.StartPage)

	// the job is on the broker queue and the task record is PENDING
	n, err := a.broker.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	taskRec, found, err := a.tasks.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.TaskPending, taskRec.Status)
}

func TestGetPath_RejectsInvalidRequests(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"empty start", `{"start": "", "end": "B"}`},
		{"same pages", `{"start": "A", "end": "A"}`},
		{"bad algorithm", `{"start": "A", "end": "B", "algorithm": "dfs"}`},
		{"bad depth", `{"start": "A", "end": "B", "max_depth": 99}`},
		{"malformed json", `{"start": `},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/getPath", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, codeValidationError, resp.Code)
		})
	}

	// nothing was queued
	n, err := a.broker.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestGetPath_RejectsNonJSONContentType(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	req := httptest.NewRequest(http.MethodPost, "/getPath", strings.NewReader("start=A&end=B"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, codeInvalidContentType, resp.Code)
}

func TestTaskStatus_UnknownTaskReadsPending(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodGet, "/tasks/status/no-such-task", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.TaskPending, resp.State)
	assert.Equal(t, "no-such-task", resp.TaskID)
}

func TestTaskStatus_ReturnsResult(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	result := &model.PathResult{
		Path:      []string{"A", "B"},
		Length:    2,
		StartPage: "A",
		EndPage:   "B",
	}
	require.NoError(t, a.tasks.MarkSuccess(context.Background(), "t1", result))

	rec := doJSON(t, h, http.MethodGet, "/tasks/status/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.TaskSuccess, resp.State)
	require.NotNil(t, resp.Result)
	assert.Equal(t, []string{"A", "B"}, resp.Result.Path)
}

func TestTaskStatus_ReturnsFailure(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	require.NoError(t, a.tasks.MarkFailure(context.Background(), "t1", worker.CodePathNotFound, "no path", 0))

	rec := doJSON(t, h, http.MethodGet, "/tasks/status/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.TaskFailure, resp.State)
	assert.Equal(t, worker.CodePathNotFound, resp.Code)
	assert.Equal(t, "no path", resp.Error)
}

func TestExplore(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodPost, "/explore",
		`{"start": "Go (programming language)", "max_links": 1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ExploreResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Go (programming language)", resp.StartPage)
	assert.Equal(t, []string{"Go (programming language)", "Google"}, resp.Nodes)
	// namespace links are filtered before counting
	assert.Equal(t, 2, resp.TotalLinks)
}

func TestExplore_UnknownPage(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodPost, "/explore", `{"start": "No Such Page"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheClear_DefaultsToLinkCache(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()
	ctx := context.Background()

	require.NoError(t, a.store.Set(ctx, "wiki_links:Go", []byte("[]"), 0))
	require.NoError(t, a.store.Set(ctx, "path:A:B", []byte("{}"), 0))
	require.NoError(t, a.store.Set(ctx, "task:t1", []byte("{}"), 0))

	rec := doJSON(t, h, http.MethodPost, "/cache/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp cacheClearResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "wiki_links:*", resp.Pattern)
	assert.NotEmpty(t, resp.Message)

	exists, err := a.store.Exists(ctx, "wiki_links:Go")
	require.NoError(t, err)
	assert.False(t, exists)

	// path results and task records survive the default sweep
	for _, k := range []string{"path:A:B", "task:t1"} {
		exists, err := a.store.Exists(ctx, k)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestCacheClear_CustomPattern(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()
	ctx := context.Background()

	require.NoError(t, a.store.Set(ctx, "wiki_links:Go", []byte("[]"), 0))
	require.NoError(t, a.store.Set(ctx, "path:A:B", []byte("{}"), 0))

	rec := doJSON(t, h, http.MethodPost, "/cache/clear", `{"pattern": "path:*"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	exists, err := a.store.Exists(ctx, "wiki_links:Go")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = a.store.Exists(ctx, "path:A:B")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHealth(t *testing.T) {
	a, mr := testApp(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	mr.Close()

	rec = doJSON(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodOptions, "/getPath", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestEndToEnd_SearchCompletes drives a search through the whole stack:
// HTTP submit, broker dequeue, BFS against the fake upstream, poll.
func TestEndToEnd_SearchCompletes(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()
	ctx := context.Background()

	rec := doJSON(t, h, http.MethodPost, "/getPath",
		`{"start": "Go (programming language)", "end": "Google"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	job, payload, err := a.broker.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	a.runner.RunJob(ctx, job)
	require.NoError(t, a.broker.Ack(ctx, payload))

	rec = doJSON(t, h, http.MethodGet, submitted.PollURL, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status taskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.TaskSuccess, status.State)
	require.NotNil(t, status.Result)
	assert.Equal(t, []string{"Go (programming language)", "Google"}, status.Result.Path)
	assert.Equal(t, 2, status.Result.Length)
}

// An unreachable target fails the task with PATH_NOT_FOUND, end to end.
func TestEndToEnd_PathNotFound(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()
	ctx := context.Background()

	rec := doJSON(t, h, http.MethodPost, "/getPath",
		`{"start": "Google", "end": "Computer science", "max_depth": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	job, payload, err := a.broker.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	a.runner.RunJob(ctx, job)
	require.NoError(t, a.broker.Ack(ctx, payload))

	rec = doJSON(t, h, http.MethodGet, submitted.PollURL, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status taskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.TaskFailure, status.State)
	assert.Equal(t, worker.CodePathNotFound, status.Code)
}

func TestAPIIndex(t *testing.T) {
	a, _ := testApp(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "POST /getPath")
}
