package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikipath/wikipath/pkg/kvstore"
)

type item struct {
	Page  string `json:"page"`
	Depth int    `json:"depth"`
}

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client), mr
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	require.NoError(t, q.Push(ctx, "q", item{Page: "A", Depth: 0}))
	require.NoError(t, q.Push(ctx, "q", item{Page: "B", Depth: 1}))
	require.NoError(t, q.Push(ctx, "q", item{Page: "C", Depth: 1}))

	var got item
	for _, want := range []string{"A", "B", "C"} {
		ok, err := q.Pop(ctx, "q", &got)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got.Page)
	}

	ok, err := q.Pop(ctx, "q", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_PushFront(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	require.NoError(t, q.Push(ctx, "q", item{Page: "B"}))
	require.NoError(t, q.PushFront(ctx, "q", item{Page: "A"}))

	var got item
	ok, err := q.Pop(ctx, "q", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", got.Page)
}

func TestQueue_PushBatchIsContiguous(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	require.NoError(t, q.PushBatch(ctx, "q", []interface{}{
		item{Page: "A"}, item{Page: "B"}, item{Page: "C"},
	}))

	n, err := q.Length(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	items, err := q.PopBatch(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestQueue_PopBatchStopsAtEmpty(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	items, err := q.PopBatch(ctx, "empty", 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_Peek(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	require.NoError(t, q.Push(ctx, "q", item{Page: "A"}))

	var got item
	ok, err := q.Peek(ctx, "q", 0, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", got.Page)

	// peek does not consume
	n, err := q.Length(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = q.Peek(ctx, "q", 5, &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_Clear(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	require.NoError(t, q.Push(ctx, "q", item{Page: "A"}))
	require.NoError(t, q.Clear(ctx, "q"))

	n, err := q.Length(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestQueue_ErrorsWrapStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	q, mr := testQueue(t)

	mr.Close()

	err := q.Push(ctx, "q", item{Page: "A"})
	require.Error(t, err)
	assert.ErrorIs(t, err, kvstore.ErrStoreUnavailable)
}
