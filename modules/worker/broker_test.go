package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikipath/wikipath/pkg/kvstore"
)

func testBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewBroker(client, "w1"), client
}

func TestBroker_EnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	b, client := testBroker(t)

	require.NoError(t, b.Enqueue(ctx, &Job{TaskID: "t1", StartPage: "A", EndPage: "B"}))

	n, err := b.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, payload, err := b.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "t1", job.TaskID)
	assert.Equal(t, "A", job.StartPage)

	// in flight: queue drained, processing list holds the payload
	n, err = b.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	inFlight, err := client.LLen(ctx, "tasks:processing:w1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inFlight)

	require.NoError(t, b.Ack(ctx, payload))
	inFlight, err = client.LLen(ctx, "tasks:processing:w1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), inFlight)
}

func TestBroker_DequeueEmptyQueue(t *testing.T) {
	b, _ := testBroker(t)

	job, _, err := b.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestBroker_FIFOOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := testBroker(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, b.Enqueue(ctx, &Job{TaskID: id}))
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		job, payload, err := b.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.TaskID)
		require.NoError(t, b.Ack(ctx, payload))
	}
}

func TestBroker_RecoverRequeuesUnacked(t *testing.T) {
	ctx := context.Background()
	b, _ := testBroker(t)

	require.NoError(t, b.Enqueue(ctx, &Job{TaskID: "t1"}))
	require.NoError(t, b.Enqueue(ctx, &Job{TaskID: "t2"}))

	// simulate a crash after dequeue, before ack
	job, _, err := b.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "t1", job.TaskID)

	requeued, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	// the recovered job is delivered again
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, payload, err := b.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		seen[job.TaskID] = true
		require.NoError(t, b.Ack(ctx, payload))
	}
	assert.True(t, seen["t1"])
	assert.True(t, seen["t2"])
}

func TestBroker_MalformedPayloadDropped(t *testing.T) {
	ctx := context.Background()
	b, client := testBroker(t)

	require.NoError(t, client.LPush(ctx, JobQueueKey, "{not json").Err())

	job, _, err := b.Dequeue(ctx, 100*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, job)

	// the poison payload does not stay in flight
	inFlight, err := client.LLen(ctx, "tasks:processing:w1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), inFlight)
}

func TestBroker_ErrorsWrapStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewBroker(client, "w1")

	mr.Close()

	err := b.Enqueue(context.Background(), &Job{TaskID: "t1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, kvstore.ErrStoreUnavailable)
}
