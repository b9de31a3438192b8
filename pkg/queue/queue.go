// Package queue provides FIFO work queues on Redis lists. Queue state is
// shared across processes, which keeps BFS frontiers out of worker
// memory.
package queue

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"github.com/wikipath/wikipath/pkg/kvstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Queue is a named-queue adapter. All operations are FIFO per queue and
// payloads are JSON. Backend failures surface as
// kvstore.ErrStoreUnavailable.
type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Push appends item to the tail of the queue.
func (q *Queue) Push(ctx context.Context, name string, item interface{}) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, name, b).Err(); err != nil {
		return queueErr("push", name, err)
	}
	return nil
}

// PushFront prepends item to the head of the queue.
func (q *Queue) PushFront(ctx context.Context, name string, item interface{}) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, name, b).Err(); err != nil {
		return queueErr("push front", name, err)
	}
	return nil
}

// Pop removes the head of the queue into item. It returns false when the
// queue is empty.
func (q *Queue) Pop(ctx context.Context, name string, item interface{}) (bool, error) {
	b, err := q.client.LPop(ctx, name).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, queueErr("pop", name, err)
	}
	if err := json.Unmarshal(b, item); err != nil {
		return false, err
	}
	return true, nil
}

// PushBatch appends items as one contiguous block: a single RPUSH, so
// concurrent single pushes cannot interleave inside the batch.
func (q *Queue) PushBatch(ctx context.Context, name string, items []interface{}) error {
	if len(items) == 0 {
		return nil
	}

	vals := make([]interface{}, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return err
		}
		vals = append(vals, b)
	}
	if err := q.client.RPush(ctx, name, vals...).Err(); err != nil {
		return queueErr("push batch", name, err)
	}
	return nil
}

// PopBatch removes up to n head items, stopping early at an empty queue.
// Raw JSON payloads are returned for the caller to decode.
func (q *Queue) PopBatch(ctx context.Context, name string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	var items [][]byte
	for i := 0; i < n; i++ {
		b, err := q.client.LPop(ctx, name).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return items, queueErr("pop batch", name, err)
		}
		items = append(items, b)
	}
	return items, nil
}

// Length returns the number of items in the queue.
func (q *Queue) Length(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, name).Result()
	if err != nil {
		return 0, queueErr("length", name, err)
	}
	return n, nil
}

// Peek reads the item at index i without removing it. It returns false
// when no such item exists.
func (q *Queue) Peek(ctx context.Context, name string, i int64, item interface{}) (bool, error) {
	b, err := q.client.LIndex(ctx, name, i).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, queueErr("peek", name, err)
	}
	if err := json.Unmarshal(b, item); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes the queue entirely.
func (q *Queue) Clear(ctx context.Context, name string) error {
	if err := q.client.Del(ctx, name).Err(); err != nil {
		return queueErr("clear", name, err)
	}
	return nil
}

func queueErr(op, name string, err error) error {
	return fmt.Errorf("%w: queue %s %q: %v", kvstore.ErrStoreUnavailable, op, name, err)
}
