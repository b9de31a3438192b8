package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"github.com/wikipath/wikipath/pkg/kvstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// JobQueueKey is the broker queue submitted searches wait on.
	JobQueueKey = "tasks:pathfinding"

	processingKeyPrefix = "tasks:processing:"
)

// Broker is a reliable FIFO job queue on Redis lists. Dequeue moves the
// job into a per-worker processing list; Ack removes it only after the
// handler has returned. A crashed worker leaves its jobs in the
// processing list, where Recover requeues them: at-least-once delivery
// with late acknowledgement.
type Broker struct {
	client        *redis.Client
	queueKey      string
	processingKey string
}

func NewBroker(client *redis.Client, workerID string) *Broker {
	return &Broker{
		client:        client,
		queueKey:      JobQueueKey,
		processingKey: processingKeyPrefix + workerID,
	}
}

// Enqueue submits a job to the tail of the broker queue.
func (b *Broker) Enqueue(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queueKey, payload).Err(); err != nil {
		return brokerErr("enqueue", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. The raw payload is
// returned alongside the decoded job; pass it to Ack unchanged. A nil
// job means the queue stayed empty.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*Job, string, error) {
	payload, err := b.client.BRPopLPush(ctx, b.queueKey, b.processingKey, timeout).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", brokerErr("dequeue", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// poison payload: drop it from the processing list.
		_ = b.client.LRem(ctx, b.processingKey, 1, payload).Err()
		return nil, "", fmt.Errorf("malformed job payload: %w", err)
	}
	return &job, payload, nil
}

// Ack removes a delivered job from the processing list.
func (b *Broker) Ack(ctx context.Context, payload string) error {
	if err := b.client.LRem(ctx, b.processingKey, 1, payload).Err(); err != nil {
		return brokerErr("ack", err)
	}
	return nil
}

// Recover moves any unacknowledged jobs from this worker's processing
// list back onto the queue. Called on startup so jobs survive a crash.
func (b *Broker) Recover(ctx context.Context) (int, error) {
	requeued := 0
	for {
		_, err := b.client.RPopLPush(ctx, b.processingKey, b.queueKey).Result()
		if err == redis.Nil {
			return requeued, nil
		}
		if err != nil {
			return requeued, brokerErr("recover", err)
		}
		requeued++
	}
}

// Length returns the number of jobs waiting on the queue.
func (b *Broker) Length(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, b.queueKey).Result()
	if err != nil {
		return 0, brokerErr("length", err)
	}
	return n, nil
}

func brokerErr(op string, err error) error {
	return fmt.Errorf("%w: broker %s: %v", kvstore.ErrStoreUnavailable, op, err)
}
