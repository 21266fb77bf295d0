package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix       = "transcode:p"
	defaultBlockTimeout = 2 * time.Second
)

// RedisQueue distributes tasks through Redis lists, one list per priority
// class. BRPOP scans the keys in argument order, which yields the same
// priority discipline as the in-memory queue across any number of worker
// processes.
type RedisQueue struct {
	client redis.UniversalClient
	keys   []string
	block  time.Duration
}

// NewRedisQueue wraps an existing client; the caller owns its lifecycle.
func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	keys := make([]string, 0, lowestPriority)
	for priority := 1; priority <= lowestPriority; priority++ {
		keys = append(keys, fmt.Sprintf("%s%d", taskKeyPrefix, priority))
	}
	return &RedisQueue{client: client, keys: keys, block: defaultBlockTimeout}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	key := fmt.Sprintf("%s%d", taskKeyPrefix, PriorityFor(task.Resolution))
	if err := q.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task on %s: %w", key, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		reply, err := q.client.BRPop(ctx, q.block, q.keys...).Result()
		if errors.Is(err, redis.Nil) {
			// Block timeout with nothing queued; loop so ctx cancellation
			// stays responsive.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("dequeue task: %w", err)
		}
		if len(reply) != 2 {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(reply[1]), &task); err != nil {
			return Task{}, fmt.Errorf("decode task payload: %w", err)
		}
		return task, nil
	}
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	total := 0
	for _, key := range q.keys {
		length, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("measure %s: %w", key, err)
		}
		total += int(length)
	}
	return total, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (q *RedisQueue) Close() error {
	return nil
}
