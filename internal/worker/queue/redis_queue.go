package queue

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"storyclip/internal/pkg/errors"
)

// RedisQueue is a Redis list of job ids. Producers LPUSH, the worker BRPOPs,
// so ids come out in push order.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

func (q *RedisQueue) Name() string { return q.queueName }

// Push appends id to the tail of the queue.
func (q *RedisQueue) Push(ctx context.Context, id string) error {
	if err := q.rdb.LPush(ctx, q.queueName, id).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.push", "redis lpush failed")
	}
	return nil
}

// Pop blocks up to timeout for the next id. It returns "" with a nil error
// when the timeout passes with the queue empty.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "queue.pop", "redis brpop failed")
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Requeue puts id back at the head so it is popped next.
func (q *RedisQueue) Requeue(ctx context.Context, id string) error {
	if err := q.rdb.RPush(ctx, q.queueName, id).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.requeue", "redis rpush failed")
	}
	return nil
}

// Len is the number of ids waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.queueName).Result()
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeUnavailable, "queue.len", "redis llen failed")
	}
	return n, nil
}
