// Package situations models the asynchronous AI situation generator of
// spec §6: accepts (game, round, demographic, language), eventually
// publishes situation_generated or situation_generation_failed on the
// event bus. The queue itself is a Redis list pushed with RPUSH and
// drained by a worker with BLPOP — the same "push a job, consume
// asynchronously" shape as the original Python's Celery task, without
// pulling in Celery.
package situations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"memecaption/domain"
)

const queueKey = "memecaption:situation_jobs"

// Job is one situation-generation request.
type Job struct {
	GameID      string            `json:"game_id"`
	RoundID     string            `json:"round_id"`
	Demographic domain.Demographic `json:"demographic"`
	Language    string            `json:"language"`
}

// Generator is the narrow interface the round controller depends on.
type Generator interface {
	Enqueue(ctx context.Context, job Job) error
}

// RedisQueue implements Generator by pushing jobs onto a Redis list. A
// separate worker process (Worker, below) drains it.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("situations: marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, queueKey, body).Err(); err != nil {
		return fmt.Errorf("situations: enqueue: %w", err)
	}
	return nil
}

// Worker drains the queue with BLPOP and invokes handle for each job.
// handle is expected to call an external AI endpoint and then publish
// situation_generated / situation_generation_failed on the event bus; this
// package only owns the queueing transport.
type Worker struct {
	client *redis.Client
}

func NewWorker(client *redis.Client) *Worker {
	return &Worker{client: client}
}

// Run blocks, draining jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, handle func(context.Context, Job)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := w.client.BLPop(ctx, 0, queueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("situations: blpop: %w", err)
		}
		// BLPop returns [key, value]; the queue only ever holds one key.
		if len(result) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			continue
		}
		handle(ctx, job)
	}
}

var _ Generator = (*RedisQueue)(nil)
