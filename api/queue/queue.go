// Package queue is the producer side of the dispatch broker: two Redis
// lists, one per priority lane, holding task IDs in FIFO order, plus the
// pub/sub channel used to interrupt in-flight executions.
package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"simRunner/api/models"
)

const (
	HighLaneKey   = "queue:high"
	NormalLaneKey = "queue:normal"
	CancelChannel = "task:cancel"
)

func LaneKey(priority models.Priority) string {
	if priority == models.PriorityHigh {
		return HighLaneKey
	}
	return NormalLaneKey
}

type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Enqueue(ctx context.Context, priority models.Priority, taskID string) error {
	return q.client.RPush(ctx, LaneKey(priority), taskID).Err()
}

// RemoveQueued takes a not-yet-claimed task out of its lane. Returns
// false when the ID was not found, i.e. a dispatcher already popped it.
func (q *Queue) RemoveQueued(ctx context.Context, priority models.Priority, taskID string) (bool, error) {
	removed, err := q.client.LRem(ctx, LaneKey(priority), 0, taskID).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// PublishCancel tells whichever worker is executing the task to
// terminate its engine process. A message for a task nobody is running
// is simply ignored on the worker side.
func (q *Queue) PublishCancel(ctx context.Context, taskID string) error {
	return q.client.Publish(ctx, CancelChannel, taskID).Err()
}
