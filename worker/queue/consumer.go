// Package queue is the consumer side of the dispatch broker. Lane
// priority lives entirely in the key order handed to BLPOP: the high
// lane is always drained before the normal lane is considered, and
// that preference is re-evaluated at every dispatch.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	highLaneKey   = "queue:high"
	normalLaneKey = "queue:normal"
	cancelChannel = "task:cancel"
)

// lanesInPriorityOrder is what makes the dispatcher prefer high over
// normal; FIFO within each lane comes from RPUSH/BLPOP list semantics.
var lanesInPriorityOrder = []string{highLaneKey, normalLaneKey}

type Consumer struct {
	client *redis.Client
}

func NewConsumer(client *redis.Client) *Consumer {
	return &Consumer{client: client}
}

// DequeueBlocking waits up to timeout for the next claimable task ID,
// honoring lane priority. An empty ID with nil error means the wait
// timed out and the caller should loop.
func (c *Consumer) DequeueBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := c.client.BLPop(ctx, timeout, lanesInPriorityOrder...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}

	// BLPOP returns [key, value].
	if len(result) != 2 {
		return "", nil
	}
	return result[1], nil
}

// SubscribeCancel invokes handler with the task ID of every published
// cancellation until ctx is done. The handler decides whether the ID
// matches work this worker is actually running.
func (c *Consumer) SubscribeCancel(ctx context.Context, handler func(taskID string)) error {
	pubsub := c.client.Subscribe(ctx, cancelChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Payload)
		}
	}
}
