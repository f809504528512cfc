package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	dequeueTimeout = 5 * time.Second
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Broker is the consumer side of the dispatch queue.
type Broker interface {
	DequeueBlocking(ctx context.Context, timeout time.Duration) (string, error)
}

// Dispatcher is the single-slot dispatch loop: block for the next
// claimable task across the priority lanes, execute it to completion,
// repeat. One running task can never be preempted; lane priority is
// only consulted between executions.
type Dispatcher struct {
	broker Broker
	proc   *Processor
	logger *zap.Logger
}

func NewDispatcher(broker Broker, proc *Processor, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		broker: broker,
		proc:   proc,
		logger: logger,
	}
}

// Run loops until ctx is done. Per-task failures are logged and
// isolated; a broker outage pauses dispatch with growing backoff
// instead of killing the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		taskID, err := d.broker.DequeueBlocking(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("Queue broker unavailable, backing off",
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffInitial

		if taskID == "" {
			continue
		}

		if err := d.proc.Process(ctx, taskID); err != nil {
			d.logger.Error("Task processing failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}
}
