package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition_LifecycleGraph(t *testing.T) {
	allowed := map[TaskStatus][]TaskStatus{
		// pending→running covers the direct claim of a task whose
		// enqueue never landed, matching the claim's status predicate.
		StatusPending: {StatusQueued, StatusRunning, StatusCancelled},
		StatusQueued:  {StatusRunning, StatusCancelled},
		StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	}

	all := []TaskStatus{
		StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			require.Equal(t, want, CanTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestTaskStatus_NoTransitionLeavesTerminalState(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}
	all := []TaskStatus{
		StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled,
	}

	for _, from := range terminal {
		require.True(t, from.IsTerminal())
		for _, to := range all {
			require.False(t, CanTransition(from, to),
				"terminal state %s must not transition to %s", from, to)
		}
	}

	for _, s := range []TaskStatus{StatusPending, StatusQueued, StatusRunning} {
		require.False(t, s.IsTerminal())
	}
}

func TestParsePriority(t *testing.T) {
	require.Equal(t, PriorityHigh, ParsePriority("high"))
	require.Equal(t, PriorityNormal, ParsePriority("normal"))
	require.Equal(t, PriorityNormal, ParsePriority(""))
	require.Equal(t, PriorityNormal, ParsePriority("urgent"))
}
