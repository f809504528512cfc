package repository

import (
	"context"
	"errors"

	"simRunner/api/models"
)

var (
	ErrTaskNotFound = errors.New("task not found")
)

type Repository interface {
	EnsureUser(ctx context.Context, username string, isAdmin bool) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByUser(ctx context.Context, userID string) ([]*models.Task, error)

	// MarkQueued moves pending→queued. Returns false when the task was
	// no longer pending (cancelled before enqueue).
	MarkQueued(ctx context.Context, id string) (bool, error)

	// MarkCancelled moves any non-terminal status to cancelled. Returns
	// false when the task had already reached a terminal state, which
	// callers report as "already finished".
	MarkCancelled(ctx context.Context, id string) (bool, error)

	DeleteTask(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*models.Stats, error)
}
