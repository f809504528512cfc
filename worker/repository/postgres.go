package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Task is the worker's view of a claimed task: enough to locate its
// files and report transitions, nothing more.
type Task struct {
	ID               string
	UserID           string
	Username         string
	OriginalFilename string
	StoredFilename   string
	Priority         string
	CreatedAt        time.Time
}

type Repository interface {
	// ClaimTask atomically moves a pending or queued task to running.
	// The boolean is false when another dispatcher won the claim or the
	// task was cancelled before dispatch; the loser just moves on.
	ClaimTask(ctx context.Context, taskID string) (*Task, bool, error)

	SetLogFilename(ctx context.Context, taskID, logFilename string) error

	// UpdateProgress is monotonic and only applies while the task is
	// still running.
	UpdateProgress(ctx context.Context, taskID string, progress int, step string) error

	// MarkCompleted and MarkFailed are conditional on status=running;
	// false means the task reached a terminal state first (cancelled).
	MarkCompleted(ctx context.Context, taskID, resultFilename string, ambiguous bool) (bool, error)
	MarkFailed(ctx context.Context, taskID, errorMessage string, ambiguous bool) (bool, error)
}

type PostgresRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ClaimTask(ctx context.Context, taskID string) (*Task, bool, error) {
	query := `
		UPDATE tasks
		SET status = 'running', started_at = NOW(), progress = 0
		WHERE id = $1 AND status IN ('pending', 'queued')
		RETURNING id, user_id, original_filename, stored_filename, priority, created_at
	`

	var task Task
	err := r.db.QueryRow(ctx, query, taskID).Scan(
		&task.ID,
		&task.UserID,
		&task.OriginalFilename,
		&task.StoredFilename,
		&task.Priority,
		&task.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	err = r.db.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, task.UserID).Scan(&task.Username)
	if err != nil {
		return nil, false, err
	}

	return &task, true, nil
}

func (r *PostgresRepo) SetLogFilename(ctx context.Context, taskID, logFilename string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE tasks SET log_filename = $2 WHERE id = $1`,
		taskID, logFilename,
	)
	return err
}

func (r *PostgresRepo) UpdateProgress(ctx context.Context, taskID string, progress int, step string) error {
	query := `
		UPDATE tasks
		SET progress = GREATEST(progress, $2), current_step = $3
		WHERE id = $1 AND status = 'running'
	`

	_, err := r.db.Exec(ctx, query, taskID, progress, step)
	return err
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, taskID, resultFilename string, ambiguous bool) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'completed', finished_at = NOW(), progress = 100,
		    result_filename = $2, classification_ambiguous = $3
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.Exec(ctx, query, taskID, resultFilename, ambiguous)
	if err != nil {
		return false, err
	}

	return result.RowsAffected() > 0, nil
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, taskID, errorMessage string, ambiguous bool) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'failed', finished_at = NOW(),
		    error_message = $2, classification_ambiguous = $3
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.Exec(ctx, query, taskID, errorMessage, ambiguous)
	if err != nil {
		return false, err
	}

	return result.RowsAffected() > 0, nil
}
