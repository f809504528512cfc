package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"simRunner/api/database"
	"simRunner/api/models"
)

const taskColumns = `id, user_id, original_filename, stored_filename, file_size,
	priority, status, progress, current_step,
	created_at, queued_at, started_at, finished_at,
	result_filename, log_filename, error_message, classification_ambiguous`

type PostgresRepo struct {
	db *database.DB
}

func NewPostgresRepo(db *database.DB) Repository {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) EnsureUser(ctx context.Context, username string, isAdmin bool) (*models.User, error) {
	query := `
		INSERT INTO users (username, is_admin)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET last_seen = NOW()
		RETURNING id, username, is_admin
	`

	var user models.User
	err := r.db.Pool.QueryRow(ctx, query, username, isAdmin).Scan(&user.ID, &user.Username, &user.IsAdmin)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepo) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, username, is_admin FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Username, &user.IsAdmin)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepo) CreateTask(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (user_id, original_filename, stored_filename, file_size, priority, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	return r.db.Pool.QueryRow(ctx, query,
		task.UserID,
		task.OriginalFilename,
		task.StoredFilename,
		task.FileSize,
		task.Priority,
		task.Status,
	).Scan(&task.ID, &task.CreatedAt)
}

func (r *PostgresRepo) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	return task, nil
}

func (r *PostgresRepo) ListTasksByUser(ctx context.Context, userID string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

func (r *PostgresRepo) MarkQueued(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'queued', queued_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}

	return result.RowsAffected() > 0, nil
}

func (r *PostgresRepo) MarkCancelled(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'cancelled', finished_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued', 'running')
	`

	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}

	return result.RowsAffected() > 0, nil
}

func (r *PostgresRepo) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	return nil
}

func (r *PostgresRepo) GetStats(ctx context.Context) (*models.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'queued')),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed' AND finished_at >= CURRENT_DATE),
			COUNT(*) FILTER (WHERE status = 'failed' AND finished_at >= CURRENT_DATE)
		FROM tasks
	`

	var stats models.Stats
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Running,
		&stats.CompletedToday,
		&stats.FailedToday,
	)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.OriginalFilename,
		&task.StoredFilename,
		&task.FileSize,
		&task.Priority,
		&task.Status,
		&task.Progress,
		&task.CurrentStep,
		&task.CreatedAt,
		&task.QueuedAt,
		&task.StartedAt,
		&task.FinishedAt,
		&task.ResultFilename,
		&task.LogFilename,
		&task.ErrorMessage,
		&task.Ambiguous,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}
