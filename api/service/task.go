package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"simRunner/api/cache"
	"simRunner/api/dto"
	"simRunner/api/kafka"
	"simRunner/api/middleware"
	"simRunner/api/models"
	"simRunner/api/repository"
	"simRunner/api/storage"
)

const enqueueAttempts = 3

// Broker is the producer side of the dispatch queue.
type Broker interface {
	Enqueue(ctx context.Context, priority models.Priority, taskID string) error
	RemoveQueued(ctx context.Context, priority models.Priority, taskID string) (bool, error)
	PublishCancel(ctx context.Context, taskID string) error
}

type StatusCache interface {
	Get(ctx context.Context, taskID string) (*cache.Entry, error)
	Set(ctx context.Context, taskID string, entry cache.Entry) error
	Delete(ctx context.Context, taskID string) error
}

type Storage interface {
	SaveUpload(username, storedFilename string, src io.Reader) (int64, error)
	ResultPath(username, resultFilename string) string
	LogPath(username, logFilename string) string
	RemoveTaskFiles(username, storedFilename, resultFilename, logFilename string)
}

type TaskService struct {
	repo     repository.Repository
	broker   Broker
	cache    StatusCache
	storage  Storage
	producer kafka.Producer
	topic    string
	logger   *zap.Logger
}

func NewTaskService(repo repository.Repository, broker Broker, statusCache StatusCache, store Storage, producer kafka.Producer, topic string, logger *zap.Logger) *TaskService {
	return &TaskService{
		repo:     repo,
		broker:   broker,
		cache:    statusCache,
		storage:  store,
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

type Upload struct {
	Filename string
	File     io.Reader
}

// CreateTask stores the upload, records a pending task and pushes it
// into its priority lane. A broker outage leaves the task pending
// rather than failing the submission.
func (s *TaskService) CreateTask(ctx context.Context, identity middleware.Identity, upload Upload, priority models.Priority) (*dto.TaskResponse, error) {
	user, err := s.repo.EnsureUser(ctx, identity.Username, identity.IsAdmin)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	storedFilename := storage.StoredFilename(upload.Filename)
	size, err := s.storage.SaveUpload(user.Username, storedFilename, upload.File)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		UserID:           user.ID,
		OriginalFilename: filepath.Base(upload.Filename),
		StoredFilename:   storedFilename,
		FileSize:         size,
		Priority:         priority,
		Status:           models.StatusPending,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.setCache(ctx, task)

	if err := s.enqueue(ctx, task); err != nil {
		// Broker unreachable: the task stays pending and visible;
		// the operator resolves the outage and resubmits.
		s.logger.Error("Failed to enqueue task, left pending",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}

	s.emitEvent(ctx, task.ID, user.ID, task.Status, task.Progress, "", "")

	return s.toResponse(task), nil
}

func (s *TaskService) enqueue(ctx context.Context, task *models.Task) error {
	var err error
	for attempt := 1; attempt <= enqueueAttempts; attempt++ {
		err = s.broker.Enqueue(ctx, task.Priority, task.ID)
		if err == nil {
			if ok, qErr := s.repo.MarkQueued(ctx, task.ID); qErr == nil && ok {
				task.Status = models.StatusQueued
				s.setCache(ctx, task)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return err
}

func (s *TaskService) ListTasks(ctx context.Context, identity middleware.Identity) ([]*dto.TaskResponse, error) {
	user, err := s.repo.EnsureUser(ctx, identity.Username, identity.IsAdmin)
	if err != nil {
		return nil, err
	}

	tasks, err := s.repo.ListTasksByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	responses := make([]*dto.TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, s.toResponse(task))
	}

	return responses, nil
}

// GetTaskStatus answers from the status cache when possible; the full
// record is loaded only on a miss. Either way the caller must own the
// task or be an administrator.
func (s *TaskService) GetTaskStatus(ctx context.Context, identity middleware.Identity, taskID string) (*dto.TaskResponse, error) {
	user, err := s.repo.EnsureUser(ctx, identity.Username, identity.IsAdmin)
	if err != nil {
		return nil, err
	}

	if entry, err := s.cache.Get(ctx, taskID); err == nil {
		if entry.Owner != user.ID && !user.IsAdmin {
			return nil, dto.ErrForbidden
		}
		resp := &dto.TaskResponse{
			ID:           taskID,
			Status:       string(entry.Status),
			Progress:     entry.Progress,
			CreatedAt:    entry.CreatedAt,
			ErrorMessage: entry.ErrorMessage,
			Ambiguous:    entry.Ambiguous,
		}
		if entry.Status == models.StatusCompleted {
			url := downloadURL(taskID)
			resp.DownloadURL = &url
		}
		return resp, nil
	}

	task, err := s.getAuthorized(ctx, user, taskID)
	if err != nil {
		return nil, err
	}

	s.setCache(ctx, task)

	return s.toResponse(task), nil
}

// GetLog returns the raw engine output. Logs disappear with the task,
// so a deleted task yields not-found.
func (s *TaskService) GetLog(ctx context.Context, identity middleware.Identity, taskID string) (string, error) {
	user, err := s.repo.EnsureUser(ctx, identity.Username, identity.IsAdmin)
	if err != nil {
		return "", err
	}

	task, err := s.getAuthorized(ctx, user, taskID)
	if err != nil {
		return "", err
	}

	if task.LogFilename == "" {
		return "", dto.ErrLogNotFound
	}

	owner, err := s.repo.GetUserByID(ctx, task.UserID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(s.storage.LogPath(owner.Username, task.LogFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return "", dto.ErrLogNotFound
		}
		return "", fmt.Errorf("read log file: %w", err)
	}

	return string(data), nil
}

// Download resolves the result artifact path and the attachment name
// presented to the user.
func (s *TaskService) Download(ctx context.Context, identity middleware.Identity, taskID string) (string, string, error) {
	user, err := s.repo.EnsureUser(ctx, identity.Username, identity.IsAdmin)
	if err != nil {
		return "", "", err
	}

	task, err := s.getAuthorized(ctx, user, taskID)
	if err != nil {
		return "", "", err
	}

	if task.Status != models.StatusCompleted || task.ResultFilename == "" {
		return "", "", dto.ErrResultNotFound
	}

	owner, err := s.repo.GetUserByID(ctx, task.UserID)
	if err != nil {
		return "", "", err
	}

	path := s.storage.ResultPath(owner.Username, task.ResultFilename)
	if _, err := os.Stat(path); err != nil {
		return "", "", dto.ErrResultNotFound
	}

	return path, "solved_" + task.OriginalFilename, nil
}

// Cancel resolves the cancellation race through the store's conditional
// update: whoever still observes a non-terminal status wins. A queued
// task is pulled from its lane; a running one gets a kill published to
// its worker. Tasks already finished report a no-op.
func (s *TaskService) Cancel(ctx context.Context, identity middleware.Identity, taskID string) (*dto.CancelResponse, error) {
	user, err := s.repo.EnsureUser(ctx, identity.Username, identity.IsAdmin)
	if err != nil {
		return nil, err
	}

	task, err := s.getAuthorized(ctx, user, taskID)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.repo.MarkCancelled(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if !cancelled {
		return &dto.CancelResponse{Success: false, Message: "already finished"}, nil
	}

	if _, err := s.broker.RemoveQueued(ctx, task.Priority, taskID); err != nil {
		s.logger.Warn("Failed to remove cancelled task from lane",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}

	if err := s.broker.PublishCancel(ctx, taskID); err != nil {
		s.logger.Warn("Failed to publish cancel signal",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}

	task.Status = models.StatusCancelled
	s.setCache(ctx, task)
	s.emitEvent(ctx, taskID, task.UserID, models.StatusCancelled, task.Progress, "", "")

	return &dto.CancelResponse{Success: true, Message: "task cancelled"}, nil
}

// Delete stops any in-flight work, removes every artifact the task owns
// and finally drops the record. File removal failures never block the
// record delete.
func (s *TaskService) Delete(ctx context.Context, identity middleware.Identity, taskID string) error {
	user, err := s.repo.EnsureUser(ctx, identity.Username, identity.IsAdmin)
	if err != nil {
		return err
	}

	task, err := s.getAuthorized(ctx, user, taskID)
	if err != nil {
		return err
	}

	if !task.Status.IsTerminal() {
		if cancelled, err := s.repo.MarkCancelled(ctx, taskID); err == nil && cancelled {
			if _, err := s.broker.RemoveQueued(ctx, task.Priority, taskID); err != nil {
				s.logger.Warn("Failed to remove task from lane before delete",
					zap.String("task_id", taskID),
					zap.Error(err),
				)
			}
			if err := s.broker.PublishCancel(ctx, taskID); err != nil {
				s.logger.Warn("Failed to publish cancel signal before delete",
					zap.String("task_id", taskID),
					zap.Error(err),
				)
			}
		}
	}

	owner, err := s.repo.GetUserByID(ctx, task.UserID)
	if err != nil {
		return err
	}

	s.storage.RemoveTaskFiles(owner.Username, task.StoredFilename, task.ResultFilename, task.LogFilename)

	if err := s.repo.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	s.cache.Delete(ctx, taskID)

	return nil
}

func (s *TaskService) GetStats(ctx context.Context) (*dto.StatsResponse, error) {
	stats, err := s.repo.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	return &dto.StatsResponse{
		Pending:        stats.Pending,
		Running:        stats.Running,
		CompletedToday: stats.CompletedToday,
		FailedToday:    stats.FailedToday,
	}, nil
}

func (s *TaskService) getAuthorized(ctx context.Context, user *models.User, taskID string) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, dto.ErrTaskNotFound
		}
		return nil, err
	}

	if task.UserID != user.ID && !user.IsAdmin {
		return nil, dto.ErrForbidden
	}

	return task, nil
}

func (s *TaskService) setCache(ctx context.Context, task *models.Task) {
	entry := cache.Entry{
		Owner:        task.UserID,
		Status:       task.Status,
		Progress:     task.Progress,
		CreatedAt:    task.CreatedAt.Format(time.RFC3339),
		ErrorMessage: task.ErrorMessage,
		Ambiguous:    task.Ambiguous,
	}
	if err := s.cache.Set(ctx, task.ID, entry); err != nil {
		s.logger.Warn("Failed to update status cache",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

func (s *TaskService) emitEvent(ctx context.Context, taskID, userID string, status models.TaskStatus, progress int, step, errMsg string) {
	event := &kafka.TaskEvent{
		TaskID:       taskID,
		UserID:       userID,
		Status:       string(status),
		Progress:     progress,
		Step:         step,
		ErrorMessage: errMsg,
		At:           time.Now().UTC(),
	}
	if err := s.producer.SendTaskEvent(ctx, s.topic, event); err != nil {
		s.logger.Warn("Failed to publish task event",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

func downloadURL(taskID string) string {
	return "/download/" + taskID
}

func (s *TaskService) toResponse(task *models.Task) *dto.TaskResponse {
	resp := &dto.TaskResponse{
		ID:               task.ID,
		OriginalFilename: task.OriginalFilename,
		Priority:         string(task.Priority),
		Status:           string(task.Status),
		Progress:         task.Progress,
		CurrentStep:      task.CurrentStep,
		CreatedAt:        task.CreatedAt.Format(time.RFC3339),
		ErrorMessage:     task.ErrorMessage,
		Ambiguous:        task.Ambiguous,
	}

	if task.FinishedAt != nil {
		formatted := task.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &formatted
	}

	if task.Status == models.StatusCompleted && task.ResultFilename != "" {
		url := downloadURL(task.ID)
		resp.DownloadURL = &url
	}

	return resp
}
