package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"simRunner/worker/cache"
	"simRunner/worker/events"
	"simRunner/worker/progress"
	"simRunner/worker/repository"
	"simRunner/worker/storage"
)

// Engine is the supervised external process boundary.
type Engine interface {
	Run(ctx context.Context, inputPath, resultPath, logPath string, onLine func(string)) (int, error)
}

type StatusCache interface {
	Set(ctx context.Context, taskID string, entry cache.Entry) error
}

// Processor executes one claimed task at a time: claim, supervise the
// engine while extracting progress from its output, then classify the
// complete log into a terminal status.
type Processor struct {
	repo   repository.Repository
	cache  StatusCache
	events events.Producer
	store  *storage.Paths
	engine Engine
	logger *zap.Logger

	mu            sync.Mutex
	currentID     string
	currentCancel context.CancelFunc
	cancelAsked   bool
}

func NewProcessor(repo repository.Repository, statusCache StatusCache, producer events.Producer, store *storage.Paths, eng Engine, logger *zap.Logger) *Processor {
	return &Processor{
		repo:   repo,
		cache:  statusCache,
		events: producer,
		store:  store,
		engine: eng,
		logger: logger,
	}
}

var _ StatusCache = (*cache.StatusCache)(nil)

// Process runs the full lifecycle for one dequeued task ID. A claim
// that fails because another dispatcher won, or because the task was
// cancelled while queued, is not an error.
func (p *Processor) Process(ctx context.Context, taskID string) error {
	task, claimed, err := p.repo.ClaimTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !claimed {
		p.logger.Info("Skipping task, claim lost or no longer eligible",
			zap.String("task_id", taskID),
		)
		return nil
	}

	p.logger.Info("Task claimed",
		zap.String("task_id", task.ID),
		zap.String("file", task.OriginalFilename),
		zap.String("priority", task.Priority),
	)

	p.setStatus(ctx, task, "running", 0, "", "")

	if err := p.store.EnsureUserDirs(task.Username); err != nil {
		p.failTask(ctx, task, "", "storage error: "+err.Error())
		return nil
	}

	logFilename := storage.LogFilename(task.StoredFilename)
	if err := p.repo.SetLogFilename(ctx, task.ID, logFilename); err != nil {
		p.logger.Warn("Failed to record log filename",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}

	inputPath := p.store.UploadPath(task.Username, task.StoredFilename)
	resultFilename := storage.ResultFilename(task.StoredFilename)
	resultPath := p.store.ResultPath(task.Username, resultFilename)
	logPath := p.store.LogPath(task.Username, logFilename)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.setCurrent(task.ID, cancel)
	defer p.clearCurrent(task.ID)

	lastProgress := 0
	onLine := func(line string) {
		pct, step, ok := progress.ParseProgress(line)
		if !ok || pct <= lastProgress {
			return
		}
		lastProgress = pct
		if err := p.repo.UpdateProgress(ctx, task.ID, pct, step); err != nil {
			p.logger.Warn("Failed to update progress",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			return
		}
		p.record(ctx, task, "running", pct, "", false)
		p.emit(ctx, task, "running", pct, step, "")
	}

	exitCode, runErr := p.engine.Run(runCtx, inputPath, resultPath, logPath, onLine)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			p.store.DiscardResult(resultPath)
			if p.cancelRequested(task.ID) {
				// The cancellation controller already owns the status;
				// this side only discards the partial output.
				p.logger.Info("Execution cancelled", zap.String("task_id", task.ID))
				p.record(ctx, task, "cancelled", lastProgress, "", false)
			} else {
				// Worker shutdown, not an operator cancel. The row
				// stays running; stamping cancelled into the cache
				// would misreport a task nobody asked to stop.
				p.logger.Info("Execution interrupted by shutdown",
					zap.String("task_id", task.ID),
				)
			}
			return nil
		}
		p.failTask(ctx, task, resultPath, "engine execution error: "+runErr.Error())
		return nil
	}

	logData, err := os.ReadFile(logPath)
	if err != nil {
		p.logger.Warn("Failed to read log for classification",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}

	outcome := progress.Classify(string(logData), exitCode)

	// A completed classification still requires the artifact to exist;
	// a success marker with no output file is a failure.
	if outcome.Status == progress.StatusCompleted {
		if _, statErr := os.Stat(resultPath); statErr != nil {
			outcome = progress.Outcome{
				Status:       progress.StatusFailed,
				ErrorMessage: "engine completed but no output file was generated",
			}
		}
	}

	switch outcome.Status {
	case progress.StatusCompleted:
		ok, err := p.repo.MarkCompleted(ctx, task.ID, resultFilename, outcome.Ambiguous)
		if err != nil {
			return fmt.Errorf("mark completed %s: %w", task.ID, err)
		}
		if !ok {
			// Cancelled between exit and classification.
			p.store.DiscardResult(resultPath)
			return nil
		}
		p.store.PurgeSideArtifacts(resultPath)
		p.record(ctx, task, "completed", 100, "", outcome.Ambiguous)
		p.emit(ctx, task, "completed", 100, "", "")
		p.logger.Info("Task completed",
			zap.String("task_id", task.ID),
			zap.Bool("ambiguous", outcome.Ambiguous),
		)
	case progress.StatusFailed:
		ok, err := p.repo.MarkFailed(ctx, task.ID, outcome.ErrorMessage, outcome.Ambiguous)
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", task.ID, err)
		}
		if !ok {
			p.store.DiscardResult(resultPath)
			return nil
		}
		p.store.PurgeSideArtifacts(resultPath)
		p.record(ctx, task, "failed", lastProgress, outcome.ErrorMessage, outcome.Ambiguous)
		p.emit(ctx, task, "failed", lastProgress, "", outcome.ErrorMessage)
		p.logger.Info("Task failed",
			zap.String("task_id", task.ID),
			zap.String("error", outcome.ErrorMessage),
		)
	}

	return nil
}

// HandleCancel reacts to a published cancellation: if this worker is
// executing the task, the engine's context is cancelled, which
// terminates the process group.
func (p *Processor) HandleCancel(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentID != taskID || p.currentCancel == nil {
		return
	}

	p.logger.Info("Cancel signal received for running task",
		zap.String("task_id", taskID),
	)
	p.cancelAsked = true
	p.currentCancel()
}

func (p *Processor) failTask(ctx context.Context, task *repository.Task, resultPath, message string) {
	ok, err := p.repo.MarkFailed(ctx, task.ID, message, false)
	if err != nil {
		p.logger.Error("Failed to mark task failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}
	if !ok {
		if resultPath != "" {
			p.store.DiscardResult(resultPath)
		}
		return
	}
	if resultPath != "" {
		p.store.PurgeSideArtifacts(resultPath)
	}
	p.record(ctx, task, "failed", 0, message, false)
	p.emit(ctx, task, "failed", 0, "", message)
	p.logger.Error("Task failed before classification",
		zap.String("task_id", task.ID),
		zap.String("error", message),
	)
}

func (p *Processor) setStatus(ctx context.Context, task *repository.Task, status string, pct int, step, errMsg string) {
	p.record(ctx, task, status, pct, errMsg, false)
	p.emit(ctx, task, status, pct, step, errMsg)
}

// record writes the full polling view of the task, matching the entry
// shape the API side maintains.
func (p *Processor) record(ctx context.Context, task *repository.Task, status string, pct int, errMsg string, ambiguous bool) {
	entry := cache.Entry{
		Owner:        task.UserID,
		Status:       status,
		Progress:     pct,
		CreatedAt:    task.CreatedAt.Format(time.RFC3339),
		ErrorMessage: errMsg,
		Ambiguous:    ambiguous,
	}
	if err := p.cache.Set(ctx, task.ID, entry); err != nil {
		p.logger.Warn("Failed to update status cache",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

func (p *Processor) emit(ctx context.Context, task *repository.Task, status string, pct int, step, errMsg string) {
	event := &events.TaskEvent{
		TaskID:       task.ID,
		UserID:       task.UserID,
		Status:       status,
		Progress:     pct,
		Step:         step,
		ErrorMessage: errMsg,
		At:           time.Now().UTC(),
	}
	if err := p.events.Send(ctx, event); err != nil {
		p.logger.Warn("Failed to publish task event",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

func (p *Processor) setCurrent(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentID = taskID
	p.currentCancel = cancel
	p.cancelAsked = false
}

// cancelRequested reports whether an operator cancellation arrived for
// the task, as opposed to the run context dying with the worker.
func (p *Processor) cancelRequested(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentID == taskID && p.cancelAsked
}

func (p *Processor) clearCurrent(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentID == taskID {
		p.currentID = ""
		p.currentCancel = nil
	}
}
