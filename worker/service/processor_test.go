package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"simRunner/worker/cache"
	"simRunner/worker/events"
	"simRunner/worker/repository"
	"simRunner/worker/storage"
)

type fakeRepo struct {
	mu sync.Mutex

	task    *repository.Task
	claimOK bool

	progress []int
	steps    []string

	completedWith string
	completedAmb  bool
	failedWith    string
	failedAmb     bool
	markOK        bool

	logFilename string
}

func (r *fakeRepo) ClaimTask(ctx context.Context, taskID string) (*repository.Task, bool, error) {
	if !r.claimOK {
		return nil, false, nil
	}
	return r.task, true, nil
}

func (r *fakeRepo) SetLogFilename(ctx context.Context, taskID, logFilename string) error {
	r.logFilename = logFilename
	return nil
}

func (r *fakeRepo) UpdateProgress(ctx context.Context, taskID string, progress int, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progress)
	r.steps = append(r.steps, step)
	return nil
}

func (r *fakeRepo) MarkCompleted(ctx context.Context, taskID, resultFilename string, ambiguous bool) (bool, error) {
	r.completedWith = resultFilename
	r.completedAmb = ambiguous
	return r.markOK, nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, taskID, errorMessage string, ambiguous bool) (bool, error) {
	r.failedWith = errorMessage
	r.failedAmb = ambiguous
	return r.markOK, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries []cache.Entry
}

func (c *fakeCache) Set(ctx context.Context, taskID string, entry cache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *fakeCache) last() cache.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[len(c.entries)-1]
}

type fakeProducer struct {
	mu     sync.Mutex
	events []*events.TaskEvent
}

func (p *fakeProducer) Send(ctx context.Context, event *events.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

// fakeEngine simulates an engine run: emits configured lines, writes
// the log file, optionally creates the result artifact, then exits.
type fakeEngine struct {
	lines        []string
	exitCode     int
	createResult bool
	sideFiles    bool
	started      chan struct{}
	blockOnCtx   bool
}

func (e *fakeEngine) Run(ctx context.Context, inputPath, resultPath, logPath string, onLine func(string)) (int, error) {
	if e.started != nil {
		close(e.started)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	for _, line := range e.lines {
		logFile.WriteString(line + "\n")
		if onLine != nil {
			onLine(line)
		}
	}

	if e.blockOnCtx {
		<-ctx.Done()
		return -1, ctx.Err()
	}

	if e.createResult {
		os.WriteFile(resultPath, []byte("result"), 0o644)
	}
	if e.sideFiles {
		os.WriteFile(resultPath+".recovery", []byte("r"), 0o644)
		os.WriteFile(resultPath+".status", []byte("s"), 0o644)
	}

	return e.exitCode, nil
}

func testTask() *repository.Task {
	return &repository.Task{
		ID:               "task-1",
		UserID:           "user-1",
		Username:         "alice",
		OriginalFilename: "model.mph",
		StoredFilename:   "model_20240101_abcd1234.mph",
		Priority:         "high",
		CreatedAt:        time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newTestProcessor(t *testing.T, repo *fakeRepo, eng Engine) (*Processor, *storage.Paths, *fakeCache, *fakeProducer) {
	tmpDir := t.TempDir()
	store := storage.NewPaths(
		filepath.Join(tmpDir, "uploads"),
		filepath.Join(tmpDir, "results"),
		filepath.Join(tmpDir, "logs"),
		zaptest.NewLogger(t),
	)
	statusCache := &fakeCache{}
	producer := &fakeProducer{}
	proc := NewProcessor(repo, statusCache, producer, store, eng, zaptest.NewLogger(t))
	return proc, store, statusCache, producer
}

func TestProcessor_SuccessfulRun(t *testing.T) {
	repo := &fakeRepo{task: testTask(), claimOK: true, markOK: true}
	eng := &fakeEngine{
		lines: []string{
			"当前进度: 45 % - 求解",
			"当前进度: 100 % - 完成",
		},
		exitCode:     0,
		createResult: true,
		sideFiles:    true,
	}
	proc, store, statusCache, producer := newTestProcessor(t, repo, eng)

	if err := proc.Process(context.Background(), "task-1"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if repo.completedWith != "model_20240101_abcd1234_solved.mph" {
		t.Errorf("Unexpected result filename: %q", repo.completedWith)
	}
	if repo.completedAmb {
		t.Error("Run with success marker must not be ambiguous")
	}
	if len(repo.progress) != 2 || repo.progress[0] != 45 || repo.progress[1] != 100 {
		t.Errorf("Unexpected progress updates: %v", repo.progress)
	}

	resultPath := store.ResultPath("alice", repo.completedWith)
	if _, err := os.Stat(resultPath); err != nil {
		t.Error("Result artifact must be kept on completion")
	}
	for _, side := range []string{resultPath + ".recovery", resultPath + ".status"} {
		if _, err := os.Stat(side); !os.IsNotExist(err) {
			t.Errorf("Side artifact %q must be purged at terminal state", side)
		}
	}

	lastEntry := statusCache.last()
	if lastEntry.Status != "completed" {
		t.Errorf("Expected final cached state completed, got %q", lastEntry.Status)
	}

	lastEvent := producer.events[len(producer.events)-1]
	if lastEvent.Status != "completed" || lastEvent.Progress != 100 {
		t.Errorf("Unexpected final event: %+v", lastEvent)
	}
}

func TestProcessor_ProgressIsMonotonic(t *testing.T) {
	repo := &fakeRepo{task: testTask(), claimOK: true, markOK: true}
	eng := &fakeEngine{
		lines: []string{
			"当前进度: 40 % - 求解",
			"当前进度: 30 % - 重试",
			"当前进度: 40 % - 求解",
			"当前进度: 75 % - 求解",
		},
		exitCode:     0,
		createResult: true,
	}
	proc, _, _, _ := newTestProcessor(t, repo, eng)

	if err := proc.Process(context.Background(), "task-1"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	for i := 1; i < len(repo.progress); i++ {
		if repo.progress[i] <= repo.progress[i-1] {
			t.Fatalf("Progress not strictly increasing: %v", repo.progress)
		}
	}
	if len(repo.progress) != 2 {
		t.Errorf("Expected exactly 2 accepted updates (40, 75), got %v", repo.progress)
	}
}

func TestProcessor_FailureSignatureWithZeroExit(t *testing.T) {
	repo := &fakeRepo{task: testTask(), claimOK: true, markOK: true}
	eng := &fakeEngine{
		lines: []string{
			"当前进度: 20 % - 装配",
			"错误: 网格质量过低",
		},
		exitCode:     0,
		createResult: true,
	}
	proc, _, statusCache, _ := newTestProcessor(t, repo, eng)

	if err := proc.Process(context.Background(), "task-1"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if repo.completedWith != "" {
		t.Error("Task must not be marked completed")
	}
	if !strings.Contains(repo.failedWith, "网格质量过低") {
		t.Errorf("Expected signature context in failure message, got %q", repo.failedWith)
	}
	if repo.failedAmb {
		t.Error("Signature-based failure is not ambiguous")
	}

	// The cached record must carry the full terminal view so polls
	// served from the cache still explain the failure.
	lastEntry := statusCache.last()
	if lastEntry.Status != "failed" {
		t.Errorf("Expected cached state failed, got %q", lastEntry.Status)
	}
	if !strings.Contains(lastEntry.ErrorMessage, "网格质量过低") {
		t.Errorf("Cached entry missing failure reason: %+v", lastEntry)
	}
	if lastEntry.CreatedAt == "" {
		t.Error("Cached entry missing created_at")
	}
}

func TestProcessor_MissingResultArtifactFailsRun(t *testing.T) {
	repo := &fakeRepo{task: testTask(), claimOK: true, markOK: true}
	eng := &fakeEngine{
		lines:        []string{"当前进度: 100 % - 完成"},
		exitCode:     0,
		createResult: false,
	}
	proc, _, _, _ := newTestProcessor(t, repo, eng)

	if err := proc.Process(context.Background(), "task-1"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if repo.completedWith != "" {
		t.Error("A run without an output file must not complete")
	}
	if !strings.Contains(repo.failedWith, "no output file") {
		t.Errorf("Unexpected failure message: %q", repo.failedWith)
	}
}

func TestProcessor_LostClaimNeverStartsEngine(t *testing.T) {
	repo := &fakeRepo{claimOK: false}
	eng := &fakeEngine{started: make(chan struct{})}
	proc, _, _, producer := newTestProcessor(t, repo, eng)

	if err := proc.Process(context.Background(), "task-1"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	select {
	case <-eng.started:
		t.Fatal("Engine must not start for a lost claim")
	default:
	}
	if len(producer.events) != 0 {
		t.Error("No events expected for a lost claim")
	}
}

func TestProcessor_CancelDiscardsPartialResult(t *testing.T) {
	repo := &fakeRepo{task: testTask(), claimOK: true, markOK: true}
	started := make(chan struct{})
	eng := &fakeEngine{
		lines:      []string{"当前进度: 15 % - 求解"},
		started:    started,
		blockOnCtx: true,
	}
	proc, store, statusCache, _ := newTestProcessor(t, repo, eng)

	// A partial output exists by the time the cancel lands.
	if err := store.EnsureUserDirs("alice"); err != nil {
		t.Fatal(err)
	}
	resultPath := store.ResultPath("alice", "model_20240101_abcd1234_solved.mph")

	done := make(chan error, 1)
	go func() {
		done <- proc.Process(context.Background(), "task-1")
	}()

	<-started
	os.WriteFile(resultPath, []byte("partial"), 0o644)
	os.WriteFile(resultPath+".recovery", []byte("r"), 0o644)
	proc.HandleCancel("task-1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after cancel")
	}

	if repo.completedWith != "" || repo.failedWith != "" {
		t.Error("Cancelled run must not reach a classified terminal state")
	}
	if _, err := os.Stat(resultPath); !os.IsNotExist(err) {
		t.Error("Partial result must be discarded on cancellation")
	}
	if _, err := os.Stat(resultPath + ".recovery"); !os.IsNotExist(err) {
		t.Error("Side artifacts must be discarded on cancellation")
	}

	if lastEntry := statusCache.last(); lastEntry.Status != "cancelled" {
		t.Errorf("Expected cached state cancelled, got %q", lastEntry.Status)
	}
}

func TestProcessor_CancelForOtherTaskIsIgnored(t *testing.T) {
	repo := &fakeRepo{task: testTask(), claimOK: true, markOK: true}
	eng := &fakeEngine{
		lines:        []string{"当前进度: 100 % - 完成"},
		createResult: true,
	}
	proc, _, _, _ := newTestProcessor(t, repo, eng)

	// Nothing is running; a stray cancel for an unknown task must be a
	// no-op rather than a panic or a stored cancellation.
	proc.HandleCancel("someone-elses-task")

	if err := proc.Process(context.Background(), "task-1"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if repo.completedWith == "" {
		t.Error("Run must complete normally after unrelated cancel")
	}
}

func TestProcessor_ShutdownDoesNotStampCancelled(t *testing.T) {
	repo := &fakeRepo{task: testTask(), claimOK: true, markOK: true}
	started := make(chan struct{})
	eng := &fakeEngine{
		lines:      []string{"当前进度: 15 % - 求解"},
		started:    started,
		blockOnCtx: true,
	}
	proc, store, statusCache, _ := newTestProcessor(t, repo, eng)

	if err := store.EnsureUserDirs("alice"); err != nil {
		t.Fatal(err)
	}
	resultPath := store.ResultPath("alice", "model_20240101_abcd1234_solved.mph")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- proc.Process(ctx, "task-1")
	}()

	<-started
	os.WriteFile(resultPath, []byte("partial"), 0o644)
	// The whole worker is going down; nobody cancelled this task.
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after shutdown")
	}

	if repo.completedWith != "" || repo.failedWith != "" {
		t.Error("Interrupted run must not reach a classified terminal state")
	}
	if _, err := os.Stat(resultPath); !os.IsNotExist(err) {
		t.Error("Partial result must be discarded on shutdown")
	}
	if lastEntry := statusCache.last(); lastEntry.Status == "cancelled" {
		t.Error("Shutdown must not report the task as cancelled")
	}
}
