// Package engine supervises one external simulation process per task.
// The engine is license-limited to a single concurrent run, so there is
// never more than one live process per worker.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type Engine struct {
	binary string
	grace  time.Duration
	logger *zap.Logger
}

func New(binary string, grace time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		binary: binary,
		grace:  grace,
		logger: logger,
	}
}

// Run executes the engine against inputPath, writing the result to
// resultPath. Combined stdout/stderr is appended line by line to the
// log file as it is produced, so concurrent readers see live output,
// and each line is handed to onLine for progress extraction.
//
// Run blocks until the process exits and returns its exit code. When
// ctx is cancelled the whole process group gets SIGTERM, then SIGKILL
// after the grace period, and Run returns ctx's error.
func (e *Engine) Run(ctx context.Context, inputPath, resultPath, logPath string, onLine func(string)) (int, error) {
	cmd := exec.Command(e.binary, "-inputfile", inputPath, "-outputfile", resultPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("engine stdout pipe: %w", err)
	}
	// Merge stderr into the same pipe; the log is the combined stream.
	cmd.Stderr = cmd.Stdout

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start engine: %w", err)
	}

	e.logger.Info("Engine started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("input", inputPath),
	)

	done := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(logFile, line)
			if onLine != nil {
				onLine(line)
			}
		}
		done <- cmd.Wait()
	}()

	select {
	case waitErr := <-done:
		return exitCode(waitErr)
	case <-ctx.Done():
		e.terminate(cmd, done)
		return -1, ctx.Err()
	}
}

// terminate signals the process group and escalates to SIGKILL if the
// engine ignores SIGTERM past the grace period.
func (e *Engine) terminate(cmd *exec.Cmd, done <-chan error) {
	pgid := cmd.Process.Pid

	e.logger.Info("Terminating engine process group", zap.Int("pgid", pgid))
	syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return
	case <-time.After(e.grace):
		e.logger.Warn("Engine did not exit in time, killing", zap.Int("pgid", pgid))
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
}

func exitCode(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, fmt.Errorf("wait for engine: %w", waitErr)
}
