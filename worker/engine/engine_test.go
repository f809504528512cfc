package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write fake engine: %v", err)
	}
	return path
}

func TestEngine_Run_StreamsOutputToLogAndHandler(t *testing.T) {
	bin := writeScript(t, `
echo "当前进度: 10 % - 网格剖分"
echo "当前进度: 45 % - 求解"
echo "stderr noise" >&2
echo "当前进度: 100 % - 完成"
exit 0
`)

	eng := New(bin, time.Second, zaptest.NewLogger(t))
	logPath := filepath.Join(t.TempDir(), "task.log")

	var lines []string
	code, err := eng.Run(context.Background(), "/tmp/in.mph", "/tmp/out.mph", logPath, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != 0 {
		t.Errorf("Expected exit code 0, got %d", code)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	logText := string(data)
	for _, want := range []string{"当前进度: 45 % - 求解", "stderr noise", "完成"} {
		if !strings.Contains(logText, want) {
			t.Errorf("Log file missing %q", want)
		}
	}
	if len(lines) != 4 {
		t.Errorf("Expected 4 lines handed to handler, got %d", len(lines))
	}
}

func TestEngine_Run_ReportsNonZeroExit(t *testing.T) {
	bin := writeScript(t, `
echo "错误: 求解器崩溃"
exit 3
`)

	eng := New(bin, time.Second, zaptest.NewLogger(t))
	logPath := filepath.Join(t.TempDir(), "task.log")

	code, err := eng.Run(context.Background(), "in", "out", logPath, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != 3 {
		t.Errorf("Expected exit code 3, got %d", code)
	}
}

func TestEngine_Run_AppendsToExistingLog(t *testing.T) {
	bin := writeScript(t, `echo "second run"`)

	logPath := filepath.Join(t.TempDir(), "task.log")
	if err := os.WriteFile(logPath, []byte("first run\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := New(bin, time.Second, zaptest.NewLogger(t))
	if _, err := eng.Run(context.Background(), "in", "out", logPath, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), "first run") || !strings.Contains(string(data), "second run") {
		t.Errorf("Expected append-mode log, got %q", data)
	}
}

func TestEngine_Run_CancelTerminatesProcess(t *testing.T) {
	bin := writeScript(t, `
echo "当前进度: 5 % - 启动"
sleep 30
`)

	eng := New(bin, time.Second, zaptest.NewLogger(t))
	logPath := filepath.Join(t.TempDir(), "task.log")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := eng.Run(ctx, "in", "out", logPath, nil)
	elapsed := time.Since(start)

	if err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Cancellation took too long: %v", elapsed)
	}
}

func TestEngine_Run_MissingBinary(t *testing.T) {
	eng := New("/nonexistent/engine-binary", time.Second, zaptest.NewLogger(t))
	logPath := filepath.Join(t.TempDir(), "task.log")

	_, err := eng.Run(context.Background(), "in", "out", logPath, nil)
	if err == nil {
		t.Fatal("Expected an error for a missing engine binary")
	}
	if !strings.Contains(err.Error(), "start engine") {
		t.Errorf("Expected start error, got %v", err)
	}
}
