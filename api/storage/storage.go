// Package storage owns the on-disk layout of task files: per-user
// namespaces under uploads/, results/ and logs/, collision-free stored
// filenames, and removal of every artifact a task left behind.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Manager struct {
	uploadsDir string
	resultsDir string
	logsDir    string
	logger     *zap.Logger
}

func NewManager(uploadsDir, resultsDir, logsDir string, logger *zap.Logger) (*Manager, error) {
	for _, dir := range []string{uploadsDir, resultsDir, logsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}

	return &Manager{
		uploadsDir: uploadsDir,
		resultsDir: resultsDir,
		logsDir:    logsDir,
		logger:     logger,
	}, nil
}

func UserFolder(username string) string {
	return "user_" + username
}

// StoredFilename derives a collision-free name for the uploaded file
// while the original name stays on the task record for display.
func StoredFilename(originalFilename string) string {
	base := filepath.Base(originalFilename)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	timestamp := time.Now().Format("20060102_150405")
	return fmt.Sprintf("%s_%s_%s%s", name, timestamp, uuid.New().String()[:8], ext)
}

// ResultFilename is the deterministic output name handed to the engine.
func ResultFilename(storedFilename string) string {
	ext := filepath.Ext(storedFilename)
	return strings.TrimSuffix(storedFilename, ext) + "_solved" + ext
}

func (m *Manager) UploadPath(username, storedFilename string) string {
	return filepath.Join(m.uploadsDir, UserFolder(username), storedFilename)
}

func (m *Manager) ResultPath(username, resultFilename string) string {
	return filepath.Join(m.resultsDir, UserFolder(username), resultFilename)
}

func (m *Manager) LogPath(username, logFilename string) string {
	return filepath.Join(m.logsDir, UserFolder(username), logFilename)
}

func (m *Manager) SaveUpload(username, storedFilename string, src io.Reader) (int64, error) {
	path := m.UploadPath(username, storedFilename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create user upload dir: %w", err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("write upload file: %w", err)
	}

	return written, nil
}

// SideArtifactPaths lists the ephemeral files the engine writes next to
// a result (recovery and status files).
func SideArtifactPaths(resultPath string) []string {
	return []string{
		resultPath + ".recovery",
		resultPath + ".status",
	}
}

// PurgeSideArtifacts removes recovery/status files once a task reaches
// a terminal state. Missing files are not an error.
func (m *Manager) PurgeSideArtifacts(resultPath string) {
	for _, path := range SideArtifactPaths(resultPath) {
		m.removeIfExists(path)
	}
}

// RemoveTaskFiles deletes everything a task owns on disk: the upload,
// the result and its side-artifacts, and the log. Failures are logged
// and skipped so the task record can still be deleted; the periodic
// cleanup job picks up anything left behind.
func (m *Manager) RemoveTaskFiles(username, storedFilename, resultFilename, logFilename string) {
	if storedFilename != "" {
		m.removeIfExists(m.UploadPath(username, storedFilename))
	}

	// Failed tasks may have a partial result under the deterministic
	// name even though no result_filename was recorded.
	if resultFilename == "" {
		resultFilename = ResultFilename(storedFilename)
	}
	resultPath := m.ResultPath(username, resultFilename)
	m.removeIfExists(resultPath)
	m.PurgeSideArtifacts(resultPath)

	if logFilename != "" {
		m.removeIfExists(m.LogPath(username, logFilename))
	}
}

func (m *Manager) removeIfExists(path string) {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return
	}
	m.logger.Warn("Failed to remove task file",
		zap.String("path", path),
		zap.Error(err),
	)
}
