// Package storage is the worker's view of the shared task file layout.
// Path construction must agree with the API side, which owns uploads;
// the worker owns results and logs.
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Paths struct {
	uploadsDir string
	resultsDir string
	logsDir    string
	logger     *zap.Logger
}

func NewPaths(uploadsDir, resultsDir, logsDir string, logger *zap.Logger) *Paths {
	return &Paths{
		uploadsDir: uploadsDir,
		resultsDir: resultsDir,
		logsDir:    logsDir,
		logger:     logger,
	}
}

func UserFolder(username string) string {
	return "user_" + username
}

// ResultFilename is the deterministic output name handed to the engine.
func ResultFilename(storedFilename string) string {
	ext := filepath.Ext(storedFilename)
	return strings.TrimSuffix(storedFilename, ext) + "_solved" + ext
}

func LogFilename(storedFilename string) string {
	return fmt.Sprintf("%s_%s.log", storedFilename, time.Now().Format("20060102_150405"))
}

func (p *Paths) UploadPath(username, storedFilename string) string {
	return filepath.Join(p.uploadsDir, UserFolder(username), storedFilename)
}

func (p *Paths) ResultPath(username, resultFilename string) string {
	return filepath.Join(p.resultsDir, UserFolder(username), resultFilename)
}

func (p *Paths) LogPath(username, logFilename string) string {
	return filepath.Join(p.logsDir, UserFolder(username), logFilename)
}

// EnsureUserDirs creates the per-user result and log folders before an
// execution starts.
func (p *Paths) EnsureUserDirs(username string) error {
	for _, dir := range []string{
		filepath.Join(p.resultsDir, UserFolder(username)),
		filepath.Join(p.logsDir, UserFolder(username)),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}

// PurgeSideArtifacts drops the recovery/status files the engine leaves
// next to a result. Missing files are fine.
func (p *Paths) PurgeSideArtifacts(resultPath string) {
	p.removeIfExists(resultPath + ".recovery")
	p.removeIfExists(resultPath + ".status")
}

// DiscardResult removes a partial result and its side-artifacts after
// a cancellation; partial outputs are never valid results.
func (p *Paths) DiscardResult(resultPath string) {
	p.removeIfExists(resultPath)
	p.PurgeSideArtifacts(resultPath)
}

// CleanupOld opportunistically removes result and log files older than
// maxAge, catching anything a failed deletion left behind. Returns the
// number of files removed.
func (p *Paths) CleanupOld(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, root := range []string{p.resultsDir, p.logsDir} {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().After(cutoff) {
				return nil
			}
			if rmErr := os.Remove(path); rmErr != nil {
				p.logger.Warn("Failed to remove old file",
					zap.String("path", path),
					zap.Error(rmErr),
				)
				return nil
			}
			removed++
			return nil
		})
	}

	return removed
}

func (p *Paths) removeIfExists(path string) {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return
	}
	p.logger.Warn("Failed to remove file",
		zap.String("path", path),
		zap.Error(err),
	)
}
