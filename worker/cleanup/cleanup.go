// Package cleanup opportunistically reclaims files that per-task
// deletion could not remove at the time.
package cleanup

import (
	"time"

	"go.uber.org/zap"

	"simRunner/worker/storage"
)

type Janitor struct {
	store  *storage.Paths
	maxAge time.Duration
	logger *zap.Logger
}

func NewJanitor(store *storage.Paths, maxAge time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		store:  store,
		maxAge: maxAge,
		logger: logger,
	}
}

func (j *Janitor) Run() {
	removed := j.store.CleanupOld(j.maxAge)
	if removed > 0 {
		j.logger.Info("Cleanup removed old files", zap.Int("count", removed))
	}
}
