package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"simRunner/api/database"
	"simRunner/api/models"
)

const (
	statusKeyPrefix = "task:status:"
	statusTTL       = 10 * time.Minute
)

// Entry is the hot polling view of a task: enough for a status
// endpoint hit to be answered and authorized without touching the
// tasks table. Terminal entries carry the failure reason so a poll
// served from the cache reports the same record the store would.
type Entry struct {
	Owner        string            `json:"owner"`
	Status       models.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	CreatedAt    string            `json:"created_at"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Ambiguous    bool              `json:"classification_ambiguous,omitempty"`
}

type StatusCache struct {
	cache *database.Cache
}

func NewStatusCache(cache *database.Cache) *StatusCache {
	return &StatusCache{cache: cache}
}

func (sc *StatusCache) Get(ctx context.Context, taskID string) (*Entry, error) {
	key := fmt.Sprintf("%s%s", statusKeyPrefix, taskID)

	data, err := sc.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

func (sc *StatusCache) Set(ctx context.Context, taskID string, entry Entry) error {
	key := fmt.Sprintf("%s%s", statusKeyPrefix, taskID)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return sc.cache.Set(ctx, key, data, statusTTL)
}

func (sc *StatusCache) Delete(ctx context.Context, taskID string) error {
	key := fmt.Sprintf("%s%s", statusKeyPrefix, taskID)
	return sc.cache.Del(ctx, key)
}
