package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusKeyPrefix = "task:status:"
	statusTTL       = 10 * time.Minute
)

// Entry mirrors the JSON shape the API side writes and reads, so a
// poll served from the cache carries the same record regardless of
// which binary wrote it last.
type Entry struct {
	Owner        string `json:"owner"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CreatedAt    string `json:"created_at"`
	ErrorMessage string `json:"error_message,omitempty"`
	Ambiguous    bool   `json:"classification_ambiguous,omitempty"`
}

type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

func (c *StatusCache) Set(ctx context.Context, taskID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKeyPrefix+taskID, data, statusTTL).Err()
}
