package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"crashpoint/internal/game"
)

const historyKey = "crash:history"

// History is the recent crash window, newest first, capped at limit entries.
type History struct {
	client *redis.Client
	limit  int
}

func NewHistory(client *redis.Client, limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{client: client, limit: limit}
}

func (h *History) AppendHistory(ctx context.Context, item game.HistoryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, historyKey, data)
		pipe.LTrim(ctx, historyKey, 0, int64(h.limit-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (h *History) RecentHistory(ctx context.Context, limit int) ([]game.HistoryItem, error) {
	raw, err := h.client.LRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	items := make([]game.HistoryItem, 0, len(raw))
	for _, r := range raw {
		var item game.HistoryItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ReplaceHistory swaps the window for items, which must be newest first.
func (h *History) ReplaceHistory(ctx context.Context, items []game.HistoryItem) error {
	values := make([]any, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, historyKey)
		if len(values) > 0 {
			pipe.RPush(ctx, historyKey, values...)
			pipe.LTrim(ctx, historyKey, 0, int64(h.limit-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
