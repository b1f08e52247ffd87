package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"crashpoint/internal/hashchain"
)

const chainQueueKey = "crash:chain:queue"

// ChainQueue is the serve queue of unconsumed links, head first. Entries are
// stored as "seq:hash".
type ChainQueue struct {
	client *redis.Client
}

func NewChainQueue(client *redis.Client) *ChainQueue {
	return &ChainQueue{client: client}
}

func (q *ChainQueue) Clear(ctx context.Context) error {
	return q.client.Del(ctx, chainQueueKey).Err()
}

func (q *ChainQueue) Push(ctx context.Context, links []hashchain.Link) error {
	if len(links) == 0 {
		return nil
	}
	values := make([]any, len(links))
	for i, l := range links {
		values[i] = strconv.FormatInt(l.Seq, 10) + ":" + l.Hash
	}
	return q.client.RPush(ctx, chainQueueKey, values...).Err()
}

func (q *ChainQueue) Pop(ctx context.Context) (hashchain.Link, bool, error) {
	raw, err := q.client.LPop(ctx, chainQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return hashchain.Link{}, false, nil
	}
	if err != nil {
		return hashchain.Link{}, false, err
	}

	link, err := parseLink(raw)
	if err != nil {
		return hashchain.Link{}, false, err
	}
	return link, true, nil
}

func (q *ChainQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, chainQueueKey).Result()
}

func parseLink(raw string) (hashchain.Link, error) {
	seqStr, hash, ok := strings.Cut(raw, ":")
	if !ok {
		return hashchain.Link{}, fmt.Errorf("malformed chain entry %q", raw)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return hashchain.Link{}, fmt.Errorf("malformed chain entry %q: %w", raw, err)
	}
	return hashchain.Link{Seq: seq, Hash: hash}, nil
}
