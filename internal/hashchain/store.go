package hashchain

import (
	"context"
	"errors"
	"fmt"
	"log"
)

var ErrChainExhausted = errors.New("hash chain exhausted")

// LinkStore is the durable home of every generated link.
type LinkStore interface {
	// CountUnconsumed counts links neither bound to a round nor consumed that
	// come after the last link bound to a round <= afterRoundID or consumed.
	CountUnconsumed(ctx context.Context, afterRoundID int64) (int64, error)
	// StreamUnconsumed yields the same links in serve order, batchSize at a time.
	StreamUnconsumed(ctx context.Context, afterRoundID int64, batchSize int, fn func([]Link) error) error
	// ConsumeLink marks a link served without being bound to a round.
	ConsumeLink(ctx context.Context, seq int64) error
	MaxSeq(ctx context.Context) (int64, error)
	AppendLinks(ctx context.Context, links []Link) error
}

// Queue is the fast serve queue links are popped from.
type Queue interface {
	Clear(ctx context.Context) error
	Push(ctx context.Context, links []Link) error
	Pop(ctx context.Context) (Link, bool, error)
	Len(ctx context.Context) (int64, error)
}

type Options struct {
	Length    int
	BatchSize int
}

type EnsureResult struct {
	Restored  int
	Generated int
	// Secret is only set when a new chain was generated.
	Secret string
}

type Chain struct {
	links LinkStore
	queue Queue
	opts  Options
}

func New(links LinkStore, queue Queue, opts Options) *Chain {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 2000
	}
	if opts.Length <= 0 {
		opts.Length = 1_000_000
	}
	return &Chain{links: links, queue: queue, opts: opts}
}

// PopNext removes and returns the next link in serve order.
func (c *Chain) PopNext(ctx context.Context) (Link, error) {
	link, ok, err := c.queue.Pop(ctx)
	if err != nil {
		return Link{}, fmt.Errorf("failed to pop chain link: %w", err)
	}
	if !ok {
		return Link{}, ErrChainExhausted
	}
	return link, nil
}

// Consume records that the link at seq was served, for rounds that could not
// bind it. Restore never serves it, or anything before it, again.
func (c *Chain) Consume(ctx context.Context, seq int64) error {
	if err := c.links.ConsumeLink(ctx, seq); err != nil {
		return err
	}
	log.Printf("[CHAIN] Link %d consumed without a round", seq)
	return nil
}

func (c *Chain) Remaining(ctx context.Context) (int64, error) {
	return c.queue.Len(ctx)
}

// Restore reloads every unconsumed link into the serve queue, replacing
// whatever the queue held.
func (c *Chain) Restore(ctx context.Context, afterRoundID int64) (int, error) {
	if err := c.queue.Clear(ctx); err != nil {
		return 0, fmt.Errorf("failed to clear chain queue: %w", err)
	}

	restored := 0
	err := c.links.StreamUnconsumed(ctx, afterRoundID, c.opts.BatchSize, func(batch []Link) error {
		if err := c.queue.Push(ctx, batch); err != nil {
			return err
		}
		restored += len(batch)
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("failed to restore chain: %w", err)
	}

	log.Printf("[CHAIN] Restored %d unused links", restored)
	return restored, nil
}

// Seed persists a chain built from secret and queues it for serving. Seqs
// continue after the highest existing link.
func (c *Chain) Seed(ctx context.Context, secret string, length int) (int, error) {
	maxSeq, err := c.links.MaxSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain head: %w", err)
	}

	hashes := Generate(secret, length)
	for start := 0; start < len(hashes); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(hashes))

		batch := make([]Link, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, Link{Seq: maxSeq + int64(i) + 1, Hash: hashes[i]})
		}

		if err := c.links.AppendLinks(ctx, batch); err != nil {
			return start, fmt.Errorf("failed to persist chain batch at %d: %w", start, err)
		}
		if err := c.queue.Push(ctx, batch); err != nil {
			return start, fmt.Errorf("failed to queue chain batch at %d: %w", start, err)
		}
	}

	log.Printf("[CHAIN] Seeded %d links starting at seq %d", len(hashes), maxSeq+1)
	return len(hashes), nil
}

// Ensure restores the unconsumed part of the chain, or generates a new chain
// when nothing unconsumed is left. A chain with unconsumed links is never
// replaced.
func (c *Chain) Ensure(ctx context.Context, afterRoundID int64) (EnsureResult, error) {
	unconsumed, err := c.links.CountUnconsumed(ctx, afterRoundID)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("failed to count unused links: %w", err)
	}

	if unconsumed > 0 {
		log.Printf("[CHAIN] Found %d unused links after round %d", unconsumed, afterRoundID)
		n, err := c.Restore(ctx, afterRoundID)
		return EnsureResult{Restored: n}, err
	}

	log.Println("[CHAIN] No unused links left, generating a new chain")
	secret, err := NewSecret()
	if err != nil {
		return EnsureResult{}, err
	}
	if err := c.queue.Clear(ctx); err != nil {
		return EnsureResult{}, fmt.Errorf("failed to clear chain queue: %w", err)
	}
	n, err := c.Seed(ctx, secret, c.opts.Length)
	if err != nil {
		return EnsureResult{Generated: n}, err
	}
	return EnsureResult{Generated: n, Secret: secret}, nil
}
