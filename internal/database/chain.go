package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crashpoint/internal/hashchain"
)

// unconsumedFrom is the seq of the last link bound to a round up to the given
// round id, or marked consumed without one.
const unconsumedFrom = `(SELECT COALESCE(MAX(seq), 0) FROM chain_links
	WHERE (round_id IS NOT NULL AND round_id <= $1) OR consumed_at IS NOT NULL)`

func (s *service) CountUnconsumed(ctx context.Context, afterRoundID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chain_links
		 WHERE round_id IS NULL AND consumed_at IS NULL AND seq > `+unconsumedFrom,
		afterRoundID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unused links: %w", err)
	}
	return n, nil
}

// StreamUnconsumed pages through unconsumed links by seq.
func (s *service) StreamUnconsumed(ctx context.Context, afterRoundID int64, batchSize int, fn func([]hashchain.Link) error) error {
	var cursor int64
	if err := s.pool.QueryRow(ctx, `SELECT `+unconsumedFrom, afterRoundID).Scan(&cursor); err != nil {
		return fmt.Errorf("failed to find chain position: %w", err)
	}

	for {
		links, err := s.unboundAfter(ctx, cursor, batchSize)
		if err != nil {
			return err
		}
		if len(links) == 0 {
			return nil
		}
		if err := fn(links); err != nil {
			return err
		}
		cursor = links[len(links)-1].Seq
	}
}

func (s *service) unboundAfter(ctx context.Context, cursor int64, limit int) ([]hashchain.Link, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, hash FROM chain_links
		 WHERE round_id IS NULL AND consumed_at IS NULL AND seq > $1
		 ORDER BY seq LIMIT $2`,
		cursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read links after %d: %w", cursor, err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[hashchain.Link])
}

// ConsumeLink marks a link that was served to a round with no row, so it is
// never served again.
func (s *service) ConsumeLink(ctx context.Context, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chain_links SET consumed_at = NOW() WHERE seq = $1 AND consumed_at IS NULL`,
		seq,
	)
	if err != nil {
		return fmt.Errorf("failed to mark link %d consumed: %w", seq, err)
	}
	return nil
}

func (s *service) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chain_links`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return seq, nil
}

// AppendLinks bulk-loads links with COPY.
func (s *service) AppendLinks(ctx context.Context, links []hashchain.Link) error {
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"chain_links"},
		[]string{"seq", "hash"},
		pgx.CopyFromSlice(len(links), func(i int) ([]any, error) {
			return []any{links[i].Seq, links[i].Hash}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy %d links: %w", len(links), err)
	}
	return nil
}

// Links returns up to limit links starting at fromSeq, in serve order.
func (s *service) Links(ctx context.Context, fromSeq int64, limit int) ([]hashchain.Link, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, hash FROM chain_links WHERE seq >= $1 ORDER BY seq LIMIT $2`,
		fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[hashchain.Link])
}

type ChainStats struct {
	Total      int64
	Bound      int64
	Unconsumed int64
	MaxSeq     int64
}

func (s *service) ChainStats(ctx context.Context) (ChainStats, error) {
	var st ChainStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(round_id),
		        COALESCE(MAX(seq), 0)
		 FROM chain_links`,
	).Scan(&st.Total, &st.Bound, &st.MaxSeq)
	if err != nil {
		return st, fmt.Errorf("failed to read chain stats: %w", err)
	}

	var lastRound int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM rounds`).Scan(&lastRound); err != nil {
		return st, err
	}
	st.Unconsumed, err = s.CountUnconsumed(ctx, lastRound)
	return st, err
}
