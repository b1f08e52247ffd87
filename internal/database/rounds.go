package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"crashpoint/internal/game"
	"crashpoint/internal/hashchain"
	"crashpoint/internal/money"
)

var ErrRoundNotFound = errors.New("round not found")

// CreateRound inserts the round and binds link to it in one transaction. A
// link that is already bound fails the whole insert.
func (s *service) CreateRound(ctx context.Context, link hashchain.Link, crash money.Multiplier) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin round transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var roundID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO rounds (hash, chain_seq, crash_point) VALUES ($1, $2, $3) RETURNING id`,
		link.Hash, link.Seq, crash,
	).Scan(&roundID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert round: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE chain_links SET round_id = $1 WHERE seq = $2 AND hash = $3 AND round_id IS NULL`,
		roundID, link.Seq, link.Hash,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bind link %d: %w", link.Seq, err)
	}
	if tag.RowsAffected() != 1 {
		return 0, fmt.Errorf("link %d is unknown or already used", link.Seq)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit round: %w", err)
	}
	return roundID, nil
}

// MarkRoundRunning blocks until bet transactions holding the round row
// have finished.
func (s *service) MarkRoundRunning(ctx context.Context, roundID int64, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'waiting'`,
		roundID, startedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to start round %d: %w", roundID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("round %d: %w", roundID, game.ErrRoundNotOpen)
	}
	return nil
}

func (s *service) RoundMarks(ctx context.Context) (int64, int64, error) {
	var maxRound, maxBetRound int64
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COALESCE(MAX(id), 0) FROM rounds),
		        (SELECT COALESCE(MAX(round_id), 0) FROM bets)`,
	).Scan(&maxRound, &maxBetRound)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read round marks: %w", err)
	}
	return maxRound, maxBetRound, nil
}

// AdvanceRoundSequence never moves the sequence backward.
func (s *service) AdvanceRoundSequence(ctx context.Context, to int64) error {
	_, err := s.pool.Exec(ctx,
		`SELECT setval(pg_get_serial_sequence('rounds', 'id'),
		               GREATEST($1::bigint, (SELECT last_value FROM rounds_id_seq)))`,
		to,
	)
	if err != nil {
		return fmt.Errorf("failed to advance round sequence to %d: %w", to, err)
	}
	return nil
}

func (s *service) RecentCrashedRounds(ctx context.Context, limit int) ([]game.HistoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, crash_point, COALESCE(crashed_at, created_at), hash
		 FROM rounds WHERE status = 'crashed'
		 ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var items []game.HistoryItem
	for rows.Next() {
		var (
			item      game.HistoryItem
			crashedAt time.Time
		)
		if err := rows.Scan(&item.ID, &item.Crash, &crashedAt, &item.Hash); err != nil {
			return nil, err
		}
		item.Time = crashedAt.UnixMilli()
		items = append(items, item)
	}
	return items, rows.Err()
}

const roundColumns = `id, hash, chain_seq, crash_point, status, started_at, crashed_at, created_at`

func scanRound(row pgx.Row) (game.Round, error) {
	var r game.Round
	err := row.Scan(&r.ID, &r.Hash, &r.ChainSeq, &r.CrashPoint, &r.Status, &r.StartedAt, &r.CrashedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, ErrRoundNotFound
	}
	return r, err
}

func (s *service) GetRound(ctx context.Context, id int64) (game.Round, error) {
	return scanRound(s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
}

func (s *service) RoundByChainSeq(ctx context.Context, seq int64) (game.Round, error) {
	return scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE chain_seq = $1 ORDER BY id DESC LIMIT 1`, seq))
}
