package database

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"crashpoint/internal/game"
	"crashpoint/internal/money"
)

// lockRoundStatus takes a share lock on the round row, so a status change
// waits for this transaction.
func lockRoundStatus(ctx context.Context, tx pgx.Tx, roundID int64) (game.RoundStatus, error) {
	var status game.RoundStatus
	err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1 FOR SHARE`, roundID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", game.ErrRoundNotOpen
	}
	return status, err
}

func credit(ctx context.Context, tx pgx.Tx, player string, amount money.Cents) (money.Cents, error) {
	var balance money.Cents
	err := tx.QueryRow(ctx,
		`UPDATE players SET balance = balance + $2 WHERE name = $1 RETURNING balance`,
		player, amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, game.ErrUnknownPlayer
	}
	return balance, err
}

func (s *service) PlaceBet(ctx context.Context, bet game.NewBet) (int64, money.Cents, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin bet transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockRoundStatus(ctx, tx, bet.RoundID)
	if err != nil {
		return 0, 0, err
	}
	if status != game.StatusWaiting {
		return 0, 0, game.ErrRoundNotOpen
	}

	var balance money.Cents
	err = tx.QueryRow(ctx,
		`UPDATE players SET balance = balance - $2
		 WHERE name = $1 AND balance >= $2
		 RETURNING balance`,
		bet.Player, bet.Amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM players WHERE name = $1)`, bet.Player).Scan(&exists); err != nil {
			return 0, 0, err
		}
		if !exists {
			return 0, 0, game.ErrUnknownPlayer
		}
		return 0, 0, game.ErrInsufficientFunds
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to debit %s: %w", bet.Player, err)
	}

	var betID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO bets (round_id, player, amount, currency, auto_cashout)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		bet.RoundID, bet.Player, bet.Amount, bet.Currency, bet.AutoCashout,
	).Scan(&betID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert bet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit bet: %w", err)
	}
	return betID, balance, nil
}

type lockedBet struct {
	roundID int64
	player  string
	amount  money.Cents
	state   game.BetState
}

func lockBet(ctx context.Context, tx pgx.Tx, betID int64) (lockedBet, error) {
	var b lockedBet
	err := tx.QueryRow(ctx,
		`SELECT round_id, player, amount, state FROM bets WHERE id = $1 FOR UPDATE`,
		betID,
	).Scan(&b.roundID, &b.player, &b.amount, &b.state)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, game.ErrBetNotFound
	}
	return b, err
}

func (s *service) CancelBet(ctx context.Context, betID int64, player string) (game.CanceledBet, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return game.CanceledBet{}, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBet(ctx, tx, betID)
	if err != nil {
		return game.CanceledBet{}, err
	}
	if b.state != game.BetActive {
		return game.CanceledBet{}, game.ErrBetNotFound
	}
	if b.player != player {
		return game.CanceledBet{}, game.ErrNotOwner
	}

	status, err := lockRoundStatus(ctx, tx, b.roundID)
	if err != nil {
		return game.CanceledBet{}, err
	}
	if status != game.StatusWaiting {
		return game.CanceledBet{}, game.ErrTooLateToCancel
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bets SET state = 'canceled', settled_at = NOW() WHERE id = $1 AND state = 'active'`,
		betID,
	); err != nil {
		return game.CanceledBet{}, fmt.Errorf("failed to cancel bet %d: %w", betID, err)
	}

	balance, err := credit(ctx, tx, player, b.amount)
	if err != nil {
		return game.CanceledBet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return game.CanceledBet{}, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return game.CanceledBet{RoundID: b.roundID, Amount: b.amount, Balance: balance}, nil
}

func (s *service) Cashout(ctx context.Context, req game.CashoutRequest) (game.CashoutResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return game.CashoutResult{}, fmt.Errorf("failed to begin cashout transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBet(ctx, tx, req.BetID)
	if err != nil {
		return game.CashoutResult{}, err
	}
	if b.roundID != req.RoundID {
		return game.CashoutResult{}, game.ErrBetNotFound
	}
	if req.Player != "" && b.player != req.Player {
		return game.CashoutResult{}, game.ErrNotOwner
	}

	status, err := lockRoundStatus(ctx, tx, b.roundID)
	if err != nil {
		return game.CashoutResult{}, err
	}
	if status != game.StatusRunning {
		return game.CashoutResult{}, game.ErrRoundNotOpen
	}
	if b.state != game.BetActive {
		return game.CashoutResult{}, game.ErrAlreadySettled
	}

	payout := money.Payout(b.amount, req.Multiplier)
	profit := payout - b.amount

	if _, err := tx.Exec(ctx,
		`UPDATE bets
		 SET state = 'cashed_out', cashed_out_at = $2, profit = $3, settled_at = NOW()
		 WHERE id = $1 AND state = 'active'`,
		req.BetID, req.Multiplier, profit,
	); err != nil {
		return game.CashoutResult{}, fmt.Errorf("failed to cash out bet %d: %w", req.BetID, err)
	}

	balance, err := credit(ctx, tx, b.player, payout)
	if err != nil {
		return game.CashoutResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return game.CashoutResult{}, fmt.Errorf("failed to commit cashout: %w", err)
	}

	return game.CashoutResult{
		BetID:      req.BetID,
		Player:     b.player,
		Amount:     b.amount,
		Multiplier: req.Multiplier,
		Payout:     payout,
		Profit:     profit,
		Balance:    balance,
	}, nil
}

func (s *service) SettleRound(ctx context.Context, roundID int64, crash money.Multiplier) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE bets SET state = 'lost', profit = -amount, settled_at = NOW()
		 WHERE round_id = $1 AND state = 'active'`,
		roundID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark losing bets: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rounds SET status = 'crashed', crash_point = $2, crashed_at = NOW() WHERE id = $1`,
		roundID, crash,
	); err != nil {
		return 0, fmt.Errorf("failed to mark round crashed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *service) RefundStuckBets(ctx context.Context, belowRoundID int64) ([]game.Refund, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE bets SET state = 'refunded', settled_at = NOW()
		 WHERE round_id < $1 AND state = 'active'
		 RETURNING player, amount`,
		belowRoundID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stuck bets: %w", err)
	}

	byPlayer := make(map[string]*game.Refund)
	for rows.Next() {
		var (
			player string
			amount money.Cents
		)
		if err := rows.Scan(&player, &amount); err != nil {
			rows.Close()
			return nil, err
		}
		r, ok := byPlayer[player]
		if !ok {
			r = &game.Refund{Player: player}
			byPlayer[player] = r
		}
		r.Amount += amount
		r.Bets++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refunds := make([]game.Refund, 0, len(byPlayer))
	for _, r := range byPlayer {
		refunds = append(refunds, *r)
	}
	// fixed order keeps concurrent refunds from deadlocking on player rows
	sort.Slice(refunds, func(i, j int) bool { return refunds[i].Player < refunds[j].Player })

	if len(refunds) > 0 {
		batch := &pgx.Batch{}
		for _, r := range refunds {
			batch.Queue(`UPDATE players SET balance = balance + $2 WHERE name = $1 RETURNING balance`, r.Player, r.Amount)
		}

		results := tx.SendBatch(ctx, batch)
		for i := range refunds {
			if err := results.QueryRow().Scan(&refunds[i].Balance); err != nil {
				results.Close()
				return nil, fmt.Errorf("failed to credit %s: %w", refunds[i].Player, err)
			}
		}
		if err := results.Close(); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}
	return refunds, nil
}

func (s *service) Balance(ctx context.Context, player string) (money.Cents, error) {
	var balance money.Cents
	err := s.pool.QueryRow(ctx, `SELECT balance FROM players WHERE name = $1`, player).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, game.ErrUnknownPlayer
	}
	return balance, err
}

func (s *service) CreatePlayer(ctx context.Context, name string, balance money.Cents) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO players (name, balance) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, balance,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create player %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}
