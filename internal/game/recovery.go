package game

import (
	"context"
	"fmt"
	"log"

	"crashpoint/internal/hashchain"
)

// RecoveryStore exposes what startup needs to find where the last run stopped.
type RecoveryStore interface {
	// RoundMarks returns MAX(rounds.id) and MAX(bets.round_id), zero when empty.
	RoundMarks(ctx context.Context) (maxRound, maxBetRound int64, err error)
	// AdvanceRoundSequence moves the round id sequence forward to at least to.
	AdvanceRoundSequence(ctx context.Context, to int64) error
	RecentCrashedRounds(ctx context.Context, limit int) ([]HistoryItem, error)
}

type ChainEnsurer interface {
	Ensure(ctx context.Context, afterRoundID int64) (hashchain.EnsureResult, error)
}

type Recovery struct {
	Store          RecoveryStore
	Chain          ChainEnsurer
	History        HistoryStore
	Ledger         *Ledger
	HistoryRestore int
}

type RecoveryReport struct {
	NextRoundID int64
	Chain       hashchain.EnsureResult
	History     int
	Refunds     []Refund
}

// Run brings storage back to a state the engine can start from. Any error
// means the process must not start.
func (r *Recovery) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	maxRound, maxBetRound, err := r.Store.RoundMarks(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read round marks: %w", err)
	}
	last := max(maxRound, maxBetRound)
	report.NextRoundID = last + 1
	log.Printf("[RECOVERY] Last round %d, last bet round %d, next round %d", maxRound, maxBetRound, report.NextRoundID)

	if last > 0 {
		if err := r.Store.AdvanceRoundSequence(ctx, last); err != nil {
			return report, fmt.Errorf("failed to advance round sequence: %w", err)
		}
	}

	report.Chain, err = r.Chain.Ensure(ctx, maxRound)
	if err != nil {
		return report, fmt.Errorf("failed to prepare hash chain: %w", err)
	}

	if r.HistoryRestore > 0 {
		items, err := r.Store.RecentCrashedRounds(ctx, r.HistoryRestore)
		if err != nil {
			return report, fmt.Errorf("failed to load history: %w", err)
		}
		if err := r.History.ReplaceHistory(ctx, items); err != nil {
			return report, fmt.Errorf("failed to restore history: %w", err)
		}
		report.History = len(items)
		log.Printf("[RECOVERY] Restored %d rounds of history", len(items))
	}

	report.Refunds, err = r.Ledger.RefundStuckBets(ctx, report.NextRoundID)
	if err != nil {
		return report, err
	}

	log.Printf("[RECOVERY] Done: %d links restored, %d generated, %d players refunded",
		report.Chain.Restored, report.Chain.Generated, len(report.Refunds))
	return report, nil
}
