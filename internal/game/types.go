package game

import (
	"time"

	"crashpoint/internal/money"
)

type RoundStatus string

const (
	StatusWaiting RoundStatus = "waiting"
	StatusRunning RoundStatus = "running"
	StatusCrashed RoundStatus = "crashed"
)

type BetState string

const (
	BetActive    BetState = "active"
	BetCashedOut BetState = "cashed_out"
	BetLost      BetState = "lost"
	BetRefunded  BetState = "refunded"
	BetCanceled  BetState = "canceled"
)

// Round is the durable record of one game round.
type Round struct {
	ID         int64            `json:"id"`
	Hash       string           `json:"hash"`
	ChainSeq   int64            `json:"chain_seq"`
	CrashPoint money.Multiplier `json:"crash_point"`
	Status     RoundStatus      `json:"status"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	CrashedAt  *time.Time       `json:"crashed_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

type Bet struct {
	ID          int64            `json:"id"`
	RoundID     int64            `json:"round_id"`
	Player      string           `json:"player"`
	Amount      money.Cents      `json:"amount"`
	Currency    string           `json:"currency"`
	AutoCashout money.Multiplier `json:"auto_cashout"`
	State       BetState         `json:"state"`
	CashedOutAt money.Multiplier `json:"cashed_out_at"`
	Profit      money.Cents      `json:"profit"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RoundState is the engine's live view of the current round.
type RoundState struct {
	RoundID    int64            `json:"round_id"`
	Hash       string           `json:"-"` // revealed in history after the crash
	ChainSeq   int64            `json:"-"`
	CrashPoint money.Multiplier `json:"-"`
	Multiplier money.Multiplier `json:"multiplier"`
	Status     RoundStatus      `json:"status"`
	TimeLeft   time.Duration    `json:"-"`
	StartedAt  time.Time        `json:"start_time,omitempty"`
	Durable    bool             `json:"-"`
}

type PlaceBetRequest struct {
	Player      string           `json:"-"`
	Amount      money.Cents      `json:"amount"`
	Currency    string           `json:"currency"`
	AutoCashout money.Multiplier `json:"auto_cashout,omitempty"`
}

type PlaceBetResult struct {
	BetID   int64       `json:"bet_id"`
	RoundID int64       `json:"round_id"`
	Balance money.Cents `json:"balance"`
}

type CancelBetResult struct {
	BetID   int64       `json:"bet_id"`
	Amount  money.Cents `json:"amount"`
	Balance money.Cents `json:"balance"`
}

// CashoutRequest targets one bet of one round. Player is empty for
// system-driven auto cashouts.
type CashoutRequest struct {
	BetID      int64
	RoundID    int64
	Player     string
	Multiplier money.Multiplier
}

type CashoutResult struct {
	BetID      int64            `json:"bet_id"`
	Player     string           `json:"player"`
	Amount     money.Cents      `json:"amount"`
	Multiplier money.Multiplier `json:"multiplier"`
	Payout     money.Cents      `json:"payout"`
	Profit     money.Cents      `json:"profit"`
	Balance    money.Cents      `json:"balance"`
}

// NewBet is what the durable store inserts on placement.
type NewBet struct {
	RoundID     int64
	Player      string
	Amount      money.Cents
	Currency    string
	AutoCashout money.Multiplier
}

type CanceledBet struct {
	RoundID int64
	Amount  money.Cents
	Balance money.Cents
}

// Refund is the amount credited back to one player by a recovery pass.
type Refund struct {
	Player  string
	Amount  money.Cents
	Bets    int
	Balance money.Cents
}

type ActiveBetView struct {
	BetID       int64            `json:"bet_id"`
	Player      string           `json:"player"`
	Amount      money.Cents      `json:"amount"`
	Currency    string           `json:"currency"`
	AutoCashout money.Multiplier `json:"auto_cashout,omitempty"`
	CashedOut   bool             `json:"cashed_out"`
}

type HistoryItem struct {
	ID    int64            `json:"id"`
	Crash money.Multiplier `json:"crash"`
	Time  int64            `json:"time"` // unix millis
	Hash  string           `json:"hash"`
}

// Snapshot is sent to clients on connect and served by the state endpoint.
type Snapshot struct {
	RoundID    int64            `json:"round_id"`
	Status     RoundStatus      `json:"status"`
	TimeLeft   float64          `json:"time_left"`
	Multiplier money.Multiplier `json:"multiplier"`
	History    []HistoryItem    `json:"history"`
	ActiveBets []ActiveBetView  `json:"active_bets"`
	MinBet     money.Cents      `json:"min_bet"`
	MaxBet     money.Cents      `json:"max_bet"`
}

func seconds(d time.Duration) float64 {
	// one decimal place is all the countdown readout shows
	return float64(d.Milliseconds()/100) / 10
}
