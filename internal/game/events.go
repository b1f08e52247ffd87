package game

import (
	"crashpoint/internal/money"
)

// Event is anything the engine or ledger announces to connected clients.
type Event interface {
	EventType() string
}

// Publisher receives events. Implementations must not block the caller.
type Publisher interface {
	Publish(Event)
}

type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

var discard = PublisherFunc(func(Event) {})

type RoundReset struct {
	RoundID  int64   `json:"id"`
	TimeLeft float64 `json:"time_left"`
}

type StateChanged struct {
	RoundID    int64            `json:"id"`
	Status     RoundStatus      `json:"status"`
	TimeLeft   float64          `json:"time_left"`
	Multiplier money.Multiplier `json:"multiplier"`
	StartTime  int64            `json:"start_time,omitempty"`
}

type Tick struct {
	Multiplier money.Multiplier `json:"multiplier"`
}

type Crashed struct {
	RoundID    int64            `json:"id"`
	Multiplier money.Multiplier `json:"multiplier"`
}

type HistoryAppended struct {
	HistoryItem
}

type BetPlaced struct {
	BetID    int64       `json:"bet_id"`
	Player   string      `json:"player"`
	Amount   money.Cents `json:"amount"`
	Currency string      `json:"currency"`
}

type BetCanceledNotice struct {
	BetID int64 `json:"bet_id"`
}

// BalanceChanged is only delivered to the player it names.
type BalanceChanged struct {
	Player  string      `json:"username"`
	Balance money.Cents `json:"balance"`
}

func (e BalanceChanged) Recipient() string { return e.Player }

type BetWon struct {
	BetID      int64            `json:"bet_id"`
	Player     string           `json:"player"`
	Profit     money.Cents      `json:"profit"`
	Multiplier money.Multiplier `json:"mult"`
}

type Maintenance struct {
	Reason string `json:"reason"`
}

func (RoundReset) EventType() string        { return "round_reset" }
func (StateChanged) EventType() string      { return "state_changed" }
func (Tick) EventType() string              { return "tick" }
func (Crashed) EventType() string           { return "crash" }
func (HistoryAppended) EventType() string   { return "history_appended" }
func (BetPlaced) EventType() string         { return "bet_placed" }
func (BetCanceledNotice) EventType() string { return "bet_canceled" }
func (BalanceChanged) EventType() string    { return "balance_changed" }
func (BetWon) EventType() string            { return "bet_won" }
func (Maintenance) EventType() string       { return "maintenance" }
