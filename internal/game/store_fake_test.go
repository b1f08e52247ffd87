package game

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"crashpoint/internal/hashchain"
	"crashpoint/internal/money"
)

// memStore is an in-memory LedgerStore, RoundStore and RecoveryStore with the
// same guards the Postgres store enforces.
type memStore struct {
	mu         sync.Mutex
	balances   map[string]money.Cents
	rounds     map[int64]*Round
	bets       map[int64]*Bet
	roundSeq   int64
	betSeq     int64
	failCreate bool
	delay      time.Duration
}

func newMemStore(players map[string]money.Cents) *memStore {
	s := &memStore{
		balances: make(map[string]money.Cents),
		rounds:   make(map[int64]*Round),
		bets:     make(map[int64]*Bet),
	}
	for p, b := range players {
		s.balances[p] = b
	}
	return s
}

func (s *memStore) openRound(status RoundStatus) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundSeq++
	s.rounds[s.roundSeq] = &Round{ID: s.roundSeq, Status: status, CreatedAt: time.Now()}
	return s.roundSeq
}

func (s *memStore) setStatus(roundID int64, status RoundStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[roundID].Status = status
}

func (s *memStore) bet(id int64) Bet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.bets[id]
}

func (s *memStore) balance(player string) money.Cents {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[player]
}

func (s *memStore) CreateRound(_ context.Context, link hashchain.Link, crash money.Multiplier) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return 0, errors.New("database unavailable")
	}
	s.roundSeq++
	s.rounds[s.roundSeq] = &Round{
		ID:         s.roundSeq,
		Hash:       link.Hash,
		ChainSeq:   link.Seq,
		CrashPoint: crash,
		Status:     StatusWaiting,
		CreatedAt:  time.Now(),
	}
	return s.roundSeq, nil
}

func (s *memStore) MarkRoundRunning(_ context.Context, roundID int64, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return ErrRoundNotOpen
	}
	r.Status = StatusRunning
	r.StartedAt = &startedAt
	return nil
}

func (s *memStore) PlaceBet(_ context.Context, bet NewBet) (int64, money.Cents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[bet.RoundID]
	if !ok || r.Status != StatusWaiting {
		return 0, 0, ErrRoundNotOpen
	}
	balance, ok := s.balances[bet.Player]
	if !ok {
		return 0, 0, ErrUnknownPlayer
	}
	if balance < bet.Amount {
		return 0, 0, ErrInsufficientFunds
	}

	s.balances[bet.Player] = balance - bet.Amount
	s.betSeq++
	s.bets[s.betSeq] = &Bet{
		ID:          s.betSeq,
		RoundID:     bet.RoundID,
		Player:      bet.Player,
		Amount:      bet.Amount,
		Currency:    bet.Currency,
		AutoCashout: bet.AutoCashout,
		State:       BetActive,
		CreatedAt:   time.Now(),
	}
	return s.betSeq, s.balances[bet.Player], nil
}

func (s *memStore) CancelBet(_ context.Context, betID int64, player string) (CanceledBet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok || b.State != BetActive {
		return CanceledBet{}, ErrBetNotFound
	}
	if b.Player != player {
		return CanceledBet{}, ErrNotOwner
	}
	if s.rounds[b.RoundID].Status != StatusWaiting {
		return CanceledBet{}, ErrTooLateToCancel
	}

	b.State = BetCanceled
	s.balances[player] += b.Amount
	return CanceledBet{RoundID: b.RoundID, Amount: b.Amount, Balance: s.balances[player]}, nil
}

func (s *memStore) Cashout(_ context.Context, req CashoutRequest) (CashoutResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[req.BetID]
	if !ok || b.RoundID != req.RoundID {
		return CashoutResult{}, ErrBetNotFound
	}
	if req.Player != "" && b.Player != req.Player {
		return CashoutResult{}, ErrNotOwner
	}
	if s.rounds[b.RoundID].Status != StatusRunning {
		return CashoutResult{}, ErrRoundNotOpen
	}
	if b.State != BetActive {
		return CashoutResult{}, ErrAlreadySettled
	}

	payout := money.Payout(b.Amount, req.Multiplier)
	b.State = BetCashedOut
	b.CashedOutAt = req.Multiplier
	b.Profit = payout - b.Amount
	s.balances[b.Player] += payout

	return CashoutResult{
		BetID:      b.ID,
		Player:     b.Player,
		Amount:     b.Amount,
		Multiplier: req.Multiplier,
		Payout:     payout,
		Profit:     b.Profit,
		Balance:    s.balances[b.Player],
	}, nil
}

func (s *memStore) SettleRound(_ context.Context, roundID int64, crash money.Multiplier) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lost int64
	for _, b := range s.bets {
		if b.RoundID == roundID && b.State == BetActive {
			b.State = BetLost
			b.Profit = -b.Amount
			lost++
		}
	}
	if r, ok := s.rounds[roundID]; ok {
		now := time.Now()
		r.Status = StatusCrashed
		r.CrashPoint = crash
		r.CrashedAt = &now
	}
	return lost, nil
}

func (s *memStore) RefundStuckBets(_ context.Context, belowRoundID int64) ([]Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPlayer := make(map[string]*Refund)
	for _, b := range s.bets {
		if b.RoundID >= belowRoundID || b.State != BetActive {
			continue
		}
		b.State = BetRefunded
		r, ok := byPlayer[b.Player]
		if !ok {
			r = &Refund{Player: b.Player}
			byPlayer[b.Player] = r
		}
		r.Amount += b.Amount
		r.Bets++
	}

	refunds := make([]Refund, 0, len(byPlayer))
	for player, r := range byPlayer {
		s.balances[player] += r.Amount
		r.Balance = s.balances[player]
		refunds = append(refunds, *r)
	}
	sort.Slice(refunds, func(i, j int) bool { return refunds[i].Player < refunds[j].Player })
	return refunds, nil
}

func (s *memStore) Balance(_ context.Context, player string) (money.Cents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[player]
	if !ok {
		return 0, ErrUnknownPlayer
	}
	return b, nil
}

func (s *memStore) RoundMarks(context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxRound, maxBetRound int64
	for id := range s.rounds {
		maxRound = max(maxRound, id)
	}
	for _, b := range s.bets {
		maxBetRound = max(maxBetRound, b.RoundID)
	}
	return maxRound, maxBetRound, nil
}

func (s *memStore) AdvanceRoundSequence(_ context.Context, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundSeq = max(s.roundSeq, to)
	return nil
}

func (s *memStore) RecentCrashedRounds(_ context.Context, limit int) ([]HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []HistoryItem
	for _, r := range s.rounds {
		if r.Status == StatusCrashed {
			items = append(items, HistoryItem{ID: r.ID, Crash: r.CrashPoint, Hash: r.Hash})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type memHistory struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *memHistory) AppendHistory(_ context.Context, item HistoryItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append([]HistoryItem{item}, h.items...)
	return nil
}

func (h *memHistory) RecentHistory(_ context.Context, limit int) ([]HistoryItem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := min(limit, len(h.items))
	return append([]HistoryItem(nil), h.items[:n]...), nil
}

func (h *memHistory) ReplaceHistory(_ context.Context, items []HistoryItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append([]HistoryItem(nil), items...)
	return nil
}

type sliceLinks struct {
	mu          sync.Mutex
	links       []hashchain.Link
	consumed    []int64
	failConsume int
}

func newSliceLinks(hashes ...string) *sliceLinks {
	s := &sliceLinks{}
	for i, h := range hashes {
		s.links = append(s.links, hashchain.Link{Seq: int64(i + 1), Hash: h})
	}
	return s
}

func (s *sliceLinks) PopNext(context.Context) (hashchain.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.links) == 0 {
		return hashchain.Link{}, ErrChainExhausted
	}
	link := s.links[0]
	s.links = s.links[1:]
	return link, nil
}

func (s *sliceLinks) Consume(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConsume > 0 {
		s.failConsume--
		return errors.New("database unavailable")
	}
	s.consumed = append(s.consumed, seq)
	return nil
}

func (s *sliceLinks) consumedSeqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.consumed)
}

func (s *sliceLinks) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// recorder collects published events and runs an optional hook for each.
type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
