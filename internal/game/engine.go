package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"crashpoint/internal/hashchain"
	"crashpoint/internal/money"
)

// LinkSource hands out commitment hashes in serve order.
type LinkSource interface {
	PopNext(ctx context.Context) (hashchain.Link, error)
	// Consume marks a served link that no round row was bound to.
	Consume(ctx context.Context, seq int64) error
}

// RoundStore persists rounds. CreateRound also binds link to the new round.
type RoundStore interface {
	CreateRound(ctx context.Context, link hashchain.Link, crash money.Multiplier) (int64, error)
	MarkRoundRunning(ctx context.Context, roundID int64, startedAt time.Time) error
}

// HistoryStore keeps the recent crash results, newest first.
type HistoryStore interface {
	AppendHistory(ctx context.Context, item HistoryItem) error
	RecentHistory(ctx context.Context, limit int) ([]HistoryItem, error)
	ReplaceHistory(ctx context.Context, items []HistoryItem) error
}

type Options struct {
	WaitingTime   time.Duration
	CountdownTick time.Duration
	TickInterval  time.Duration
	Cooldown      time.Duration
	GrowthRate    float64
	HistoryReplay int
}

func DefaultOptions() Options {
	return Options{
		WaitingTime:   10 * time.Second,
		CountdownTick: 100 * time.Millisecond,
		TickInterval:  30 * time.Millisecond,
		Cooldown:      5 * time.Second,
		GrowthRate:    0.06,
		HistoryReplay: 20,
	}
}

// Engine drives rounds through waiting, running and crashed. All round state
// is written by the Run goroutine only.
type Engine struct {
	links   LinkSource
	rounds  RoundStore
	history HistoryStore
	ledger  *Ledger
	calc    CrashCalculator
	pub     Publisher
	opts    Options
	now     func() time.Time

	mu    sync.RWMutex
	state RoundState

	stop     atomic.Bool
	settling sync.WaitGroup

	consumeRetry time.Duration
}

func NewEngine(links LinkSource, rounds RoundStore, history HistoryStore, ledger *Ledger, calc CrashCalculator, pub Publisher, opts Options) *Engine {
	if pub == nil {
		pub = discard
	}
	return &Engine{
		links:   links,
		rounds:  rounds,
		history: history,
		ledger:  ledger,
		calc:    calc,
		pub:     pub,
		opts:    opts,
		now:     time.Now,

		consumeRetry: 500 * time.Millisecond,
	}
}

// Run plays rounds until the chain runs out, a shutdown is requested or ctx
// is canceled. It waits for in-flight settlements before returning.
func (e *Engine) Run(ctx context.Context) error {
	defer e.settling.Wait()

	for {
		if e.stop.Load() {
			log.Println("[GAME] Shutdown requested, not starting a new round")
			return nil
		}

		if err := e.openRound(ctx); err != nil {
			if errors.Is(err, ErrChainExhausted) {
				log.Println("[GAME] Hash chain exhausted, entering maintenance")
				e.pub.Publish(Maintenance{Reason: "hash chain exhausted"})
			}
			return err
		}

		if err := e.countdown(ctx); err != nil {
			return err
		}

		if e.startRunning(ctx) {
			if err := e.climb(ctx); err != nil {
				return err
			}
		}

		e.crash(ctx)

		if e.stop.Load() {
			log.Println("[GAME] Shutdown requested, stopping after crash")
			return nil
		}

		if err := sleep(ctx, e.opts.Cooldown); err != nil {
			return err
		}
	}
}

// RequestShutdown asks the engine to stop at its next safe point. It reports
// true when no round is running, so the caller may stop right away.
func (e *Engine) RequestShutdown() bool {
	e.stop.Store(true)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.RoundID == 0 || e.state.Status == StatusWaiting
}

func (e *Engine) openRound(ctx context.Context) error {
	link, err := e.links.PopNext(ctx)
	if err != nil {
		return err
	}

	crash, err := e.calc.CrashPoint(link.Hash)
	if err != nil {
		return fmt.Errorf("link %d: %w", link.Seq, err)
	}

	durable := true
	roundID, err := e.rounds.CreateRound(ctx, link, crash)
	if err != nil {
		durable = false
		roundID = e.now().Unix()
		log.Printf("[DURABILITY] %v: round %d: %v", ErrDurabilityWarning, roundID, err)
		e.consumeLink(ctx, link.Seq)
	}

	e.ledger.Reset(roundID)

	e.mu.Lock()
	e.state = RoundState{
		RoundID:    roundID,
		Hash:       link.Hash,
		ChainSeq:   link.Seq,
		CrashPoint: crash,
		Multiplier: money.One,
		Status:     StatusWaiting,
		TimeLeft:   e.opts.WaitingTime,
		Durable:    durable,
	}
	e.mu.Unlock()

	left := seconds(e.opts.WaitingTime)
	e.pub.Publish(RoundReset{RoundID: roundID, TimeLeft: left})
	e.pub.Publish(StateChanged{RoundID: roundID, Status: StatusWaiting, TimeLeft: left, Multiplier: money.One})

	log.Printf("\n=== ROUND %d ===", roundID)
	log.Printf("[GAME] Commitment seq %d, accepting bets for %s", link.Seq, e.opts.WaitingTime)
	return nil
}

const consumeAttempts = 5

// consumeLink marks the link of a round without a row as used. The store is
// probably failing already, so later attempts back off in the background.
func (e *Engine) consumeLink(ctx context.Context, seq int64) {
	err := e.links.Consume(ctx, seq)
	if err == nil {
		return
	}
	log.Printf("[DURABILITY] failed to mark link %d consumed, retrying: %v", seq, err)

	e.settling.Add(1)
	go func() {
		defer e.settling.Done()
		delay := e.consumeRetry
		for attempt := 2; attempt <= consumeAttempts; attempt++ {
			if sleep(ctx, delay) != nil {
				break
			}
			if err = e.links.Consume(ctx, seq); err == nil {
				return
			}
			delay *= 2
		}
		log.Printf("[DURABILITY] link %d was served but is not marked consumed, it must be skipped before the next restore: %v", seq, err)
	}()
}

func (e *Engine) countdown(ctx context.Context) error {
	deadline := e.now().Add(e.opts.WaitingTime)

	ticker := time.NewTicker(e.opts.CountdownTick)
	defer ticker.Stop()

	for {
		left := deadline.Sub(e.now())
		if left <= 0 {
			return nil
		}

		e.mu.Lock()
		e.state.TimeLeft = left
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startRunning closes betting and reports whether the round climbs at all. A
// 1.00x round goes straight from waiting to crashed.
func (e *Engine) startRunning(ctx context.Context) bool {
	startedAt := e.now()

	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()

	if st.Durable {
		// waits for bet transactions still holding the round row
		if err := e.rounds.MarkRoundRunning(ctx, st.RoundID, startedAt); err != nil {
			log.Printf("[DURABILITY] failed to mark round %d running: %v", st.RoundID, err)
		}
	}

	if st.CrashPoint <= money.One {
		log.Printf("[GAME] Round %d crashes instantly", st.RoundID)
		return false
	}

	e.mu.Lock()
	e.state.Status = StatusRunning
	e.state.StartedAt = startedAt
	e.state.TimeLeft = 0
	e.mu.Unlock()

	e.pub.Publish(StateChanged{
		RoundID:    st.RoundID,
		Status:     StatusRunning,
		Multiplier: money.One,
		StartTime:  startedAt.UnixMilli(),
	})
	log.Printf("[GAME] Round %d running", st.RoundID)
	return true
}

// climb ticks the multiplier until it reaches the crash point.
func (e *Engine) climb(ctx context.Context) error {
	e.mu.RLock()
	roundID, crash, startedAt := e.state.RoundID, e.state.CrashPoint, e.state.StartedAt
	e.mu.RUnlock()

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		mult := multiplierAt(e.now().Sub(startedAt), e.opts.GrowthRate)
		if mult >= crash {
			return nil
		}

		e.mu.Lock()
		e.state.Multiplier = mult
		e.mu.Unlock()

		e.pub.Publish(Tick{Multiplier: mult})
		e.ledger.CheckAutoCashouts(ctx, roundID, mult, StatusRunning)
	}
}

func (e *Engine) crash(ctx context.Context) {
	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()

	// thresholds crossed between the last tick and the crash still pay
	if st.CrashPoint > money.One {
		e.ledger.CheckAutoCashouts(ctx, st.RoundID, st.CrashPoint-1, StatusRunning)
	}

	crashedAt := e.now()
	e.mu.Lock()
	e.state.Status = StatusCrashed
	e.state.Multiplier = st.CrashPoint
	e.mu.Unlock()

	e.pub.Publish(Crashed{RoundID: st.RoundID, Multiplier: st.CrashPoint})
	log.Printf("[GAME] Round %d crashed at %sx", st.RoundID, st.CrashPoint)

	if st.Durable {
		e.settling.Add(1)
		go func() {
			defer e.settling.Done()
			if err := e.ledger.SettleRound(context.WithoutCancel(ctx), st.RoundID, st.CrashPoint); err != nil {
				log.Printf("[GAME] %v, leaving it for startup recovery", err)
			}
		}()
	}

	item := HistoryItem{
		ID:    st.RoundID,
		Crash: st.CrashPoint,
		Time:  crashedAt.UnixMilli(),
	}
	// a link without a round row could still be served again after a restart
	if st.Durable {
		item.Hash = st.Hash
	}
	if err := e.history.AppendHistory(ctx, item); err != nil {
		log.Printf("[GAME] Failed to append round %d to history: %v", st.RoundID, err)
	}
	e.pub.Publish(HistoryAppended{HistoryItem: item})
}

func (e *Engine) current() RoundState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// State returns a copy of the live round state.
func (e *Engine) State() RoundState {
	return e.current()
}

func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (PlaceBetResult, error) {
	st := e.current()
	if !st.Durable {
		return PlaceBetResult{}, ErrRoundNotOpen
	}
	return e.ledger.PlaceBet(ctx, req, st.RoundID, st.Status)
}

func (e *Engine) CancelBet(ctx context.Context, player string, betID int64) (CancelBetResult, error) {
	st := e.current()
	return e.ledger.CancelBet(ctx, betID, player, st.Status)
}

// Cashout pays the player's bet at the current multiplier. Nothing pays once
// the multiplier has reached the crash point.
func (e *Engine) Cashout(ctx context.Context, player string, betID int64) (CashoutResult, error) {
	st := e.current()
	if st.Multiplier >= st.CrashPoint {
		return CashoutResult{}, ErrRoundNotOpen
	}
	return e.ledger.Cashout(ctx, CashoutRequest{
		BetID:      betID,
		RoundID:    st.RoundID,
		Player:     player,
		Multiplier: st.Multiplier,
	}, st.Status)
}

func (e *Engine) Balance(ctx context.Context, player string) (money.Cents, error) {
	return e.ledger.Balance(ctx, player)
}

// Snapshot is the welcome payload for a newly connected client.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	st := e.current()

	history, err := e.history.RecentHistory(ctx, e.opts.HistoryReplay)
	if err != nil {
		log.Printf("[GAME] Failed to load history for snapshot: %v", err)
	}
	if history == nil {
		history = []HistoryItem{}
	}

	minBet, maxBet := e.ledger.Limits()
	return Snapshot{
		RoundID:    st.RoundID,
		Status:     st.Status,
		TimeLeft:   seconds(st.TimeLeft),
		Multiplier: st.Multiplier,
		History:    history,
		ActiveBets: e.ledger.ActiveBets(),
		MinBet:     minBet,
		MaxBet:     maxBet,
	}
}

// multiplierAt is floor(e^(k·t)·100) hundredths, never below 1.00x.
func multiplierAt(elapsed time.Duration, k float64) money.Multiplier {
	m := money.Multiplier(math.Floor(math.Exp(k*elapsed.Seconds()) * 100))
	if m < money.One {
		return money.One
	}
	return m
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
