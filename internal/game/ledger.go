package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"crashpoint/internal/money"
)

const defaultCurrency = "USD"

// LedgerStore is the durable side of the ledger. Every method is one
// transaction; a returned error means nothing was written.
type LedgerStore interface {
	PlaceBet(ctx context.Context, bet NewBet) (betID int64, balance money.Cents, err error)
	CancelBet(ctx context.Context, betID int64, player string) (CanceledBet, error)
	Cashout(ctx context.Context, req CashoutRequest) (CashoutResult, error)
	SettleRound(ctx context.Context, roundID int64, crash money.Multiplier) (lost int64, err error)
	RefundStuckBets(ctx context.Context, belowRoundID int64) ([]Refund, error)
	Balance(ctx context.Context, player string) (money.Cents, error)
}

type LedgerOptions struct {
	MinBet          money.Cents
	MaxBet          money.Cents
	AutoCashoutJobs int
}

type indexedBet struct {
	view       ActiveBetView
	processing bool
	settled    bool
}

// Ledger places and settles bets. The in-memory index only tracks the current
// round and is never trusted over the store.
type Ledger struct {
	store LedgerStore
	pub   Publisher
	opts  LedgerOptions

	mu      sync.Mutex
	roundID int64
	bets    map[int64]*indexedBet
}

func NewLedger(store LedgerStore, pub Publisher, opts LedgerOptions) *Ledger {
	if pub == nil {
		pub = discard
	}
	if opts.AutoCashoutJobs <= 0 {
		opts.AutoCashoutJobs = 16
	}
	return &Ledger{
		store: store,
		pub:   pub,
		opts:  opts,
		bets:  make(map[int64]*indexedBet),
	}
}

// Limits returns the bet limits PlaceBet enforces. Zero means no limit.
func (l *Ledger) Limits() (minBet, maxBet money.Cents) {
	return l.opts.MinBet, l.opts.MaxBet
}

// Reset empties the index for a new round.
func (l *Ledger) Reset(roundID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roundID = roundID
	l.bets = make(map[int64]*indexedBet)
}

func (l *Ledger) PlaceBet(ctx context.Context, req PlaceBetRequest, roundID int64, status RoundStatus) (PlaceBetResult, error) {
	if req.Amount <= 0 {
		return PlaceBetResult{}, fmt.Errorf("%w: bet must be positive", ErrInvalidAmount)
	}
	if l.opts.MinBet > 0 && req.Amount < l.opts.MinBet {
		return PlaceBetResult{}, fmt.Errorf("%w: minimum bet is %s", ErrInvalidAmount, l.opts.MinBet)
	}
	if l.opts.MaxBet > 0 && req.Amount > l.opts.MaxBet {
		return PlaceBetResult{}, fmt.Errorf("%w: maximum bet is %s", ErrInvalidAmount, l.opts.MaxBet)
	}
	if req.AutoCashout < 0 {
		return PlaceBetResult{}, fmt.Errorf("%w: negative auto cashout", ErrInvalidAmount)
	}
	if status != StatusWaiting {
		return PlaceBetResult{}, ErrRoundNotOpen
	}
	if req.Currency == "" {
		req.Currency = defaultCurrency
	}

	betID, balance, err := l.store.PlaceBet(ctx, NewBet{
		RoundID:     roundID,
		Player:      req.Player,
		Amount:      req.Amount,
		Currency:    req.Currency,
		AutoCashout: req.AutoCashout,
	})
	if err != nil {
		return PlaceBetResult{}, err
	}

	view := ActiveBetView{
		BetID:       betID,
		Player:      req.Player,
		Amount:      req.Amount,
		Currency:    req.Currency,
		AutoCashout: req.AutoCashout,
	}
	l.mu.Lock()
	// the round may have moved on between commit and here
	if l.roundID == roundID {
		l.bets[betID] = &indexedBet{view: view}
	}
	l.mu.Unlock()

	l.pub.Publish(BalanceChanged{Player: req.Player, Balance: balance})
	l.pub.Publish(BetPlaced{BetID: betID, Player: req.Player, Amount: req.Amount, Currency: req.Currency})
	log.Printf("[LEDGER] %s bet %s on round %d (bet %d)", req.Player, req.Amount, roundID, betID)

	return PlaceBetResult{BetID: betID, RoundID: roundID, Balance: balance}, nil
}

func (l *Ledger) CancelBet(ctx context.Context, betID int64, player string, status RoundStatus) (CancelBetResult, error) {
	if status != StatusWaiting {
		return CancelBetResult{}, ErrTooLateToCancel
	}

	l.mu.Lock()
	if b, ok := l.bets[betID]; ok && b.view.Player != player {
		l.mu.Unlock()
		return CancelBetResult{}, ErrNotOwner
	}
	l.mu.Unlock()

	canceled, err := l.store.CancelBet(ctx, betID, player)
	if err != nil {
		return CancelBetResult{}, err
	}

	l.mu.Lock()
	delete(l.bets, betID)
	l.mu.Unlock()

	l.pub.Publish(BetCanceledNotice{BetID: betID})
	l.pub.Publish(BalanceChanged{Player: player, Balance: canceled.Balance})
	log.Printf("[LEDGER] %s canceled bet %d, refunded %s", player, betID, canceled.Amount)

	return CancelBetResult{BetID: betID, Amount: canceled.Amount, Balance: canceled.Balance}, nil
}

// Cashout pays req.BetID at req.Multiplier. A bet is paid at most once: the
// index flag stops local duplicates and the store refuses bets that are no
// longer active.
func (l *Ledger) Cashout(ctx context.Context, req CashoutRequest, status RoundStatus) (CashoutResult, error) {
	if status != StatusRunning {
		return CashoutResult{}, ErrRoundNotOpen
	}

	l.mu.Lock()
	b, indexed := l.bets[req.BetID]
	if indexed {
		switch {
		case req.Player != "" && b.view.Player != req.Player:
			l.mu.Unlock()
			return CashoutResult{}, ErrNotOwner
		case b.settled:
			l.mu.Unlock()
			return CashoutResult{}, ErrAlreadySettled
		case b.processing:
			l.mu.Unlock()
			return CashoutResult{}, ErrCashoutInProgress
		}
		b.processing = true
	}
	l.mu.Unlock()

	res, err := l.store.Cashout(ctx, req)

	l.mu.Lock()
	if indexed {
		b.processing = false
		if err == nil || errors.Is(err, ErrAlreadySettled) {
			b.settled = true
			b.view.CashedOut = err == nil
		}
	}
	l.mu.Unlock()

	if err != nil {
		return CashoutResult{}, err
	}

	l.pub.Publish(BetWon{BetID: res.BetID, Player: res.Player, Profit: res.Profit, Multiplier: res.Multiplier})
	l.pub.Publish(BalanceChanged{Player: res.Player, Balance: res.Balance})
	log.Printf("[LEDGER] %s cashed out bet %d at %s (payout %s)", res.Player, res.BetID, res.Multiplier, res.Payout)

	return res, nil
}

// CheckAutoCashouts pays every indexed bet whose threshold is at or below
// mult. Each bet is paid at its own threshold. It returns once all attempts
// have finished.
func (l *Ledger) CheckAutoCashouts(ctx context.Context, roundID int64, mult money.Multiplier, status RoundStatus) int {
	if status != StatusRunning {
		return 0
	}

	l.mu.Lock()
	var due []ActiveBetView
	if l.roundID == roundID {
		for _, b := range l.bets {
			if b.settled || b.processing {
				continue
			}
			if b.view.AutoCashout > money.One && b.view.AutoCashout <= mult {
				due = append(due, b.view)
			}
		}
	}
	l.mu.Unlock()

	if len(due) == 0 {
		return 0
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		paid int
	)
	g.SetLimit(l.opts.AutoCashoutJobs)
	for _, bet := range due {
		g.Go(func() error {
			_, err := l.Cashout(ctx, CashoutRequest{
				BetID:      bet.BetID,
				RoundID:    roundID,
				Multiplier: bet.AutoCashout,
			}, status)
			switch {
			case err == nil:
				mu.Lock()
				paid++
				mu.Unlock()
			case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrCashoutInProgress):
			default:
				log.Printf("[LEDGER] Auto cashout of bet %d failed: %v", bet.BetID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return paid
}

// SettleRound marks every bet still active on roundID as lost. Balances are
// not touched.
func (l *Ledger) SettleRound(ctx context.Context, roundID int64, crash money.Multiplier) error {
	lost, err := l.store.SettleRound(ctx, roundID, crash)
	if err != nil {
		return fmt.Errorf("failed to settle round %d: %w", roundID, err)
	}

	l.mu.Lock()
	if l.roundID == roundID {
		for _, b := range l.bets {
			b.settled = true
		}
	}
	l.mu.Unlock()

	log.Printf("[LEDGER] Round %d settled at %s, %d bets lost", roundID, crash, lost)
	return nil
}

// RefundStuckBets returns the stake of every bet left active on a round
// before belowRoundID. Running it twice refunds nothing the second time.
func (l *Ledger) RefundStuckBets(ctx context.Context, belowRoundID int64) ([]Refund, error) {
	refunds, err := l.store.RefundStuckBets(ctx, belowRoundID)
	if err != nil {
		return nil, fmt.Errorf("failed to refund stuck bets: %w", err)
	}

	var total money.Cents
	for _, r := range refunds {
		total += r.Amount
		l.pub.Publish(BalanceChanged{Player: r.Player, Balance: r.Balance})
	}
	if len(refunds) > 0 {
		log.Printf("[LEDGER] Refunded %s to %d players for rounds before %d", total, len(refunds), belowRoundID)
	}
	return refunds, nil
}

func (l *Ledger) Balance(ctx context.Context, player string) (money.Cents, error) {
	return l.store.Balance(ctx, player)
}

// ActiveBets lists the current round's bets in placement order.
func (l *Ledger) ActiveBets() []ActiveBetView {
	l.mu.Lock()
	views := make([]ActiveBetView, 0, len(l.bets))
	for _, b := range l.bets {
		views = append(views, b.view)
	}
	l.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].BetID < views[j].BetID })
	return views
}
