package server

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"crashpoint/internal/game"
	"crashpoint/internal/money"
)

// Game is the part of the round engine the transport drives.
type Game interface {
	Snapshot(ctx context.Context) game.Snapshot
	PlaceBet(ctx context.Context, req game.PlaceBetRequest) (game.PlaceBetResult, error)
	CancelBet(ctx context.Context, player string, betID int64) (game.CancelBetResult, error)
	Cashout(ctx context.Context, player string, betID int64) (game.CashoutResult, error)
	Balance(ctx context.Context, player string) (money.Cents, error)
}

// RoundReader looks up persisted rounds for fairness checks.
type RoundReader interface {
	GetRound(ctx context.Context, id int64) (game.Round, error)
	RoundByChainSeq(ctx context.Context, seq int64) (game.Round, error)
}

type HistoryReader interface {
	RecentHistory(ctx context.Context, limit int) ([]game.HistoryItem, error)
}

type HealthChecker interface {
	Health() map[string]string
}

// Deps wires the server to the rest of the system. DB and Cache are only
// used for health reporting.
type Deps struct {
	Game       Game
	Hub        *game.Hub
	Rounds     RoundReader
	History    HistoryReader
	Calculator game.CrashCalculator
	DB         HealthChecker
	Cache      HealthChecker
	JWTSecret  string
}

type FiberServer struct {
	*fiber.App

	game      Game
	hub       *game.Hub
	rounds    RoundReader
	history   HistoryReader
	calc      game.CrashCalculator
	db        HealthChecker
	cache     HealthChecker
	jwtSecret []byte
}

func New(deps Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashpoint",
			AppName:       "crashpoint",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		game:      deps.Game,
		hub:       deps.Hub,
		rounds:    deps.Rounds,
		history:   deps.History,
		calc:      deps.Calculator,
		db:        deps.DB,
		cache:     deps.Cache,
		jwtSecret: []byte(deps.JWTSecret),
	}

	server.App.Use(recover.New())
	server.App.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			// long-lived sockets are not counted
			return c.Path() == "/ws"
		},
	}))

	return server
}

// Shutdown stops accepting requests and closes every websocket client. The
// engine and the stores are owned by the caller.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.hub != nil {
		s.hub.Stop()
	}
	return s.App.ShutdownWithTimeout(5 * time.Second)
}
