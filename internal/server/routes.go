package server

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"crashpoint/internal/database"
	"crashpoint/internal/game"
	"crashpoint/internal/hashchain"
)

const maxHistoryLimit = 200

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Get("/history", s.getHistoryHandler)
	api.Get("/rounds/:id/verify", s.verifyRoundHandler)

	authed := api.Group("", s.requireAuth)
	authed.Post("/game/bet", s.placeBetHandler)
	authed.Post("/game/cancel", s.cancelBetHandler)
	authed.Post("/game/cashout", s.cashoutHandler)
	authed.Get("/player/balance", s.getBalanceHandler)

	s.App.Use("/ws", s.upgradeWebSocket)
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	snap := s.game.Snapshot(c.UserContext())

	health := fiber.Map{
		"game": fiber.Map{
			"status":            "running",
			"round_id":          snap.RoundID,
			"round_status":      snap.Status,
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// getGameStateHandler returns the same snapshot a websocket client gets on connect.
func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	return c.JSON(s.game.Snapshot(c.UserContext()))
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > maxHistoryLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 200",
		})
	}

	items, err := s.history.RecentHistory(c.UserContext(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}
	if items == nil {
		items = []game.HistoryItem{}
	}
	return c.JSON(fiber.Map{"history": items})
}

// verifyRoundHandler recomputes a finished round's crash point from its
// revealed hash and checks the hash against the previously served link.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid round id",
		})
	}

	ctx := c.UserContext()
	round, err := s.rounds.GetRound(ctx, int64(id))
	if errors.Is(err, database.ErrRoundNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Round not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load round",
		})
	}
	if round.Status != game.StatusCrashed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Round has not finished",
		})
	}

	computed, err := s.calc.CrashPoint(round.Hash)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "Stored hash is malformed",
		})
	}

	resp := fiber.Map{
		"round_id":       round.ID,
		"hash":           round.Hash,
		"chain_seq":      round.ChainSeq,
		"crash_point":    round.CrashPoint,
		"computed_crash": computed,
		"valid":          computed == round.CrashPoint,
	}

	// serve order walks the chain backward: the previous round's hash is
	// sha256 of this one
	prev, err := s.rounds.RoundByChainSeq(ctx, round.ChainSeq-1)
	switch {
	case err == nil:
		resp["previous_round_id"] = prev.ID
		resp["previous_hash"] = prev.Hash
		resp["chain_valid"] = hashchain.VerifyLink(prev.Hash, round.Hash)
	case errors.Is(err, database.ErrRoundNotFound):
		resp["chain_valid"] = nil
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load previous round",
		})
	}

	return c.JSON(resp)
}
