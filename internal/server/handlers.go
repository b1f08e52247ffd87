package server

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"crashpoint/internal/game"
)

type betIDRequest struct {
	BetID int64 `json:"bet_id"`
}

// statusFor maps ledger rejections to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrInsufficientFunds):
		return fiber.StatusBadRequest
	case errors.Is(err, game.ErrNotOwner):
		return fiber.StatusForbidden
	case errors.Is(err, game.ErrBetNotFound),
		errors.Is(err, game.ErrUnknownPlayer):
		return fiber.StatusNotFound
	case errors.Is(err, game.ErrTooLateToCancel),
		errors.Is(err, game.ErrRoundNotOpen),
		errors.Is(err, game.ErrAlreadySettled),
		errors.Is(err, game.ErrCashoutInProgress):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func reject(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		log.Printf("[SERVER] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   game.Reason(err),
	})
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.PlaceBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.Player = playerFrom(c)

	res, err := s.game.PlaceBet(c.UserContext(), req)
	if err != nil {
		return reject(c, err)
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"bet_id":   res.BetID,
		"round_id": res.RoundID,
		"balance":  res.Balance,
	})
}

func (s *FiberServer) cancelBetHandler(c *fiber.Ctx) error {
	var req betIDRequest
	if err := c.BodyParser(&req); err != nil || req.BetID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Bet ID is required",
		})
	}

	res, err := s.game.CancelBet(c.UserContext(), playerFrom(c), req.BetID)
	if err != nil {
		return reject(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"bet_id":  res.BetID,
		"amount":  res.Amount,
		"balance": res.Balance,
	})
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req betIDRequest
	if err := c.BodyParser(&req); err != nil || req.BetID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Bet ID is required",
		})
	}

	res, err := s.game.Cashout(c.UserContext(), playerFrom(c), req.BetID)
	if err != nil {
		return reject(c, err)
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"bet_id":     res.BetID,
		"multiplier": res.Multiplier,
		"payout":     res.Payout,
		"profit":     res.Profit,
		"balance":    res.Balance,
	})
}

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	player := playerFrom(c)

	balance, err := s.game.Balance(c.UserContext(), player)
	if err != nil {
		return reject(c, err)
	}

	return c.JSON(fiber.Map{
		"player":  player,
		"balance": balance,
	})
}
