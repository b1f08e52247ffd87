package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"crashpoint/internal/game"
	"crashpoint/internal/money"
)

const actionTimeout = 5 * time.Second

// clientMessage is every message a player may send over the socket.
type clientMessage struct {
	Type        string           `json:"type"`
	BetID       int64            `json:"bet_id"`
	Amount      money.Cents      `json:"amount"`
	Currency    string           `json:"currency"`
	AutoCashout money.Multiplier `json:"auto_cashout"`
}

// upgradeWebSocket authenticates the ?token= query before the upgrade.
func (s *FiberServer) upgradeWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	player, err := s.parsePlayer(c.Query("token"))
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Access denied",
		})
	}

	c.Locals(playerKey, player)
	return c.Next()
}

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	player, _ := conn.Locals(playerKey).(string)

	client := s.hub.RegisterClient(conn, player)
	defer s.hub.UnregisterClient(client)

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	client.Send("welcome", s.game.Snapshot(ctx))
	cancel()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error for user %s: %v", player, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.Send("error", "malformed message")
			continue
		}

		s.handleClientMessage(client, player, msg)
	}
}

func (s *FiberServer) handleClientMessage(client *game.Client, player string, msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch msg.Type {
	case "place_bet":
		res, err := s.game.PlaceBet(ctx, game.PlaceBetRequest{
			Player:      player,
			Amount:      msg.Amount,
			Currency:    msg.Currency,
			AutoCashout: msg.AutoCashout,
		})
		if err != nil {
			client.Send("bet_accepted", fiber.Map{"success": false, "error": game.Reason(err)})
			return
		}
		client.Send("bet_accepted", fiber.Map{
			"success":  true,
			"bet_id":   res.BetID,
			"round_id": res.RoundID,
			"amount":   msg.Amount,
			"currency": msg.Currency,
			"balance":  res.Balance,
		})

	case "cancel_bet":
		res, err := s.game.CancelBet(ctx, player, msg.BetID)
		if err != nil {
			client.Send("error", game.Reason(err))
			return
		}
		client.Send("bet_canceled_success", res)

	case "cashout":
		res, err := s.game.Cashout(ctx, player, msg.BetID)
		if err != nil {
			client.Send("cashout_result", fiber.Map{"success": false, "bet_id": msg.BetID, "error": game.Reason(err)})
			return
		}
		client.Send("cashout_result", fiber.Map{
			"success":    true,
			"bet_id":     res.BetID,
			"multiplier": res.Multiplier,
			"payout":     res.Payout,
			"profit":     res.Profit,
			"balance":    res.Balance,
		})

	case "req_user_data":
		balance, err := s.game.Balance(ctx, player)
		if err != nil {
			client.Send("error", game.Reason(err))
			return
		}
		client.Send("user_data_update", fiber.Map{"balance": balance})

	case "ping":
		client.Send("pong", nil)

	default:
		client.Send("error", "unknown message type")
	}
}
