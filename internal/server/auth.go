package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const playerKey = "player"

var (
	errMissingToken = errors.New("missing token")
	errNoPlayer     = errors.New("token does not name a player")
)

// playerClaims accepts both a top-level username and the nested
// {"data": {"username": ...}} form issued by the login service.
type playerClaims struct {
	Username string `json:"username,omitempty"`
	Data     *struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"data,omitempty"`
	jwt.RegisteredClaims
}

func (c playerClaims) player() string {
	if c.Username != "" {
		return c.Username
	}
	if c.Data != nil {
		return c.Data.Username
	}
	return ""
}

func (s *FiberServer) parsePlayer(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errMissingToken
	}

	claims := &playerClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}

	player := claims.player()
	if player == "" {
		return "", errNoPlayer
	}
	return player, nil
}

// requireAuth resolves the bearer token to a player name stored in Locals.
func (s *FiberServer) requireAuth(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if header != "" && !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid authorization format",
		})
	}

	player, err := s.parsePlayer(tokenString)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}

	c.Locals(playerKey, player)
	return c.Next()
}

func playerFrom(c *fiber.Ctx) string {
	player, _ := c.Locals(playerKey).(string)
	return player
}
