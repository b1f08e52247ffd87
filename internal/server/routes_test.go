package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"crashpoint/internal/database"
	"crashpoint/internal/game"
	"crashpoint/internal/hashchain"
	"crashpoint/internal/money"
)

const testSecret = "test-secret"

type fakeGame struct {
	mu      sync.Mutex
	placed  []game.PlaceBetRequest
	err     error
	balance money.Cents
}

func (f *fakeGame) Snapshot(context.Context) game.Snapshot {
	return game.Snapshot{
		RoundID:    7,
		Status:     game.StatusWaiting,
		TimeLeft:   4.2,
		Multiplier: money.One,
		History:    []game.HistoryItem{{ID: 6, Crash: 250, Hash: "abc"}},
		ActiveBets: []game.ActiveBetView{},
		MinBet:     10,
		MaxBet:     1_000_000,
	}
}

func (f *fakeGame) PlaceBet(_ context.Context, req game.PlaceBetRequest) (game.PlaceBetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return game.PlaceBetResult{}, f.err
	}
	f.placed = append(f.placed, req)
	f.balance -= req.Amount
	return game.PlaceBetResult{BetID: int64(len(f.placed)), RoundID: 7, Balance: f.balance}, nil
}

func (f *fakeGame) CancelBet(_ context.Context, _ string, betID int64) (game.CancelBetResult, error) {
	if f.err != nil {
		return game.CancelBetResult{}, f.err
	}
	return game.CancelBetResult{BetID: betID, Amount: 1000, Balance: f.balance + 1000}, nil
}

func (f *fakeGame) Cashout(_ context.Context, player string, betID int64) (game.CashoutResult, error) {
	if f.err != nil {
		return game.CashoutResult{}, f.err
	}
	return game.CashoutResult{
		BetID: betID, Player: player, Amount: 1000, Multiplier: 250,
		Payout: 2500, Profit: 1500, Balance: f.balance + 2500,
	}, nil
}

func (f *fakeGame) Balance(context.Context, string) (money.Cents, error) {
	return f.balance, f.err
}

type fakeRounds map[int64]game.Round

func (f fakeRounds) GetRound(_ context.Context, id int64) (game.Round, error) {
	if r, ok := f[id]; ok {
		return r, nil
	}
	return game.Round{}, database.ErrRoundNotFound
}

func (f fakeRounds) RoundByChainSeq(_ context.Context, seq int64) (game.Round, error) {
	for _, r := range f {
		if r.ChainSeq == seq {
			return r, nil
		}
	}
	return game.Round{}, database.ErrRoundNotFound
}

type fakeHistory []game.HistoryItem

func (f fakeHistory) RecentHistory(_ context.Context, limit int) ([]game.HistoryItem, error) {
	return f[:min(limit, len(f))], nil
}

type staticHealth map[string]string

func (h staticHealth) Health() map[string]string { return h }

func newTestServer(t *testing.T, g *fakeGame, rounds fakeRounds) *FiberServer {
	t.Helper()
	s := New(Deps{
		Game:       g,
		Hub:        game.NewHub(),
		Rounds:     rounds,
		History:    fakeHistory{{ID: 3, Crash: 720}, {ID: 2, Crash: 100}, {ID: 1, Crash: 350}},
		Calculator: game.DefaultCrashCalculator,
		DB:         staticHealth{"status": "up", "message": "It's healthy"},
		Cache:      staticHealth{"status": "up", "message": "Redis is healthy"},
		JWTSecret:  testSecret,
	})
	s.RegisterFiberRoutes()
	return s
}

func signToken(t *testing.T, claims jwt.Claims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("could not sign token: %v", err)
	}
	return token
}

func tokenFor(t *testing.T, player string) string {
	return signToken(t, jwt.MapClaims{
		"username": player,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}, testSecret)
}

func doRequest(t *testing.T, s *FiberServer, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}
	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("could not unmarshal response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, result
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, &fakeGame{}, nil)

	status, result := doRequest(t, s, http.MethodGet, "/health", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %v", status)
	}

	db, _ := result["database"].(map[string]any)
	if db["status"] != "up" {
		t.Errorf("expected database status to be 'up'; got %v", db["status"])
	}
	gameInfo, _ := result["game"].(map[string]any)
	if gameInfo["round_status"] != "waiting" {
		t.Errorf("expected round_status 'waiting'; got %v", gameInfo["round_status"])
	}
	if gameInfo["connected_clients"] != float64(0) {
		t.Errorf("expected no clients; got %v", gameInfo["connected_clients"])
	}
}

func TestGameStateHandler(t *testing.T) {
	s := newTestServer(t, &fakeGame{}, nil)

	status, result := doRequest(t, s, http.MethodGet, "/api/v1/game/state", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %v", status)
	}
	if result["round_id"] != float64(7) || result["status"] != "waiting" {
		t.Errorf("unexpected snapshot: %v", result)
	}
	if result["min_bet"] != "0.10" {
		t.Errorf("min_bet = %v, want \"0.10\"", result["min_bet"])
	}
	if history, _ := result["history"].([]any); len(history) != 1 {
		t.Errorf("history = %v, want one item", result["history"])
	}
}

func TestHistoryHandler(t *testing.T) {
	s := newTestServer(t, &fakeGame{}, nil)

	tests := []struct {
		path       string
		wantStatus int
		wantLen    int
	}{
		{path: "/api/v1/history", wantStatus: http.StatusOK, wantLen: 3},
		{path: "/api/v1/history?limit=2", wantStatus: http.StatusOK, wantLen: 2},
		{path: "/api/v1/history?limit=0", wantStatus: http.StatusBadRequest},
		{path: "/api/v1/history?limit=500", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, result := doRequest(t, s, http.MethodGet, tt.path, "", "")
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", status, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			items, _ := result["history"].([]any)
			if len(items) != tt.wantLen {
				t.Errorf("got %d items, want %d", len(items), tt.wantLen)
			}
		})
	}
}

func TestPlaceBetHandler_RequiresToken(t *testing.T) {
	s := newTestServer(t, &fakeGame{}, nil)
	body := `{"amount":"10.00","currency":"USD"}`

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "wrong scheme", header: "Token abc"},
		{name: "bad signature", header: "Bearer " + signToken(t, jwt.MapClaims{"username": "alice"}, "other")},
		{name: "expired", header: "Bearer " + signToken(t, jwt.MapClaims{
			"username": "alice",
			"exp":      time.Now().Add(-time.Minute).Unix(),
		}, testSecret)},
		{name: "no player", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "1"}, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/game/bet", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := s.App.Test(req)
			if err != nil {
				t.Fatalf("could not perform request: %v", err)
			}
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestPlaceBetHandler(t *testing.T) {
	g := &fakeGame{balance: 100000}
	s := newTestServer(t, g, nil)

	status, result := doRequest(t, s, http.MethodPost, "/api/v1/game/bet", tokenFor(t, "alice"),
		`{"amount":"25.50","currency":"EUR","auto_cashout":2.5}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, result)
	}
	if result["success"] != true || result["bet_id"] != float64(1) {
		t.Errorf("unexpected response: %v", result)
	}
	if result["balance"] != "974.50" {
		t.Errorf("balance = %v, want \"974.50\"", result["balance"])
	}

	if len(g.placed) != 1 {
		t.Fatalf("engine saw %d bets, want 1", len(g.placed))
	}
	got := g.placed[0]
	if got.Player != "alice" || got.Amount != 2550 || got.AutoCashout != 250 || got.Currency != "EUR" {
		t.Errorf("engine received %+v", got)
	}
}

func TestPlaceBetHandler_NestedClaims(t *testing.T) {
	g := &fakeGame{balance: 1000}
	s := newTestServer(t, g, nil)

	token := signToken(t, jwt.MapClaims{
		"data": map[string]any{"id": 3, "username": "carol"},
		"exp":  time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	status, _ := doRequest(t, s, http.MethodPost, "/api/v1/game/bet", token, `{"amount":1}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if g.placed[0].Player != "carol" {
		t.Errorf("player = %q, want carol", g.placed[0].Player)
	}
}

func TestPlaceBetHandler_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{name: "funds", err: game.ErrInsufficientFunds, wantStatus: http.StatusBadRequest, wantReason: "insufficient funds"},
		{name: "closed", err: game.ErrRoundNotOpen, wantStatus: http.StatusConflict, wantReason: "round is not open"},
		{name: "amount", err: game.ErrInvalidAmount, wantStatus: http.StatusBadRequest, wantReason: "invalid amount"},
		{name: "unknown", err: game.ErrUnknownPlayer, wantStatus: http.StatusNotFound, wantReason: "unknown player"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeGame{err: tt.err}, nil)
			status, result := doRequest(t, s, http.MethodPost, "/api/v1/game/bet", tokenFor(t, "bob"), `{"amount":"5.00"}`)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if result["success"] != false || result["error"] != tt.wantReason {
				t.Errorf("body = %v, want reason %q", result, tt.wantReason)
			}
		})
	}
}

func TestPlaceBetHandler_BadBody(t *testing.T) {
	s := newTestServer(t, &fakeGame{}, nil)

	status, _ := doRequest(t, s, http.MethodPost, "/api/v1/game/bet", tokenFor(t, "bob"), `{"amount":"1.2.3"}`)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestCancelAndCashoutHandlers(t *testing.T) {
	g := &fakeGame{balance: 5000}
	s := newTestServer(t, g, nil)
	token := tokenFor(t, "alice")

	status, result := doRequest(t, s, http.MethodPost, "/api/v1/game/cancel", token, `{"bet_id":4}`)
	if status != http.StatusOK || result["balance"] != "60.00" {
		t.Errorf("cancel = %d %v", status, result)
	}

	status, result = doRequest(t, s, http.MethodPost, "/api/v1/game/cashout", token, `{"bet_id":4}`)
	if status != http.StatusOK {
		t.Fatalf("cashout status = %d", status)
	}
	if result["payout"] != "25.00" || result["profit"] != "15.00" || result["multiplier"] != 2.5 {
		t.Errorf("cashout = %v", result)
	}

	status, _ = doRequest(t, s, http.MethodPost, "/api/v1/game/cashout", token, `{}`)
	if status != http.StatusBadRequest {
		t.Errorf("cashout without bet id = %d, want 400", status)
	}

	g.err = game.ErrTooLateToCancel
	status, result = doRequest(t, s, http.MethodPost, "/api/v1/game/cancel", token, `{"bet_id":4}`)
	if status != http.StatusConflict || result["error"] != "too late to cancel" {
		t.Errorf("late cancel = %d %v", status, result)
	}

	g.err = game.ErrNotOwner
	status, _ = doRequest(t, s, http.MethodPost, "/api/v1/game/cashout", token, `{"bet_id":4}`)
	if status != http.StatusForbidden {
		t.Errorf("foreign cashout = %d, want 403", status)
	}
}

func TestBalanceHandler(t *testing.T) {
	s := newTestServer(t, &fakeGame{balance: 123456}, nil)

	status, result := doRequest(t, s, http.MethodGet, "/api/v1/player/balance", tokenFor(t, "dave"), "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if result["player"] != "dave" || result["balance"] != "1234.56" {
		t.Errorf("balance = %v", result)
	}
}

func TestVerifyRoundHandler(t *testing.T) {
	hashes := hashchain.Generate("verify", 3)
	calc := game.DefaultCrashCalculator
	crash1, _ := calc.CrashPoint(hashes[0])
	crash2, _ := calc.CrashPoint(hashes[1])
	crash3, _ := calc.CrashPoint(hashes[2])

	rounds := fakeRounds{
		1: {ID: 1, Hash: hashes[0], ChainSeq: 1, CrashPoint: crash1, Status: game.StatusCrashed},
		2: {ID: 2, Hash: hashes[1], ChainSeq: 2, CrashPoint: crash2, Status: game.StatusCrashed},
		3: {ID: 3, Hash: hashes[2], ChainSeq: 3, Status: game.StatusRunning},
		4: {ID: 4, Hash: hashes[2], ChainSeq: 9, CrashPoint: crash3 + 1, Status: game.StatusCrashed},
	}
	s := newTestServer(t, &fakeGame{}, rounds)

	t.Run("linked", func(t *testing.T) {
		status, result := doRequest(t, s, http.MethodGet, "/api/v1/rounds/2/verify", "", "")
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if result["valid"] != true || result["chain_valid"] != true {
			t.Errorf("verify = %v", result)
		}
		if result["previous_hash"] != hashes[0] {
			t.Errorf("previous_hash = %v", result["previous_hash"])
		}
	})

	t.Run("first of chain", func(t *testing.T) {
		_, result := doRequest(t, s, http.MethodGet, "/api/v1/rounds/1/verify", "", "")
		if result["valid"] != true || result["chain_valid"] != nil {
			t.Errorf("verify = %v", result)
		}
	})

	t.Run("tampered crash point", func(t *testing.T) {
		status, result := doRequest(t, s, http.MethodGet, "/api/v1/rounds/4/verify", "", "")
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if result["valid"] != false {
			t.Errorf("verify = %v, want invalid", result)
		}
	})

	tests := []struct {
		path       string
		wantStatus int
	}{
		{path: "/api/v1/rounds/3/verify", wantStatus: http.StatusConflict},
		{path: "/api/v1/rounds/99/verify", wantStatus: http.StatusNotFound},
		{path: "/api/v1/rounds/abc/verify", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		status, _ := doRequest(t, s, http.MethodGet, tt.path, "", "")
		if status != tt.wantStatus {
			t.Errorf("GET %s = %d, want %d", tt.path, status, tt.wantStatus)
		}
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, &fakeGame{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+tokenFor(t, "alice"), nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("plain GET /ws = %d, want 426", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{game.ErrInsufficientFunds, fiber.StatusBadRequest},
		{game.ErrBetNotFound, fiber.StatusNotFound},
		{game.ErrNotOwner, fiber.StatusForbidden},
		{game.ErrAlreadySettled, fiber.StatusConflict},
		{game.ErrCashoutInProgress, fiber.StatusConflict},
		{io.EOF, fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
