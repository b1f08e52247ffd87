package game

import (
	"errors"

	"crashpoint/internal/hashchain"
	"crashpoint/internal/money"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownPlayer     = errors.New("unknown player")
	ErrBetNotFound       = errors.New("bet not found")
	ErrNotOwner          = errors.New("bet belongs to another player")
	ErrTooLateToCancel   = errors.New("too late to cancel")
	ErrRoundNotOpen      = errors.New("round is not open for this action")
	ErrAlreadySettled    = errors.New("bet already settled")
	ErrCashoutInProgress = errors.New("cashout already in progress")
	ErrInvalidHash       = errors.New("invalid commitment hash")
	ErrDurabilityWarning = errors.New("round not persisted, using local round id")

	ErrChainExhausted = hashchain.ErrChainExhausted
	ErrInvalidAmount  = money.ErrInvalidAmount
)

// Reason maps ledger errors to the short reason sent back to players.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient funds"
	case errors.Is(err, ErrUnknownPlayer):
		return "unknown player"
	case errors.Is(err, ErrBetNotFound):
		return "bet not found"
	case errors.Is(err, ErrNotOwner):
		return "not your bet"
	case errors.Is(err, ErrTooLateToCancel):
		return "too late to cancel"
	case errors.Is(err, ErrRoundNotOpen):
		return "round is not open"
	case errors.Is(err, ErrAlreadySettled):
		return "bet already settled"
	case errors.Is(err, ErrCashoutInProgress):
		return "cashout in progress"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid amount"
	default:
		return "internal error"
	}
}
