package game

import (
	"fmt"
	"strconv"

	"crashpoint/internal/money"
)

const (
	// hashPrefixLen hex chars give the 52 bits the crash point is drawn from.
	hashPrefixLen = 13
	hashSpace     = uint64(1) << 52

	DefaultInstantCrashModulus = 25
	DefaultMaxCrash            = money.Multiplier(1000000) // 10000.00x
)

// CrashCalculator maps a commitment hash to its crash multiplier.
type CrashCalculator struct {
	// One hash in InstantCrashModulus crashes at 1.00x.
	InstantCrashModulus uint64
	MaxCrash            money.Multiplier
}

var DefaultCrashCalculator = CrashCalculator{
	InstantCrashModulus: DefaultInstantCrashModulus,
	MaxCrash:            DefaultMaxCrash,
}

// CrashPoint is a pure function of hash:
// floor((100·E − h) / (E − h)) hundredths with E = 2^52 and h the first 52
// bits of the hash, or 1.00x when h is a multiple of the instant-crash modulus.
func (c CrashCalculator) CrashPoint(hash string) (money.Multiplier, error) {
	if len(hash) < hashPrefixLen {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	h, err := strconv.ParseUint(hash[:hashPrefixLen], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}

	if c.InstantCrashModulus > 0 && h%c.InstantCrashModulus == 0 {
		return money.One, nil
	}

	crash := money.Multiplier((100*hashSpace - h) / (hashSpace - h))
	if crash < money.One {
		crash = money.One
	}
	if c.MaxCrash >= money.One && crash > c.MaxCrash {
		crash = c.MaxCrash
	}
	return crash, nil
}

// VerifyRound lets players check a revealed round hash against the crash
// point that was played.
func (c CrashCalculator) VerifyRound(hash string, claimed money.Multiplier) (bool, error) {
	crash, err := c.CrashPoint(hash)
	if err != nil {
		return false, err
	}
	return crash == claimed, nil
}
