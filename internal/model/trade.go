package model

import (
	"math/big"
	"strings"
	"time"
)

// Side is the direction of a trade as reported by the pool contract.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade is a normalized trade event decoded from the pool's tradeCall log.
// It is immutable once produced by the trade feed.
type Trade struct {
	Token     string    // lower-cased token contract address
	Caller    string    // lower-cased caller address
	InAmount  *big.Int  // amount sent into the pool
	OutAmount *big.Int  // amount received from the pool
	Side      Side
	Index     *big.Int  // per-pool trade index
	Time      time.Time // upstream block timestamp (second resolution)
	TxHash    string
	LogIndex  uint
}

// NormalizeAddress lower-cases and trims an address so it can be used as a
// map or topic key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
