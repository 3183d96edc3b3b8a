package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is a trading intent emitted by a strategy callback.
type Signal struct {
	StrategyID  string
	Symbol      string
	Type        string // "entry" or "exit"
	Direction   string // "long" or "short"
	OrderType   string // "market" or "limit"
	Quantity    decimal.Decimal
	Price       *decimal.Decimal
	GeneratedAt time.Time
}

// Valid checks the field-level rules a signal must satisfy, excluding
// the "symbol is one of config.symbols" check (the caller already
// knows its own config and checks that).
func (s Signal) Valid() bool {
	if s.Symbol == "" || s.Type == "" || s.Direction == "" {
		return false
	}
	if s.Type != "entry" && s.Type != "exit" {
		return false
	}
	if s.Direction != "long" && s.Direction != "short" {
		return false
	}
	if s.OrderType != "market" && s.OrderType != "limit" {
		return false
	}
	if s.Quantity.Sign() <= 0 {
		return false
	}
	if s.OrderType == "limit" && s.Price == nil {
		return false
	}
	return true
}
