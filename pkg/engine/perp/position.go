// Package perp owns perpetual positions and funding. Position records are
// mutated only through the Book's API; the liquidation engine asks the Book
// to apply slices rather than writing to a position it was handed, which is
// what keeps the cascade atomic.
package perp

import (
	"time"

	"github.com/minjcho/hedgemark/pkg/hbar"
)

// Side of a perpetual position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

func (s Side) sign() float64 {
	if s == Long {
		return 1
	}
	return -1
}

// MarginMode selects how equity backs the position.
type MarginMode string

const (
	Isolated MarginMode = "ISOLATED"
	Cross    MarginMode = "CROSS"
)

// Status of a position. LIQUIDATED and CLOSED are terminal.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusClosing    Status = "CLOSING"
	StatusClosed     Status = "CLOSED"
	StatusLiquidated Status = "LIQUIDATED"
)

// Position is one perpetual position. SizeHbar is notional; MarginHbar is the
// collateral locked against it. Size and margin scale together on partial
// close.
type Position struct {
	ID       string     `json:"id"`
	MarketID string     `json:"marketId"`
	Outcome  string     `json:"outcome"`
	Account  string     `json:"account"`
	Side     Side       `json:"side"`
	SizeHbar hbar.Tinybar `json:"sizeHbar"`
	Leverage int        `json:"leverage"`
	Mode     MarginMode `json:"marginMode"`

	EntryPrice float64      `json:"entryPrice"` // probability, 8 dp
	MarkPrice  float64      `json:"markPrice"`
	MarginHbar hbar.Tinybar `json:"marginHbar"`

	UnrealizedPnlHbar      hbar.Tinybar `json:"unrealizedPnlHbar"`
	RealizedPnlHbar        hbar.Tinybar `json:"realizedPnlHbar"`
	CumulativeFundingHbar  hbar.Tinybar `json:"cumulativeFundingPaidHbar"`
	FundingIndexAtOpen     float64      `json:"fundingIndexAtOpen"`

	Status   Status    `json:"status"`
	OpenedAt time.Time `json:"openedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ClosedAt time.Time `json:"closedAt,omitempty"`
}

// pnlAt computes unrealized PnL at a mark: size * (mark - entry)/entry,
// sign-flipped for shorts. Entry price is never zero for an open position.
func (p *Position) pnlAt(mark float64) hbar.Tinybar {
	if p.EntryPrice == 0 {
		return 0
	}
	ratio := (mark - p.EntryPrice) / p.EntryPrice * p.Side.sign()
	return p.SizeHbar.MulFloat(hbar.Round8(ratio))
}

// Notional returns the position's notional size.
func (p *Position) Notional() hbar.Tinybar { return p.SizeHbar }

// ADLScore ranks auto-deleverage candidates: profit times leverage. Higher
// scores are deleveraged first.
func (p *Position) ADLScore() float64 {
	return p.UnrealizedPnlHbar.Hbar() * float64(p.Leverage)
}
