// Package liquidation runs the three-tier cascade: close at mark, insurance
// backstop, auto-deleverage. It never mutates a position it was handed; every
// change goes through the perp book's slice APIs so the cascade either
// commits whole or the market is quarantined.
package liquidation

import (
	"sort"
	"sync"
	"time"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/insurance"
	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/util"
)

// PartialThreshold is the notional above which a position is liquidated in
// slices rather than whole. Exactly at the threshold counts as small.
const PartialThreshold = hbar.Tinybar(100 * 100_000_000)

// PartialFraction is the slice taken from a large position per liquidation.
const PartialFraction = 0.2

// Record is one append-only liquidation log row. Tier 3 rows reference the
// deleveraged counterparty, not the position that triggered the cascade.
type Record struct {
	ID         string       `json:"id"`
	PositionID string       `json:"positionId"`
	MarketID   string       `json:"marketId"`
	Outcome    string       `json:"outcome"`
	Account    string       `json:"account"`
	Tier       int          `json:"tier"`
	Fraction   float64      `json:"fraction"`
	LossHbar   hbar.Tinybar `json:"lossHbar"`
	// InsuranceFundDelta is negative when the fund absorbed part of the loss.
	InsuranceFundDelta hbar.Tinybar `json:"insuranceFundDelta"`
	// TakeHbar is the profit clawed back from an ADL counterparty (tier 3).
	TakeHbar  hbar.Tinybar `json:"takeHbar,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Quarantiner pulls a market out of service when a cascade breaks an
// invariant. Satisfied by the market registry.
type Quarantiner interface {
	Quarantine(marketID string)
}

// Engine owns the cascade and the liquidation log.
type Engine struct {
	mu  sync.RWMutex
	log []Record

	book       *perp.Book
	ledger     *margin.Ledger
	fund       *insurance.Fund
	quarantine Quarantiner
	bus        *events.Bus
	ids        *util.IDSource
	clock      util.Clock
}

func NewEngine(book *perp.Book, ledger *margin.Ledger, fund *insurance.Fund, q Quarantiner, bus *events.Bus, ids *util.IDSource, clock util.Clock) *Engine {
	return &Engine{
		book:       book,
		ledger:     ledger,
		fund:       fund,
		quarantine: q,
		bus:        bus,
		ids:        ids,
		clock:      clock,
	}
}

// Underwater reports whether a position fails its maintenance requirement.
// ISOLATED positions stand on their own margin plus unrealized PnL; CROSS
// positions are judged by whole-account effective equity.
func (e *Engine) Underwater(p perp.Position) bool {
	maint := e.book.Schedule().MaintenanceMargin(p.SizeHbar, p.Leverage)
	if p.Mode == perp.Cross {
		return e.ledger.EffectiveEquity(p.Account) < maint
	}
	return p.MarginHbar+p.UnrealizedPnlHbar < maint
}

// SweepPair liquidates every underwater OPEN position on a pair. The caller
// holds the market's critical section and has just refreshed marks, so the
// positions passed in carry current PnL. Returns the number of cascades run.
func (e *Engine) SweepPair(positions []perp.Position) (int, error) {
	ran := 0
	for _, p := range positions {
		if p.Status != perp.StatusOpen || !e.Underwater(p) {
			continue
		}
		if err := e.Liquidate(p.ID); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

// Liquidate runs the full cascade for one position. Uncancellable: once the
// tier-1 close has applied, the remaining tiers always run. An invariant
// failure quarantines the market and surfaces INTERNAL.
func (e *Engine) Liquidate(positionID string) error {
	p, err := e.book.Get(positionID)
	if err != nil {
		return err
	}
	if p.Status != perp.StatusOpen {
		return errs.New(errs.StateConflict, "position %s is %s", positionID, p.Status)
	}

	fraction := 1.0
	if p.SizeHbar > PartialThreshold {
		fraction = PartialFraction
	}

	slice, err := e.book.ApplyLiquidationSlice(positionID, fraction)
	if err != nil {
		return e.fail(p, err)
	}

	// Tier 1: survivor equity back to the account, loss measured off the
	// slice's unrealized PnL.
	returned := hbar.Max(0, slice.MarginSlice+slice.PnlSlice)
	if returned > 0 {
		if err := e.ledger.Credit(p.Account, returned); err != nil {
			return e.fail(p, err)
		}
	}
	loss := hbar.Max(0, -slice.PnlSlice)

	rec := Record{
		ID:         e.ids.NewSeq("liq"),
		PositionID: p.ID,
		MarketID:   p.MarketID,
		Outcome:    p.Outcome,
		Account:    p.Account,
		Tier:       1,
		Fraction:   fraction,
		LossHbar:   loss,
		Timestamp:  e.clock.Now(),
	}

	// Tier 2: the confiscated margin covers the loss first; the fund absorbs
	// the deficit up to its balance.
	remaining := hbar.Tinybar(0)
	if deficit := loss - slice.MarginSlice; deficit > 0 {
		absorbed := e.fund.Absorb(deficit)
		rec.Tier = 2
		rec.InsuranceFundDelta = -absorbed
		remaining = deficit - absorbed
	}
	e.append(rec)

	// Tier 3: claw the rest back from profitable opposing positions.
	if remaining > 0 {
		remaining, err = e.deleverage(p, remaining)
		if err != nil {
			return e.fail(p, err)
		}
		if remaining > 0 {
			e.bus.Publish(events.TopicSocializedLoss, events.SocializedLoss{
				MarketID:  p.MarketID,
				Outcome:   p.Outcome,
				Position:  p.ID,
				Shortfall: remaining,
			})
		}
	}

	if e.fund.Balance() < 0 {
		return e.fail(p, errs.New(errs.Internal, "insurance fund balance negative after cascade"))
	}
	return nil
}

// deleverage walks the ADL queue for the pair, realizing profit from
// counterparties until the deficit is covered or candidates run out. Returns
// whatever deficit could not be covered.
func (e *Engine) deleverage(trigger perp.Position, remaining hbar.Tinybar) (hbar.Tinybar, error) {
	queue := e.adlQueue(trigger)

	for _, cand := range queue {
		if remaining <= 0 {
			break
		}
		take := hbar.Min(remaining, cand.UnrealizedPnlHbar)
		frac := float64(take) / float64(cand.UnrealizedPnlHbar)
		if frac < 0.01 {
			frac = 0.01
		}
		if frac > 1.0 {
			frac = 1.0
		}

		after, err := e.book.ApplyADLSlice(cand.ID, frac, take)
		if err != nil {
			return remaining, err
		}

		rec := Record{
			ID:         e.ids.NewSeq("liq"),
			PositionID: after.ID,
			MarketID:   after.MarketID,
			Outcome:    after.Outcome,
			Account:    after.Account,
			Tier:       3,
			Fraction:   frac,
			TakeHbar:   take,
			Timestamp:  e.clock.Now(),
		}
		e.append(rec)
		remaining -= take
	}
	return remaining, nil
}

func (e *Engine) fail(p perp.Position, cause error) error {
	if e.quarantine != nil {
		e.quarantine.Quarantine(p.MarketID)
	}
	if errs.CodeOf(cause) == errs.Internal {
		return cause
	}
	return errs.Wrap(errs.Internal, cause, "liquidation cascade for %s", p.ID)
}

func (e *Engine) append(r Record) {
	e.mu.Lock()
	e.log = append(e.log, r)
	e.mu.Unlock()
	e.bus.Publish(events.TopicLiquidation, r)
}

// Records returns the newest rows first, up to limit (0 means all).
func (e *Engine) Records(limit int) []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.log)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.log[i])
	}
	return out
}

// Snapshot returns the full log in append order.
func (e *Engine) Snapshot() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Record, len(e.log))
	copy(out, e.log)
	return out
}

// Restore replaces the log and re-seats the id sequence past the rows seen.
func (e *Engine) Restore(rows []Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = make([]Record, len(rows))
	copy(e.log, rows)
	sort.SliceStable(e.log, func(i, j int) bool { return e.log[i].Timestamp.Before(e.log[j].Timestamp) })
}
