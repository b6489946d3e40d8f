// Package oracle maintains the canonical mark price per (market, outcome).
// The mark is recomputed after every matcher or curve state change and is the
// single reference price for PnL and margin checks.
package oracle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/minjcho/hedgemark/pkg/engine/lmsr"
	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/orderbook"
	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/util"
)

// Source tags where a mark price came from.
type Source string

const (
	SourceLMSRCurve    Source = "LMSR_CURVE"
	SourceCLOBMid      Source = "CLOB_MID"
	SourceCLOBLastFill Source = "CLOB_LAST_FILL"
	SourceInitial      Source = "INITIAL"
)

// Mark is one mark-price record.
type Mark struct {
	MarketID  string    `json:"marketId"`
	Outcome   string    `json:"outcome"`
	Price     float64   `json:"price"` // probability in (0,1), 8 dp
	Source    Source    `json:"source"`
	Sequence  uint64    `json:"sequence"` // per-market, monotone
	Timestamp time.Time `json:"timestamp"`
}

// Update is the payload published on events.TopicMarkUpdated.
type Update struct {
	MarketID string  `json:"marketId"`
	Outcome  string  `json:"outcome"`
	Price    float64 `json:"price"`
	Source   Source  `json:"source"`
	Sequence uint64  `json:"sequence"`
}

// Oracle holds the latest mark per (market, outcome).
type Oracle struct {
	mu    sync.RWMutex
	marks map[string]Mark   // market|outcome -> mark
	seq   map[string]uint64 // market -> last sequence

	bus   *events.Bus
	clock util.Clock
}

func New(bus *events.Bus, clock util.Clock) *Oracle {
	return &Oracle{
		marks: make(map[string]Mark),
		seq:   make(map[string]uint64),
		bus:   bus,
		clock: clock,
	}
}

func key(marketID, outcome string) string { return fmt.Sprintf("%s|%s", marketID, outcome) }

// Refresh recomputes the mark for one (market, outcome) with the precedence:
//
//  1. LOW_LIQUIDITY regime      -> LMSR_CURVE, the current curve price
//  2. both best bid & ask exist -> CLOB_MID, their midpoint
//  3. any fill has occurred     -> CLOB_LAST_FILL, the latest fill price
//  4. otherwise                 -> INITIAL, the market's prior odds
//
// The mark.updated event is published synchronously before returning, so
// downstream margin checks always see the latest mark.
func (o *Oracle) Refresh(m *market.Market, outcome string, curve *lmsr.Curve, book *orderbook.Book) Mark {
	var price float64
	var source Source

	switch {
	case m.Regime == market.LowLiquidity && curve != nil:
		p, err := curve.Price(outcome)
		if err == nil {
			price, source = p, SourceLMSRCurve
		} else {
			price, source = m.InitialOdd(outcome), SourceInitial
		}
	default:
		price, source = o.fromBook(m, outcome, book)
	}

	mark := o.store(m.ID, outcome, price, source)
	o.bus.Publish(events.TopicMarkUpdated, Update{
		MarketID: mark.MarketID,
		Outcome:  mark.Outcome,
		Price:    mark.Price,
		Source:   mark.Source,
		Sequence: mark.Sequence,
	})
	return mark
}

func (o *Oracle) fromBook(m *market.Market, outcome string, book *orderbook.Book) (float64, Source) {
	if book != nil {
		bid, hasBid := book.BestBid()
		ask, hasAsk := book.BestAsk()
		if hasBid && hasAsk {
			return float64(bid+ask) / 200.0, SourceCLOBMid
		}
		if last, ok := book.LastFill(); ok {
			return float64(last) / 100.0, SourceCLOBLastFill
		}
	}
	return m.InitialOdd(outcome), SourceInitial
}

func (o *Oracle) store(marketID, outcome string, price float64, source Source) Mark {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seq[marketID]++
	mark := Mark{
		MarketID:  marketID,
		Outcome:   outcome,
		Price:     hbar.Round8(price),
		Source:    source,
		Sequence:  o.seq[marketID],
		Timestamp: o.clock.Now(),
	}
	o.marks[key(marketID, outcome)] = mark
	return mark
}

// Mark returns the latest mark for a pair, if any.
func (o *Oracle) Mark(marketID, outcome string) (Mark, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.marks[key(marketID, outcome)]
	return m, ok
}

// Price returns the latest mark price, falling back to fallback when the pair
// has never been marked.
func (o *Oracle) Price(marketID, outcome string, fallback float64) float64 {
	if m, ok := o.Mark(marketID, outcome); ok {
		return m.Price
	}
	return fallback
}

// Snapshot returns every mark, ordered for determinism.
func (o *Oracle) Snapshot() []Mark {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Mark, 0, len(o.marks))
	for _, m := range o.marks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// Restore replaces oracle contents. Callers are expected to Refresh from the
// live books and curves afterwards so stale marks never drive liquidations.
func (o *Oracle) Restore(marks []Mark) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marks = make(map[string]Mark, len(marks))
	o.seq = make(map[string]uint64)
	for _, m := range marks {
		o.marks[key(m.MarketID, m.Outcome)] = m
		if m.Sequence > o.seq[m.MarketID] {
			o.seq[m.MarketID] = m.Sequence
		}
	}
}
