package perp

import (
	"math"
	"sort"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/util"
)

const (
	// FundingRatePerSkew scales open-interest skew into a per-interval rate.
	FundingRatePerSkew = 0.0001
	// FundingRateCap bounds the per-interval rate in either direction.
	FundingRateCap = 0.01
)

// Settlement records one funding interval applied to a (market, outcome).
type Settlement struct {
	MarketID     string  `json:"marketId"`
	Outcome      string  `json:"outcome"`
	Rate         float64 `json:"rate"`
	MarkPrice    float64 `json:"markPrice"`
	LongOI       hbar.Tinybar `json:"longOpenInterest"`
	ShortOI      hbar.Tinybar `json:"shortOpenInterest"`
	Positions    int          `json:"positions"`
	PaidByLongs  hbar.Tinybar `json:"paidByLongs"`  // signed, negative when shorts paid
	IndexAfter   float64      `json:"indexAfter"`
}

// Settler applies periodic funding to open positions. One settlement is a
// zero-sum transfer between the longs and shorts on a pair, pegged to the
// open-interest skew.
type Settler struct {
	book   *Book
	ledger *margin.Ledger
	bus    *events.Bus
	clock  util.Clock
}

func NewSettler(book *Book, ledger *margin.Ledger, bus *events.Bus, clock util.Clock) *Settler {
	return &Settler{book: book, ledger: ledger, bus: bus, clock: clock}
}

// Rate computes the instantaneous funding rate for a pair from its
// open-interest skew: clamp(skew, -1, 1) * FundingRatePerSkew, capped at
// +-FundingRateCap. Zero open interest yields zero.
func Rate(longOI, shortOI hbar.Tinybar) float64 {
	total := longOI + shortOI
	if total <= 0 {
		return 0
	}
	skew := (longOI.Hbar() - shortOI.Hbar()) / total.Hbar()
	skew = math.Max(-1, math.Min(1, skew))
	rate := skew * FundingRatePerSkew
	return math.Max(-FundingRateCap, math.Min(FundingRateCap, rate))
}

// SettlePair runs one funding interval for a (market, outcome) at the given
// mark price. The cumulative index advances by rate * mark; each OPEN
// position pays or receives size * rate, its funding baseline is moved to
// the new index, and the payment accumulates on cumulativeFundingPaidHbar.
// Arithmetic overflow on the pair aborts that pair with a funding_error
// event and leaves its state untouched; the caller's sweep continues.
func (s *Settler) SettlePair(marketID, outcome string, mark float64) (Settlement, error) {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()

	idx := s.book.indexLocked(marketID, outcome)

	var open []*Position
	var longOI, shortOI hbar.Tinybar
	for id := range s.book.byPair[pairKey(marketID, outcome)] {
		p := s.book.positions[id]
		if p.Status != StatusOpen {
			continue
		}
		open = append(open, p)
		if p.Side == Long {
			longOI += p.SizeHbar
		} else {
			shortOI += p.SizeHbar
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	rate := Rate(longOI, shortOI)
	out := Settlement{
		MarketID:  marketID,
		Outcome:   outcome,
		Rate:      rate,
		MarkPrice: hbar.Round8(mark),
		LongOI:    longOI,
		ShortOI:   shortOI,
		Positions: len(open),
	}

	// No open positions, or a flat book, still advances nothing.
	if len(open) == 0 || rate == 0 {
		out.IndexAfter = idx.Cumulative
		return out, nil
	}

	newIndex := idx.Cumulative + hbar.Round8(rate*mark)
	if math.IsNaN(newIndex) || math.IsInf(newIndex, 0) {
		err := errs.New(errs.Internal, "funding index overflow on %s/%s", marketID, outcome)
		s.bus.Publish(events.TopicFundingError, events.FundingError{
			MarketID: marketID, Outcome: outcome, Reason: err.Error(),
		})
		return out, err
	}
	for _, p := range open {
		if overflows(p.SizeHbar, rate) {
			err := errs.New(errs.Internal, "funding payment overflow on %s/%s position %s", marketID, outcome, p.ID)
			s.bus.Publish(events.TopicFundingError, events.FundingError{
				MarketID: marketID, Outcome: outcome, Reason: err.Error(),
			})
			return out, err
		}
	}

	idx.Cumulative = newIndex
	idx.LastUpdatedAt = s.clock.Now()
	out.IndexAfter = newIndex

	for _, p := range open {
		payment := p.SizeHbar.MulFloat(hbar.Round8(rate)) // positive: longs pay
		pays := (p.Side == Long) == (payment > 0)
		amt := payment
		if amt < 0 {
			amt = -amt
		}
		if pays {
			taken, _ := s.ledger.Debit(p.Account, amt)
			p.CumulativeFundingHbar += taken
			if p.Side == Long {
				out.PaidByLongs += taken
			} else {
				out.PaidByLongs -= taken
			}
		} else {
			_ = s.ledger.Credit(p.Account, amt)
			p.CumulativeFundingHbar -= amt
		}
		p.FundingIndexAtOpen = newIndex
		p.UpdatedAt = s.clock.Now()
	}

	s.bus.Publish(events.TopicFunding, out)
	return out, nil
}

// overflows reports whether size * rate cannot be represented in tinybars.
func overflows(size hbar.Tinybar, rate float64) bool {
	prod := math.Abs(float64(size) * rate)
	return prod >= float64(math.MaxInt64)
}
