// Package lmsr implements the Logarithmic Market Scoring Rule automated
// market maker used for LOW_LIQUIDITY markets.
//
// Cost function: C(q) = b * ln(Σ exp(q_i / b)). The cost of a trade is
// C(q') - C(q). All transcendental math runs through the log-sum-exp trick so
// large q/b never overflows float64; monetary results are rounded to 8
// fractional digits (tinybar resolution) via shopspring/decimal at the
// boundary.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design".
package lmsr

import (
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

// priceScale is the number of decimal places for cost rounding.
const priceScale int32 = 8

// State is the persisted curve state for one market: the liquidity parameter
// and shares held per outcome.
type State struct {
	B      float64            `json:"b"`
	Shares map[string]float64 `json:"shares"`
}

// Curve is the live LMSR market maker for one market.
type Curve struct {
	mu     sync.RWMutex
	b      float64
	shares map[string]float64
	// outcome order is fixed at construction for deterministic iteration
	outcomes []string
}

// NewCurve creates a curve with zero shares on every outcome. b must be
// positive; higher b means more liquidity and lower price impact per trade.
func NewCurve(b float64, outcomes []string) (*Curve, error) {
	if b <= 0 || math.IsNaN(b) || math.IsInf(b, 0) {
		return nil, errs.New(errs.Validation, "liquidity parameter b must be positive and finite, got %v", b)
	}
	if len(outcomes) < 2 {
		return nil, errs.New(errs.Validation, "curve needs at least 2 outcomes")
	}
	shares := make(map[string]float64, len(outcomes))
	for _, o := range outcomes {
		shares[o] = 0
	}
	return &Curve{
		b:        b,
		shares:   shares,
		outcomes: append([]string(nil), outcomes...),
	}, nil
}

// logSumExp computes ln(Σ exp(x_i)) with max-subtraction so exp never sees an
// argument above zero.
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// cost returns C(q) for the given share vector. Caller holds the lock.
func (c *Curve) cost(shares map[string]float64) float64 {
	xs := make([]float64, 0, len(c.outcomes))
	for _, o := range c.outcomes {
		xs = append(xs, shares[o]/c.b)
	}
	return c.b * logSumExp(xs)
}

// Price returns the instantaneous probability price of one outcome:
// exp(q_o/b) / Σ exp(q_k/b), computed softmax-style with max subtraction.
func (c *Curve) Price(outcome string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.priceLocked(outcome)
}

func (c *Curve) priceLocked(outcome string) (float64, error) {
	if _, ok := c.shares[outcome]; !ok {
		return 0, errs.New(errs.NotFound, "outcome %q not on curve", outcome)
	}
	maxVal := math.Inf(-1)
	for _, o := range c.outcomes {
		if v := c.shares[o] / c.b; v > maxVal {
			maxVal = v
		}
	}
	var sum, target float64
	for _, o := range c.outcomes {
		e := math.Exp(c.shares[o]/c.b - maxVal)
		sum += e
		if o == outcome {
			target = e
		}
	}
	return target / sum, nil
}

// Prices returns the full probability vector. The sum is 1 up to float
// rounding; each entry is in (0,1).
func (c *Curve) Prices() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.outcomes))
	for _, o := range c.outcomes {
		p, _ := c.priceLocked(o)
		out[o] = p
	}
	return out
}

// Quote returns the cost of buying deltaShares of outcome without mutating
// the curve. A zero delta is a no-op quoting zero cost.
func (c *Curve) Quote(outcome string, deltaShares float64) (hbar.Tinybar, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.shares[outcome]; !ok {
		return 0, errs.New(errs.NotFound, "outcome %q not on curve", outcome)
	}
	if deltaShares < 0 || math.IsNaN(deltaShares) || math.IsInf(deltaShares, 0) {
		return 0, errs.New(errs.Validation, "share delta must be non-negative and finite")
	}
	if deltaShares == 0 {
		return 0, nil
	}

	before := c.cost(c.shares)
	next := c.cloneShares()
	next[outcome] += deltaShares
	after := c.cost(next)

	cost := decimal.NewFromFloat(after - before).Round(priceScale)
	return hbar.FromDecimal(cost), nil
}

// BuyResult reports an executed curve trade.
type BuyResult struct {
	Shares         float64
	Cost           hbar.Tinybar
	EffectivePrice float64 // average price paid per share
	PostPrice      float64 // instantaneous price of the outcome after the trade
}

// Buy spends up to maxCost acquiring shares of outcome. The share quantity is
// solved in closed form from the cost function, so the whole budget is
// consumed (modulo tinybar rounding). Fails with PRICE_EXCEEDED if the
// post-trade price of the outcome would exceed maxPricePercent/100.
func (c *Curve) Buy(outcome string, maxCost hbar.Tinybar, maxPricePercent int) (BuyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.shares[outcome]; !ok {
		return BuyResult{}, errs.New(errs.NotFound, "outcome %q not on curve", outcome)
	}
	if maxCost <= 0 {
		return BuyResult{}, errs.New(errs.Validation, "max cost must be positive")
	}
	if maxPricePercent < 1 || maxPricePercent > 100 {
		return BuyResult{}, errs.New(errs.Validation, "max price percent %d outside [1,100]", maxPricePercent)
	}

	budget := maxCost.Hbar()

	// With only q_o changing, C(q') = C(q) + budget gives
	//   exp(q_o'/b - M) = S * (exp(budget/b) - 1) + exp(q_o/b - M)
	// where M is the max-shifted exponent and S the shifted sum.
	maxVal := math.Inf(-1)
	for _, o := range c.outcomes {
		if v := c.shares[o] / c.b; v > maxVal {
			maxVal = v
		}
	}
	var s float64
	for _, o := range c.outcomes {
		s += math.Exp(c.shares[o]/c.b - maxVal)
	}
	grown := s*math.Expm1(budget/c.b) + math.Exp(c.shares[outcome]/c.b-maxVal)
	if math.IsInf(grown, 0) || math.IsNaN(grown) || grown <= 0 {
		return BuyResult{}, errs.New(errs.Validation, "cost %s too large for curve b=%v", maxCost, c.b)
	}
	newQ := c.b * (maxVal + math.Log(grown))
	delta := newQ - c.shares[outcome]
	if delta <= 0 {
		return BuyResult{}, errs.New(errs.Validation, "budget below curve resolution")
	}

	// Slippage guard before mutating.
	postShifted := math.Exp(newQ/c.b - maxVal)
	postPrice := postShifted / (s - math.Exp(c.shares[outcome]/c.b-maxVal) + postShifted)
	if postPrice*100 > float64(maxPricePercent) {
		return BuyResult{}, errs.New(errs.PriceExceeded,
			"trade would move %q to %.4f, above limit %d%%", outcome, postPrice, maxPricePercent)
	}

	before := c.cost(c.shares)
	c.shares[outcome] = newQ
	after := c.cost(c.shares)

	cost := hbar.FromDecimal(decimal.NewFromFloat(after - before).Round(priceScale))
	return BuyResult{
		Shares:         delta,
		Cost:           cost,
		EffectivePrice: hbar.Round8((after - before) / delta),
		PostPrice:      hbar.Round8(postPrice),
	}, nil
}

// BuyShares buys an exact share quantity, used by tests and by quote-driven
// flows. Same slippage guard as Buy.
func (c *Curve) BuyShares(outcome string, deltaShares float64, maxPricePercent int) (BuyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.shares[outcome]; !ok {
		return BuyResult{}, errs.New(errs.NotFound, "outcome %q not on curve", outcome)
	}
	if deltaShares <= 0 || math.IsNaN(deltaShares) || math.IsInf(deltaShares, 0) {
		return BuyResult{}, errs.New(errs.Validation, "share delta must be positive and finite")
	}

	before := c.cost(c.shares)
	next := c.cloneShares()
	next[outcome] += deltaShares
	after := c.cost(next)

	c.shares = next
	post, _ := c.priceLocked(outcome)
	if post*100 > float64(maxPricePercent) {
		// roll back
		c.shares[outcome] -= deltaShares
		return BuyResult{}, errs.New(errs.PriceExceeded,
			"trade would move %q to %.4f, above limit %d%%", outcome, post, maxPricePercent)
	}

	cost := hbar.FromDecimal(decimal.NewFromFloat(after - before).Round(priceScale))
	return BuyResult{
		Shares:         deltaShares,
		Cost:           cost,
		EffectivePrice: hbar.Round8((after - before) / deltaShares),
		PostPrice:      hbar.Round8(post),
	}, nil
}

func (c *Curve) cloneShares() map[string]float64 {
	next := make(map[string]float64, len(c.shares))
	for k, v := range c.shares {
		next[k] = v
	}
	return next
}

// Snapshot returns the persisted form of the curve.
func (c *Curve) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{B: c.b, Shares: c.cloneShares()}
}

// Restore builds a curve from persisted state.
func Restore(s State) (*Curve, error) {
	outcomes := make([]string, 0, len(s.Shares))
	for o := range s.Shares {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	c, err := NewCurve(s.B, outcomes)
	if err != nil {
		return nil, err
	}
	for o, q := range s.Shares {
		c.shares[o] = q
	}
	return c, nil
}
