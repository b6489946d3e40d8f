// Package market holds prediction-market metadata and the lifecycle state
// machine. Markets are created by the registry, mutated only through
// lifecycle transitions, and never destroyed (SETTLED is terminal).
package market

import (
	"time"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

// Status is the lifecycle state of a market.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClosed   Status = "CLOSED"
	StatusResolved Status = "RESOLVED"
	StatusDisputed Status = "DISPUTED"
	StatusSettled  Status = "SETTLED"
	// StatusQuarantined is entered when an invariant check fails mid
	// liquidation cascade. Operator action required; no trading.
	StatusQuarantined Status = "QUARANTINED"
)

// Regime selects the matching engine for a market.
type Regime string

const (
	HighLiquidity Regime = "HIGH_LIQUIDITY" // central limit order book
	LowLiquidity  Regime = "LOW_LIQUIDITY"  // LMSR scoring-rule curve
)

// Market is the registry record for one prediction market.
type Market struct {
	ID            string       `json:"id"`
	Question      string       `json:"question"`
	Creator       string       `json:"creator"`
	EscrowAccount string       `json:"escrowAccount"`
	CloseTime     time.Time    `json:"closeTime"`
	Status        Status       `json:"status"`
	Outcomes      []string     `json:"outcomes"`
	Regime        Regime       `json:"regime"`
	InitialHbar   hbar.Tinybar `json:"initialFunding"`

	// InitialOdds is the per-outcome prior used as the INITIAL mark price
	// source. Uniform when not supplied at creation.
	InitialOdds map[string]float64 `json:"initialOdds,omitempty"`

	// ResolvedOutcome is set on the CLOSED -> RESOLVED transition, or self
	// attested when entering DISPUTED.
	ResolvedOutcome string `json:"resolvedOutcome,omitempty"`

	// DisputeDeadline is the end of the challenge window while DISPUTED.
	DisputeDeadline time.Time `json:"disputeDeadline,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasOutcome reports whether label is one of the market's outcomes.
func (m *Market) HasOutcome(label string) bool {
	for _, o := range m.Outcomes {
		if o == label {
			return true
		}
	}
	return false
}

// InitialOdd returns the prior price for an outcome. Falls back to the
// uniform prior 1/len(outcomes).
func (m *Market) InitialOdd(outcome string) float64 {
	if p, ok := m.InitialOdds[outcome]; ok {
		return p
	}
	return hbar.Round8(1.0 / float64(len(m.Outcomes)))
}

// Tradable reports whether new orders and bets are accepted.
func (m *Market) Tradable() bool { return m.Status == StatusOpen }

// allowedTransitions encodes OPEN -> CLOSED -> (RESOLVED | DISPUTED) ->
// SETTLED. No backward edges. QUARANTINED is reachable from any non-terminal
// status and only an operator transition to SETTLED leaves it.
var allowedTransitions = map[Status][]Status{
	StatusOpen:        {StatusClosed, StatusQuarantined},
	StatusClosed:      {StatusResolved, StatusDisputed, StatusQuarantined},
	StatusDisputed:    {StatusResolved, StatusQuarantined},
	StatusResolved:    {StatusSettled, StatusQuarantined},
	StatusQuarantined: {StatusSettled},
	StatusSettled:     {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionErr(id string, from, to Status) error {
	return errs.New(errs.StateConflict, "market %s: illegal transition %s -> %s", id, from, to)
}
