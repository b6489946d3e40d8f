package market

import (
	"sort"
	"sync"
	"time"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/util"
)

// SeedOrder is a creation-time order used to bootstrap a HIGH_LIQUIDITY book.
type SeedOrder struct {
	Outcome    string `json:"outcome" yaml:"outcome"`
	Side       string `json:"side" yaml:"side"` // "BID" or "ASK"
	PriceCents int64  `json:"price" yaml:"price"`
	Quantity   int64  `json:"quantity" yaml:"quantity"`
}

// CreateInput is everything needed to register a market.
type CreateInput struct {
	Question    string
	Creator     string
	Escrow      string
	CloseTime   time.Time
	Outcomes    []string
	Regime      Regime
	InitialHbar hbar.Tinybar
	InitialOdds map[string]float64
	LiquidityB  float64 // LMSR b parameter, LOW_LIQUIDITY only
	SeedOrders  []SeedOrder
}

// Registry is the thread-safe market store.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
	ids     *util.IDSource
	clock   util.Clock

	// DisputeWindow is how long a DISPUTED market stays challengeable
	// before auto-advancing to RESOLVED with the self-attested outcome.
	DisputeWindow time.Duration
}

func NewRegistry(ids *util.IDSource, clock util.Clock) *Registry {
	return &Registry{
		markets:       make(map[string]*Market),
		ids:           ids,
		clock:         clock,
		DisputeWindow: 24 * time.Hour,
	}
}

// Create validates input and registers a new OPEN market. HIGH_LIQUIDITY
// markets must seed at least one bid and one ask across outcomes so the book
// opens two-sided; LOW_LIQUIDITY markets need a positive b.
func (r *Registry) Create(in CreateInput) (*Market, error) {
	if in.Question == "" {
		return nil, errs.New(errs.Validation, "question must not be empty")
	}
	if in.Creator == "" {
		return nil, errs.New(errs.Validation, "creator must not be empty")
	}
	if len(in.Outcomes) < 2 {
		return nil, errs.New(errs.Validation, "market needs at least 2 outcomes, got %d", len(in.Outcomes))
	}
	seen := make(map[string]struct{}, len(in.Outcomes))
	for _, o := range in.Outcomes {
		if o == "" {
			return nil, errs.New(errs.Validation, "outcome label must not be empty")
		}
		if _, dup := seen[o]; dup {
			return nil, errs.New(errs.Validation, "duplicate outcome %q", o)
		}
		seen[o] = struct{}{}
	}
	if in.InitialHbar <= 0 {
		return nil, errs.New(errs.Validation, "initial funding must be positive")
	}
	switch in.Regime {
	case HighLiquidity:
		var hasBid, hasAsk bool
		for _, s := range in.SeedOrders {
			switch s.Side {
			case "BID":
				hasBid = true
			case "ASK":
				hasAsk = true
			default:
				return nil, errs.New(errs.Validation, "seed order side %q", s.Side)
			}
			if s.PriceCents < 1 || s.PriceCents > 99 {
				return nil, errs.New(errs.Validation, "seed order price %d outside [1,99]", s.PriceCents)
			}
			if s.Quantity <= 0 {
				return nil, errs.New(errs.Validation, "seed order quantity must be positive")
			}
		}
		if !hasBid || !hasAsk {
			return nil, errs.New(errs.Validation, "HIGH_LIQUIDITY market needs at least one bid-side and one ask-side seed order")
		}
	case LowLiquidity:
		if in.LiquidityB <= 0 {
			return nil, errs.New(errs.Validation, "LOW_LIQUIDITY market needs liquidity parameter b > 0")
		}
	default:
		return nil, errs.New(errs.Validation, "unknown liquidity regime %q", in.Regime)
	}
	for o, p := range in.InitialOdds {
		if _, ok := seen[o]; !ok {
			return nil, errs.New(errs.Validation, "initial odds for unknown outcome %q", o)
		}
		if p <= 0 || p >= 1 {
			return nil, errs.New(errs.Validation, "initial odds for %q outside (0,1)", o)
		}
	}

	now := r.clock.Now()
	m := &Market{
		ID:            r.ids.NewSeq("mkt"),
		Question:      in.Question,
		Creator:       in.Creator,
		EscrowAccount: in.Escrow,
		CloseTime:     in.CloseTime,
		Status:        StatusOpen,
		Outcomes:      append([]string(nil), in.Outcomes...),
		Regime:        in.Regime,
		InitialHbar:   in.InitialHbar,
		InitialOdds:   in.InitialOdds,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets[m.ID] = m
	return m, nil
}

// Get returns a market by id.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "market %s not found", id)
	}
	return m, nil
}

// Filter narrows List results.
type Filter struct {
	Status  Status
	Creator string
}

// List returns markets matching the filter, ordered by id for determinism.
func (r *Registry) List(f Filter) []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Creator != "" && m.Creator != f.Creator {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every market id in ascending order. Background sweeps walk
// markets in this order to keep lock acquisition deadlock-free.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Transition applies a lifecycle edge. RESOLVED requires an outcome from the
// market's outcome set; DISPUTED records a self-attested outcome and opens
// the challenge window.
func (r *Registry) Transition(id string, to Status, outcome string) (*Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.markets[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "market %s not found", id)
	}
	if !CanTransition(m.Status, to) {
		return nil, transitionErr(id, m.Status, to)
	}

	switch to {
	case StatusResolved:
		if outcome == "" {
			// Auto-advance out of a dispute keeps the attested outcome.
			if m.Status == StatusDisputed && m.ResolvedOutcome != "" {
				outcome = m.ResolvedOutcome
			} else {
				return nil, errs.New(errs.Validation, "RESOLVED requires an outcome")
			}
		}
		if !m.HasOutcome(outcome) {
			return nil, errs.New(errs.Validation, "outcome %q not in market %s", outcome, id)
		}
		m.ResolvedOutcome = outcome
	case StatusDisputed:
		if outcome != "" {
			if !m.HasOutcome(outcome) {
				return nil, errs.New(errs.Validation, "outcome %q not in market %s", outcome, id)
			}
			m.ResolvedOutcome = outcome
		}
		m.DisputeDeadline = r.clock.Now().Add(r.DisputeWindow)
	}

	m.Status = to
	m.UpdatedAt = r.clock.Now()
	return m, nil
}

// ExpireDisputes advances DISPUTED markets whose challenge window has passed
// to RESOLVED using the self-attested outcome. Returns the markets advanced.
func (r *Registry) ExpireDisputes(now time.Time) []*Market {
	r.mu.Lock()
	defer r.mu.Unlock()

	var advanced []*Market
	for _, m := range r.markets {
		if m.Status != StatusDisputed || m.ResolvedOutcome == "" {
			continue
		}
		if now.Before(m.DisputeDeadline) {
			continue
		}
		m.Status = StatusResolved
		m.UpdatedAt = now
		advanced = append(advanced, m)
	}
	sort.Slice(advanced, func(i, j int) bool { return advanced[i].ID < advanced[j].ID })
	return advanced
}

// Quarantine parks a market pending operator action after an invariant
// violation. Idempotent.
func (r *Registry) Quarantine(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.markets[id]; ok && m.Status != StatusSettled {
		m.Status = StatusQuarantined
		m.UpdatedAt = r.clock.Now()
	}
}

// Snapshot returns a deep copy of every market, for serialization.
func (r *Registry) Snapshot() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		cp := *m
		cp.Outcomes = append([]string(nil), m.Outcomes...)
		if m.InitialOdds != nil {
			cp.InitialOdds = make(map[string]float64, len(m.InitialOdds))
			for k, v := range m.InitialOdds {
				cp.InitialOdds[k] = v
			}
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces registry contents from a snapshot.
func (r *Registry) Restore(ms []*Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets = make(map[string]*Market, len(ms))
	for _, m := range ms {
		cp := *m
		r.markets[cp.ID] = &cp
	}
}
