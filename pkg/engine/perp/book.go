package perp

import (
	"sort"
	"sync"
	"time"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/util"
)

// FundingIndex accumulates funding per unit of notional for one
// (market, outcome). Signed: positive means longs have paid.
type FundingIndex struct {
	MarketID      string    `json:"marketId"`
	Outcome       string    `json:"outcome"`
	Cumulative    float64   `json:"cumulativeFundingPerNotional"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// Book owns every perpetual position. All mutation goes through its methods;
// callers holding a *Position only ever see copies.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
	byPair    map[string]map[string]struct{} // market|outcome -> position ids
	byAccount map[string]map[string]struct{}
	indexes   map[string]*FundingIndex // market|outcome

	ledger   *margin.Ledger
	schedule MaintenanceSchedule
	ids      *util.IDSource
	clock    util.Clock

	MaxLeverage int
}

func NewBook(ledger *margin.Ledger, schedule MaintenanceSchedule, ids *util.IDSource, clock util.Clock, maxLeverage int) *Book {
	if maxLeverage < 1 {
		maxLeverage = 10
	}
	return &Book{
		positions: make(map[string]*Position),
		byPair:    make(map[string]map[string]struct{}),
		byAccount: make(map[string]map[string]struct{}),
		indexes:   make(map[string]*FundingIndex),
		ledger:    ledger,
		schedule:  schedule,
		ids:       ids,
		clock:     clock,
		MaxLeverage: maxLeverage,
	}
}

func pairKey(marketID, outcome string) string { return marketID + "|" + outcome }

// Schedule exposes the maintenance-margin schedule in use.
func (b *Book) Schedule() MaintenanceSchedule { return b.schedule }

// OpenInput is everything needed to open a position.
type OpenInput struct {
	Account  string
	MarketID string
	Outcome  string
	Side     Side
	SizeHbar hbar.Tinybar
	Leverage int
	Mode     MarginMode
	// EntryPrice is the oracle mark at open; the engine reads it while
	// holding the market section.
	EntryPrice float64
}

// Open validates input, locks initial margin (size/leverage) from the margin
// ledger, and inserts an OPEN position baselined at the pair's current
// funding index.
func (b *Book) Open(in OpenInput) (Position, error) {
	if in.SizeHbar <= 0 {
		return Position{}, errs.New(errs.Validation, "position size must be positive")
	}
	if in.Leverage < 1 || in.Leverage > b.MaxLeverage {
		return Position{}, errs.New(errs.Validation, "leverage %d outside [1,%d]", in.Leverage, b.MaxLeverage)
	}
	if in.Side != Long && in.Side != Short {
		return Position{}, errs.New(errs.Validation, "position side %q", in.Side)
	}
	if in.Mode != Isolated && in.Mode != Cross {
		return Position{}, errs.New(errs.Validation, "margin mode %q", in.Mode)
	}
	if in.EntryPrice <= 0 || in.EntryPrice >= 1 {
		return Position{}, errs.New(errs.Validation, "entry price %v outside (0,1)", in.EntryPrice)
	}

	required := in.SizeHbar.MulFrac(1, int64(in.Leverage))
	if err := b.ledger.Lock(in.Account, required); err != nil {
		return Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	p := &Position{
		ID:                 b.ids.NewSeq("pos"),
		MarketID:           in.MarketID,
		Outcome:            in.Outcome,
		Account:            in.Account,
		Side:               in.Side,
		SizeHbar:           in.SizeHbar,
		Leverage:           in.Leverage,
		Mode:               in.Mode,
		EntryPrice:         hbar.Round8(in.EntryPrice),
		MarkPrice:          hbar.Round8(in.EntryPrice),
		MarginHbar:         required,
		FundingIndexAtOpen: b.indexLocked(in.MarketID, in.Outcome).Cumulative,
		Status:             StatusOpen,
		OpenedAt:           now,
		UpdatedAt:          now,
	}
	b.insertLocked(p)
	return *p, nil
}

func (b *Book) insertLocked(p *Position) {
	b.positions[p.ID] = p
	pk := pairKey(p.MarketID, p.Outcome)
	if b.byPair[pk] == nil {
		b.byPair[pk] = make(map[string]struct{})
	}
	b.byPair[pk][p.ID] = struct{}{}
	if b.byAccount[p.Account] == nil {
		b.byAccount[p.Account] = make(map[string]struct{})
	}
	b.byAccount[p.Account][p.ID] = struct{}{}
}

// Get returns a copy of a position.
func (b *Book) Get(id string) (Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	if !ok {
		return Position{}, errs.New(errs.NotFound, "position %s not found", id)
	}
	return *p, nil
}

// RefreshPair re-marks every OPEN position on a pair against the given mark
// price. Pending funding (index delta since baseline) is folded into the
// reported unrealized PnL but not committed to balances; settlement does
// that. Returns copies of the refreshed positions.
func (b *Book) RefreshPair(marketID, outcome string, mark float64) []Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexLocked(marketID, outcome)
	var out []Position
	for id := range b.byPair[pairKey(marketID, outcome)] {
		p := b.positions[id]
		if p.Status != StatusOpen {
			continue
		}
		p.MarkPrice = hbar.Round8(mark)
		pnl := p.pnlAt(mark)
		// pending funding: longs owe a rising index, shorts the reverse
		pending := p.SizeHbar.MulFloat(hbar.Round8(idx.Cumulative-p.FundingIndexAtOpen))
		if p.Side == Long {
			pnl -= pending
		} else {
			pnl += pending
		}
		p.UnrealizedPnlHbar = pnl
		p.UpdatedAt = b.clock.Now()
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseResult reports a voluntary (partial) close.
type CloseResult struct {
	Position      Position
	RealizedDelta hbar.Tinybar // signed
	MarginFreed   hbar.Tinybar
	LossShortfall hbar.Tinybar // loss the balance could not cover
}

// Close realizes fraction of the position at its current mark. Margin scales
// down with size; realized PnL is credited to, or debited from, the margin
// balance — debits clamp at zero and the uncovered remainder is reported as a
// shortfall for the liquidation engine to absorb.
func (b *Book) Close(id string, fraction float64) (CloseResult, error) {
	if fraction <= 0 || fraction > 1 {
		return CloseResult{}, errs.New(errs.Validation, "close fraction %v outside (0,1]", fraction)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return CloseResult{}, errs.New(errs.NotFound, "position %s not found", id)
	}
	if p.Status != StatusOpen {
		return CloseResult{}, errs.New(errs.StateConflict, "position %s is %s", id, p.Status)
	}

	p.Status = StatusClosing
	realized := p.UnrealizedPnlHbar.MulFloat(fraction)
	marginSlice := p.MarginHbar.MulFloat(fraction)
	sizeSlice := p.SizeHbar.MulFloat(fraction)

	if err := b.ledger.Release(p.Account, marginSlice); err != nil {
		p.Status = StatusOpen
		return CloseResult{}, err
	}

	var shortfall hbar.Tinybar
	if realized >= 0 {
		_ = b.ledger.Credit(p.Account, realized)
	} else {
		taken, _ := b.ledger.Debit(p.Account, -realized)
		shortfall = -realized - taken
	}

	p.RealizedPnlHbar += realized
	now := b.clock.Now()
	if fraction == 1 {
		p.SizeHbar = 0
		p.MarginHbar = 0
		p.UnrealizedPnlHbar = 0
		p.Status = StatusClosed
		p.ClosedAt = now
	} else {
		p.SizeHbar -= sizeSlice
		p.MarginHbar -= marginSlice
		p.UnrealizedPnlHbar -= realized
		p.Status = StatusOpen
	}
	p.UpdatedAt = now

	return CloseResult{Position: *p, RealizedDelta: realized, MarginFreed: marginSlice, LossShortfall: shortfall}, nil
}

// LiquidationSlice is the result of forcibly closing part of a position. The
// margin slice has been confiscated from the account (lock released, balance
// debited); the liquidation engine decides what flows back.
type LiquidationSlice struct {
	Position    Position
	SizeClosed  hbar.Tinybar
	MarginSlice hbar.Tinybar // margin confiscated, may exceed what balance held
	PnlSlice    hbar.Tinybar // signed unrealized PnL attributed to the slice
}

// ApplyLiquidationSlice forcibly closes fraction of an OPEN position at its
// current mark. The margin lock for the slice is released and the same amount
// debited from the balance; the caller credits back whatever the tier rules
// return. Fraction 1 marks the position LIQUIDATED.
func (b *Book) ApplyLiquidationSlice(id string, fraction float64) (LiquidationSlice, error) {
	if fraction <= 0 || fraction > 1 {
		return LiquidationSlice{}, errs.New(errs.Validation, "liquidation fraction %v outside (0,1]", fraction)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return LiquidationSlice{}, errs.New(errs.NotFound, "position %s not found", id)
	}
	if p.Status != StatusOpen {
		return LiquidationSlice{}, errs.New(errs.StateConflict, "position %s is %s", id, p.Status)
	}

	marginSlice := p.MarginHbar.MulFloat(fraction)
	sizeSlice := p.SizeHbar.MulFloat(fraction)
	pnlSlice := p.UnrealizedPnlHbar.MulFloat(fraction)

	if err := b.ledger.Release(p.Account, marginSlice); err != nil {
		return LiquidationSlice{}, errs.Wrap(errs.Internal, err, "release margin for liquidation of %s", id)
	}
	// Confiscate the freed margin; tier rules return the survivor's share.
	if _, err := b.ledger.Debit(p.Account, marginSlice); err != nil {
		return LiquidationSlice{}, err
	}

	now := b.clock.Now()
	if fraction == 1 {
		p.SizeHbar = 0
		p.MarginHbar = 0
		p.UnrealizedPnlHbar = 0
		p.Status = StatusLiquidated
		p.ClosedAt = now
	} else {
		p.SizeHbar -= sizeSlice
		p.MarginHbar -= marginSlice
		p.UnrealizedPnlHbar -= pnlSlice
	}
	p.UpdatedAt = now

	return LiquidationSlice{Position: *p, SizeClosed: sizeSlice, MarginSlice: marginSlice, PnlSlice: pnlSlice}, nil
}

// ApplyADLSlice reduces an opposing profitable position by fraction,
// releasing the margin slice back to its owner's free balance and crediting
// realizedPnl minus take (the amount socialized into the deficit). Marks the
// position CLOSED when the remaining size drops under dust.
func (b *Book) ApplyADLSlice(id string, fraction float64, take hbar.Tinybar) (Position, error) {
	const dust = hbar.Tinybar(10_000) // 1e-4 HBAR

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return Position{}, errs.New(errs.NotFound, "position %s not found", id)
	}
	if p.Status != StatusOpen {
		return Position{}, errs.New(errs.StateConflict, "position %s is %s", id, p.Status)
	}
	if fraction <= 0 || fraction > 1 {
		return Position{}, errs.New(errs.Validation, "adl fraction %v outside (0,1]", fraction)
	}

	marginSlice := p.MarginHbar.MulFloat(fraction)
	sizeSlice := p.SizeHbar.MulFloat(fraction)
	pnlSlice := p.UnrealizedPnlHbar.MulFloat(fraction)

	if err := b.ledger.Release(p.Account, marginSlice); err != nil {
		return Position{}, errs.Wrap(errs.Internal, err, "release margin for adl of %s", id)
	}
	// The slice's profit net of the socialized take goes to the owner.
	kept := pnlSlice - take
	if kept > 0 {
		_ = b.ledger.Credit(p.Account, kept)
	}

	p.SizeHbar -= sizeSlice
	p.MarginHbar -= marginSlice
	p.UnrealizedPnlHbar -= pnlSlice
	p.RealizedPnlHbar += kept
	now := b.clock.Now()
	p.UpdatedAt = now
	if p.SizeHbar <= dust {
		// remainder margin is returned in full
		if p.MarginHbar > 0 {
			_ = b.ledger.Release(p.Account, p.MarginHbar)
			p.MarginHbar = 0
		}
		p.SizeHbar = 0
		p.UnrealizedPnlHbar = 0
		p.Status = StatusClosed
		p.ClosedAt = now
	}
	return *p, nil
}

// OpenByPair returns copies of the OPEN positions on a pair, id-ordered.
func (b *Book) OpenByPair(marketID, outcome string) []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Position
	for id := range b.byPair[pairKey(marketID, outcome)] {
		if p := b.positions[id]; p.Status == StatusOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByAccount returns copies of an account's positions, newest first.
func (b *Book) ByAccount(account string) []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Position
	for id := range b.byAccount[account] {
		out = append(out, *b.positions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// CrossPnL sums unrealized PnL over an account's OPEN CROSS positions. Wired
// into margin.Ledger.EffectiveEquity by the composition root.
func (b *Book) CrossPnL(account string) hbar.Tinybar {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total hbar.Tinybar
	for id := range b.byAccount[account] {
		p := b.positions[id]
		if p.Status == StatusOpen && p.Mode == Cross {
			total += p.UnrealizedPnlHbar
		}
	}
	return total
}

// Pairs returns every (market, outcome) pair with at least one OPEN
// position, sorted for deterministic sweeps.
func (b *Book) Pairs() [][2]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out [][2]string
	for pk, ids := range b.byPair {
		open := false
		for id := range ids {
			if b.positions[id].Status == StatusOpen {
				open = true
				break
			}
		}
		if !open {
			continue
		}
		for i := 0; i < len(pk); i++ {
			if pk[i] == '|' {
				out = append(out, [2]string{pk[:i], pk[i+1:]})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

func (b *Book) indexLocked(marketID, outcome string) *FundingIndex {
	pk := pairKey(marketID, outcome)
	idx, ok := b.indexes[pk]
	if !ok {
		idx = &FundingIndex{MarketID: marketID, Outcome: outcome}
		b.indexes[pk] = idx
	}
	return idx
}

// Index returns a copy of a pair's funding index.
func (b *Book) Index(marketID, outcome string) FundingIndex {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pk := pairKey(marketID, outcome)
	if idx, ok := b.indexes[pk]; ok {
		return *idx
	}
	return FundingIndex{MarketID: marketID, Outcome: outcome}
}

// State is the persisted form of the book.
type State struct {
	Positions []*Position     `json:"positions"`
	Indexes   []*FundingIndex `json:"fundingIndexes"`
}

// Snapshot captures every position (including terminal ones) and all funding
// indexes.
func (b *Book) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := State{}
	for _, p := range b.positions {
		cp := *p
		s.Positions = append(s.Positions, &cp)
	}
	sort.Slice(s.Positions, func(i, j int) bool { return s.Positions[i].ID < s.Positions[j].ID })
	for _, idx := range b.indexes {
		cp := *idx
		s.Indexes = append(s.Indexes, &cp)
	}
	sort.Slice(s.Indexes, func(i, j int) bool {
		return pairKey(s.Indexes[i].MarketID, s.Indexes[i].Outcome) < pairKey(s.Indexes[j].MarketID, s.Indexes[j].Outcome)
	})
	return s
}

// Restore replaces book contents from a snapshot.
func (b *Book) Restore(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*Position, len(s.Positions))
	b.byPair = make(map[string]map[string]struct{})
	b.byAccount = make(map[string]map[string]struct{})
	for _, p := range s.Positions {
		cp := *p
		b.insertLocked(&cp)
	}
	b.indexes = make(map[string]*FundingIndex, len(s.Indexes))
	for _, idx := range s.Indexes {
		cp := *idx
		b.indexes[pairKey(cp.MarketID, cp.Outcome)] = &cp
	}
}
