package engine

import (
	"sync"

	"github.com/minjcho/hedgemark/pkg/engine/insurance"
	"github.com/minjcho/hedgemark/pkg/engine/liquidation"
	"github.com/minjcho/hedgemark/pkg/engine/lmsr"
	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/oracle"
	"github.com/minjcho/hedgemark/pkg/engine/orderbook"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/events"
	ledgerfx "github.com/minjcho/hedgemark/pkg/ledger"
)

// Domain names under the state directory; one JSON document each.
const (
	domainMarkets      = "markets"
	domainCurves       = "curves"
	domainBooks        = "books"
	domainMarks        = "marks"
	domainAccounts     = "accounts"
	domainPositions    = "positions"
	domainLiquidations = "liquidations"
	domainInsurance    = "insurance"
	domainOutbox       = "outbox"
	domainSequence     = "sequence"
)

type sequenceState struct {
	Seq uint64 `json:"seq"`
}

var persistMu sync.Mutex

// persist writes every domain's snapshot. Serialized so two post-commit
// goroutines never interleave partial writes of the same domain.
func (e *Engine) persist() {
	if e.store == nil || !e.cfg.Persist {
		return
	}
	persistMu.Lock()
	defer persistMu.Unlock()

	e.stateMu.RLock()
	curves := make(map[string]lmsr.State, len(e.curves))
	for id, c := range e.curves {
		curves[id] = c.Snapshot()
	}
	books := make(map[string]orderbook.State, len(e.books))
	for key, b := range e.books {
		books[key] = b.Snapshot()
	}
	e.stateMu.RUnlock()

	domains := []struct {
		name string
		v    any
	}{
		{domainMarkets, e.registry.Snapshot()},
		{domainCurves, curves},
		{domainBooks, books},
		{domainMarks, e.oracle.Snapshot()},
		{domainAccounts, e.accounts.Snapshot()},
		{domainPositions, e.positions.Snapshot()},
		{domainLiquidations, e.liquidator.Snapshot()},
		{domainInsurance, e.fund.Snapshot()},
		{domainOutbox, e.outbox.Pending()},
		{domainSequence, sequenceState{Seq: e.ids.Seq()}},
	}
	for _, d := range domains {
		if err := e.store.Save(d.name, d.v); err != nil {
			e.log.Errorw("snapshot_write_failed", "domain", d.name, "err", err)
			return
		}
	}
	e.metrics.SnapshotWritten()
	e.bus.Publish(events.TopicSnapshotWritten, nil)
}

// Restore loads every domain from the store and rebuilds live state. Missing
// or corrupt domains load as empty. Marks are recomputed from the restored
// books and curves so stale prices never drive a liquidation.
func (e *Engine) Restore() error {
	if e.store == nil {
		return nil
	}

	var markets []*market.Market
	if _, err := e.store.Load(domainMarkets, &markets); err != nil {
		return err
	}
	e.registry.Restore(markets)

	var curves map[string]lmsr.State
	if _, err := e.store.Load(domainCurves, &curves); err != nil {
		return err
	}
	var books map[string]orderbook.State
	if _, err := e.store.Load(domainBooks, &books); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.curves = make(map[string]*lmsr.Curve, len(curves))
	for id, s := range curves {
		c, err := lmsr.Restore(s)
		if err != nil {
			e.stateMu.Unlock()
			return err
		}
		e.curves[id] = c
	}
	e.books = make(map[string]*orderbook.Book, len(books))
	e.routes = make(map[string]pairRef, len(books))
	for key, s := range books {
		b := orderbook.RestoreBook(s)
		e.books[key] = b
		for _, o := range s.Resting {
			e.routes[o.ID] = pairRef{MarketID: s.MarketID, Outcome: s.Outcome}
		}
	}
	e.stateMu.Unlock()

	var marks []oracle.Mark
	if _, err := e.store.Load(domainMarks, &marks); err != nil {
		return err
	}
	e.oracle.Restore(marks)

	var accounts []margin.AccountState
	if _, err := e.store.Load(domainAccounts, &accounts); err != nil {
		return err
	}
	e.accounts.Restore(accounts)

	var positions perp.State
	if _, err := e.store.Load(domainPositions, &positions); err != nil {
		return err
	}
	e.positions.Restore(positions)

	var records []liquidation.Record
	if _, err := e.store.Load(domainLiquidations, &records); err != nil {
		return err
	}
	e.liquidator.Restore(records)

	var fund insurance.State
	if _, err := e.store.Load(domainInsurance, &fund); err != nil {
		return err
	}
	e.fund.Restore(fund)

	var effects []ledgerfx.Effect
	if _, err := e.store.Load(domainOutbox, &effects); err != nil {
		return err
	}
	e.outbox.Restore(effects)

	var seq sequenceState
	if _, err := e.store.Load(domainSequence, &seq); err != nil {
		return err
	}
	if seq.Seq > e.ids.Seq() {
		e.ids.SetSeq(seq.Seq)
	}

	// Re-mark every pair against the live books and curves.
	for _, m := range e.registry.List(market.Filter{}) {
		for _, o := range m.Outcomes {
			mark := e.oracle.Refresh(m, o, e.curve(m.ID), e.book(m.ID, o))
			e.positions.RefreshPair(m.ID, o, mark.Price)
		}
	}
	e.metrics.SetInsuranceBalance(int64(e.fund.Balance()))
	return nil
}
