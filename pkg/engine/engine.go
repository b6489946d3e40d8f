// Package engine composes the trading core behind per-market critical
// sections. Every state-mutating call acquires its market's section, applies
// the change, refreshes the mark, runs the liquidation sweep for the pair,
// then releases the section before ledger effects are dispatched and the
// snapshot is written.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/insurance"
	"github.com/minjcho/hedgemark/pkg/engine/liquidation"
	"github.com/minjcho/hedgemark/pkg/engine/lmsr"
	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/oracle"
	"github.com/minjcho/hedgemark/pkg/engine/orderbook"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
	ledgerfx "github.com/minjcho/hedgemark/pkg/ledger"
	"github.com/minjcho/hedgemark/pkg/metrics"
	"github.com/minjcho/hedgemark/pkg/util"
)

// Store persists one JSON document per domain. Implemented by
// storage.SnapshotStore; nil disables persistence.
type Store interface {
	Save(domain string, v any) error
	Load(domain string, v any) (bool, error)
}

// Config carries the engine's tunables.
type Config struct {
	MaxLeverage     int
	FundingInterval time.Duration
	SweepInterval   time.Duration
	Persist         bool
	// EffectTopic is the ledger topic id that message effects are submitted
	// to.
	EffectTopic string
}

// Deps are the injected components. The composition root builds each one and
// hands them over; the engine owns no construction of its own.
type Deps struct {
	Logger     *zap.SugaredLogger
	Clock      util.Clock
	IDs        *util.IDSource
	Bus        *events.Bus
	Registry   *market.Registry
	Oracle     *oracle.Oracle
	Accounts   *margin.Ledger
	Positions  *perp.Book
	Settler    *perp.Settler
	Liquidator *liquidation.Engine
	Fund       *insurance.Fund
	Outbox     *ledgerfx.Outbox
	Store      Store
	Metrics    *metrics.Metrics
}

// pairRef routes an order id back to its book.
type pairRef struct {
	MarketID string
	Outcome  string
}

type Engine struct {
	cfg Config
	log *zap.SugaredLogger

	clock util.Clock
	ids   *util.IDSource
	bus   *events.Bus

	registry   *market.Registry
	oracle     *oracle.Oracle
	accounts   *margin.Ledger
	positions  *perp.Book
	settler    *perp.Settler
	liquidator *liquidation.Engine
	fund       *insurance.Fund
	outbox     *ledgerfx.Outbox
	store      Store
	metrics    *metrics.Metrics

	secMu    sync.Mutex
	sections map[string]chan struct{}

	stateMu sync.RWMutex
	curves  map[string]*lmsr.Curve
	books   map[string]*orderbook.Book
	routes  map[string]pairRef
}

func New(cfg Config, d Deps) *Engine {
	if cfg.EffectTopic == "" {
		cfg.EffectTopic = "hedgemark.events"
	}
	e := &Engine{
		cfg:        cfg,
		log:        d.Logger,
		clock:      d.Clock,
		ids:        d.IDs,
		bus:        d.Bus,
		registry:   d.Registry,
		oracle:     d.Oracle,
		accounts:   d.Accounts,
		positions:  d.Positions,
		settler:    d.Settler,
		liquidator: d.Liquidator,
		fund:       d.Fund,
		outbox:     d.Outbox,
		store:      d.Store,
		metrics:    d.Metrics,
		sections:   make(map[string]chan struct{}),
		curves:     make(map[string]*lmsr.Curve),
		books:      make(map[string]*orderbook.Book),
		routes:     make(map[string]pairRef),
	}
	// Cross-margin equity folds position PnL into the account's balance.
	e.accounts.CrossPnL = e.positions.CrossPnL
	return e
}

// section returns the market's critical-section token channel, creating it on
// first use. The channel holds one token; owning the token is owning the
// section.
func (e *Engine) section(marketID string) chan struct{} {
	e.secMu.Lock()
	defer e.secMu.Unlock()
	s, ok := e.sections[marketID]
	if !ok {
		s = make(chan struct{}, 1)
		s <- struct{}{}
		e.sections[marketID] = s
	}
	return s
}

// acquire takes the market's section, honoring the context deadline. On
// timeout the caller has performed no partial effects.
func (e *Engine) acquire(ctx context.Context, marketID string) (release func(), err error) {
	s := e.section(marketID)
	select {
	case <-s:
		return func() { s <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, errs.New(errs.Timeout, "market %s section not acquired before deadline", marketID)
	}
}

func (e *Engine) curve(marketID string) *lmsr.Curve {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.curves[marketID]
}

func (e *Engine) book(marketID, outcome string) *orderbook.Book {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.books[marketID+"|"+outcome]
}

// refreshAndSweep recomputes the pair's mark, re-marks its positions, and
// liquidates any that went underwater. Must be called with the market's
// section held.
func (e *Engine) refreshAndSweep(m *market.Market, outcome string) error {
	mark := e.oracle.Refresh(m, outcome, e.curve(m.ID), e.book(m.ID, outcome))
	refreshed := e.positions.RefreshPair(m.ID, outcome, mark.Price)
	ran, err := e.liquidator.SweepPair(refreshed)
	if err != nil {
		return err
	}
	if ran > 0 {
		e.metrics.SetInsuranceBalance(int64(e.fund.Balance()))
	}
	return nil
}

// afterCommit runs the post-section work on its own goroutine: dispatch
// queued ledger effects, then persist the snapshot. Detached from the
// caller's cancellation so request teardown never strands queued effects.
func (e *Engine) afterCommit(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		e.outbox.Dispatch(ctx)
		e.persist()
	}()
}

// --- account surface -------------------------------------------------------

// Deposit credits an account's margin balance and records the inflow as a
// ledger message effect.
func (e *Engine) Deposit(ctx context.Context, account string, amt int64) error {
	if err := e.accounts.Deposit(account, hbar.Tinybar(amt)); err != nil {
		return err
	}
	e.enqueueMessage("deposit", map[string]any{"account": account, "amountTinybar": amt})
	e.afterCommit(ctx)
	return nil
}

// Withdraw debits an account's free balance.
func (e *Engine) Withdraw(ctx context.Context, account string, amt int64) error {
	if err := e.accounts.Withdraw(account, hbar.Tinybar(amt)); err != nil {
		return err
	}
	e.enqueueMessage("withdraw", map[string]any{"account": account, "amountTinybar": amt})
	e.afterCommit(ctx)
	return nil
}

// AccountInfo is the balance view returned by the API.
type AccountInfo struct {
	ID              string `json:"id"`
	BalanceTinybar  int64  `json:"balanceTinybar"`
	LockedTinybar   int64  `json:"lockedTinybar"`
	EquityTinybar   int64  `json:"effectiveEquityTinybar"`
}

func (e *Engine) Account(id string) AccountInfo {
	bal, locked := e.accounts.Balance(id)
	return AccountInfo{
		ID:             id,
		BalanceTinybar: int64(bal),
		LockedTinybar:  int64(locked),
		EquityTinybar:  int64(e.accounts.EffectiveEquity(id)),
	}
}

// Positions returns an account's positions, newest first.
func (e *Engine) Positions(account string) []perp.Position {
	return e.positions.ByAccount(account)
}

// Liquidations returns the newest liquidation records.
func (e *Engine) Liquidations(limit int) []liquidation.Record {
	return e.liquidator.Records(limit)
}

// Markets lists registry entries matching the filter.
func (e *Engine) Markets(f market.Filter) []*market.Market {
	return e.registry.List(f)
}

// Market fetches one registry entry.
func (e *Engine) Market(id string) (*market.Market, error) {
	return e.registry.Get(id)
}

// BookLevels returns the aggregated bid and ask levels of a pair.
func (e *Engine) BookLevels(marketID, outcome string) ([]orderbook.PriceLevel, []orderbook.PriceLevel, error) {
	b := e.book(marketID, outcome)
	if b == nil {
		return nil, nil, errs.New(errs.NotFound, "no order book for %s/%s", marketID, outcome)
	}
	return b.BidLevels(), b.AskLevels(), nil
}

// Transition applies an admin lifecycle transition.
func (e *Engine) Transition(ctx context.Context, marketID string, to market.Status, outcome string) (*market.Market, error) {
	release, err := e.acquire(ctx, marketID)
	if err != nil {
		return nil, err
	}
	m, err := e.registry.Transition(marketID, to, outcome)
	if err != nil {
		release()
		return nil, err
	}
	release()

	e.bus.Publish(events.TopicMarketStatus, m)
	e.enqueueMessage("market.status", map[string]any{"marketId": m.ID, "status": m.Status})
	e.afterCommit(ctx)
	return m, nil
}

func (e *Engine) enqueueMessage(kind string, payload map[string]any) {
	e.outbox.Enqueue(ledgerfx.Effect{
		ID:      e.ids.NewSeq("fx"),
		Kind:    ledgerfx.EffectMessage,
		TopicID: e.cfg.EffectTopic,
		Payload: util.MustJSON(map[string]any{"type": kind, "data": payload}),
	})
}

func (e *Engine) enqueueTransfer(from, to string, amt hbar.Tinybar) {
	e.outbox.Enqueue(ledgerfx.Effect{
		ID:     e.ids.NewSeq("fx"),
		Kind:   ledgerfx.EffectTransfer,
		From:   from,
		To:     to,
		Amount: amt,
	})
}
