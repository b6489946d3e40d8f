package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/insurance"
	"github.com/minjcho/hedgemark/pkg/engine/liquidation"
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

// memStore is an in-memory Store for tests.
type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemStore() *memStore { return &memStore{docs: make(map[string][]byte)} }

func (s *memStore) Save(domain string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[domain] = data
	return nil
}

func (s *memStore) Load(domain string, v any) (bool, error) {
	s.mu.Lock()
	data, ok := s.docs[domain]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	sugar := util.NewNopLogger().Sugar()
	clock := &util.FakeClock{Instant: time.Unix(1_700_000_000, 0)}
	ids := util.NewIDSource()
	bus := events.NewBus(sugar)

	accounts := margin.NewLedger()
	registry := market.NewRegistry(ids, clock)
	orcl := oracle.New(bus, clock)
	fund := insurance.NewFund()
	positions := perp.NewBook(accounts, perp.DefaultMaintenanceSchedule(), ids, clock, 10)
	settler := perp.NewSettler(positions, accounts, bus, clock)
	liquidator := liquidation.NewEngine(positions, accounts, fund, registry, bus, ids, clock)
	outbox := ledgerfx.NewOutbox(ledgerfx.NewInMemoryPort(), sugar, 3, nil)

	return New(Config{
		MaxLeverage:     10,
		FundingInterval: time.Hour,
		SweepInterval:   time.Hour,
		Persist:         true,
	}, Deps{
		Logger:     sugar,
		Clock:      clock,
		IDs:        ids,
		Bus:        bus,
		Registry:   registry,
		Oracle:     orcl,
		Accounts:   accounts,
		Positions:  positions,
		Settler:    settler,
		Liquidator: liquidator,
		Fund:       fund,
		Outbox:     outbox,
		Store:      store,
		Metrics:    metrics.New(),
	})
}

func lowInput(creator string) market.CreateInput {
	return market.CreateInput{
		Question:    "Will the launch happen this quarter?",
		Creator:     creator,
		Escrow:      "0.0.9001",
		CloseTime:   time.Unix(1_800_000_000, 0),
		Outcomes:    []string{"YES", "NO"},
		Regime:      market.LowLiquidity,
		InitialHbar: hbar.FromHbar(100),
		LiquidityB:  100,
	}
}

func highInput(creator string) market.CreateInput {
	in := lowInput(creator)
	in.Regime = market.HighLiquidity
	in.LiquidityB = 0
	in.Escrow = "0.0.9002"
	in.SeedOrders = []market.SeedOrder{
		{Outcome: "YES", Side: "BID", PriceCents: 45, Quantity: 10},
		{Outcome: "YES", Side: "ASK", PriceCents: 55, Quantity: 10},
	}
	return in
}

func TestCreateMarketFundsEscrow(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(150))))
	before := e.TotalValue()

	m, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)
	assert.Equal(t, market.StatusOpen, m.Status)

	creator := e.Account("creator")
	assert.Equal(t, int64(hbar.FromHbar(50)), creator.BalanceTinybar)
	escrow := e.Account(m.EscrowAccount)
	assert.Equal(t, int64(hbar.FromHbar(100)), escrow.BalanceTinybar)

	// funding moved inside the ledger; nothing created or destroyed
	assert.Equal(t, before, e.TotalValue())

	// the curve mark seeds at the uniform prior
	mark, ok := e.oracle.Mark(m.ID, "YES")
	require.True(t, ok)
	assert.Equal(t, oracle.SourceLMSRCurve, mark.Source)
	assert.InDelta(t, 0.5, mark.Price, 1e-9)
}

func TestCreateMarketRequiresFunding(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	_, err := e.CreateMarket(ctx, lowInput("broke"))
	assert.True(t, errs.Is(err, errs.InsufficientFunds))

	in := lowInput("creator")
	in.Escrow = ""
	_, err = e.CreateMarket(ctx, in)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestPlaceBetMovesCostToEscrow(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "bettor", int64(hbar.FromHbar(50))))
	before := e.TotalValue()

	res, err := e.PlaceBet(ctx, BetInput{
		MarketID:        m.ID,
		Outcome:         "YES",
		Account:         "bettor",
		MaxCost:         hbar.FromHbar(25),
		MaxPricePercent: 90,
	})
	require.NoError(t, err)
	assert.Greater(t, res.Shares, 0.0)
	assert.LessOrEqual(t, res.Cost, hbar.FromHbar(25))

	bettor := e.Account("bettor")
	assert.Equal(t, int64(hbar.FromHbar(50)-res.Cost), bettor.BalanceTinybar)
	escrow := e.Account(m.EscrowAccount)
	assert.Equal(t, int64(hbar.FromHbar(100)+res.Cost), escrow.BalanceTinybar)
	assert.Equal(t, before, e.TotalValue())

	// the buy moved the mark up
	mark, ok := e.oracle.Mark(m.ID, "YES")
	require.True(t, ok)
	assert.Greater(t, mark.Price, 0.5)
}

func TestPlaceBetRejections(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)

	// more than the bettor's free balance
	require.NoError(t, e.Deposit(ctx, "bettor", int64(hbar.FromHbar(1))))
	_, err = e.PlaceBet(ctx, BetInput{
		MarketID: m.ID, Outcome: "YES", Account: "bettor",
		MaxCost: hbar.FromHbar(5), MaxPricePercent: 90,
	})
	assert.True(t, errs.Is(err, errs.InsufficientFunds))

	_, err = e.PlaceBet(ctx, BetInput{
		MarketID: m.ID, Outcome: "MAYBE", Account: "bettor",
		MaxCost: hbar.FromHbar(1), MaxPricePercent: 90,
	})
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = e.PlaceBet(ctx, BetInput{
		MarketID: "mkt-999", Outcome: "YES", Account: "bettor",
		MaxCost: hbar.FromHbar(1), MaxPricePercent: 90,
	})
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSubmitOrderLocksAndSettles(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, highInput("creator"))
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "bob", int64(hbar.FromHbar(20))))
	before := e.TotalValue()

	// bob lifts the escrow's seed ask: 10 shares at 55 cents = 5.5 HBAR
	order, fills, err := e.SubmitOrder(ctx, OrderInput{
		MarketID: m.ID, Outcome: "YES", Account: "bob",
		Side: orderbook.Bid, PriceCents: 55, Quantity: 10,
	})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, orderbook.StatusFilled, order.Status)
	assert.Equal(t, int64(55), fills[0].PriceCents)

	bob := e.Account("bob")
	assert.Equal(t, int64(hbar.FromHbar(14.5)), bob.BalanceTinybar)
	assert.Equal(t, int64(0), bob.LockedTinybar)
	assert.Equal(t, before, e.TotalValue())

	// only the seed bid is left; the mark falls back to the last fill
	mark, ok := e.oracle.Mark(m.ID, "YES")
	require.True(t, ok)
	assert.Equal(t, oracle.SourceCLOBLastFill, mark.Source)
	assert.InDelta(t, 0.55, mark.Price, 1e-9)
}

func TestRestingBidLocksWorstCase(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, highInput("creator"))
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "bob", int64(hbar.FromHbar(20))))

	// 40 cents does not cross the 55 ask: rests and locks 40*30 cents = 12
	order, fills, err := e.SubmitOrder(ctx, OrderInput{
		MarketID: m.ID, Outcome: "YES", Account: "bob",
		Side: orderbook.Bid, PriceCents: 40, Quantity: 30,
	})
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Equal(t, orderbook.StatusOpen, order.Status)

	bob := e.Account("bob")
	assert.Equal(t, int64(hbar.FromHbar(12)), bob.LockedTinybar)

	// an oversized bid cannot lock
	_, _, err = e.SubmitOrder(ctx, OrderInput{
		MarketID: m.ID, Outcome: "YES", Account: "bob",
		Side: orderbook.Bid, PriceCents: 40, Quantity: 100,
	})
	assert.True(t, errs.Is(err, errs.InsufficientMargin))

	// cancel refunds the lock
	cancelled, err := e.CancelOrder(ctx, order.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusCancelled, cancelled.Status)
	bob = e.Account("bob")
	assert.Equal(t, int64(0), bob.LockedTinybar)

	_, err = e.CancelOrder(ctx, order.ID, "bob")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestCancelOrderOwnerOnly(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, highInput("creator"))
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "bob", int64(hbar.FromHbar(20))))
	order, _, err := e.SubmitOrder(ctx, OrderInput{
		MarketID: m.ID, Outcome: "YES", Account: "bob",
		Side: orderbook.Bid, PriceCents: 40, Quantity: 10,
	})
	require.NoError(t, err)

	_, err = e.CancelOrder(ctx, order.ID, "mallory")
	assert.True(t, errs.Is(err, errs.StateConflict))
}

func TestOpenAndClosePosition(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "trader", int64(hbar.FromHbar(100))))
	before := e.TotalValue()

	pos, err := e.OpenPosition(ctx, PositionInput{
		MarketID: m.ID, Outcome: "YES", Account: "trader",
		Side: perp.Long, SizeHbar: hbar.FromHbar(50), Leverage: 5, Mode: perp.Isolated,
	})
	require.NoError(t, err)
	assert.Equal(t, perp.StatusOpen, pos.Status)
	assert.InDelta(t, 0.5, pos.EntryPrice, 1e-9)

	trader := e.Account("trader")
	assert.Equal(t, int64(hbar.FromHbar(10)), trader.LockedTinybar)

	got := e.Positions("trader")
	require.Len(t, got, 1)
	assert.Equal(t, pos.ID, got[0].ID)

	// flat mark: closing realizes nothing and frees the margin
	res, err := e.ClosePosition(ctx, pos.ID, "trader", 1)
	require.NoError(t, err)
	assert.Equal(t, perp.StatusClosed, res.Position.Status)
	assert.Equal(t, hbar.Tinybar(0), res.RealizedDelta)

	trader = e.Account("trader")
	assert.Equal(t, int64(hbar.FromHbar(100)), trader.BalanceTinybar)
	assert.Equal(t, int64(0), trader.LockedTinybar)
	assert.Equal(t, before, e.TotalValue())
}

func TestClosePositionOwnerOnly(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "trader", int64(hbar.FromHbar(100))))
	pos, err := e.OpenPosition(ctx, PositionInput{
		MarketID: m.ID, Outcome: "YES", Account: "trader",
		Side: perp.Long, SizeHbar: hbar.FromHbar(50), Leverage: 5, Mode: perp.Isolated,
	})
	require.NoError(t, err)

	_, err = e.ClosePosition(ctx, pos.ID, "mallory", 1)
	assert.True(t, errs.Is(err, errs.StateConflict))
}

func TestTransitionStopsTrading(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)

	_, err = e.Transition(ctx, m.ID, market.StatusClosed, "")
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "bettor", int64(hbar.FromHbar(10))))
	_, err = e.PlaceBet(ctx, BetInput{
		MarketID: m.ID, Outcome: "YES", Account: "bettor",
		MaxCost: hbar.FromHbar(1), MaxPricePercent: 90,
	})
	assert.True(t, errs.Is(err, errs.StateConflict))

	_, err = e.OpenPosition(ctx, PositionInput{
		MarketID: m.ID, Outcome: "YES", Account: "bettor",
		Side: perp.Long, SizeHbar: hbar.FromHbar(5), Leverage: 2, Mode: perp.Isolated,
	})
	assert.True(t, errs.Is(err, errs.StateConflict))
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(200))))
	low, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)
	high, err := e.CreateMarket(ctx, highInput("creator"))
	require.NoError(t, err)

	require.NoError(t, e.Deposit(ctx, "bob", int64(hbar.FromHbar(50))))
	_, err = e.PlaceBet(ctx, BetInput{
		MarketID: low.ID, Outcome: "YES", Account: "bob",
		MaxCost: hbar.FromHbar(10), MaxPricePercent: 90,
	})
	require.NoError(t, err)
	resting, _, err := e.SubmitOrder(ctx, OrderInput{
		MarketID: high.ID, Outcome: "YES", Account: "bob",
		Side: orderbook.Bid, PriceCents: 40, Quantity: 10,
	})
	require.NoError(t, err)
	pos, err := e.OpenPosition(ctx, PositionInput{
		MarketID: low.ID, Outcome: "YES", Account: "bob",
		Side: perp.Long, SizeHbar: hbar.FromHbar(10), Leverage: 2, Mode: perp.Isolated,
	})
	require.NoError(t, err)

	e.persist()

	e2 := newTestEngine(t, store)
	require.NoError(t, e2.Restore())

	// markets, balances and positions came back
	assert.Len(t, e2.Markets(market.Filter{}), 2)
	assert.Equal(t, e.Account("bob"), e2.Account("bob"))
	assert.Equal(t, e.TotalValue(), e2.TotalValue())

	restored := e2.Positions("bob")
	require.Len(t, restored, 1)
	assert.Equal(t, pos.ID, restored[0].ID)

	// marks were recomputed, not replayed
	m1, _ := e.oracle.Mark(low.ID, "YES")
	m2, ok := e2.oracle.Mark(low.ID, "YES")
	require.True(t, ok)
	assert.Equal(t, m1.Price, m2.Price)

	// order routes were rebuilt from the book snapshots
	cancelled, err := e2.CancelOrder(ctx, resting.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusCancelled, cancelled.Status)

	// restored id sequence does not collide with existing ids
	require.NoError(t, e2.Deposit(ctx, "carol", int64(hbar.FromHbar(100))))
	p2, err := e2.OpenPosition(ctx, PositionInput{
		MarketID: low.ID, Outcome: "YES", Account: "carol",
		Side: perp.Long, SizeHbar: hbar.FromHbar(10), Leverage: 2, Mode: perp.Isolated,
	})
	require.NoError(t, err)
	assert.NotEqual(t, pos.ID, p2.ID)
}

func TestAcquireTimesOutUnderContention(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, "creator", int64(hbar.FromHbar(100))))
	m, err := e.CreateMarket(ctx, lowInput("creator"))
	require.NoError(t, err)

	// hold the market's section so the bet cannot take it
	s := e.section(m.ID)
	<-s
	defer func() { s <- struct{}{} }()

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Deposit(ctx, "bettor", int64(hbar.FromHbar(10))))
	_, err = e.PlaceBet(short, BetInput{
		MarketID: m.ID, Outcome: "YES", Account: "bettor",
		MaxCost: hbar.FromHbar(1), MaxPricePercent: 90,
	})
	assert.True(t, errs.Is(err, errs.Timeout))

	// no partial effects: the bettor's balance is intact
	assert.Equal(t, int64(hbar.FromHbar(10)), e.Account("bettor").BalanceTinybar)
}
