package liquidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/insurance"
	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/util"
)

type fakeQuarantiner struct{ ids []string }

func (f *fakeQuarantiner) Quarantine(id string) { f.ids = append(f.ids, id) }

type fixture struct {
	engine *Engine
	book   *perp.Book
	ledger *margin.Ledger
	fund   *insurance.Fund
	bus    *events.Bus
	clock  *util.FakeClock
	q      *fakeQuarantiner
}

// newFixture uses a steep maintenance schedule (5% per bucket) so modest mark
// moves leave positions underwater.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := margin.NewLedger()
	clock := &util.FakeClock{Instant: time.Unix(1_700_000_000, 0)}
	schedule := perp.MaintenanceSchedule{BaseRatio: 0.05, BucketSize: 5}
	book := perp.NewBook(ledger, schedule, util.NewIDSource(), clock, 10)
	ledger.CrossPnL = book.CrossPnL
	fund := insurance.NewFund()
	bus := events.NewBus(util.NewNopLogger().Sugar())
	q := &fakeQuarantiner{}
	return &fixture{
		engine: NewEngine(book, ledger, fund, q, bus, util.NewIDSource(), clock),
		book:   book,
		ledger: ledger,
		fund:   fund,
		bus:    bus,
		clock:  clock,
		q:      q,
	}
}

// open funds the account with exactly the initial margin plus extra and opens
// the position.
func (f *fixture) open(t *testing.T, account string, side perp.Side, size float64, leverage int, extra float64) perp.Position {
	t.Helper()
	initialMargin := size / float64(leverage)
	require.NoError(t, f.ledger.Deposit(account, hbar.FromHbar(initialMargin+extra)))
	p, err := f.book.Open(perp.OpenInput{
		Account:    account,
		MarketID:   "mkt-1",
		Outcome:    "YES",
		Side:       side,
		SizeHbar:   hbar.FromHbar(size),
		Leverage:   leverage,
		Mode:       perp.Isolated,
		EntryPrice: 0.50,
	})
	require.NoError(t, err)
	return p
}

func TestUnderwater(t *testing.T) {
	f := newFixture(t)
	p := f.open(t, "trader", perp.Long, 50, 5, 0)

	// maintenance for 50 at 5x is 2.5; at entry, margin 10 covers it
	marked := f.book.RefreshPair("mkt-1", "YES", 0.50)
	assert.False(t, f.engine.Underwater(marked[0]))

	// mark 0.42: pnl -8 leaves 2 of equity, under the 2.5 requirement
	marked = f.book.RefreshPair("mkt-1", "YES", 0.42)
	assert.True(t, f.engine.Underwater(marked[0]))
	_ = p
}

func TestTierOneCoversLossFromMargin(t *testing.T) {
	f := newFixture(t)
	p := f.open(t, "trader", perp.Long, 50, 5, 0)
	f.book.RefreshPair("mkt-1", "YES", 0.42) // pnl -8

	require.NoError(t, f.engine.Liquidate(p.ID))

	got, err := f.book.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, perp.StatusLiquidated, got.Status)

	// survivor equity margin 10 + pnl -8 = 2 returns to the trader
	b, locked := f.ledger.Balance("trader")
	assert.Equal(t, hbar.FromHbar(2), b)
	assert.Equal(t, hbar.Tinybar(0), locked)

	recs := f.engine.Records(0)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Tier)
	assert.Equal(t, 1.0, recs[0].Fraction)
	assert.Equal(t, hbar.FromHbar(8), recs[0].LossHbar)
	assert.Equal(t, hbar.Tinybar(0), recs[0].InsuranceFundDelta)
	assert.Equal(t, hbar.Tinybar(0), f.fund.Balance())
	assert.Empty(t, f.q.ids)
}

func TestTierTwoFundAbsorbsDeficitThenADL(t *testing.T) {
	f := newFixture(t)
	trigger := f.open(t, "trader", perp.Long, 50, 5, 0)
	cp := f.open(t, "cp", perp.Short, 50, 5, 0)
	require.NoError(t, f.fund.Deposit(hbar.FromHbar(4)))

	// mark 0.30: trigger pnl -20, counterparty +20
	f.book.RefreshPair("mkt-1", "YES", 0.30)

	var socialized []events.SocializedLoss
	f.bus.Subscribe(events.TopicSocializedLoss, func(_ string, payload any) {
		socialized = append(socialized, payload.(events.SocializedLoss))
	})

	require.NoError(t, f.engine.Liquidate(trigger.ID))

	// loss 20, margin 10: fund absorbs its whole 4, ADL claws the last 6
	recs := f.engine.Records(0)
	require.Len(t, recs, 2)
	// newest first
	adl, tier2 := recs[0], recs[1]

	assert.Equal(t, 2, tier2.Tier)
	assert.Equal(t, trigger.ID, tier2.PositionID)
	assert.Equal(t, hbar.FromHbar(20), tier2.LossHbar)
	assert.Equal(t, hbar.FromHbar(-4), tier2.InsuranceFundDelta)
	assert.Equal(t, hbar.Tinybar(0), f.fund.Balance())

	assert.Equal(t, 3, adl.Tier)
	assert.Equal(t, cp.ID, adl.PositionID)
	assert.Equal(t, hbar.FromHbar(6), adl.TakeHbar)
	assert.InDelta(t, 0.3, adl.Fraction, 1e-9)

	// deficit fully covered, nothing socialized
	assert.Empty(t, socialized)

	// counterparty kept the slice profit net of the take: 20*0.3 - 6 = 0
	got, err := f.book.Get(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, perp.StatusOpen, got.Status)
	assert.Equal(t, hbar.FromHbar(35), got.SizeHbar)
}

func TestADLOrderIsScoreThenAge(t *testing.T) {
	f := newFixture(t)
	trigger := f.open(t, "trader", perp.Long, 50, 5, 0)

	// three profitable shorts: a has the top score; b and c tie on score but
	// c opened first
	a := f.open(t, "adl-a", perp.Short, 7.5, 10, 10)
	f.clock.Advance(time.Second)
	c := f.open(t, "adl-c", perp.Short, 7.5, 5, 10)
	f.clock.Advance(time.Second)
	b := f.open(t, "adl-b", perp.Short, 7.5, 5, 10)

	// mark 0.30: trigger -20, each short +3
	f.book.RefreshPair("mkt-1", "YES", 0.30)

	// no fund: deficit after margin is 10, shorts cover 3+3+3, 1 socialized
	var socialized []events.SocializedLoss
	f.bus.Subscribe(events.TopicSocializedLoss, func(_ string, payload any) {
		socialized = append(socialized, payload.(events.SocializedLoss))
	})

	require.NoError(t, f.engine.Liquidate(trigger.ID))

	recs := f.engine.Records(0)
	require.Len(t, recs, 4) // trigger row plus three ADL rows

	// append order: trigger, then a, c, b
	ordered := f.engine.Snapshot()
	assert.Equal(t, trigger.ID, ordered[0].PositionID)
	// the deficit reached tier 2 even though the empty fund absorbed nothing
	assert.Equal(t, 2, ordered[0].Tier)
	assert.Equal(t, hbar.Tinybar(0), ordered[0].InsuranceFundDelta)
	assert.Equal(t, a.ID, ordered[1].PositionID)
	assert.Equal(t, c.ID, ordered[2].PositionID)
	assert.Equal(t, b.ID, ordered[3].PositionID)
	for _, r := range ordered[1:] {
		assert.Equal(t, 3, r.Tier)
		assert.Equal(t, hbar.FromHbar(3), r.TakeHbar)
	}

	require.Len(t, socialized, 1)
	assert.Equal(t, hbar.FromHbar(1), socialized[0].Shortfall)
	assert.Equal(t, trigger.ID, socialized[0].Position)
}

func TestLargePositionLiquidatesPartially(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Deposit("whale", hbar.FromHbar(40)))
	p, err := f.book.Open(perp.OpenInput{
		Account:    "whale",
		MarketID:   "mkt-1",
		Outcome:    "YES",
		Side:       perp.Long,
		SizeHbar:   hbar.FromHbar(200),
		Leverage:   5,
		Mode:       perp.Isolated,
		EntryPrice: 0.50,
	})
	require.NoError(t, err)
	f.book.RefreshPair("mkt-1", "YES", 0.42) // pnl -32

	require.NoError(t, f.engine.Liquidate(p.ID))

	got, err := f.book.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, perp.StatusOpen, got.Status)
	assert.Equal(t, hbar.FromHbar(160), got.SizeHbar)
	assert.Equal(t, hbar.FromHbar(32), got.MarginHbar)

	recs := f.engine.Records(0)
	require.Len(t, recs, 1)
	assert.Equal(t, PartialFraction, recs[0].Fraction)
	assert.Equal(t, hbar.FromHbar(6.4), recs[0].LossHbar)
}

func TestExactThresholdLiquidatesWhole(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Deposit("trader", hbar.FromHbar(20)))
	p, err := f.book.Open(perp.OpenInput{
		Account:    "trader",
		MarketID:   "mkt-1",
		Outcome:    "YES",
		Side:       perp.Long,
		SizeHbar:   PartialThreshold, // exactly 100 HBAR
		Leverage:   5,
		Mode:       perp.Isolated,
		EntryPrice: 0.50,
	})
	require.NoError(t, err)
	f.book.RefreshPair("mkt-1", "YES", 0.42)

	require.NoError(t, f.engine.Liquidate(p.ID))

	got, err := f.book.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, perp.StatusLiquidated, got.Status)
	assert.Equal(t, 1.0, f.engine.Records(0)[0].Fraction)
}

func TestSweepPairSkipsHealthyPositions(t *testing.T) {
	f := newFixture(t)
	sick := f.open(t, "sick", perp.Long, 50, 5, 0)
	healthy := f.open(t, "healthy", perp.Long, 50, 5, 100)

	// the healthy account can top up nothing; both are isolated with the
	// same margin, so both go under at 0.42
	marked := f.book.RefreshPair("mkt-1", "YES", 0.48) // pnl -2, equity 8 > 2.5
	ran, err := f.engine.SweepPair(marked)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)

	marked = f.book.RefreshPair("mkt-1", "YES", 0.42)
	ran, err = f.engine.SweepPair(marked)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)

	for _, id := range []string{sick.ID, healthy.ID} {
		got, err := f.book.Get(id)
		require.NoError(t, err)
		assert.Equal(t, perp.StatusLiquidated, got.Status)
	}
}

func TestLiquidateTerminalPositionConflicts(t *testing.T) {
	f := newFixture(t)
	p := f.open(t, "trader", perp.Long, 50, 5, 0)
	f.book.RefreshPair("mkt-1", "YES", 0.42)

	require.NoError(t, f.engine.Liquidate(p.ID))
	err := f.engine.Liquidate(p.ID)
	assert.True(t, errs.Is(err, errs.StateConflict))

	err = f.engine.Liquidate("pos-999")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRecordsAndRestore(t *testing.T) {
	f := newFixture(t)
	p1 := f.open(t, "t1", perp.Long, 50, 5, 0)
	f.clock.Advance(time.Second)
	p2 := f.open(t, "t2", perp.Long, 50, 5, 0)
	f.book.RefreshPair("mkt-1", "YES", 0.42)

	require.NoError(t, f.engine.Liquidate(p1.ID))
	f.clock.Advance(time.Second)
	require.NoError(t, f.engine.Liquidate(p2.ID))

	// newest first, limited
	recs := f.engine.Records(1)
	require.Len(t, recs, 1)
	assert.Equal(t, p2.ID, recs[0].PositionID)

	f2 := newFixture(t)
	f2.engine.Restore(f.engine.Snapshot())
	assert.Equal(t, f.engine.Snapshot(), f2.engine.Snapshot())
}
