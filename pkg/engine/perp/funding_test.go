package perp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/util"
)

func newTestSettler(t *testing.T) (*Settler, *Book, *margin.Ledger, *events.Bus) {
	t.Helper()
	ledger := margin.NewLedger()
	clock := &util.FakeClock{Instant: time.Unix(1_700_000_000, 0)}
	book := NewBook(ledger, DefaultMaintenanceSchedule(), util.NewIDSource(), clock, 10)
	bus := events.NewBus(util.NewNopLogger().Sugar())
	return NewSettler(book, ledger, bus, clock), book, ledger, bus
}

func TestRate(t *testing.T) {
	assert.Equal(t, 0.0, Rate(0, 0))
	assert.Equal(t, 0.0, Rate(hbar.FromHbar(100), hbar.FromHbar(100)))

	// all-long book: skew 1, full per-skew rate
	assert.InDelta(t, FundingRatePerSkew, Rate(hbar.FromHbar(100), 0), 1e-12)
	assert.InDelta(t, -FundingRatePerSkew, Rate(0, hbar.FromHbar(100)), 1e-12)

	// 3:1 long: skew 0.5
	assert.InDelta(t, 0.5*FundingRatePerSkew, Rate(hbar.FromHbar(300), hbar.FromHbar(100)), 1e-12)
}

func TestSettlePairNoPositionsIsNoop(t *testing.T) {
	s, book, _, _ := newTestSettler(t)

	out, err := s.SettlePair("mkt-1", "YES", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Positions)
	assert.Equal(t, 0.0, out.IndexAfter)
	assert.Equal(t, 0.0, book.Index("mkt-1", "YES").Cumulative)
}

func TestSettlePairBalancedBookIsNoop(t *testing.T) {
	s, book, ledger, _ := newTestSettler(t)
	require.NoError(t, ledger.Deposit("long", hbar.FromHbar(100)))
	require.NoError(t, ledger.Deposit("short", hbar.FromHbar(100)))

	_, err := book.Open(openInput("long"))
	require.NoError(t, err)
	shortIn := openInput("short")
	shortIn.Side = Short
	_, err = book.Open(shortIn)
	require.NoError(t, err)

	out, err := s.SettlePair("mkt-1", "YES", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Rate)
	assert.Equal(t, hbar.Tinybar(0), out.PaidByLongs)

	// balances untouched
	lb, _ := ledger.Balance("long")
	sb, _ := ledger.Balance("short")
	assert.Equal(t, hbar.FromHbar(100), lb)
	assert.Equal(t, hbar.FromHbar(100), sb)
}

func TestSettlePairLongsPayShorts(t *testing.T) {
	s, book, ledger, bus := newTestSettler(t)
	require.NoError(t, ledger.Deposit("long", hbar.FromHbar(1000)))
	require.NoError(t, ledger.Deposit("short", hbar.FromHbar(1000)))

	longIn := openInput("long")
	longIn.SizeHbar = hbar.FromHbar(300)
	long, err := book.Open(longIn)
	require.NoError(t, err)

	shortIn := openInput("short")
	shortIn.Side = Short
	shortIn.SizeHbar = hbar.FromHbar(100)
	short, err := book.Open(shortIn)
	require.NoError(t, err)

	var published []Settlement
	bus.Subscribe(events.TopicFunding, func(_ string, payload any) {
		published = append(published, payload.(Settlement))
	})

	out, err := s.SettlePair("mkt-1", "YES", 0.5)
	require.NoError(t, err)
	// skew (300-100)/400 = 0.5, rate = 0.00005
	assert.InDelta(t, 0.00005, out.Rate, 1e-12)
	assert.InDelta(t, 0.000025, out.IndexAfter, 1e-12)

	// long pays 300 * 0.00005 = 0.015, short receives 100 * 0.00005 = 0.005
	lb, _ := ledger.Balance("long")
	sb, _ := ledger.Balance("short")
	assert.Equal(t, hbar.FromHbar(1000)-hbar.FromHbar(0.015), lb)
	assert.Equal(t, hbar.FromHbar(1000)+hbar.FromHbar(0.005), sb)
	assert.Equal(t, hbar.FromHbar(0.015)-hbar.FromHbar(0.005), out.PaidByLongs)

	// baselines moved to the new index, cumulative funding recorded
	gotLong, err := book.Get(long.ID)
	require.NoError(t, err)
	assert.Equal(t, out.IndexAfter, gotLong.FundingIndexAtOpen)
	assert.Equal(t, hbar.FromHbar(0.015), gotLong.CumulativeFundingHbar)

	gotShort, err := book.Get(short.ID)
	require.NoError(t, err)
	assert.Equal(t, hbar.FromHbar(-0.005), gotShort.CumulativeFundingHbar)

	require.Len(t, published, 1)
	assert.Equal(t, out, published[0])
}

func TestSettlePairRebaselineStopsDoubleCharging(t *testing.T) {
	s, book, ledger, _ := newTestSettler(t)
	require.NoError(t, ledger.Deposit("long", hbar.FromHbar(1000)))

	long, err := book.Open(openInput("long"))
	require.NoError(t, err)

	_, err = s.SettlePair("mkt-1", "YES", 0.5)
	require.NoError(t, err)

	// after rebaselining, a refresh shows no pending funding in the pnl
	refreshed := book.RefreshPair("mkt-1", "YES", 0.5)
	require.Len(t, refreshed, 1)
	assert.Equal(t, long.ID, refreshed[0].ID)
	assert.Equal(t, hbar.Tinybar(0), refreshed[0].UnrealizedPnlHbar)
}

func TestPendingFundingFoldsIntoRefresh(t *testing.T) {
	_, book, ledger, _ := newTestSettler(t)
	require.NoError(t, ledger.Deposit("long", hbar.FromHbar(1000)))

	_, err := book.Open(openInput("long"))
	require.NoError(t, err)

	// advance the index behind the position's back
	book.mu.Lock()
	book.indexLocked("mkt-1", "YES").Cumulative = 0.001
	book.mu.Unlock()

	// flat mark, so pnl is purely pending funding: 50 * 0.001 = 0.05 owed
	refreshed := book.RefreshPair("mkt-1", "YES", 0.5)
	require.Len(t, refreshed, 1)
	assert.Equal(t, hbar.FromHbar(-0.05), refreshed[0].UnrealizedPnlHbar)
}

func TestSettlePairOverflowAbortsPair(t *testing.T) {
	s, book, ledger, bus := newTestSettler(t)
	require.NoError(t, ledger.Deposit("long", hbar.FromHbar(1000)))

	long, err := book.Open(openInput("long"))
	require.NoError(t, err)

	// poison the index so the advance goes non-finite
	book.mu.Lock()
	book.indexLocked("mkt-1", "YES").Cumulative = math.MaxFloat64
	book.mu.Unlock()

	var errsSeen []events.FundingError
	bus.Subscribe(events.TopicFundingError, func(_ string, payload any) {
		errsSeen = append(errsSeen, payload.(events.FundingError))
	})

	_, err = s.SettlePair("mkt-1", "YES", 1e308)
	require.Error(t, err)
	require.Len(t, errsSeen, 1)
	assert.Equal(t, "mkt-1", errsSeen[0].MarketID)

	// the pair's state is untouched
	lb, _ := ledger.Balance("long")
	assert.Equal(t, hbar.FromHbar(1000), lb)
	got, err := book.Get(long.ID)
	require.NoError(t, err)
	assert.Equal(t, hbar.Tinybar(0), got.CumulativeFundingHbar)
}
