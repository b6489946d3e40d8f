package lmsr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

func TestNewCurveValidation(t *testing.T) {
	_, err := NewCurve(0, []string{"A", "B"})
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = NewCurve(100, []string{"A"})
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = NewCurve(math.NaN(), []string{"A", "B"})
	assert.True(t, errs.Is(err, errs.Validation))
}

// b=100, q=[0,0]: buying 50 shares of A costs 100*ln((e^0.5+1)/2) ≈ 22.3144
// and moves the prices to roughly {A: 0.6225, B: 0.3775}.
func TestQuoteSanity(t *testing.T) {
	c, err := NewCurve(100, []string{"A", "B"})
	require.NoError(t, err)

	cost, err := c.Quote("A", 50)
	require.NoError(t, err)
	assert.InDelta(t, 22.3144, cost.Hbar(), 1e-4)

	res, err := c.BuyShares("A", 50, 100)
	require.NoError(t, err)
	assert.InDelta(t, 22.3144, res.Cost.Hbar(), 1e-4)

	pA, err := c.Price("A")
	require.NoError(t, err)
	pB, err := c.Price("B")
	require.NoError(t, err)
	assert.InDelta(t, 0.6225, pA, 1e-4)
	assert.InDelta(t, 0.3775, pB, 1e-4)

	// marginal cost rises with inventory
	cost2, err := c.Quote("A", 50)
	require.NoError(t, err)
	assert.Greater(t, cost2.Hbar(), cost.Hbar())
}

func TestZeroDeltaQuoteIsNoop(t *testing.T) {
	c, err := NewCurve(100, []string{"A", "B"})
	require.NoError(t, err)

	cost, err := c.Quote("A", 0)
	require.NoError(t, err)
	assert.Equal(t, hbar.Tinybar(0), cost)
}

func TestPricesSumToOne(t *testing.T) {
	c, err := NewCurve(50, []string{"A", "B", "C"})
	require.NoError(t, err)

	_, err = c.BuyShares("A", 120, 100)
	require.NoError(t, err)
	_, err = c.BuyShares("C", 35, 100)
	require.NoError(t, err)

	var sum float64
	for _, p := range c.Prices() {
		assert.Greater(t, p, 0.0)
		assert.Less(t, p, 1.0)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestBuyConsumesBudget(t *testing.T) {
	c, err := NewCurve(100, []string{"A", "B"})
	require.NoError(t, err)

	budget := hbar.FromHbar(22.3144)
	res, err := c.Buy("A", budget, 100)
	require.NoError(t, err)

	assert.InDelta(t, 50, res.Shares, 0.01)
	assert.LessOrEqual(t, res.Cost, budget)
	assert.InDelta(t, res.Cost.Hbar()/res.Shares, res.EffectivePrice, 1e-6)
}

func TestBuySlippageGuard(t *testing.T) {
	c, err := NewCurve(10, []string{"A", "B"})
	require.NoError(t, err)

	// a large budget on a thin curve blows through 70%
	_, err = c.Buy("A", hbar.FromHbar(100), 70)
	assert.True(t, errs.Is(err, errs.PriceExceeded))

	// and the failed buy left no trace
	p, err := c.Price("A")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p, 1e-9)
}

func TestBuyUnknownOutcome(t *testing.T) {
	c, err := NewCurve(100, []string{"A", "B"})
	require.NoError(t, err)

	_, err = c.Buy("Z", hbar.FromHbar(1), 100)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSnapshotRestore(t *testing.T) {
	c, err := NewCurve(100, []string{"A", "B"})
	require.NoError(t, err)
	_, err = c.BuyShares("A", 50, 100)
	require.NoError(t, err)

	restored, err := Restore(c.Snapshot())
	require.NoError(t, err)

	p1, _ := c.Price("A")
	p2, _ := restored.Price("A")
	assert.Equal(t, p1, p2)
}
