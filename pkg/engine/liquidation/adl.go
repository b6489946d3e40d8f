package liquidation

import (
	"github.com/google/btree"

	"github.com/minjcho/hedgemark/pkg/engine/perp"
)

// adlItem orders auto-deleverage candidates: highest profit-times-leverage
// first, earliest open breaking ties.
type adlItem struct {
	pos   perp.Position
	score float64
}

func adlLess(a, b adlItem) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.pos.OpenedAt.Equal(b.pos.OpenedAt) {
		return a.pos.OpenedAt.Before(b.pos.OpenedAt)
	}
	return a.pos.ID < b.pos.ID
}

// adlQueue returns the deleverage candidates for a cascade: OPEN positions on
// the same pair, opposite side, in profit, ranked by score. The tree is
// rebuilt per cascade from the freshly re-marked positions, so the ranking
// always reflects the mark that triggered the liquidation.
func (e *Engine) adlQueue(trigger perp.Position) []perp.Position {
	opposite := perp.Short
	if trigger.Side == perp.Short {
		opposite = perp.Long
	}

	tree := btree.NewG(8, adlLess)
	for _, p := range e.book.OpenByPair(trigger.MarketID, trigger.Outcome) {
		if p.Side != opposite || p.UnrealizedPnlHbar <= 0 || p.ID == trigger.ID {
			continue
		}
		tree.ReplaceOrInsert(adlItem{pos: p, score: p.ADLScore()})
	}

	out := make([]perp.Position, 0, tree.Len())
	tree.Ascend(func(it adlItem) bool {
		out = append(out, it.pos)
		return true
	})
	return out
}
