// Package orderbook is the price-time-priority matcher for HIGH_LIQUIDITY
// markets. One Book serves one (market, outcome) pair. Prices are integer
// cents in [1,99] representing probabilities in (0,1).
package orderbook

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
)

// Side of an order.
type Side string

const (
	Bid Side = "BID"
	Ask Side = "ASK"
)

// Status of an order.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// Order is one limit order. Quantity is the original size; FilledQuantity
// grows toward it as fills occur.
type Order struct {
	ID             string    `json:"id"`
	MarketID       string    `json:"marketId"`
	Outcome        string    `json:"outcome"`
	Account        string    `json:"account"`
	Side           Side      `json:"side"`
	PriceCents     int64     `json:"price"`
	Quantity       int64     `json:"quantity"`
	FilledQuantity int64     `json:"filledQuantity"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Quantity - o.FilledQuantity }

// Fill pairs a bid and an ask. Quantity is min(remaining of both); the price
// is always the resting (maker) order's price.
type Fill struct {
	ID         string    `json:"id"`
	MarketID   string    `json:"marketId"`
	Outcome    string    `json:"outcome"`
	BidOrderID string    `json:"bidOrderId"`
	AskOrderID string    `json:"askOrderId"`
	BidAccount string    `json:"bidAccount"`
	AskAccount string    `json:"askAccount"`
	PriceCents int64     `json:"price"`
	Quantity   int64     `json:"quantity"`
	Timestamp  time.Time `json:"timestamp"`
}

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	PriceCents int64 `json:"price"`
	Quantity   int64 `json:"quantity"`
}

// Book is the two-sided order book for one (market, outcome).
//
// Heap-based best price tracking gives O(1) peek; each price level keeps a
// FIFO slice so time priority inside a level is the arrival order.
type Book struct {
	mu sync.RWMutex

	marketID string
	outcome  string

	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	bids map[int64][]*Order // price -> FIFO
	asks map[int64][]*Order

	orderIndex map[string]*Order // order id -> resting order

	lastFillPrice int64 // cents; mark price fallback
	hasFills      bool

	// PreventSelfCross skips resting orders owned by the incoming order's
	// account. Default false: market makers may trade with themselves.
	PreventSelfCross bool
}

func NewBook(marketID, outcome string) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		marketID:   marketID,
		outcome:    outcome,
		bidHeap:    bidHeap,
		askHeap:    askHeap,
		bids:       make(map[int64][]*Order),
		asks:       make(map[int64][]*Order),
		orderIndex: make(map[string]*Order),
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Validate checks the static order constraints: integer price in [1,99],
// positive quantity, known side.
func Validate(side Side, priceCents, qty int64) error {
	if side != Bid && side != Ask {
		return errs.New(errs.Validation, "order side %q", side)
	}
	if priceCents < 1 || priceCents > 99 {
		return errs.New(errs.Validation, "price %d outside [1,99] cents", priceCents)
	}
	if qty <= 0 {
		return errs.New(errs.Validation, "quantity must be positive, got %d", qty)
	}
	return nil
}

// Submit matches the incoming order against the opposite side while it
// crosses, then rests any residual. Fill prices are the resting orders'
// prices. fillID generates ids for the produced fills.
func (b *Book) Submit(o *Order, fillID func() string, now time.Time) ([]Fill, error) {
	if err := Validate(o.Side, o.PriceCents, o.Quantity); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o.Status = StatusOpen
	o.CreatedAt = now

	var fills []Fill
	if o.Side == Bid {
		fills = b.matchAgainstAsks(o, fillID, now)
	} else {
		fills = b.matchAgainstBids(o, fillID, now)
	}

	if o.Remaining() > 0 {
		b.rest(o)
	} else {
		o.Status = StatusFilled
	}
	return fills, nil
}

func (b *Book) matchAgainstAsks(o *Order, fillID func() string, now time.Time) []Fill {
	var fills []Fill
	for o.Remaining() > 0 {
		askP, ok := b.bestAskLocked()
		if !ok || askP > o.PriceCents {
			break
		}
		maker := b.firstMatchable(b.asks[askP], o.Account)
		if maker == nil {
			// level exists but every maker is excluded by the
			// self-cross policy; stop rather than trade through
			break
		}
		match := min64(o.Remaining(), maker.Remaining())
		o.FilledQuantity += match
		maker.FilledQuantity += match
		fills = append(fills, Fill{
			ID:         fillID(),
			MarketID:   b.marketID,
			Outcome:    b.outcome,
			BidOrderID: o.ID,
			AskOrderID: maker.ID,
			BidAccount: o.Account,
			AskAccount: maker.Account,
			PriceCents: askP,
			Quantity:   match,
			Timestamp:  now,
		})
		b.lastFillPrice = askP
		b.hasFills = true
		if maker.Remaining() == 0 {
			maker.Status = StatusFilled
			b.removeResting(maker)
		}
	}
	return fills
}

func (b *Book) matchAgainstBids(o *Order, fillID func() string, now time.Time) []Fill {
	var fills []Fill
	for o.Remaining() > 0 {
		bidP, ok := b.bestBidLocked()
		if !ok || bidP < o.PriceCents {
			break
		}
		maker := b.firstMatchable(b.bids[bidP], o.Account)
		if maker == nil {
			break
		}
		match := min64(o.Remaining(), maker.Remaining())
		o.FilledQuantity += match
		maker.FilledQuantity += match
		fills = append(fills, Fill{
			ID:         fillID(),
			MarketID:   b.marketID,
			Outcome:    b.outcome,
			BidOrderID: maker.ID,
			AskOrderID: o.ID,
			BidAccount: maker.Account,
			AskAccount: o.Account,
			PriceCents: bidP,
			Quantity:   match,
			Timestamp:  now,
		})
		b.lastFillPrice = bidP
		b.hasFills = true
		if maker.Remaining() == 0 {
			maker.Status = StatusFilled
			b.removeResting(maker)
		}
	}
	return fills
}

// firstMatchable returns the first maker in FIFO order the incoming account
// may trade with, honoring the self-cross policy.
func (b *Book) firstMatchable(level []*Order, account string) *Order {
	for _, m := range level {
		if b.PreventSelfCross && m.Account == account {
			continue
		}
		return m
	}
	return nil
}

func (b *Book) rest(o *Order) {
	p := o.PriceCents
	if o.Side == Bid {
		if len(b.bids[p]) == 0 {
			heap.Push(b.bidHeap, p)
		}
		b.bids[p] = append(b.bids[p], o)
	} else {
		if len(b.asks[p]) == 0 {
			heap.Push(b.askHeap, p)
		}
		b.asks[p] = append(b.asks[p], o)
	}
	b.orderIndex[o.ID] = o
}

func (b *Book) removeResting(o *Order) {
	delete(b.orderIndex, o.ID)
	p := o.PriceCents
	if o.Side == Bid {
		b.bids[p] = removeFromLevel(b.bids[p], o.ID)
		if len(b.bids[p]) == 0 {
			delete(b.bids, p)
			b.removeFromBidHeap(p)
		}
	} else {
		b.asks[p] = removeFromLevel(b.asks[p], o.ID)
		if len(b.asks[p]) == 0 {
			delete(b.asks, p)
			b.removeFromAskHeap(p)
		}
	}
}

func removeFromLevel(level []*Order, id string) []*Order {
	for i, o := range level {
		if o.ID == id {
			return append(level[:i], level[i+1:]...)
		}
	}
	return level
}

// removeFromBidHeap removes a price level (O(N) worst case, but rare).
func (b *Book) removeFromBidHeap(price int64) {
	for i := 0; i < b.bidHeap.Len(); i++ {
		if (*b.bidHeap)[i] == price {
			heap.Remove(b.bidHeap, i)
			return
		}
	}
}

func (b *Book) removeFromAskHeap(price int64) {
	for i := 0; i < b.askHeap.Len(); i++ {
		if (*b.askHeap)[i] == price {
			heap.Remove(b.askHeap, i)
			return
		}
	}
}

// Cancel transitions an OPEN resting order to CANCELLED. Only the owning
// account may cancel. Returns the cancelled order so the caller can refund
// locked collateral.
func (b *Book) Cancel(id, account string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orderIndex[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "order %s not resting", id)
	}
	if o.Account != account {
		return nil, errs.New(errs.StateConflict, "order %s not owned by %s", id, account)
	}
	b.removeResting(o)
	o.Status = StatusCancelled
	return o, nil
}

// Get returns a resting order by id, or nil.
func (b *Book) Get(id string) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.orderIndex[id]
}

func (b *Book) bestBidLocked() (int64, bool) {
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return b.bidHeap.Peek(), true
}

func (b *Book) bestAskLocked() (int64, bool) {
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return b.askHeap.Peek(), true
}

// BestBid returns the highest bid price in cents.
func (b *Book) BestBid() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestBidLocked()
}

// BestAsk returns the lowest ask price in cents.
func (b *Book) BestAsk() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestAskLocked()
}

// LastFill returns the most recent fill price and whether any fill has
// occurred.
func (b *Book) LastFill() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastFillPrice, b.hasFills
}

// BidLevels returns aggregated bid levels, best first.
func (b *Book) BidLevels() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	levels := aggregateLevels(b.bids)
	sort.Slice(levels, func(i, j int) bool { return levels[i].PriceCents > levels[j].PriceCents })
	return levels
}

// AskLevels returns aggregated ask levels, best first.
func (b *Book) AskLevels() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	levels := aggregateLevels(b.asks)
	sort.Slice(levels, func(i, j int) bool { return levels[i].PriceCents < levels[j].PriceCents })
	return levels
}

func aggregateLevels(side map[int64][]*Order) []PriceLevel {
	var levels []PriceLevel
	for price, orders := range side {
		if len(orders) == 0 {
			continue
		}
		var total int64
		for _, o := range orders {
			total += o.Remaining()
		}
		levels = append(levels, PriceLevel{PriceCents: price, Quantity: total})
	}
	return levels
}

// State is the persisted form of a book: resting orders plus last-fill info.
type State struct {
	MarketID      string   `json:"marketId"`
	Outcome       string   `json:"outcome"`
	Resting       []*Order `json:"resting"`
	LastFillPrice int64    `json:"lastFillPrice"`
	HasFills      bool     `json:"hasFills"`
}

// Snapshot captures every resting order in price-time order.
func (b *Book) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := State{
		MarketID:      b.marketID,
		Outcome:       b.outcome,
		LastFillPrice: b.lastFillPrice,
		HasFills:      b.hasFills,
	}
	for _, side := range []map[int64][]*Order{b.bids, b.asks} {
		for _, level := range side {
			for _, o := range level {
				cp := *o
				s.Resting = append(s.Resting, &cp)
			}
		}
	}
	sort.Slice(s.Resting, func(i, j int) bool {
		if !s.Resting[i].CreatedAt.Equal(s.Resting[j].CreatedAt) {
			return s.Resting[i].CreatedAt.Before(s.Resting[j].CreatedAt)
		}
		return s.Resting[i].ID < s.Resting[j].ID
	})
	return s
}

// RestoreBook rebuilds a book from persisted state.
func RestoreBook(s State) *Book {
	b := NewBook(s.MarketID, s.Outcome)
	b.lastFillPrice = s.LastFillPrice
	b.hasFills = s.HasFills
	for _, o := range s.Resting {
		cp := *o
		b.rest(&cp)
	}
	return b
}
