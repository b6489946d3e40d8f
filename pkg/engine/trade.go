package engine

import (
	"context"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/lmsr"
	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/orderbook"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

// orderCost converts a (price-cents, quantity) pair to tinybars: each share
// at p cents costs p/100 HBAR.
func orderCost(priceCents, qty int64) hbar.Tinybar {
	return hbar.Tinybar(priceCents * qty * 1_000_000)
}

// CreateMarket registers a market, moves the creator's initial funding into
// the market's escrow account, and boots the matching engine for its regime:
// an LMSR curve for LOW_LIQUIDITY, per-outcome order books (seeded two-sided
// from escrow) for HIGH_LIQUIDITY.
func (e *Engine) CreateMarket(ctx context.Context, in market.CreateInput) (*market.Market, error) {
	if in.Escrow == "" {
		return nil, errs.New(errs.Validation, "escrow account must not be empty")
	}
	bal, locked := e.accounts.Balance(in.Creator)
	if bal-locked < in.InitialHbar {
		return nil, errs.New(errs.InsufficientFunds,
			"creator %s has %s free, initial funding needs %s", in.Creator, bal-locked, in.InitialHbar)
	}

	m, err := e.registry.Create(in)
	if err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	if err := e.accounts.Withdraw(in.Creator, in.InitialHbar); err != nil {
		release()
		return nil, err
	}
	if err := e.accounts.Deposit(m.EscrowAccount, in.InitialHbar); err != nil {
		release()
		return nil, errs.Wrap(errs.Internal, err, "fund escrow for %s", m.ID)
	}
	e.enqueueTransfer(in.Creator, m.EscrowAccount, in.InitialHbar)

	switch m.Regime {
	case market.LowLiquidity:
		curve, cerr := lmsr.NewCurve(in.LiquidityB, m.Outcomes)
		if cerr != nil {
			release()
			return nil, cerr
		}
		e.stateMu.Lock()
		e.curves[m.ID] = curve
		e.stateMu.Unlock()
	case market.HighLiquidity:
		e.stateMu.Lock()
		for _, o := range m.Outcomes {
			e.books[m.ID+"|"+o] = orderbook.NewBook(m.ID, o)
		}
		e.stateMu.Unlock()
		for _, seed := range in.SeedOrders {
			if !m.HasOutcome(seed.Outcome) {
				release()
				return nil, errs.New(errs.Validation, "seed order for unknown outcome %q", seed.Outcome)
			}
			_, _, serr := e.submitLocked(m, seed.Outcome, m.EscrowAccount,
				orderbook.Side(seed.Side), seed.PriceCents, seed.Quantity)
			if serr != nil {
				release()
				return nil, serr
			}
		}
	}

	for _, o := range m.Outcomes {
		if err := e.refreshAndSweep(m, o); err != nil {
			release()
			return nil, err
		}
	}
	release()

	e.bus.Publish(events.TopicMarketCreated, m)
	e.enqueueMessage("market.created", map[string]any{
		"marketId": m.ID, "question": m.Question, "regime": m.Regime,
	})
	e.afterCommit(ctx)
	return m, nil
}

// BetInput is an LMSR buy.
type BetInput struct {
	MarketID        string
	Outcome         string
	Account         string
	MaxCost         hbar.Tinybar
	MaxPricePercent int
}

// PlaceBet spends up to MaxCost on curve shares of the outcome. The cost is
// withdrawn from the bettor and escrowed; slippage beyond MaxPricePercent
// fails with PRICE_EXCEEDED and no side effects.
func (e *Engine) PlaceBet(ctx context.Context, in BetInput) (lmsr.BuyResult, error) {
	release, err := e.acquire(ctx, in.MarketID)
	if err != nil {
		return lmsr.BuyResult{}, err
	}
	defer release()

	m, err := e.registry.Get(in.MarketID)
	if err != nil {
		return lmsr.BuyResult{}, err
	}
	if !m.Tradable() {
		return lmsr.BuyResult{}, errs.New(errs.StateConflict, "market %s is %s", m.ID, m.Status)
	}
	if !m.HasOutcome(in.Outcome) {
		return lmsr.BuyResult{}, errs.New(errs.NotFound, "outcome %q not on market %s", in.Outcome, m.ID)
	}
	curve := e.curve(m.ID)
	if curve == nil {
		return lmsr.BuyResult{}, errs.New(errs.StateConflict, "market %s is not curve-matched", m.ID)
	}

	bal, locked := e.accounts.Balance(in.Account)
	if bal-locked < in.MaxCost {
		return lmsr.BuyResult{}, errs.New(errs.InsufficientFunds,
			"account %s has %s free, bet needs up to %s", in.Account, bal-locked, in.MaxCost)
	}

	res, err := curve.Buy(in.Outcome, in.MaxCost, in.MaxPricePercent)
	if err != nil {
		return lmsr.BuyResult{}, err
	}
	if err := e.accounts.Withdraw(in.Account, res.Cost); err != nil {
		return lmsr.BuyResult{}, errs.Wrap(errs.Internal, err, "collect bet cost from %s", in.Account)
	}
	if err := e.accounts.Deposit(m.EscrowAccount, res.Cost); err != nil {
		return lmsr.BuyResult{}, errs.Wrap(errs.Internal, err, "escrow bet cost for %s", m.ID)
	}
	e.enqueueTransfer(in.Account, m.EscrowAccount, res.Cost)
	e.enqueueMessage("bet.placed", map[string]any{
		"marketId": m.ID, "outcome": in.Outcome, "account": in.Account,
		"shares": res.Shares, "costTinybar": int64(res.Cost),
	})
	e.metrics.BetPlaced()

	if err := e.refreshAndSweep(m, in.Outcome); err != nil {
		return res, err
	}
	e.afterCommit(ctx)
	return res, nil
}

// OrderInput is a CLOB limit-order submission.
type OrderInput struct {
	MarketID   string
	Outcome    string
	Account    string
	Side       orderbook.Side
	PriceCents int64
	Quantity   int64
}

// SubmitOrder places a limit order. Bids lock their worst-case cost up front;
// each fill settles bidder to asker at the maker's price and releases the
// bid-side lock slice.
func (e *Engine) SubmitOrder(ctx context.Context, in OrderInput) (*orderbook.Order, []orderbook.Fill, error) {
	release, err := e.acquire(ctx, in.MarketID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	m, err := e.registry.Get(in.MarketID)
	if err != nil {
		return nil, nil, err
	}
	if !m.Tradable() {
		return nil, nil, errs.New(errs.StateConflict, "market %s is %s", m.ID, m.Status)
	}
	if !m.HasOutcome(in.Outcome) {
		return nil, nil, errs.New(errs.NotFound, "outcome %q not on market %s", in.Outcome, m.ID)
	}

	order, fills, err := e.submitLocked(m, in.Outcome, in.Account, in.Side, in.PriceCents, in.Quantity)
	if err != nil {
		return nil, nil, err
	}
	if err := e.refreshAndSweep(m, in.Outcome); err != nil {
		return order, fills, err
	}
	e.afterCommit(ctx)
	return order, fills, nil
}

// submitLocked does the lock-match-settle dance with the market section held.
func (e *Engine) submitLocked(m *market.Market, outcome, account string, side orderbook.Side, priceCents, qty int64) (*orderbook.Order, []orderbook.Fill, error) {
	if err := orderbook.Validate(side, priceCents, qty); err != nil {
		return nil, nil, err
	}
	book := e.book(m.ID, outcome)
	if book == nil {
		return nil, nil, errs.New(errs.StateConflict, "market %s is not book-matched", m.ID)
	}

	// Worst case a bid pays its own limit on the full quantity.
	if side == orderbook.Bid {
		if err := e.accounts.Lock(account, orderCost(priceCents, qty)); err != nil {
			return nil, nil, err
		}
	}

	order := &orderbook.Order{
		ID:         e.ids.NewSeq("ord"),
		MarketID:   m.ID,
		Outcome:    outcome,
		Account:    account,
		Side:       side,
		PriceCents: priceCents,
		Quantity:   qty,
	}
	fills, err := book.Submit(order, func() string { return e.ids.NewSeq("fill") }, e.clock.Now())
	if err != nil {
		if side == orderbook.Bid {
			_ = e.accounts.Release(account, orderCost(priceCents, qty))
		}
		return nil, nil, err
	}

	for _, f := range fills {
		e.settleFill(order, f)
	}
	if order.Status == orderbook.StatusOpen {
		e.stateMu.Lock()
		e.routes[order.ID] = pairRef{MarketID: m.ID, Outcome: outcome}
		e.stateMu.Unlock()
		e.bus.Publish(events.TopicOrderResting, order)
	}
	return order, fills, nil
}

// settleFill moves cash for one fill: the bidder's lock slice (at the bid's
// limit) is released, the fill cost (at the maker's price) moves bidder to
// asker, and a mirroring transfer effect is queued.
func (e *Engine) settleFill(incoming *orderbook.Order, f orderbook.Fill) {
	bidLimit := f.PriceCents // bid was the maker: fill price is its limit
	if incoming.Side == orderbook.Bid && f.BidOrderID == incoming.ID {
		bidLimit = incoming.PriceCents
	}

	lockSlice := orderCost(bidLimit, f.Quantity)
	cost := orderCost(f.PriceCents, f.Quantity)

	if err := e.accounts.Release(f.BidAccount, lockSlice); err != nil {
		e.log.Errorw("fill_release_failed", "fill", f.ID, "err", err)
	}
	if err := e.accounts.Withdraw(f.BidAccount, cost); err != nil {
		e.log.Errorw("fill_withdraw_failed", "fill", f.ID, "err", err)
		return
	}
	_ = e.accounts.Deposit(f.AskAccount, cost)
	e.enqueueTransfer(f.BidAccount, f.AskAccount, cost)

	e.bus.Publish(events.TopicFill, f)
	e.metrics.FillMatched()
}

// CancelOrder removes a resting order. Only the owner may cancel; the bid's
// remaining lock is released.
func (e *Engine) CancelOrder(ctx context.Context, orderID, account string) (*orderbook.Order, error) {
	e.stateMu.RLock()
	ref, ok := e.routes[orderID]
	e.stateMu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "order %s not found", orderID)
	}

	release, err := e.acquire(ctx, ref.MarketID)
	if err != nil {
		return nil, err
	}
	defer release()

	book := e.book(ref.MarketID, ref.Outcome)
	order, err := book.Cancel(orderID, account)
	if err != nil {
		return nil, err
	}
	if order.Side == orderbook.Bid {
		_ = e.accounts.Release(order.Account, orderCost(order.PriceCents, order.Remaining()))
	}
	e.stateMu.Lock()
	delete(e.routes, orderID)
	e.stateMu.Unlock()

	e.bus.Publish(events.TopicOrderCancelled, order)
	if m, merr := e.registry.Get(ref.MarketID); merr == nil {
		if err := e.refreshAndSweep(m, ref.Outcome); err != nil {
			return order, err
		}
	}
	e.afterCommit(ctx)
	return order, nil
}

// PositionInput opens a perpetual position.
type PositionInput struct {
	MarketID string
	Outcome  string
	Account  string
	Side     perp.Side
	SizeHbar hbar.Tinybar
	Leverage int
	Mode     perp.MarginMode
}

// OpenPosition opens a position at the pair's current mark.
func (e *Engine) OpenPosition(ctx context.Context, in PositionInput) (perp.Position, error) {
	release, err := e.acquire(ctx, in.MarketID)
	if err != nil {
		return perp.Position{}, err
	}
	defer release()

	m, err := e.registry.Get(in.MarketID)
	if err != nil {
		return perp.Position{}, err
	}
	if !m.Tradable() {
		return perp.Position{}, errs.New(errs.StateConflict, "market %s is %s", m.ID, m.Status)
	}
	if !m.HasOutcome(in.Outcome) {
		return perp.Position{}, errs.New(errs.NotFound, "outcome %q not on market %s", in.Outcome, m.ID)
	}

	mark := e.oracle.Refresh(m, in.Outcome, e.curve(m.ID), e.book(m.ID, in.Outcome))
	pos, err := e.positions.Open(perp.OpenInput{
		Account:    in.Account,
		MarketID:   in.MarketID,
		Outcome:    in.Outcome,
		Side:       in.Side,
		SizeHbar:   in.SizeHbar,
		Leverage:   in.Leverage,
		Mode:       in.Mode,
		EntryPrice: mark.Price,
	})
	if err != nil {
		return perp.Position{}, err
	}

	e.bus.Publish(events.TopicPositionOpened, pos)
	e.enqueueMessage("position.opened", map[string]any{
		"positionId": pos.ID, "marketId": pos.MarketID, "outcome": pos.Outcome,
		"account": pos.Account, "side": pos.Side, "sizeTinybar": int64(pos.SizeHbar),
		"leverage": pos.Leverage,
	})
	e.metrics.PositionOpened()

	if err := e.refreshAndSweep(m, in.Outcome); err != nil {
		return pos, err
	}
	e.afterCommit(ctx)
	return pos, nil
}

// ClosePosition realizes fraction of the caller's position at the current
// mark. fraction 1 closes it entirely.
func (e *Engine) ClosePosition(ctx context.Context, positionID, account string, fraction float64) (perp.CloseResult, error) {
	p, err := e.positions.Get(positionID)
	if err != nil {
		return perp.CloseResult{}, err
	}
	if account != "" && p.Account != account {
		return perp.CloseResult{}, errs.New(errs.StateConflict, "position %s is not owned by %s", positionID, account)
	}

	release, err := e.acquire(ctx, p.MarketID)
	if err != nil {
		return perp.CloseResult{}, err
	}
	defer release()

	m, err := e.registry.Get(p.MarketID)
	if err != nil {
		return perp.CloseResult{}, err
	}

	// Re-mark before realizing so the close uses a fresh price.
	mark := e.oracle.Refresh(m, p.Outcome, e.curve(m.ID), e.book(m.ID, p.Outcome))
	e.positions.RefreshPair(p.MarketID, p.Outcome, mark.Price)

	res, err := e.positions.Close(positionID, fraction)
	if err != nil {
		return perp.CloseResult{}, err
	}
	if res.LossShortfall > 0 {
		// Losses the balance cannot cover are backstopped like a tier-2
		// deficit.
		absorbed := e.fund.Absorb(res.LossShortfall)
		if absorbed < res.LossShortfall {
			e.bus.Publish(events.TopicSocializedLoss, events.SocializedLoss{
				MarketID:  p.MarketID,
				Outcome:   p.Outcome,
				Position:  p.ID,
				Shortfall: res.LossShortfall - absorbed,
			})
		}
		e.metrics.SetInsuranceBalance(int64(e.fund.Balance()))
	}

	e.bus.Publish(events.TopicPositionClosed, res.Position)
	e.enqueueMessage("position.closed", map[string]any{
		"positionId": res.Position.ID, "fraction": fraction,
		"realizedTinybar": int64(res.RealizedDelta),
	})

	if err := e.refreshAndSweep(m, p.Outcome); err != nil {
		return res, err
	}
	e.afterCommit(ctx)
	return res, nil
}
