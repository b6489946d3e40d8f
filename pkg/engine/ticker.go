package engine

import (
	"context"
	"time"

	"github.com/minjcho/hedgemark/pkg/events"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

// Run drives the background sweeps until the context is cancelled: funding
// settlement on its interval, the liquidation sweep and dispute expiry on
// theirs. Markets are visited in ascending id order, one section at a time.
func (e *Engine) Run(ctx context.Context) {
	funding := time.NewTicker(e.cfg.FundingInterval)
	defer funding.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	e.log.Infow("engine_ticker_started",
		"funding_interval", e.cfg.FundingInterval, "sweep_interval", e.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			e.log.Infow("engine_ticker_stopped")
			return
		case <-funding.C:
			e.FundingSweep(ctx)
		case <-sweep.C:
			e.LiquidationSweep(ctx)
			e.expireDisputes(ctx)
		}
	}
}

// FundingSweep settles funding on every pair of every OPEN market. A pair
// that fails (overflow) is skipped; the sweep continues.
func (e *Engine) FundingSweep(ctx context.Context) {
	for _, id := range e.registry.IDs() {
		release, err := e.acquire(ctx, id)
		if err != nil {
			return // context done; remaining markets caught next tick
		}
		m, merr := e.registry.Get(id)
		if merr != nil || !m.Tradable() {
			release()
			continue
		}
		for _, o := range m.Outcomes {
			mark := e.oracle.Refresh(m, o, e.curve(m.ID), e.book(m.ID, o))
			if _, err := e.settler.SettlePair(m.ID, o, mark.Price); err != nil {
				e.log.Warnw("funding_pair_failed", "market", m.ID, "outcome", o, "err", err)
				continue
			}
			// Funding debits can push a position underwater.
			if err := e.refreshAndSweep(m, o); err != nil {
				e.log.Errorw("post_funding_sweep_failed", "market", m.ID, "outcome", o, "err", err)
			}
		}
		release()
		e.metrics.FundingSweep()
	}
	e.afterCommit(ctx)
}

// LiquidationSweep re-marks every open pair and liquidates what is
// underwater.
func (e *Engine) LiquidationSweep(ctx context.Context) {
	for _, id := range e.registry.IDs() {
		release, err := e.acquire(ctx, id)
		if err != nil {
			return
		}
		m, merr := e.registry.Get(id)
		if merr != nil || m.Status == "" {
			release()
			continue
		}
		for _, o := range m.Outcomes {
			if err := e.refreshAndSweep(m, o); err != nil {
				e.log.Errorw("liquidation_sweep_failed", "market", m.ID, "outcome", o, "err", err)
			}
		}
		release()
	}
	e.afterCommit(ctx)
}

// expireDisputes advances DISPUTED markets whose challenge window has
// lapsed to RESOLVED with their self-attested outcome.
func (e *Engine) expireDisputes(ctx context.Context) {
	advanced := e.registry.ExpireDisputes(e.clock.Now())
	for _, m := range advanced {
		e.bus.Publish(events.TopicMarketStatus, m)
		e.enqueueMessage("market.status", map[string]any{
			"marketId": m.ID, "status": m.Status, "resolvedOutcome": m.ResolvedOutcome,
		})
	}
	if len(advanced) > 0 {
		e.afterCommit(ctx)
	}
}

// TotalValue sums all account balances plus the insurance fund. Escrow
// accounts live inside the margin ledger, so for any sequence of
// non-liquidation operations this total is conserved.
func (e *Engine) TotalValue() hbar.Tinybar {
	return e.accounts.TotalValue() + e.fund.Balance()
}
