package api

import (
	"time"

	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/orderbook"
)

// errorBody is the uniform error response: {"error": "..."}.
type errorBody struct {
	Error string `json:"error"`
}

type createMarketRequest struct {
	Question    string             `json:"question"`
	Creator     string             `json:"creator"`
	Escrow      string             `json:"escrow"`
	CloseTime   time.Time          `json:"closeTime"`
	Outcomes    []string           `json:"outcomes"`
	Regime      string             `json:"regime"`
	InitialHbar float64            `json:"initialHbar"`
	InitialOdds map[string]float64 `json:"initialOdds,omitempty"`
	LiquidityB  float64            `json:"liquidityB,omitempty"`
	SeedOrders  []market.SeedOrder `json:"seedOrders,omitempty"`
}

type transitionRequest struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
}

type betRequest struct {
	Account         string  `json:"account"`
	Outcome         string  `json:"outcome"`
	MaxCostHbar     float64 `json:"maxCostHbar"`
	MaxPricePercent int     `json:"maxPricePercent"`
}

type betResponse struct {
	Shares         float64 `json:"shares"`
	CostHbar       float64 `json:"costHbar"`
	EffectivePrice float64 `json:"effectivePrice"`
	PostPrice      float64 `json:"postPrice"`
}

type orderRequest struct {
	Account    string `json:"account"`
	Outcome    string `json:"outcome"`
	Side       string `json:"side"` // BID | ASK
	PriceCents int64  `json:"price"`
	Quantity   int64  `json:"quantity"`
}

type orderResponse struct {
	Order *orderbook.Order `json:"order"`
	Fills []orderbook.Fill `json:"fills"`
}

type orderbookResponse struct {
	MarketID  string                 `json:"marketId"`
	Outcome   string                 `json:"outcome"`
	Bids      []orderbook.PriceLevel `json:"bids"`
	Asks      []orderbook.PriceLevel `json:"asks"`
	Timestamp int64                  `json:"timestamp"`
}

type openPositionRequest struct {
	MarketID   string  `json:"marketId"`
	Outcome    string  `json:"outcome"`
	Account    string  `json:"account"`
	Side       string  `json:"side"` // LONG | SHORT
	SizeHbar   float64 `json:"sizeHbar"`
	Leverage   int     `json:"leverage"`
	MarginMode string  `json:"marginMode"` // ISOLATED | CROSS
}

type closePositionRequest struct {
	Account  string  `json:"account"`
	Fraction float64 `json:"fraction"`
}

type amountRequest struct {
	AmountHbar float64 `json:"amountHbar"`
}
