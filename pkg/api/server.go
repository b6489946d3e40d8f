// Package api is the HTTP surface over the engine: REST routes, the
// websocket event stream, prometheus metrics, and the admin transition
// endpoint. All business rules live in the engine; handlers only decode,
// call, and map error codes to statuses.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/minjcho/hedgemark/pkg/engine"
	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/orderbook"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/hbar"
	"github.com/minjcho/hedgemark/pkg/metrics"
)

// Config tunes the HTTP layer.
type Config struct {
	AdminKey string
	// MutationsPerSecond caps each client IP's rate on mutating routes.
	MutationsPerSecond float64
	MutationBurst      int
}

type Server struct {
	engine  *engine.Engine
	router  *mux.Router
	hub     *Hub
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	cfg     Config

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(eng *engine.Engine, hub *Hub, m *metrics.Metrics, logger *zap.SugaredLogger, cfg Config) *Server {
	if cfg.MutationsPerSecond <= 0 {
		cfg.MutationsPerSecond = 20
	}
	if cfg.MutationBurst <= 0 {
		cfg.MutationBurst = 40
	}
	s := &Server{
		engine:   eng,
		router:   mux.NewRouter(),
		hub:      hub,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.HandleFunc("/markets", s.limited(s.handleCreateMarket)).Methods("POST")
	r.HandleFunc("/markets", s.handleListMarkets).Methods("GET")
	r.HandleFunc("/markets/{id}", s.handleGetMarket).Methods("GET")
	r.HandleFunc("/markets/{id}/transition", s.admin(s.handleTransition)).Methods("POST")
	r.HandleFunc("/markets/{id}/bets", s.limited(s.handlePlaceBet)).Methods("POST")
	r.HandleFunc("/markets/{id}/orders", s.limited(s.handleSubmitOrder)).Methods("POST")
	r.HandleFunc("/markets/{id}/orderbook", s.handleGetOrderbook).Methods("GET")
	r.HandleFunc("/orders/{id}", s.limited(s.handleCancelOrder)).Methods("DELETE")

	r.HandleFunc("/derivatives/positions", s.limited(s.handleOpenPosition)).Methods("POST")
	r.HandleFunc("/derivatives/positions/{id}/close", s.limited(s.handleClosePosition)).Methods("POST")
	r.HandleFunc("/derivatives/positions", s.handleListPositions).Methods("GET")
	r.HandleFunc("/derivatives/liquidations", s.handleListLiquidations).Methods("GET")

	r.HandleFunc("/accounts/{id}/deposit", s.limited(s.handleDeposit)).Methods("POST")
	r.HandleFunc("/accounts/{id}/withdraw", s.limited(s.handleWithdraw)).Methods("POST")
	r.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")

	r.HandleFunc("/ws", s.handleWebSocket)
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and serves until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Admin-Key"},
		AllowCredentials: false,
	})

	s.logger.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// --- middleware ------------------------------------------------------------

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limited applies the per-IP token bucket to a mutating route.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		s.limMu.Lock()
		lim, ok := s.limiters[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(s.cfg.MutationsPerSecond), s.cfg.MutationBurst)
			s.limiters[ip] = lim
		}
		s.limMu.Unlock()

		if !lim.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// admin guards operator-only routes: 503 when no key is configured, 403 on
// mismatch.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			respondError(w, http.StatusServiceUnavailable, "no admin key configured")
			return
		}
		if r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
			respondError(w, http.StatusForbidden, "bad admin key")
			return
		}
		next(w, r)
	}
}

// --- handlers --------------------------------------------------------------

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.CreateMarket(r.Context(), market.CreateInput{
		Question:    req.Question,
		Creator:     req.Creator,
		Escrow:      req.Escrow,
		CloseTime:   req.CloseTime,
		Outcomes:    req.Outcomes,
		Regime:      market.Regime(req.Regime),
		InitialHbar: hbar.FromHbar(req.InitialHbar),
		InitialOdds: req.InitialOdds,
		LiquidityB:  req.LiquidityB,
		SeedOrders:  req.SeedOrders,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	f := market.Filter{
		Status:  market.Status(r.URL.Query().Get("status")),
		Creator: r.URL.Query().Get("creator"),
	}
	respondJSON(w, http.StatusOK, s.engine.Markets(f))
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Market(mux.Vars(r)["id"])
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.Transition(r.Context(), mux.Vars(r)["id"], market.Status(req.Status), req.Outcome)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req betRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.PlaceBet(r.Context(), engine.BetInput{
		MarketID:        mux.Vars(r)["id"],
		Outcome:         req.Outcome,
		Account:         req.Account,
		MaxCost:         hbar.FromHbar(req.MaxCostHbar),
		MaxPricePercent: req.MaxPricePercent,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, betResponse{
		Shares:         res.Shares,
		CostHbar:       res.Cost.Hbar(),
		EffectivePrice: res.EffectivePrice,
		PostPrice:      res.PostPrice,
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decode(w, r, &req) {
		return
	}
	order, fills, err := s.engine.SubmitOrder(r.Context(), engine.OrderInput{
		MarketID:   mux.Vars(r)["id"],
		Outcome:    req.Outcome,
		Account:    req.Account,
		Side:       orderbook.Side(req.Side),
		PriceCents: req.PriceCents,
		Quantity:   req.Quantity,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderResponse{Order: order, Fills: fills})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["id"]
	outcome := r.URL.Query().Get("outcome")
	bids, asks, err := s.engine.BookLevels(marketID, outcome)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderbookResponse{
		MarketID:  marketID,
		Outcome:   outcome,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	order, err := s.engine.CancelOrder(r.Context(), mux.Vars(r)["id"], account)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.engine.OpenPosition(r.Context(), engine.PositionInput{
		MarketID: req.MarketID,
		Outcome:  req.Outcome,
		Account:  req.Account,
		Side:     perp.Side(req.Side),
		SizeHbar: hbar.FromHbar(req.SizeHbar),
		Leverage: req.Leverage,
		Mode:     perp.MarginMode(req.MarginMode),
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Fraction == 0 {
		req.Fraction = 1
	}
	res, err := s.engine.ClosePosition(r.Context(), mux.Vars(r)["id"], req.Account, req.Fraction)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res.Position)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("accountId")
	if account == "" {
		respondError(w, http.StatusBadRequest, "accountId query parameter required")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Positions(account))
}

func (s *Server) handleListLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, s.engine.Liquidations(limit))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.Deposit(r.Context(), id, int64(hbar.FromHbar(req.AmountHbar))); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Account(id))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.Withdraw(r.Context(), id, int64(hbar.FromHbar(req.AmountHbar))); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Account(id))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Account(mux.Vars(r)["id"]))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- plumbing --------------------------------------------------------------

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}

// statusFor maps the engine error taxonomy to HTTP statuses.
func statusFor(code errs.Code) int {
	switch code {
	case errs.Validation, errs.InsufficientFunds, errs.InsufficientMargin, errs.PriceExceeded:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.StateConflict:
		return http.StatusConflict
	case errs.Timeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondEngineError(w http.ResponseWriter, err error) {
	respondError(w, statusFor(errs.CodeOf(err)), err.Error())
}
