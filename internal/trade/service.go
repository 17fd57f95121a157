// Package trade provides the HTTP handlers over the perp engine: market
// creation and queries, liquidity, swaps, orders, claims and keeper-style
// risk actions.
//
// Amounts are JSON integers in the engine's units: token amounts in the
// token's smallest unit, USD values and prices at the 1e30 scale.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
)

// Service exposes one engine over HTTP. The engine serializes per market,
// so handlers run concurrently.
type Service struct {
	eng *engine.Engine
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine) *Service {
	return &Service{eng: eng}
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{market}", s.GetMarket)
	r.Post("/markets/{market}/deposit", s.Deposit)
	r.Post("/markets/{market}/withdraw", s.Withdraw)
	r.Post("/markets/{market}/claim-fees", s.ClaimFees)
	r.Get("/markets/{market}/liquidatable", s.Liquidatable)
	r.Post("/markets/{market}/adl", s.Deleverage)

	r.Post("/swap", s.Swap)
	r.Post("/orders", s.ExecuteOrder)

	r.Get("/positions/{key}", s.GetPosition)
	r.Post("/positions/{key}/liquidate", s.Liquidate)

	r.Get("/accounts/{account}/positions", s.ListPositions)
	r.Get("/accounts/{account}/funding/{market}", s.ClaimableFunding)
	r.Post("/accounts/{account}/claim-funding", s.ClaimFunding)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Ticker string `json:"ticker"` // GM:{INDEX}/USD[{LONG}-{SHORT}]
}

// MarketSummary is one entry of GET /markets.
type MarketSummary struct {
	Ticker string            `json:"ticker"`
	Props  model.MarketProps `json:"props"`
}

// DepositResponse is the JSON body returned from a deposit.
type DepositResponse struct {
	MintAmount     *big.Int `json:"mint_amount"`
	PriceImpactUsd *big.Int `json:"price_impact_usd"`
}

// WithdrawResponse is the JSON body returned from a withdrawal.
type WithdrawResponse struct {
	UsdValue         *big.Int `json:"usd_value"`
	LongTokenAmount  *big.Int `json:"long_token_amount"`
	ShortTokenAmount *big.Int `json:"short_token_amount"`
}

// DeleverageRequest selects the side for POST /markets/{market}/adl.
type DeleverageRequest struct {
	IsLong bool `json:"is_long"`
}

// DeleverageResponse reports the ADL state and any decreases run.
type DeleverageResponse struct {
	State     market.AdlState `json:"state"`
	Decreases int             `json:"decreases"`
	Factor    *big.Int        `json:"factor,omitempty"`
}

// LiquidationResponse is the JSON body returned from a liquidation.
type LiquidationResponse struct {
	Position       model.PositionKey `json:"position"`
	Reason         string            `json:"reason"`
	ExecutionPrice *big.Int          `json:"execution_price"`
	OutputToken    model.Token       `json:"output_token"`
	OutputAmount   *big.Int          `json:"output_amount"`
	Insolvent      bool              `json:"insolvent"`
	ShortfallUsd   *big.Int          `json:"shortfall_usd,omitempty"`
}

// ClaimFundingRequest is the JSON body for POST /accounts/{account}/claim-funding.
type ClaimFundingRequest struct {
	Markets  []model.Token `json:"markets"`
	Receiver string        `json:"receiver"`
}

// --- HTTP Handlers ---

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	props := s.eng.Markets()
	out := make([]MarketSummary, 0, len(props))
	for _, p := range props {
		out = append(out, MarketSummary{Ticker: contract.FormatTicker(p), Props: p})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	props, err := contract.ParseProps(req.Ticker)
	if err != nil {
		writeError(w, err.Error(), model.ReasonOf(model.ErrInvalidOrder), http.StatusBadRequest)
		return
	}
	ev, err := s.eng.CreateMarket(r.Context(), props)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("market created", "market", props.MarketToken, "ticker", req.Ticker)
	writeJSON(w, http.StatusCreated, ev)
}

// GetMarket handles GET /api/v1/markets/{market}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	info, err := s.eng.MarketInfo(r.Context(), marketParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Deposit handles POST /api/v1/markets/{market}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req engine.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	req.Market = marketParam(r)
	res, err := s.eng.Deposit(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{MintAmount: res.MintAmount, PriceImpactUsd: res.PriceImpactUsd})
}

// Withdraw handles POST /api/v1/markets/{market}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req engine.WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	req.Market = marketParam(r)
	res, err := s.eng.Withdraw(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{
		UsdValue:         res.UsdValue,
		LongTokenAmount:  res.LongTokenAmount,
		ShortTokenAmount: res.ShortTokenAmount,
	})
}

// ClaimFees handles POST /api/v1/markets/{market}/claim-fees
func (s *Service) ClaimFees(w http.ResponseWriter, r *http.Request) {
	paid, err := s.eng.ClaimFees(r.Context(), marketParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paid)
}

// Liquidatable handles GET /api/v1/markets/{market}/liquidatable
func (s *Service) Liquidatable(w http.ResponseWriter, r *http.Request) {
	keys, err := s.eng.Liquidatable(r.Context(), marketParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if keys == nil {
		keys = []model.PositionKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// Deleverage handles POST /api/v1/markets/{market}/adl
// Re-evaluates the side and runs ADL when it is flagged.
func (s *Service) Deleverage(w http.ResponseWriter, r *http.Request) {
	var req DeleverageRequest
	if !decode(w, r, &req) {
		return
	}
	token := marketParam(r)
	state, err := s.eng.UpdateAdlState(r.Context(), token, req.IsLong)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := DeleverageResponse{State: state}
	if state.Status == market.AdlEnabled {
		run, err := s.eng.RunAdl(r.Context(), token, req.IsLong)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.Decreases = len(run.Results)
		resp.Factor = run.Factor
		info, err := s.eng.MarketInfo(r.Context(), token)
		if err == nil {
			resp.State = info.Adl.Get(req.IsLong)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Swap handles POST /api/v1/swap
func (s *Service) Swap(w http.ResponseWriter, r *http.Request) {
	var req engine.SwapRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.eng.Swap(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExecuteOrder handles POST /api/v1/orders
// A failed order reports its disposition so the originator knows whether
// it was cancelled or frozen.
func (s *Service) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var o model.Order
	if !decode(w, r, &o) {
		return
	}
	res, err := s.eng.ExecuteOrder(r.Context(), o)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]string{
			"error":       err.Error(),
			"reason":      res.Reason,
			"order_id":    res.OrderID,
			"disposition": res.Disposition.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPosition handles GET /api/v1/positions/{key}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	info, err := s.eng.Position(r.Context(), model.PositionKey(chi.URLParam(r, "key")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Liquidate handles POST /api/v1/positions/{key}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	key := model.PositionKey(chi.URLParam(r, "key"))
	l, err := s.eng.Liquidate(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidationResponse{
		Position:       key,
		Reason:         l.Info.Reason,
		ExecutionPrice: l.ExecutionPrice,
		OutputToken:    l.OutputToken,
		OutputAmount:   l.OutputAmount,
		Insolvent:      l.Insolvent,
		ShortfallUsd:   l.ShortfallUsd,
	})
}

// ListPositions handles GET /api/v1/accounts/{account}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.eng.Positions(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []*model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ClaimableFunding handles GET /api/v1/accounts/{account}/funding/{market}
func (s *Service) ClaimableFunding(w http.ResponseWriter, r *http.Request) {
	amounts, err := s.eng.ClaimableFunding(marketParam(r), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amounts)
}

// ClaimFunding handles POST /api/v1/accounts/{account}/claim-funding
func (s *Service) ClaimFunding(w http.ResponseWriter, r *http.Request) {
	var req ClaimFundingRequest
	if !decode(w, r, &req) {
		return
	}
	paid, err := s.eng.ClaimFundingFees(r.Context(), chi.URLParam(r, "account"), req.Markets, req.Receiver)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paid)
}

func marketParam(r *http.Request) model.Token {
	return model.Token(chi.URLParam(r, "market"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", model.ReasonOf(model.ErrInvalidOrder), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an engine error to an HTTP status by class.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrMarketNotFound), errors.Is(err, model.ErrEmptyPosition):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateMarket):
		return http.StatusConflict
	case model.IsRejected(err):
		return http.StatusBadRequest
	case model.IsCancelled(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("engine failure", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, model.ReasonOf(err), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, reason string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "reason": reason})
}
