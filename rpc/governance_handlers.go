package rpc

import (
	"math/big"
	"net/http"
	"strings"

	"nusd/native/cdp"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
)

type rateModelRequest struct {
	BaseRate string `json:"baseRate"`
	Slope1   string `json:"slope1"`
	Slope2   string `json:"slope2"`
	Kink     string `json:"kink"`
}

func (req *rateModelRequest) model() (*collateral.RateModel, error) {
	if req == nil {
		return nil, nil
	}
	model := &collateral.RateModel{}
	var err error
	if model.BaseRate, err = parsePrice(req.BaseRate); err != nil {
		return nil, err
	}
	if model.Slope1, err = parsePrice(req.Slope1); err != nil {
		return nil, err
	}
	if model.Slope2, err = parsePrice(req.Slope2); err != nil {
		return nil, err
	}
	if model.Kink, err = parsePrice(req.Kink); err != nil {
		return nil, err
	}
	if model.BaseRate == nil {
		model.BaseRate = new(big.Rat)
	}
	if model.Slope1 == nil {
		model.Slope1 = new(big.Rat)
	}
	if model.Slope2 == nil {
		model.Slope2 = new(big.Rat)
	}
	if model.Kink == nil {
		model.Kink = new(big.Rat)
	}
	return model, nil
}

type registerCollateralRequest struct {
	Symbol                string            `json:"symbol"`
	Asset                 string            `json:"asset"`
	MCRBps                uint64            `json:"mcrBps"`
	LiquidationPenaltyBps uint64            `json:"liquidationPenaltyBps"`
	PoolDiscountBps       uint64            `json:"poolDiscountBps"`
	LiquidationTipBps     uint64            `json:"liquidationTipBps,omitempty"`
	MinFeeBps             uint64            `json:"minFeeBps"`
	MaxFeeBps             uint64            `json:"maxFeeBps"`
	SpikeK                string            `json:"spikeK,omitempty"`
	HalfLifeK             string            `json:"halfLifeK,omitempty"`
	DebtCeiling           string            `json:"debtCeiling"`
	MinimumDebt           string            `json:"minimumDebt"`
	Rates                 *rateModelRequest `json:"rates,omitempty"`
}

func (s *Server) registerCollateral(w http.ResponseWriter, r *http.Request) {
	var req registerCollateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg := &collateral.Type{
		Symbol:                strings.TrimSpace(req.Symbol),
		Asset:                 strings.TrimSpace(req.Asset),
		MCRBps:                req.MCRBps,
		LiquidationPenaltyBps: req.LiquidationPenaltyBps,
		PoolDiscountBps:       req.PoolDiscountBps,
		LiquidationTipBps:     req.LiquidationTipBps,
		Redemption: collateral.RedemptionParams{
			MinFeeBps: req.MinFeeBps,
			MaxFeeBps: req.MaxFeeBps,
		},
	}
	var err error
	if cfg.Redemption.SpikeK, err = parsePrice(req.SpikeK); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.Redemption.HalfLifeK, err = parsePrice(req.HalfLifeK); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.DebtCeiling, err = parseOptionalAmount("debtCeiling", req.DebtCeiling); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.MinimumDebt, err = parseOptionalAmount("minimumDebt", req.MinimumDebt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Rates != nil {
		if cfg.Rates, err = req.Rates.model(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.mu.Lock()
	record, err := s.registry.Register(s.gov, cfg)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, renderCollateral(record))
}

type updateParamsRequest struct {
	MCRBps                *uint64           `json:"mcrBps,omitempty"`
	LiquidationPenaltyBps *uint64           `json:"liquidationPenaltyBps,omitempty"`
	PoolDiscountBps       *uint64           `json:"poolDiscountBps,omitempty"`
	LiquidationTipBps     *uint64           `json:"liquidationTipBps,omitempty"`
	MinFeeBps             *uint64           `json:"minFeeBps,omitempty"`
	MaxFeeBps             *uint64           `json:"maxFeeBps,omitempty"`
	SpikeK                string            `json:"spikeK,omitempty"`
	HalfLifeK             string            `json:"halfLifeK,omitempty"`
	DebtCeiling           string            `json:"debtCeiling,omitempty"`
	MinimumDebt           string            `json:"minimumDebt,omitempty"`
	Rates                 *rateModelRequest `json:"rates,omitempty"`
	Accepted              *bool             `json:"accepted,omitempty"`
}

func (s *Server) updateCollateralParams(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	var req updateParamsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	update := collateral.ParamUpdate{
		MCRBps:                req.MCRBps,
		LiquidationPenaltyBps: req.LiquidationPenaltyBps,
		PoolDiscountBps:       req.PoolDiscountBps,
		LiquidationTipBps:     req.LiquidationTipBps,
		Accepted:              req.Accepted,
	}
	var err error
	if update.DebtCeiling, err = parseOptionalAmount("debtCeiling", req.DebtCeiling); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if update.MinimumDebt, err = parseOptionalAmount("minimumDebt", req.MinimumDebt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Rates != nil {
		if update.Rates, err = req.Rates.model(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.MinFeeBps != nil || req.MaxFeeBps != nil || req.SpikeK != "" || req.HalfLifeK != "" {
		current, err := s.registry.Get(symbol)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		redemption := current.Redemption.Clone()
		if req.MinFeeBps != nil {
			redemption.MinFeeBps = *req.MinFeeBps
		}
		if req.MaxFeeBps != nil {
			redemption.MaxFeeBps = *req.MaxFeeBps
		}
		if req.SpikeK != "" {
			if redemption.SpikeK, err = parsePrice(req.SpikeK); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if req.HalfLifeK != "" {
			if redemption.HalfLifeK, err = parsePrice(req.HalfLifeK); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		update.Redemption = &redemption
	}

	s.mu.Lock()
	record, err := s.registry.UpdateParams(s.gov, symbol, update)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderCollateral(record))
}

type setStopRequest struct {
	Kind    string `json:"kind"`
	Stopped bool   `json:"stopped"`
}

func (s *Server) setStop(w http.ResponseWriter, r *http.Request) {
	var req setStopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var kind nativecommon.StopKind
	switch strings.ToLower(strings.TrimSpace(req.Kind)) {
	case "mint":
		kind = nativecommon.StopMint
	case "liquidate":
		kind = nativecommon.StopLiquidate
	case "redeem":
		kind = nativecommon.StopRedeem
	default:
		writeError(w, http.StatusBadRequest, "kind must be one of mint, liquidate, redeem")
		return
	}

	s.mu.Lock()
	err := s.registry.SetStop(s.gov, pathSymbol(r), kind, req.Stopped)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": req.Stopped})
}

type registerPrivilegedRequest struct {
	ID                  string `json:"id"`
	RedemptionOptOut    bool   `json:"redemptionOptOut"`
	NoticePeriodSeconds int64  `json:"noticePeriodSeconds"`
}

func (s *Server) registerPrivileged(w http.ResponseWriter, r *http.Request) {
	var req registerPrivilegedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	record := &cdp.PrivilegedBorrower{
		ID:                  strings.TrimSpace(req.ID),
		RedemptionOptOut:    req.RedemptionOptOut,
		NoticePeriodSeconds: req.NoticePeriodSeconds,
	}

	s.mu.Lock()
	err := s.ledger.RegisterPrivileged(s.gov, record)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": record.ID})
}

type createPoolRequest struct {
	Symbol       string `json:"symbol"`
	PayoutBps    uint64 `json:"payoutBps"`
	LiquidityBps uint64 `json:"liquidityBps"`
	PoolBps      uint64 `json:"poolBps"`
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	pool, err := s.pool.CreatePool(s.gov, strings.TrimSpace(req.Symbol), req.PayoutBps, req.LiquidityBps, req.PoolBps)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, renderPool(pool))
}

type splitsRequest struct {
	PayoutBps    uint64 `json:"payoutBps"`
	LiquidityBps uint64 `json:"liquidityBps"`
	PoolBps      uint64 `json:"poolBps"`
}

func (s *Server) setRewardSplits(w http.ResponseWriter, r *http.Request) {
	var req splitsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	err := s.pool.SetRewardSplits(s.gov, pathSymbol(r), req.PayoutBps, req.LiquidityBps, req.PoolBps)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) clearPanic(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)

	s.mu.Lock()
	err := s.pool.ClearPanic(s.gov, symbol)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.refreshPoolGauges(symbol)
	writeJSON(w, http.StatusOK, map[string]bool{"panicMode": false})
}
