package rpc

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nusd/native/cdp"
	"nusd/native/stability"
	"nusd/observability/logging"
)

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// refreshTotals and refreshPoolGauges take the server mutex themselves, so
// callers must invoke them after releasing it.
func (s *Server) refreshTotals(symbol string) {
	s.mu.Lock()
	record, err := s.registry.Get(symbol)
	s.mu.Unlock()
	if err != nil || record == nil {
		return
	}
	s.metrics.SetTotals(symbol, bigFloat(record.TotalDebt), bigFloat(record.TotalCollateral))
}

func (s *Server) refreshPoolGauges(symbol string) {
	s.mu.Lock()
	pool, err := s.pool.Get(symbol)
	s.mu.Unlock()
	if err != nil || pool == nil {
		return
	}
	s.metrics.SetPoolDeposits(symbol, bigFloat(pool.Deposits))
	s.metrics.SetPanicMode(symbol, pool.PanicMode)
}

func (s *Server) listCollateral(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	symbols, err := s.registry.List()
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"collateral": symbols})
}

func (s *Server) getCollateral(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	record, err := s.registry.Get(pathSymbol(r))
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderCollateral(record))
}

func (s *Server) lowestRatio(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ratio, ok, err := s.ledger.LowestRatio(pathSymbol(r))
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := map[string]interface{}{"populated": ok}
	if ok {
		resp["ratio"] = ratio.FloatString(6)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	record, err := s.ledger.Get(id)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderPosition(record))
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	record, err := s.pool.Get(pathSymbol(r))
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderPool(record))
}

func (s *Server) getShares(w http.ResponseWriter, r *http.Request) {
	owner, err := parseOwner(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	shares, err := s.pool.SharesOf(owner, pathSymbol(r))
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": bigString(shares)})
}

type openRequest struct {
	Owner          string `json:"owner"`
	CollateralType string `json:"collateralType"`
	Collateral     string `json:"collateral"`
	Debt           string `json:"debt"`
	Price          string `json:"price,omitempty"`
}

func (s *Server) openPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	collateralIn, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	debtOut, err := parseAmount("debt", req.Debt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var record *cdp.Cdp
	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		var txnErr error
		record, txnErr = s.ledger.Open(owner, req.CollateralType, collateralIn, debtOut, price)
		return txnErr
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("position opened",
		"collateral", record.CollateralType,
		"position", record.ID,
		logging.MaskField("owner", req.Owner))
	s.metrics.ObservePositionOpened(record.CollateralType)
	s.refreshTotals(record.CollateralType)
	writeJSON(w, http.StatusCreated, renderPosition(record))
}

type adjustRequest struct {
	Owner           string `json:"owner"`
	DeltaCollateral string `json:"deltaCollateral,omitempty"`
	DeltaDebt       string `json:"deltaDebt,omitempty"`
	Price           string `json:"price,omitempty"`
}

func (s *Server) adjustPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req adjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deltaCollateral, err := parseOptionalAmount("deltaCollateral", req.DeltaCollateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deltaDebt, err := parseOptionalAmount("deltaDebt", req.DeltaDebt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var record *cdp.Cdp
	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		var txnErr error
		record, txnErr = s.ledger.Adjust(owner, id, deltaCollateral, deltaDebt, price)
		return txnErr
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.ObservePositionAdjusted(record.CollateralType)
	s.refreshTotals(record.CollateralType)
	writeJSON(w, http.StatusOK, renderPosition(record))
}

type ownerRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req ownerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var result *cdp.CloseResult
	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		var txnErr error
		result, txnErr = s.ledger.Close(owner, id)
		return txnErr
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("position closed",
		"collateral", result.CollateralType,
		"position", id,
		logging.MaskField("owner", req.Owner))
	s.metrics.ObservePositionClosed(result.CollateralType)
	s.refreshTotals(result.CollateralType)
	writeJSON(w, http.StatusOK, map[string]string{
		"repaid":   bigString(result.Repaid),
		"returned": bigString(result.Returned),
	})
}

func (s *Server) retrieveLeftovers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req ownerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var amount *big.Int
	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		var txnErr error
		amount, txnErr = s.ledger.RetrieveLeftovers(owner, id)
		return txnErr
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collateral": bigString(amount)})
}

type linkRequest struct {
	Owner        string `json:"owner"`
	PrivilegedID string `json:"privilegedId"`
}

func (s *Server) linkPrivileged(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req linkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		return s.ledger.LinkPrivileged(owner, id, req.PrivilegedID)
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("position linked",
		"position", id,
		logging.MaskField("privileged", req.PrivilegedID),
		logging.MaskField("owner", req.Owner))
	writeJSON(w, http.StatusOK, map[string]bool{"linked": true})
}

func (s *Server) unlinkPrivileged(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req ownerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		return s.ledger.UnlinkPrivileged(nil, owner, id)
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"linked": false})
}

type liquidateRequest struct {
	Targets []uint64 `json:"targets,omitempty"`
	Price   string   `json:"price,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var result *cdp.LiquidationResult
	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		var txnErr error
		result, txnErr = s.ledger.Liquidate(symbol, req.Targets, price, req.Limit)
		return txnErr
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.ObserveLiquidatedDebt(symbol, bigFloat(result.DebtCleared))
	s.refreshTotals(symbol)
	s.refreshPoolGauges(symbol)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"liquidated":       result.Liquidated,
		"marked":           result.Marked,
		"debtCleared":      bigString(result.DebtCleared),
		"collateralSeized": bigString(result.CollateralSeized),
		"tip":              bigString(result.Tip),
		"panicMode":        result.PanicMode,
		"done":             result.Done,
	})
}

type redeemRequest struct {
	Amount    string `json:"amount"`
	Price     string `json:"price,omitempty"`
	MaxFeeBps uint64 `json:"maxFeeBps"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var result *cdp.RedemptionResult
	var creditErr error
	s.mu.Lock()
	err = s.runLedgerTxn(func() error {
		var txnErr error
		result, txnErr = s.ledger.Redeem(symbol, amount, price, req.MaxFeeBps, req.Limit)
		if txnErr != nil {
			return txnErr
		}
		if result.Fee != nil && result.Fee.Sign() > 0 {
			// The fee is carved from the redeemed collateral, so it lands
			// on the pool's collateral balance rather than its deposits.
			creditErr = s.pool.CreditCollateral(symbol, result.Fee, "redemption")
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if creditErr != nil && !errors.Is(creditErr, stability.ErrUnknownPool) {
		s.logger.Warn("redemption fee credit failed", "collateral", symbol, "error", creditErr)
	}
	s.metrics.ObserveRedeemedDebt(symbol, bigFloat(result.Redeemed))
	s.refreshTotals(symbol)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"redeemed":      bigString(result.Redeemed),
		"collateralOut": bigString(result.CollateralOut),
		"fee":           bigString(result.Fee),
		"feeRate":       ratString(result.FeeRate),
		"touched":       result.Touched,
		"done":          result.Done,
	})
}

type depositRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

func (s *Server) depositPool(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	shares, err := s.pool.Deposit(owner, symbol, amount)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.refreshPoolGauges(symbol)
	writeJSON(w, http.StatusOK, map[string]string{"shares": bigString(shares)})
}

type withdrawRequest struct {
	Owner  string `json:"owner"`
	Shares string `json:"shares"`
}

func (s *Server) withdrawPool(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	result, err := s.pool.Withdraw(owner, symbol, shares)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.refreshPoolGauges(symbol)
	writeJSON(w, http.StatusOK, map[string]string{
		"amount":     bigString(result.Amount),
		"collateral": bigString(result.Collateral),
	})
}
