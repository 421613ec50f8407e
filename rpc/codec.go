package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"nusd/native/cdp"
	"nusd/native/collateral"
	"nusd/native/stability"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a valid integer", field)
	}
	return amount, nil
}

func parseOptionalAmount(field, value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseAmount(field, value)
}

// parsePrice accepts either a decimal ("1.25") or a fraction ("5/4").
func parsePrice(value string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	price, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("price is not a valid number")
	}
	return price, nil
}

func parseOwner(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if !gethcommon.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("owner is not a valid address")
	}
	return [20]byte(gethcommon.HexToAddress(trimmed)), nil
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position id %q", raw)
	}
	return id, nil
}

func pathSymbol(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "symbol"))
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func ratString(v *big.Rat) string {
	if v == nil {
		return ""
	}
	return v.RatString()
}

type positionResponse struct {
	ID             uint64 `json:"id"`
	CollateralType string `json:"collateralType"`
	Owner          string `json:"owner"`
	Collateral     string `json:"collateral"`
	Debt           string `json:"debt"`
	Leftover       string `json:"leftover"`
	Status         string `json:"status"`
	Privileged     string `json:"privileged,omitempty"`
	NoticeDeadline int64  `json:"noticeDeadline,omitempty"`
}

func renderPosition(record *cdp.Cdp) positionResponse {
	return positionResponse{
		ID:             record.ID,
		CollateralType: record.CollateralType,
		Owner:          gethcommon.Address(record.Owner).Hex(),
		Collateral:     bigString(record.Collateral),
		Debt:           bigString(record.Debt),
		Leftover:       bigString(record.Leftover),
		Status:         record.Status.String(),
		Privileged:     record.Privileged,
		NoticeDeadline: record.NoticeDeadline,
	}
}

type collateralResponse struct {
	Symbol                string `json:"symbol"`
	Asset                 string `json:"asset"`
	MCRBps                uint64 `json:"mcrBps"`
	LiquidationPenaltyBps uint64 `json:"liquidationPenaltyBps"`
	PoolDiscountBps       uint64 `json:"poolDiscountBps"`
	LiquidationTipBps     uint64 `json:"liquidationTipBps"`
	MinFeeBps             uint64 `json:"minFeeBps"`
	MaxFeeBps             uint64 `json:"maxFeeBps"`
	DebtCeiling           string `json:"debtCeiling"`
	MinimumDebt           string `json:"minimumDebt"`
	TotalCollateral       string `json:"totalCollateral"`
	TotalDebt             string `json:"totalDebt"`
	StopMint              bool   `json:"stopMint"`
	StopLiquidate         bool   `json:"stopLiquidate"`
	StopRedeem            bool   `json:"stopRedeem"`
	Accepted              bool   `json:"accepted"`
}

func renderCollateral(record *collateral.Type) collateralResponse {
	return collateralResponse{
		Symbol:                record.Symbol,
		Asset:                 record.Asset,
		MCRBps:                record.MCRBps,
		LiquidationPenaltyBps: record.LiquidationPenaltyBps,
		PoolDiscountBps:       record.PoolDiscountBps,
		LiquidationTipBps:     record.LiquidationTipBps,
		MinFeeBps:             record.Redemption.MinFeeBps,
		MaxFeeBps:             record.Redemption.MaxFeeBps,
		DebtCeiling:           bigString(record.DebtCeiling),
		MinimumDebt:           bigString(record.MinimumDebt),
		TotalCollateral:       bigString(record.TotalCollateral),
		TotalDebt:             bigString(record.TotalDebt),
		StopMint:              record.Stops.Mint,
		StopLiquidate:         record.Stops.Liquidate,
		StopRedeem:            record.Stops.Redeem,
		Accepted:              record.Accepted,
	}
}

type poolResponse struct {
	CollateralType   string `json:"collateralType"`
	Deposits         string `json:"deposits"`
	TotalShares      string `json:"totalShares"`
	Collateral       string `json:"collateral"`
	LiquidityRewards string `json:"liquidityRewards"`
	PayoutBps        uint64 `json:"payoutBps"`
	LiquidityBps     uint64 `json:"liquidityBps"`
	PoolBps          uint64 `json:"poolBps"`
	PanicMode        bool   `json:"panicMode"`
	ReserveDrawn     string `json:"reserveDrawn"`
}

func renderPool(record *stability.Pool) poolResponse {
	return poolResponse{
		CollateralType:   record.CollateralType,
		Deposits:         bigString(record.Deposits),
		TotalShares:      bigString(record.TotalShares),
		Collateral:       bigString(record.Collateral),
		LiquidityRewards: bigString(record.LiquidityRewards),
		PayoutBps:        record.PayoutBps,
		LiquidityBps:     record.LiquidityBps,
		PoolBps:          record.PoolBps,
		PanicMode:        record.PanicMode,
		ReserveDrawn:     bigString(record.ReserveDrawn),
	}
}
