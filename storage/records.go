package storage

import (
	"fmt"
	"math/big"
	"sort"

	"nusd/native/cdp"
	"nusd/native/collateral"
	"nusd/native/stability"
)

// Stored mirror structs keep the persisted layout RLP-friendly: big integers
// and rationals travel as strings, signed timestamps as uint64.

type storedCollateralType struct {
	Symbol                string
	Asset                 string
	MCRBps                uint64
	LiquidationPenaltyBps uint64
	PoolDiscountBps       uint64
	LiquidationTipBps     uint64
	MinFeeBps             uint64
	MaxFeeBps             uint64
	SpikeK                string
	HalfLifeK             string
	BaseRate              string
	Slope1                string
	Slope2                string
	Kink                  string
	DebtCeiling           string
	MinimumDebt           string
	TotalCollateral       string
	TotalDebt             string
	StopMint              bool
	StopLiquidate         bool
	StopRedeem            bool
	Accepted              bool
}

type storedCdp struct {
	ID             uint64
	CollateralType string
	Owner          [20]byte
	Collateral     string
	Debt           string
	LastAccrual    uint64
	Leftover       string
	Status         uint8
	Privileged     string
	NoticeDeadline uint64
}

type storedPrivileged struct {
	ID                  string
	LinkedCdp           uint64
	RedemptionOptOut    bool
	NoticePeriodSeconds uint64
}

type storedRateHistory struct {
	Rates []string
	Cap   uint64
}

type storedRedemptionState struct {
	BaseRate   string
	LastUpdate uint64
}

type storedQuota struct {
	ReqCount uint32
	Minted   uint64
	EpochID  uint64
}

type storedShare struct {
	Depositor [20]byte
	Shares    string
}

type storedPool struct {
	CollateralType   string
	Deposits         string
	TotalShares      string
	Shares           []storedShare
	Collateral       string
	LiquidityRewards string
	PayoutBps        uint64
	LiquidityBps     uint64
	PoolBps          uint64
	PanicMode        bool
	ReserveDrawn     string
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("storage: invalid integer %q", s)
	}
	return v, nil
}

func encodeRat(v *big.Rat) string {
	if v == nil {
		return ""
	}
	return v.RatString()
}

func decodeRat(s string) (*big.Rat, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("storage: invalid rational %q", s)
	}
	return v, nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > uint64(1)<<63-1 {
		return 0, fmt.Errorf("storage: value %d overflows int64", v)
	}
	return int64(v), nil
}

func toStoredCollateralType(record *collateral.Type) *storedCollateralType {
	stored := &storedCollateralType{
		Symbol:                record.Symbol,
		Asset:                 record.Asset,
		MCRBps:                record.MCRBps,
		LiquidationPenaltyBps: record.LiquidationPenaltyBps,
		PoolDiscountBps:       record.PoolDiscountBps,
		LiquidationTipBps:     record.LiquidationTipBps,
		MinFeeBps:             record.Redemption.MinFeeBps,
		MaxFeeBps:             record.Redemption.MaxFeeBps,
		SpikeK:                encodeRat(record.Redemption.SpikeK),
		HalfLifeK:             encodeRat(record.Redemption.HalfLifeK),
		DebtCeiling:           encodeBig(record.DebtCeiling),
		MinimumDebt:           encodeBig(record.MinimumDebt),
		TotalCollateral:       encodeBig(record.TotalCollateral),
		TotalDebt:             encodeBig(record.TotalDebt),
		StopMint:              record.Stops.Mint,
		StopLiquidate:         record.Stops.Liquidate,
		StopRedeem:            record.Stops.Redeem,
		Accepted:              record.Accepted,
	}
	if record.Rates != nil {
		stored.BaseRate = encodeRat(record.Rates.BaseRate)
		stored.Slope1 = encodeRat(record.Rates.Slope1)
		stored.Slope2 = encodeRat(record.Rates.Slope2)
		stored.Kink = encodeRat(record.Rates.Kink)
	}
	return stored
}

func fromStoredCollateralType(stored *storedCollateralType) (*collateral.Type, error) {
	record := &collateral.Type{
		Symbol:                stored.Symbol,
		Asset:                 stored.Asset,
		MCRBps:                stored.MCRBps,
		LiquidationPenaltyBps: stored.LiquidationPenaltyBps,
		PoolDiscountBps:       stored.PoolDiscountBps,
		LiquidationTipBps:     stored.LiquidationTipBps,
		Redemption: collateral.RedemptionParams{
			MinFeeBps: stored.MinFeeBps,
			MaxFeeBps: stored.MaxFeeBps,
		},
		Stops: collateral.Stops{
			Mint:      stored.StopMint,
			Liquidate: stored.StopLiquidate,
			Redeem:    stored.StopRedeem,
		},
		Accepted: stored.Accepted,
	}
	var err error
	if record.Redemption.SpikeK, err = decodeRat(stored.SpikeK); err != nil {
		return nil, err
	}
	if record.Redemption.HalfLifeK, err = decodeRat(stored.HalfLifeK); err != nil {
		return nil, err
	}
	if stored.BaseRate != "" || stored.Slope1 != "" || stored.Slope2 != "" || stored.Kink != "" {
		rates := &collateral.RateModel{}
		if rates.BaseRate, err = decodeRat(stored.BaseRate); err != nil {
			return nil, err
		}
		if rates.Slope1, err = decodeRat(stored.Slope1); err != nil {
			return nil, err
		}
		if rates.Slope2, err = decodeRat(stored.Slope2); err != nil {
			return nil, err
		}
		if rates.Kink, err = decodeRat(stored.Kink); err != nil {
			return nil, err
		}
		record.Rates = rates
	}
	if record.DebtCeiling, err = decodeBig(stored.DebtCeiling); err != nil {
		return nil, err
	}
	if record.MinimumDebt, err = decodeBig(stored.MinimumDebt); err != nil {
		return nil, err
	}
	if record.TotalCollateral, err = decodeBig(stored.TotalCollateral); err != nil {
		return nil, err
	}
	if record.TotalDebt, err = decodeBig(stored.TotalDebt); err != nil {
		return nil, err
	}
	return record, nil
}

func toStoredCdp(record *cdp.Cdp) *storedCdp {
	return &storedCdp{
		ID:             record.ID,
		CollateralType: record.CollateralType,
		Owner:          record.Owner,
		Collateral:     encodeBig(record.Collateral),
		Debt:           encodeBig(record.Debt),
		LastAccrual:    uint64(record.LastAccrual),
		Leftover:       encodeBig(record.Leftover),
		Status:         uint8(record.Status),
		Privileged:     record.Privileged,
		NoticeDeadline: uint64(record.NoticeDeadline),
	}
}

func fromStoredCdp(stored *storedCdp) (*cdp.Cdp, error) {
	record := &cdp.Cdp{
		ID:             stored.ID,
		CollateralType: stored.CollateralType,
		Owner:          stored.Owner,
		Status:         cdp.Status(stored.Status),
		Privileged:     stored.Privileged,
	}
	var err error
	if record.Collateral, err = decodeBig(stored.Collateral); err != nil {
		return nil, err
	}
	if record.Debt, err = decodeBig(stored.Debt); err != nil {
		return nil, err
	}
	if record.Leftover, err = decodeBig(stored.Leftover); err != nil {
		return nil, err
	}
	if record.LastAccrual, err = uint64ToInt64(stored.LastAccrual); err != nil {
		return nil, err
	}
	if record.NoticeDeadline, err = uint64ToInt64(stored.NoticeDeadline); err != nil {
		return nil, err
	}
	return record, nil
}

func toStoredPrivileged(record *cdp.PrivilegedBorrower) *storedPrivileged {
	return &storedPrivileged{
		ID:                  record.ID,
		LinkedCdp:           record.LinkedCdp,
		RedemptionOptOut:    record.RedemptionOptOut,
		NoticePeriodSeconds: uint64(record.NoticePeriodSeconds),
	}
}

func fromStoredPrivileged(stored *storedPrivileged) (*cdp.PrivilegedBorrower, error) {
	notice, err := uint64ToInt64(stored.NoticePeriodSeconds)
	if err != nil {
		return nil, err
	}
	return &cdp.PrivilegedBorrower{
		ID:                  stored.ID,
		LinkedCdp:           stored.LinkedCdp,
		RedemptionOptOut:    stored.RedemptionOptOut,
		NoticePeriodSeconds: notice,
	}, nil
}

func toStoredRateHistory(history *cdp.RateHistory) *storedRateHistory {
	stored := &storedRateHistory{Cap: uint64(history.Cap)}
	for _, rate := range history.Rates {
		stored.Rates = append(stored.Rates, encodeRat(rate))
	}
	return stored
}

func fromStoredRateHistory(stored *storedRateHistory) (*cdp.RateHistory, error) {
	history := &cdp.RateHistory{Cap: int(stored.Cap)}
	for _, encoded := range stored.Rates {
		rate, err := decodeRat(encoded)
		if err != nil {
			return nil, err
		}
		if rate == nil {
			rate = new(big.Rat)
		}
		history.Rates = append(history.Rates, rate)
	}
	return history, nil
}

func toStoredRedemptionState(state *cdp.RedemptionState) *storedRedemptionState {
	return &storedRedemptionState{
		BaseRate:   encodeRat(state.BaseRate),
		LastUpdate: uint64(state.LastUpdate),
	}
}

func fromStoredRedemptionState(stored *storedRedemptionState) (*cdp.RedemptionState, error) {
	base, err := decodeRat(stored.BaseRate)
	if err != nil {
		return nil, err
	}
	lastUpdate, err := uint64ToInt64(stored.LastUpdate)
	if err != nil {
		return nil, err
	}
	return &cdp.RedemptionState{BaseRate: base, LastUpdate: lastUpdate}, nil
}

func toStoredPool(record *stability.Pool) *storedPool {
	stored := &storedPool{
		CollateralType:   record.CollateralType,
		Deposits:         encodeBig(record.Deposits),
		TotalShares:      encodeBig(record.TotalShares),
		Collateral:       encodeBig(record.Collateral),
		LiquidityRewards: encodeBig(record.LiquidityRewards),
		PayoutBps:        record.PayoutBps,
		LiquidityBps:     record.LiquidityBps,
		PoolBps:          record.PoolBps,
		PanicMode:        record.PanicMode,
		ReserveDrawn:     encodeBig(record.ReserveDrawn),
	}
	for depositor, shares := range record.Shares {
		stored.Shares = append(stored.Shares, storedShare{Depositor: depositor, Shares: encodeBig(shares)})
	}
	// Deterministic layout keeps encodings stable across writes.
	sort.Slice(stored.Shares, func(i, j int) bool {
		return string(stored.Shares[i].Depositor[:]) < string(stored.Shares[j].Depositor[:])
	})
	return stored
}

func fromStoredPool(stored *storedPool) (*stability.Pool, error) {
	record := &stability.Pool{
		CollateralType: stored.CollateralType,
		PayoutBps:      stored.PayoutBps,
		LiquidityBps:   stored.LiquidityBps,
		PoolBps:        stored.PoolBps,
		PanicMode:      stored.PanicMode,
		Shares:         make(map[[20]byte]*big.Int, len(stored.Shares)),
	}
	var err error
	if record.Deposits, err = decodeBig(stored.Deposits); err != nil {
		return nil, err
	}
	if record.TotalShares, err = decodeBig(stored.TotalShares); err != nil {
		return nil, err
	}
	if record.Collateral, err = decodeBig(stored.Collateral); err != nil {
		return nil, err
	}
	if record.LiquidityRewards, err = decodeBig(stored.LiquidityRewards); err != nil {
		return nil, err
	}
	if record.ReserveDrawn, err = decodeBig(stored.ReserveDrawn); err != nil {
		return nil, err
	}
	for _, share := range stored.Shares {
		amount, err := decodeBig(share.Shares)
		if err != nil {
			return nil, err
		}
		record.Shares[share.Depositor] = amount
	}
	return record, nil
}
