package cdp

import (
	"errors"
	"math/big"
	"testing"

	"nusd/native/collateral"
	nativecommon "nusd/native/common"
)

type mockEngineState struct {
	collateralTypes map[string]*collateral.Type
	cdps            map[uint64]*Cdp
	nextID          uint64
	privileged      map[string]*PrivilegedBorrower
	histories       map[string]*RateHistory
	redemptions     map[string]*RedemptionState
	marked          map[string][]uint64
	quotas          map[string]nativecommon.QuotaNow
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		collateralTypes: make(map[string]*collateral.Type),
		cdps:            make(map[uint64]*Cdp),
		privileged:      make(map[string]*PrivilegedBorrower),
		histories:       make(map[string]*RateHistory),
		redemptions:     make(map[string]*RedemptionState),
		marked:          make(map[string][]uint64),
		quotas:          make(map[string]nativecommon.QuotaNow),
	}
}

func (m *mockEngineState) GetCollateral(symbol string) (*collateral.Type, error) {
	if record, ok := m.collateralTypes[symbol]; ok {
		return record.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutCollateral(symbol string, record *collateral.Type) error {
	m.collateralTypes[symbol] = record.Clone()
	return nil
}

func (m *mockEngineState) ListCollateral() ([]string, error) {
	symbols := make([]string, 0, len(m.collateralTypes))
	for symbol := range m.collateralTypes {
		symbols = append(symbols, symbol)
	}
	return symbols, nil
}

func (m *mockEngineState) GetCdp(id uint64) (*Cdp, error) {
	if record, ok := m.cdps[id]; ok {
		return record.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutCdp(record *Cdp) error {
	m.cdps[record.ID] = record.Clone()
	return nil
}

func (m *mockEngineState) NextCdpID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockEngineState) ListCdps(symbol string) ([]*Cdp, error) {
	var records []*Cdp
	for _, record := range m.cdps {
		if record.CollateralType == symbol {
			records = append(records, record.Clone())
		}
	}
	return records, nil
}

func (m *mockEngineState) GetPrivileged(id string) (*PrivilegedBorrower, error) {
	if record, ok := m.privileged[id]; ok {
		return record.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutPrivileged(record *PrivilegedBorrower) error {
	m.privileged[record.ID] = record.Clone()
	return nil
}

func (m *mockEngineState) GetRateHistory(symbol string) (*RateHistory, error) {
	if history, ok := m.histories[symbol]; ok {
		return history.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutRateHistory(symbol string, history *RateHistory) error {
	m.histories[symbol] = history.Clone()
	return nil
}

func (m *mockEngineState) GetRedemptionState(symbol string) (*RedemptionState, error) {
	if st, ok := m.redemptions[symbol]; ok {
		return st.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutRedemptionState(symbol string, st *RedemptionState) error {
	m.redemptions[symbol] = st.Clone()
	return nil
}

func (m *mockEngineState) GetMarked(symbol string) ([]uint64, error) {
	return append([]uint64(nil), m.marked[symbol]...), nil
}

func (m *mockEngineState) PutMarked(symbol string, ids []uint64) error {
	m.marked[symbol] = append([]uint64(nil), ids...)
	return nil
}

func (m *mockEngineState) GetQuota(symbol string) (nativecommon.QuotaNow, error) {
	return m.quotas[symbol], nil
}

func (m *mockEngineState) PutQuota(symbol string, usage nativecommon.QuotaNow) error {
	m.quotas[symbol] = usage
	return nil
}

func makeOwner(suffix byte) [20]byte {
	var owner [20]byte
	owner[19] = suffix
	return owner
}

// zeroRates disables interest so lifecycle tests keep exact amounts.
func zeroRates() *collateral.RateModel {
	return &collateral.RateModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     big.NewRat(8, 10),
	}
}

func seedCollateral(state *mockEngineState, symbol string, mcrBps, penaltyBps, discountBps uint64) *collateral.Type {
	record := &collateral.Type{
		Symbol:                symbol,
		Asset:                 "resource:" + symbol,
		MCRBps:                mcrBps,
		LiquidationPenaltyBps: penaltyBps,
		PoolDiscountBps:       discountBps,
		Redemption: collateral.RedemptionParams{
			MinFeeBps: 0,
			MaxFeeBps: 10_000,
		},
		Rates:           zeroRates(),
		DebtCeiling:     big.NewInt(0),
		MinimumDebt:     big.NewInt(10),
		TotalCollateral: big.NewInt(0),
		TotalDebt:       big.NewInt(0),
		Accepted:        true,
	}
	state.collateralTypes[symbol] = record
	return record
}

func newTestEngine(state *mockEngineState) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetClock(func() int64 { return 1_000 })
	return engine
}

func ratio(num, den int64) *big.Rat { return big.NewRat(num, den) }

func TestOpenEnforcesMCR(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)

	// 150 collateral at price 1.0 against 100 debt is a 1.5 ratio.
	position, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if position.ID != 1 || position.Status != StatusOpen {
		t.Fatalf("unexpected position %+v", position)
	}
	record := state.collateralTypes["XRD"]
	if record.TotalDebt.Cmp(big.NewInt(100)) != 0 || record.TotalCollateral.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected aggregates debt=%s collateral=%s", record.TotalDebt, record.TotalCollateral)
	}
	if !engine.index("XRD").Contains(1) {
		t.Fatalf("expected position in ratio index")
	}

	// 110 collateral against 100 debt is 1.1 < 1.2.
	if _, err := engine.Open(owner, "XRD", big.NewInt(110), big.NewInt(100), ratio(1, 1)); !errors.Is(err, errInsufficientCollateral) {
		t.Fatalf("expected collateral rejection, got %v", err)
	}
}

func TestOpenValidations(t *testing.T) {
	state := newMockEngineState()
	record := seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)

	if _, err := engine.Open(owner, "BTC", big.NewInt(150), big.NewInt(100), ratio(1, 1)); !errors.Is(err, errUnknownCollateral) {
		t.Fatalf("expected unknown collateral, got %v", err)
	}
	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(5), ratio(1, 1)); !errors.Is(err, errBelowMinimumDebt) {
		t.Fatalf("expected minimum debt rejection, got %v", err)
	}
	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), nil); !errors.Is(err, errPriceUnavailable) {
		t.Fatalf("expected price unavailable, got %v", err)
	}
	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), new(big.Rat)); !errors.Is(err, errPriceUnavailable) {
		t.Fatalf("expected zero price rejection, got %v", err)
	}

	record.DebtCeiling = big.NewInt(50)
	state.collateralTypes["XRD"] = record
	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1)); !errors.Is(err, errDebtCeiling) {
		t.Fatalf("expected ceiling rejection, got %v", err)
	}

	record.DebtCeiling = big.NewInt(0)
	record.Stops.Mint = true
	state.collateralTypes["XRD"] = record
	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1)); !errors.Is(err, nativecommon.ErrOperationStopped) {
		t.Fatalf("expected stop rejection, got %v", err)
	}
}

func TestAdjustRejectsUnsafeDebt(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Borrowing 30 more drops the ratio to 150/130 = 1.15 < 1.2.
	if _, err := engine.Adjust(owner, position.ID, nil, big.NewInt(30), ratio(1, 1)); !errors.Is(err, errInsufficientCollateral) {
		t.Fatalf("expected collateral rejection, got %v", err)
	}
	stored := state.cdps[position.ID]
	if stored.Debt.Cmp(big.NewInt(100)) != 0 || stored.Collateral.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected position unchanged, got debt=%s collateral=%s", stored.Debt, stored.Collateral)
	}

	// Repaying below the minimum ratio is always allowed.
	if _, err := engine.Adjust(owner, position.ID, nil, big.NewInt(-50), ratio(1, 1)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	// Withdrawing collateral checks the ratio again.
	if _, err := engine.Adjust(owner, position.ID, big.NewInt(-100), nil, ratio(1, 1)); !errors.Is(err, errInsufficientCollateral) {
		t.Fatalf("expected withdrawal rejection, got %v", err)
	}
	if _, err := engine.Adjust(owner, position.ID, big.NewInt(-50), nil, ratio(1, 1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	stored = state.cdps[position.ID]
	if stored.Debt.Cmp(big.NewInt(50)) != 0 || stored.Collateral.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected position debt=%s collateral=%s", stored.Debt, stored.Collateral)
	}
}

func TestAdjustRejectsFullRepayment(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := engine.Adjust(owner, position.ID, nil, big.NewInt(-100), ratio(1, 1)); !errors.Is(err, errBelowMinimumDebt) {
		t.Fatalf("expected full repayment to require close, got %v", err)
	}
}

func TestAdjustEnforcesDebtCeiling(t *testing.T) {
	state := newMockEngineState()
	record := seedCollateral(state, "XRD", 12_000, 0, 0)
	record.DebtCeiling = big.NewInt(150)
	state.collateralTypes["XRD"] = record
	engine := newTestEngine(state)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(400), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// 100 outstanding plus 100 more breaches the 150 ceiling even though the
	// current total is still below it.
	if _, err := engine.Adjust(owner, position.ID, nil, big.NewInt(100), ratio(1, 1)); !errors.Is(err, errDebtCeiling) {
		t.Fatalf("expected ceiling rejection, got %v", err)
	}
	stored := state.cdps[position.ID]
	if stored.Debt.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected debt unchanged, got %s", stored.Debt)
	}

	if _, err := engine.Adjust(owner, position.ID, nil, big.NewInt(50), ratio(1, 1)); err != nil {
		t.Fatalf("borrow within ceiling: %v", err)
	}
	if state.collateralTypes["XRD"].TotalDebt.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected aggregate debt 150, got %s", state.collateralTypes["XRD"].TotalDebt)
	}
}

func TestAdjustOwnership(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)

	position, err := engine.Open(makeOwner(1), "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := engine.Adjust(makeOwner(2), position.ID, big.NewInt(10), nil, ratio(1, 1)); !errors.Is(err, errNotOwner) {
		t.Fatalf("expected ownership rejection, got %v", err)
	}
}

func TestCloseReleasesCollateral(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	result, err := engine.Close(owner, position.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Repaid.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected repayment of 100, got %s", result.Repaid)
	}
	if result.Returned.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected 150 collateral returned, got %s", result.Returned)
	}
	stored := state.cdps[position.ID]
	if stored.Status != StatusClosed {
		t.Fatalf("expected closed status, got %v", stored.Status)
	}
	if engine.index("XRD").Contains(position.ID) {
		t.Fatalf("expected index entry removed")
	}
	record := state.collateralTypes["XRD"]
	if record.TotalDebt.Sign() != 0 || record.TotalCollateral.Sign() != 0 {
		t.Fatalf("expected aggregates back to zero, got debt=%s collateral=%s", record.TotalDebt, record.TotalCollateral)
	}
	if _, err := engine.Close(owner, position.ID); !errors.Is(err, errCdpNotOpen) {
		t.Fatalf("expected closed rejection, got %v", err)
	}
}

func TestPrivilegedLinkExclusivity(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)
	govAuth := nativecommon.NewStaticAuthority(nativecommon.CapGovernance)

	if err := engine.RegisterPrivileged(govAuth, &PrivilegedBorrower{ID: "fund-a"}); err != nil {
		t.Fatalf("register privileged: %v", err)
	}
	if err := engine.RegisterPrivileged(nil, &PrivilegedBorrower{ID: "fund-b"}); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	first, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := engine.LinkPrivileged(owner, first.ID, "fund-a"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := engine.LinkPrivileged(owner, second.ID, "fund-a"); !errors.Is(err, errAlreadyLinked) {
		t.Fatalf("expected exclusive link rejection, got %v", err)
	}
	if err := engine.UnlinkPrivileged(nil, makeOwner(2), first.ID); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized unlink, got %v", err)
	}
	if err := engine.UnlinkPrivileged(nil, owner, first.ID); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := engine.UnlinkPrivileged(nil, owner, first.ID); !errors.Is(err, errNotLinked) {
		t.Fatalf("expected not linked, got %v", err)
	}
	if err := engine.LinkPrivileged(owner, second.ID, "fund-a"); err != nil {
		t.Fatalf("relink: %v", err)
	}
}

func TestMintQuota(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	engine.SetQuota(nativecommon.Quota{MaxMintPerEpoch: 150, EpochSeconds: 60})
	owner := makeOwner(1)

	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1)); !errors.Is(err, nativecommon.ErrQuotaMintCapExceeded) {
		t.Fatalf("expected quota rejection, got %v", err)
	}

	// A fresh epoch resets the counters.
	engine.SetClock(func() int64 { return 1_000 + 60 })
	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1)); err != nil {
		t.Fatalf("open in next epoch: %v", err)
	}
}

func TestRebuildIndexes(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)

	low, err := engine.Open(owner, "XRD", big.NewInt(130), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	high, err := engine.Open(owner, "XRD", big.NewInt(200), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rebuilt := NewEngine()
	rebuilt.SetState(state)
	if err := rebuilt.RebuildIndexes(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	ids := rebuilt.index("XRD").IDs()
	if len(ids) != 2 || ids[0] != low.ID || ids[1] != high.ID {
		t.Fatalf("unexpected rebuilt order %v", ids)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	engine := newTestEngine(state)
	owner := makeOwner(1)

	if _, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := engine.Reconcile("XRD"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	state.collateralTypes["XRD"].TotalDebt = big.NewInt(1)
	if err := engine.Reconcile("XRD"); !errors.Is(err, errInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
