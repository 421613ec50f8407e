package collateral

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "nusd/native/common"
)

type mockRegistryState struct {
	records map[string]*Type
}

func newMockRegistryState() *mockRegistryState {
	return &mockRegistryState{records: make(map[string]*Type)}
}

func (m *mockRegistryState) GetCollateral(symbol string) (*Type, error) {
	if record, ok := m.records[symbol]; ok {
		return record.Clone(), nil
	}
	return nil, nil
}

func (m *mockRegistryState) PutCollateral(symbol string, record *Type) error {
	m.records[symbol] = record.Clone()
	return nil
}

func (m *mockRegistryState) ListCollateral() ([]string, error) {
	symbols := make([]string, 0, len(m.records))
	for symbol := range m.records {
		symbols = append(symbols, symbol)
	}
	return symbols, nil
}

type staticRatioView struct {
	ratio *big.Rat
	open  bool
}

func (v staticRatioView) LowestRatio(string) (*big.Rat, bool, error) {
	return v.ratio, v.open, nil
}

var govAuth = nativecommon.NewStaticAuthority(nativecommon.CapGovernance)

func newTestRegistry(state *mockRegistryState) *Registry {
	registry := NewRegistry(500)
	registry.SetState(state)
	return registry
}

func testType(symbol string) *Type {
	return &Type{
		Symbol:                symbol,
		Asset:                 "resource:" + symbol,
		MCRBps:                15_000,
		LiquidationPenaltyBps: 1_000,
		PoolDiscountBps:       500,
		Redemption: RedemptionParams{
			MinFeeBps: 50,
			MaxFeeBps: 500,
			SpikeK:    big.NewRat(1, 2),
			HalfLifeK: big.NewRat(999_999, 1_000_000),
		},
		DebtCeiling: big.NewInt(1_000_000),
		MinimumDebt: big.NewInt(100),
	}
}

func TestRegisterAssignsDefaults(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)

	cfg := testType("XRD")
	cfg.TotalDebt = big.NewInt(999)
	record, err := registry.Register(govAuth, cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !record.Accepted {
		t.Fatalf("expected registered type to be accepted")
	}
	if record.TotalDebt.Sign() != 0 || record.TotalCollateral.Sign() != 0 {
		t.Fatalf("expected aggregate counters to start at zero")
	}
	if record.Rates == nil {
		t.Fatalf("expected default rate model to be assigned")
	}
	if _, err := registry.Register(govAuth, testType("XRD")); !errors.Is(err, errAlreadyRegistered) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
}

func TestRegisterRejectsInvalidParams(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)

	cfg := testType("XRD")
	cfg.MCRBps = 9_999
	if _, err := registry.Register(govAuth, cfg); !errors.Is(err, errMCRBelowPar) {
		t.Fatalf("expected mcr rejection, got %v", err)
	}

	cfg = testType("XRD")
	cfg.Redemption.MinFeeBps = 600
	if _, err := registry.Register(govAuth, cfg); !errors.Is(err, errFeeBounds) {
		t.Fatalf("expected fee bounds rejection, got %v", err)
	}

	cfg = testType("XRD")
	cfg.PoolDiscountBps = cfg.LiquidationPenaltyBps + 1
	if _, err := registry.Register(govAuth, cfg); !errors.Is(err, errDiscountTooHigh) {
		t.Fatalf("expected discount rejection, got %v", err)
	}
}

func TestRegisterRequiresGovernance(t *testing.T) {
	state := newMockRegistryState()
	registry := NewRegistry(500)
	registry.SetState(state)

	if _, err := registry.Register(nil, testType("XRD")); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}

	wrong := nativecommon.NewStaticAuthority(nativecommon.CapLiquidation)
	if _, err := registry.Register(wrong, testType("XRD")); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized error for wrong capability, got %v", err)
	}
}

func TestUpdateParamsMCRHeadroom(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)
	if _, err := registry.Register(govAuth, testType("XRD")); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Lowest live ratio 1.6 with 5% tolerance allows raising the MCR only
	// up to 155%.
	registry.SetRatioView(staticRatioView{ratio: big.NewRat(16, 10), open: true})

	tooHigh := uint64(15_600)
	if _, err := registry.UpdateParams(govAuth, "XRD", ParamUpdate{MCRBps: &tooHigh}); !errors.Is(err, errMCRUnsafe) {
		t.Fatalf("expected unsafe mcr rejection, got %v", err)
	}

	allowed := uint64(15_500)
	record, err := registry.UpdateParams(govAuth, "XRD", ParamUpdate{MCRBps: &allowed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if record.MCRBps != allowed {
		t.Fatalf("expected mcr %d, got %d", allowed, record.MCRBps)
	}

	// Without open positions any raise is allowed.
	registry.SetRatioView(staticRatioView{open: false})
	higher := uint64(30_000)
	if _, err := registry.UpdateParams(govAuth, "XRD", ParamUpdate{MCRBps: &higher}); err != nil {
		t.Fatalf("update without open positions: %v", err)
	}
}

func TestUpdateParamsValidatesResult(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)
	if _, err := registry.Register(govAuth, testType("XRD")); err != nil {
		t.Fatalf("register: %v", err)
	}

	penalty := uint64(maxPenaltyBps + 1)
	if _, err := registry.UpdateParams(govAuth, "XRD", ParamUpdate{LiquidationPenaltyBps: &penalty}); !errors.Is(err, errPenaltyTooHigh) {
		t.Fatalf("expected penalty rejection, got %v", err)
	}

	// The caller tip comes out of the penalty, so it can never exceed it.
	tip := uint64(1_500)
	if _, err := registry.UpdateParams(govAuth, "XRD", ParamUpdate{LiquidationTipBps: &tip}); !errors.Is(err, errTipTooHigh) {
		t.Fatalf("expected tip rejection, got %v", err)
	}

	tip = 500
	record, err := registry.UpdateParams(govAuth, "XRD", ParamUpdate{LiquidationTipBps: &tip})
	if err != nil {
		t.Fatalf("update tip: %v", err)
	}
	if record.LiquidationTipBps != 500 {
		t.Fatalf("expected tip applied, got %d", record.LiquidationTipBps)
	}
}

func TestSetStopTogglesFlags(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)
	if _, err := registry.Register(govAuth, testType("XRD")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if registry.IsStopped("XRD", nativecommon.StopMint) {
		t.Fatalf("expected mint to start unstopped")
	}
	if err := registry.SetStop(govAuth, "XRD", nativecommon.StopMint, true); err != nil {
		t.Fatalf("set stop: %v", err)
	}
	if !registry.IsStopped("XRD", nativecommon.StopMint) {
		t.Fatalf("expected mint stop to apply")
	}
	if registry.IsStopped("XRD", nativecommon.StopRedeem) {
		t.Fatalf("expected redeem to remain unstopped")
	}
	if err := registry.SetStop(govAuth, "XRD", nativecommon.StopMint, false); err != nil {
		t.Fatalf("clear stop: %v", err)
	}
	if registry.IsStopped("XRD", nativecommon.StopMint) {
		t.Fatalf("expected mint stop to clear")
	}

	// Unknown types fail closed.
	if !registry.IsStopped("BTC", nativecommon.StopMint) {
		t.Fatalf("expected unknown type to report stopped")
	}
}

func TestRateModelKink(t *testing.T) {
	model := &RateModel{
		BaseRate: big.NewRat(2, 100),
		Slope1:   big.NewRat(5, 100),
		Slope2:   big.NewRat(6, 10),
		Kink:     big.NewRat(8, 10),
	}

	if got := model.AnnualRate(big.NewInt(0), big.NewInt(1_000)); got.Cmp(model.BaseRate) != 0 {
		t.Fatalf("expected base rate at zero utilisation, got %s", got.RatString())
	}

	// 50% utilisation sits in the linear region: 0.02 + 0.05*0.5 = 0.045.
	got := model.AnnualRate(big.NewInt(500), big.NewInt(1_000))
	want := big.NewRat(45, 1_000)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want.RatString(), got.RatString())
	}

	// 90% utilisation crosses the kink: 0.02 + 0.05*0.8 + 0.6*0.1 = 0.12.
	got = model.AnnualRate(big.NewInt(900), big.NewInt(1_000))
	want = big.NewRat(12, 100)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want.RatString(), got.RatString())
	}
}
