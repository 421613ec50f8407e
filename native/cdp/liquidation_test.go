package cdp

import (
	"math/big"
	"testing"

	nativecommon "nusd/native/common"
)

type mockPool struct {
	liquidity      *big.Int
	reserve        *big.Int
	panicMode      bool
	lastAuth       nativecommon.Authority
	lastCollateral *big.Int
	calls          int
}

func newMockPool(liquidity, reserve int64) *mockPool {
	return &mockPool{liquidity: big.NewInt(liquidity), reserve: big.NewInt(reserve)}
}

func (m *mockPool) Absorb(auth nativecommon.Authority, _ string, debt, collateralSeized *big.Int) (*AbsorbResult, error) {
	m.calls++
	m.lastAuth = auth
	m.lastCollateral = new(big.Int).Set(collateralSeized)
	covered := new(big.Int).Set(debt)
	drawn := big.NewInt(0)
	if covered.Cmp(m.liquidity) > 0 {
		drawn.Sub(covered, m.liquidity)
		covered.Set(m.liquidity)
		m.reserve.Sub(m.reserve, drawn)
		m.panicMode = true
	}
	m.liquidity.Sub(m.liquidity, covered)
	return &AbsorbResult{Covered: covered, Drawn: drawn, PanicMode: m.panicMode}, nil
}

func newLiquidationEngine(state *mockEngineState, pool *mockPool) *Engine {
	engine := newTestEngine(state)
	engine.SetPoolFunder(pool)
	engine.SetCredential(nativecommon.NewStaticAuthority(nativecommon.CapLiquidation))
	return engine
}

func TestLiquidateSweepStopsAtSafePosition(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 1_000, 0)
	pool := newMockPool(1_000, 0)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)

	unsafe, err := engine.Open(owner, "XRD", big.NewInt(130), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	safe, err := engine.Open(owner, "XRD", big.NewInt(200), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Price drop to 0.9 puts the first position at 1.17, the second at 1.8.
	result, err := engine.Liquidate("XRD", nil, ratio(9, 10), 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(result.Liquidated) != 1 || result.Liquidated[0] != unsafe.ID {
		t.Fatalf("unexpected liquidation set %v", result.Liquidated)
	}
	if result.PanicMode {
		t.Fatalf("expected pool-funded liquidation")
	}
	// Seized collateral is debt*(1+penalty)/price = 100*1.1/0.9 = 122.
	if result.CollateralSeized.Cmp(big.NewInt(122)) != 0 {
		t.Fatalf("expected 122 seized, got %s", result.CollateralSeized)
	}
	if got := state.cdps[unsafe.ID]; got.Status != StatusLiquidated || got.Leftover.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("unexpected resolved position %+v", got)
	}
	if got := state.cdps[safe.ID]; got.Status != StatusOpen {
		t.Fatalf("expected safe position untouched, got %v", got.Status)
	}
	if engine.index("XRD").Contains(unsafe.ID) {
		t.Fatalf("expected liquidated position out of index")
	}
	if pool.lastAuth == nil || !pool.lastAuth.Allow(nativecommon.CapLiquidation) {
		t.Fatalf("expected liquidation credential presented to pool")
	}

	// Surplus stays retrievable by the owner.
	leftover, err := engine.RetrieveLeftovers(owner, unsafe.ID)
	if err != nil {
		t.Fatalf("retrieve leftovers: %v", err)
	}
	if leftover.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("expected leftover 8, got %s", leftover)
	}
	if _, err := engine.RetrieveLeftovers(owner, unsafe.ID); err == nil {
		t.Fatalf("expected second retrieval to fail")
	}
}

func TestLiquidatePanicMode(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 1_000, 0)
	pool := newMockPool(50, 1_000)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(120), big.NewInt(90), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// At price 0.8 the ratio is 120*0.8/90 = 1.07 < 1.2; pool liquidity 50
	// covers only part of the 90 debt.
	result, err := engine.Liquidate("XRD", []uint64{position.ID}, ratio(8, 10), 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !result.PanicMode {
		t.Fatalf("expected panic mode")
	}
	if pool.reserve.Cmp(big.NewInt(960)) != 0 {
		t.Fatalf("expected 40 drawn from reserve, remaining %s", pool.reserve)
	}
	if pool.liquidity.Sign() != 0 {
		t.Fatalf("expected pool drained, got %s", pool.liquidity)
	}
}

func TestLiquidateIdempotent(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	pool := newMockPool(1_000, 0)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(130), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := engine.Liquidate("XRD", []uint64{position.ID}, ratio(9, 10), 0); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	calls := pool.calls
	result, err := engine.Liquidate("XRD", []uint64{position.ID}, ratio(9, 10), 0)
	if err != nil {
		t.Fatalf("second liquidate: %v", err)
	}
	if len(result.Liquidated) != 0 || pool.calls != calls {
		t.Fatalf("expected second liquidation to be a no-op")
	}
}

func TestLiquidateSkipsSafeTarget(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	pool := newMockPool(1_000, 0)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(150), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	result, err := engine.Liquidate("XRD", []uint64{position.ID}, ratio(1, 1), 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(result.Liquidated) != 0 {
		t.Fatalf("expected safe target skipped, got %v", result.Liquidated)
	}
	if got := state.cdps[position.ID]; got.Status != StatusOpen {
		t.Fatalf("expected position still open")
	}
}

func TestLiquidatePoolDiscount(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 1_000, 500)
	pool := newMockPool(1_000, 0)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(130), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Seize = 100*1.1/(0.9*0.95) = 128.65 -> 128.
	result, err := engine.Liquidate("XRD", []uint64{position.ID}, ratio(9, 10), 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.CollateralSeized.Cmp(big.NewInt(128)) != 0 {
		t.Fatalf("expected 128 seized, got %s", result.CollateralSeized)
	}
	if got := state.cdps[position.ID]; got.Leftover.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected leftover 2, got %s", got.Leftover)
	}
}

func TestLiquidateNoticePeriod(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	pool := newMockPool(1_000, 0)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)
	govAuth := nativecommon.NewStaticAuthority(nativecommon.CapGovernance)

	if err := engine.RegisterPrivileged(govAuth, &PrivilegedBorrower{ID: "fund-a", NoticePeriodSeconds: 100}); err != nil {
		t.Fatalf("register privileged: %v", err)
	}
	position, err := engine.Open(owner, "XRD", big.NewInt(130), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := engine.LinkPrivileged(owner, position.ID, "fund-a"); err != nil {
		t.Fatalf("link: %v", err)
	}

	// First unsafe pass starts the notice period instead of liquidating.
	result, err := engine.Liquidate("XRD", nil, ratio(9, 10), 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(result.Marked) != 1 || len(result.Liquidated) != 0 {
		t.Fatalf("expected position marked, got %+v", result)
	}
	if got := state.cdps[position.ID]; got.Status != StatusMarked || got.NoticeDeadline != 1_100 {
		t.Fatalf("unexpected marked position %+v", got)
	}
	if engine.index("XRD").Contains(position.ID) {
		t.Fatalf("expected marked position out of index")
	}

	// Inside the notice window nothing happens.
	engine.SetClock(func() int64 { return 1_050 })
	result, err = engine.Liquidate("XRD", nil, ratio(9, 10), 0)
	if err != nil {
		t.Fatalf("liquidate during notice: %v", err)
	}
	if len(result.Liquidated) != 0 || len(result.Marked) != 0 {
		t.Fatalf("expected notice window to protect position, got %+v", result)
	}

	// After the deadline the position is resolved.
	engine.SetClock(func() int64 { return 1_200 })
	result, err = engine.Liquidate("XRD", nil, ratio(9, 10), 0)
	if err != nil {
		t.Fatalf("liquidate after notice: %v", err)
	}
	if len(result.Liquidated) != 1 || result.Liquidated[0] != position.ID {
		t.Fatalf("expected liquidation after deadline, got %+v", result)
	}
	if marked, _ := state.GetMarked("XRD"); len(marked) != 0 {
		t.Fatalf("expected marked list cleared, got %v", marked)
	}
	if got := state.privileged["fund-a"]; got.LinkedCdp != 0 {
		t.Fatalf("expected privileged link cleared")
	}
}

func TestMarkedPositionRecoversViaAdjust(t *testing.T) {
	state := newMockEngineState()
	seedCollateral(state, "XRD", 12_000, 0, 0)
	pool := newMockPool(1_000, 0)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)
	govAuth := nativecommon.NewStaticAuthority(nativecommon.CapGovernance)

	if err := engine.RegisterPrivileged(govAuth, &PrivilegedBorrower{ID: "fund-a", NoticePeriodSeconds: 100}); err != nil {
		t.Fatalf("register privileged: %v", err)
	}
	position, err := engine.Open(owner, "XRD", big.NewInt(130), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := engine.LinkPrivileged(owner, position.ID, "fund-a"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := engine.Liquidate("XRD", nil, ratio(9, 10), 0); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Topping up collateral above the minimum ratio reopens the position.
	if _, err := engine.Adjust(owner, position.ID, big.NewInt(50), nil, ratio(9, 10)); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	got := state.cdps[position.ID]
	if got.Status != StatusOpen || got.NoticeDeadline != 0 {
		t.Fatalf("expected recovered position, got %+v", got)
	}
	if !engine.index("XRD").Contains(position.ID) {
		t.Fatalf("expected recovered position back in index")
	}
	if marked, _ := state.GetMarked("XRD"); len(marked) != 0 {
		t.Fatalf("expected marked list cleared, got %v", marked)
	}
}

func TestLiquidateCallerTip(t *testing.T) {
	state := newMockEngineState()
	record := seedCollateral(state, "XRD", 12_000, 1_000, 0)
	record.LiquidationTipBps = 500
	pool := newMockPool(1_000, 0)
	engine := newLiquidationEngine(state, pool)
	owner := makeOwner(1)

	position, err := engine.Open(owner, "XRD", big.NewInt(130), big.NewInt(100), ratio(1, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	result, err := engine.Liquidate("XRD", []uint64{position.ID}, ratio(9, 10), 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Seized 122, tip 5% = 6, pool receives the remainder.
	if result.CollateralSeized.Cmp(big.NewInt(122)) != 0 {
		t.Fatalf("expected 122 seized, got %s", result.CollateralSeized)
	}
	if result.Tip.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("expected tip 6, got %s", result.Tip)
	}
	if pool.lastCollateral.Cmp(big.NewInt(116)) != 0 {
		t.Fatalf("expected pool to receive 116, got %s", pool.lastCollateral)
	}
	if got := state.cdps[position.ID]; got.Leftover.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("expected leftover 8, got %s", got.Leftover)
	}
}
