package storage

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nusd/native/cdp"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
	"nusd/native/stability"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testOwner(suffix byte) [20]byte {
	var owner [20]byte
	owner[19] = suffix
	return owner
}

func TestStoreCollateralRoundTrip(t *testing.T) {
	store := openTestStore(t)

	record := &collateral.Type{
		Symbol:                "WETH",
		Asset:                 "eth",
		MCRBps:                15_000,
		LiquidationPenaltyBps: 1_000,
		PoolDiscountBps:       500,
		Redemption: collateral.RedemptionParams{
			MinFeeBps: 50,
			MaxFeeBps: 500,
			SpikeK:    big.NewRat(1, 2),
			HalfLifeK: big.NewRat(1, 2),
		},
		Rates:           collateral.NewRateModel(0.02, 0.05, 0.6, 0.8),
		DebtCeiling:     big.NewInt(1_000_000),
		MinimumDebt:     big.NewInt(100),
		TotalCollateral: big.NewInt(5_000),
		TotalDebt:       big.NewInt(2_500),
		Stops:           collateral.Stops{Mint: true},
		Accepted:        true,
	}
	require.NoError(t, store.PutCollateral(record.Symbol, record))

	loaded, err := store.GetCollateral("WETH")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, record.Symbol, loaded.Symbol)
	require.Equal(t, record.Asset, loaded.Asset)
	require.Equal(t, record.MCRBps, loaded.MCRBps)
	require.Equal(t, 0, record.Redemption.SpikeK.Cmp(loaded.Redemption.SpikeK))
	require.NotNil(t, loaded.Rates)
	require.Equal(t, 0, record.Rates.Kink.Cmp(loaded.Rates.Kink))
	require.Equal(t, 0, record.DebtCeiling.Cmp(loaded.DebtCeiling))
	require.Equal(t, 0, record.TotalDebt.Cmp(loaded.TotalDebt))
	require.True(t, loaded.Stops.Mint)
	require.False(t, loaded.Stops.Liquidate)
	require.True(t, loaded.Accepted)

	symbols, err := store.ListCollateral()
	require.NoError(t, err)
	require.Equal(t, []string{"WETH"}, symbols)
}

func TestStoreMissingRecords(t *testing.T) {
	store := openTestStore(t)

	collateralType, err := store.GetCollateral("missing")
	require.NoError(t, err)
	require.Nil(t, collateralType)

	position, err := store.GetCdp(42)
	require.NoError(t, err)
	require.Nil(t, position)

	privileged, err := store.GetPrivileged("treasury")
	require.NoError(t, err)
	require.Nil(t, privileged)

	history, err := store.GetRateHistory("WETH")
	require.NoError(t, err)
	require.Nil(t, history)

	redemption, err := store.GetRedemptionState("WETH")
	require.NoError(t, err)
	require.Nil(t, redemption)

	marked, err := store.GetMarked("WETH")
	require.NoError(t, err)
	require.Empty(t, marked)

	quota, err := store.GetQuota("WETH")
	require.NoError(t, err)
	require.Equal(t, nativecommon.QuotaNow{}, quota)

	pool, err := store.GetPool("WETH")
	require.NoError(t, err)
	require.Nil(t, pool)
}

func TestStoreCdpRoundTrip(t *testing.T) {
	store := openTestStore(t)

	first, err := store.NextCdpID()
	require.NoError(t, err)
	second, err := store.NextCdpID()
	require.NoError(t, err)
	require.Equal(t, first+1, second)

	record := &cdp.Cdp{
		ID:             first,
		CollateralType: "WETH",
		Owner:          testOwner(7),
		Collateral:     big.NewInt(150),
		Debt:           big.NewInt(100),
		LastAccrual:    1_000,
		Leftover:       big.NewInt(3),
		Status:         cdp.StatusMarked,
		Privileged:     "treasury",
		NoticeDeadline: 1_100,
	}
	require.NoError(t, store.PutCdp(record))
	other := record.Clone()
	other.ID = second
	other.CollateralType = "WBTC"
	require.NoError(t, store.PutCdp(other))

	loaded, err := store.GetCdp(first)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, record.Owner, loaded.Owner)
	require.Equal(t, 0, record.Collateral.Cmp(loaded.Collateral))
	require.Equal(t, 0, record.Debt.Cmp(loaded.Debt))
	require.Equal(t, record.LastAccrual, loaded.LastAccrual)
	require.Equal(t, 0, record.Leftover.Cmp(loaded.Leftover))
	require.Equal(t, cdp.StatusMarked, loaded.Status)
	require.Equal(t, "treasury", loaded.Privileged)
	require.Equal(t, record.NoticeDeadline, loaded.NoticeDeadline)

	weth, err := store.ListCdps("WETH")
	require.NoError(t, err)
	require.Len(t, weth, 1)
	require.Equal(t, first, weth[0].ID)
}

func TestStoreLedgerStateRoundTrip(t *testing.T) {
	store := openTestStore(t)

	privileged := &cdp.PrivilegedBorrower{
		ID:                  "treasury",
		LinkedCdp:           9,
		RedemptionOptOut:    true,
		NoticePeriodSeconds: 3_600,
	}
	require.NoError(t, store.PutPrivileged(privileged))
	loadedPrivileged, err := store.GetPrivileged("treasury")
	require.NoError(t, err)
	require.Equal(t, privileged, loadedPrivileged)

	history := &cdp.RateHistory{Cap: 20}
	history.Push(big.NewRat(2, 100))
	history.Push(big.NewRat(5, 100))
	require.NoError(t, store.PutRateHistory("WETH", history))
	loadedHistory, err := store.GetRateHistory("WETH")
	require.NoError(t, err)
	require.Equal(t, 20, loadedHistory.Cap)
	require.Len(t, loadedHistory.Rates, 2)
	require.Equal(t, 0, big.NewRat(2, 100).Cmp(loadedHistory.Rates[0]))

	redemption := &cdp.RedemptionState{BaseRate: big.NewRat(3, 1_000), LastUpdate: 2_000}
	require.NoError(t, store.PutRedemptionState("WETH", redemption))
	loadedRedemption, err := store.GetRedemptionState("WETH")
	require.NoError(t, err)
	require.Equal(t, 0, redemption.BaseRate.Cmp(loadedRedemption.BaseRate))
	require.Equal(t, redemption.LastUpdate, loadedRedemption.LastUpdate)

	require.NoError(t, store.PutMarked("WETH", []uint64{3, 7, 11}))
	marked, err := store.GetMarked("WETH")
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 7, 11}, marked)

	usage := nativecommon.QuotaNow{ReqCount: 4, Minted: 900, EpochID: 17}
	require.NoError(t, store.PutQuota("WETH", usage))
	loadedUsage, err := store.GetQuota("WETH")
	require.NoError(t, err)
	require.Equal(t, usage, loadedUsage)
}

func TestStorePoolRoundTrip(t *testing.T) {
	store := openTestStore(t)

	pool := &stability.Pool{
		CollateralType:   "WETH",
		Deposits:         big.NewInt(400),
		TotalShares:      big.NewInt(400),
		Shares:           map[[20]byte]*big.Int{testOwner(1): big.NewInt(100), testOwner(2): big.NewInt(300)},
		Collateral:       big.NewInt(99),
		LiquidityRewards: big.NewInt(12),
		PayoutBps:        1_000,
		LiquidityBps:     2_500,
		PoolBps:          6_500,
		PanicMode:        true,
		ReserveDrawn:     big.NewInt(40),
	}
	require.NoError(t, store.PutPool(pool.CollateralType, pool))

	loaded, err := store.GetPool("WETH")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, 0, pool.Deposits.Cmp(loaded.Deposits))
	require.Equal(t, 0, pool.TotalShares.Cmp(loaded.TotalShares))
	require.Len(t, loaded.Shares, 2)
	require.Equal(t, 0, big.NewInt(100).Cmp(loaded.Shares[testOwner(1)]))
	require.Equal(t, 0, big.NewInt(300).Cmp(loaded.Shares[testOwner(2)]))
	require.Equal(t, 0, pool.Collateral.Cmp(loaded.Collateral))
	require.True(t, loaded.PanicMode)
	require.Equal(t, 0, pool.ReserveDrawn.Cmp(loaded.ReserveDrawn))

	pools, err := store.ListPools()
	require.NoError(t, err)
	require.Equal(t, []string{"WETH"}, pools)
}

func TestStoreBacksLedgerEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := Open(path, nil)
	require.NoError(t, err)

	seed := &collateral.Type{
		Symbol:      "WETH",
		Asset:       "eth",
		MCRBps:      12_000,
		MinimumDebt: big.NewInt(10),
		DebtCeiling: big.NewInt(1_000_000),
		Rates:       &collateral.RateModel{BaseRate: new(big.Rat), Slope1: new(big.Rat), Slope2: new(big.Rat), Kink: big.NewRat(8, 10)},
		Accepted:    true,
	}
	require.NoError(t, store.PutCollateral(seed.Symbol, seed))

	engine := cdp.NewEngine()
	engine.SetState(store)
	position, err := engine.Open(testOwner(1), "WETH", big.NewInt(150), big.NewInt(100), big.NewRat(1, 1))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A fresh process rebuilds its ordering from the persisted positions.
	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	restarted := cdp.NewEngine()
	restarted.SetState(reopened)
	require.NoError(t, restarted.RebuildIndexes())

	loaded, err := reopened.GetCdp(position.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, cdp.StatusOpen, loaded.Status)
	require.Equal(t, 0, big.NewInt(100).Cmp(loaded.Debt))
}

// flakyFunder covers the first absorption and fails the second, so a
// liquidation pass dies after it has already rewritten one position.
type flakyFunder struct {
	calls int
}

func (f *flakyFunder) Absorb(_ nativecommon.Authority, _ string, debt, _ *big.Int) (*cdp.AbsorbResult, error) {
	f.calls++
	if f.calls > 1 {
		return nil, errors.New("pool offline")
	}
	return &cdp.AbsorbResult{Covered: new(big.Int).Set(debt), Drawn: big.NewInt(0)}, nil
}

func TestRunAtomicRollsBackFailedLiquidation(t *testing.T) {
	store := openTestStore(t)

	seed := &collateral.Type{
		Symbol:      "WETH",
		Asset:       "eth",
		MCRBps:      12_000,
		MinimumDebt: big.NewInt(10),
		DebtCeiling: big.NewInt(1_000_000),
		Rates:       &collateral.RateModel{BaseRate: new(big.Rat), Slope1: new(big.Rat), Slope2: new(big.Rat), Kink: big.NewRat(8, 10)},
		Accepted:    true,
	}
	require.NoError(t, store.PutCollateral(seed.Symbol, seed))

	engine := cdp.NewEngine()
	engine.SetState(store)
	engine.SetPoolFunder(&flakyFunder{})
	engine.SetCredential(nativecommon.NewStaticAuthority(nativecommon.CapLiquidation))

	for i := byte(1); i <= 2; i++ {
		_, err := engine.Open(testOwner(i), "WETH", big.NewInt(130), big.NewInt(100), big.NewRat(1, 1))
		require.NoError(t, err)
	}

	// Both positions fall below the required ratio at the lower price. The
	// funder dies on the second one, so the whole pass must roll back.
	err := store.RunAtomic(func() error {
		_, liqErr := engine.Liquidate("WETH", nil, big.NewRat(9, 10), 0)
		return liqErr
	})
	require.Error(t, err)

	for id := uint64(1); id <= 2; id++ {
		position, err := store.GetCdp(id)
		require.NoError(t, err)
		require.NotNil(t, position)
		require.Equal(t, cdp.StatusOpen, position.Status)
		require.Equal(t, 0, big.NewInt(100).Cmp(position.Debt))
		require.Equal(t, 0, big.NewInt(130).Cmp(position.Collateral))
	}
	record, err := store.GetCollateral("WETH")
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(200).Cmp(record.TotalDebt))
	require.Equal(t, 0, big.NewInt(260).Cmp(record.TotalCollateral))

	// The ordering rebuilt from the surviving records matches the totals.
	require.NoError(t, engine.RebuildIndexes())
	require.NoError(t, engine.Reconcile("WETH"))
}
