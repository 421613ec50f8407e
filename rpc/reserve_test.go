package rpc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedReserveDrawsDownToZero(t *testing.T) {
	reserve := NewFixedReserve(big.NewInt(100))

	drawn, err := reserve.Draw(big.NewInt(60))
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(60).Cmp(drawn))

	drawn, err = reserve.Draw(big.NewInt(60))
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(40).Cmp(drawn))
	require.Equal(t, 0, big.NewInt(0).Cmp(reserve.Balance()))

	_, err = reserve.Draw(big.NewInt(1))
	require.Error(t, err)
}

func TestPayoutAccountAccrues(t *testing.T) {
	account := NewPayoutAccount()
	require.NoError(t, account.Distribute(big.NewInt(25)))
	require.NoError(t, account.Distribute(big.NewInt(10)))
	require.NoError(t, account.Distribute(nil))
	require.Equal(t, 0, big.NewInt(35).Cmp(account.Accrued()))
}
