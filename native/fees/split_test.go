package fees

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "peerlend/core/errors"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
)

func TestSplitConservesAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	amounts := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(9_999),
		big.NewInt(10_000),
		new(big.Int).Set(types.MaxAmount),
		new(big.Int).Sub(types.MaxAmount, big.NewInt(1)),
		new(big.Int).Rsh(types.MaxAmount, 1),
	}
	for i := 0; i < 200; i++ {
		amounts = append(amounts, new(big.Int).Rand(rng, types.MaxAmount))
	}
	bpsValues := []uint32{0, 1, 25, 999, 1_000, 5_000, 9_999, 10_000}
	for i := 0; i < 20; i++ {
		bpsValues = append(bpsValues, uint32(rng.Intn(BasisPoints+1)))
	}
	for _, amount := range amounts {
		for _, bps := range bpsValues {
			fee, net, err := Split(bps, amount)
			require.NoError(t, err)
			require.Zero(t, new(big.Int).Add(fee, net).Cmp(amount), "fee+net must equal amount for bps=%d amount=%s", bps, amount)
			want := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
			want.Quo(want, big.NewInt(BasisPoints))
			require.Zero(t, fee.Cmp(want), "fee must truncate toward zero")
		}
	}
}

func TestSplitRoundsTowardZero(t *testing.T) {
	fee, net, err := Split(1, big.NewInt(9_999))
	require.NoError(t, err)
	require.Equal(t, int64(0), fee.Int64())
	require.Equal(t, int64(9_999), net.Int64())

	fee, net, err = Split(250, big.NewInt(1_003))
	require.NoError(t, err)
	require.Equal(t, int64(25), fee.Int64())
	require.Equal(t, int64(978), net.Int64())
}

func TestSplitRejectsOutOfRange(t *testing.T) {
	_, _, err := Split(BasisPoints+1, big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidBps)
	_, _, err = Split(1, big.NewInt(-1))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = Split(1, new(big.Int).Add(types.MaxAmount, big.NewInt(1)))
	require.ErrorIs(t, err, coreerrors.ErrInvalidTerms)
}

func TestStorePolicy(t *testing.T) {
	admin := crypto.DeriveAddress("admin")
	collector := crypto.DeriveAddress("collector")
	store := NewStore(state.NewStore(nil), admin)

	bps, err := store.CurrentFeeBps()
	require.NoError(t, err)
	require.Zero(t, bps)

	require.ErrorIs(t, store.SetPolicy(collector, Policy{FeeBps: 10, Collector: collector}), ErrNotAdmin)
	require.ErrorIs(t, store.SetPolicy(admin, Policy{FeeBps: MaxFeeBps + 1, Collector: collector}), ErrFeeTooHigh)
	require.ErrorIs(t, store.SetPolicy(admin, Policy{FeeBps: 10}), ErrCollectorUnset)
	require.NoError(t, store.SetPolicy(admin, Policy{FeeBps: 50, Collector: collector}))

	policy, err := LoadPolicy(store)
	require.NoError(t, err)
	require.Equal(t, uint32(50), policy.FeeBps)
	require.Equal(t, collector, policy.Collector)

	result, err := Apply(policy, big.NewInt(1_000))
	require.NoError(t, err)
	require.Equal(t, int64(5), result.Fee.Int64())
	require.Equal(t, int64(995), result.Net.Int64())
}
