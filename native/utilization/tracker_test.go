package utilization

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "peerlend/core/errors"
	"peerlend/core/state"
	"peerlend/crypto"
	"peerlend/native/tags"
)

func TestUtilizeEnforcesCeiling(t *testing.T) {
	store := state.NewStore(nil)
	proposalType := crypto.DeriveAddress("proposal/simple")
	tracker := NewTracker(store, tags.Static{proposalType: {tags.LoanProposal: true}})
	owner := crypto.DeriveAddress("lender")
	creditID := crypto.Keccak256([]byte("proposal"))
	limit := big.NewInt(100)

	require.NoError(t, tracker.Utilize(proposalType, owner, creditID, big.NewInt(40), limit))
	require.NoError(t, tracker.Utilize(proposalType, owner, creditID, big.NewInt(60), limit))

	err := tracker.Utilize(proposalType, owner, creditID, big.NewInt(1), limit)
	require.ErrorIs(t, err, ErrCreditLimitExceeded)
	require.ErrorIs(t, err, coreerrors.ErrExpiredOrRevoked)

	used, err := tracker.Utilized(owner, creditID)
	require.NoError(t, err)
	require.Equal(t, int64(100), used.Int64(), "failed draw must not mutate")

	other, err := tracker.Utilized(owner, crypto.Keccak256([]byte("other")))
	require.NoError(t, err)
	require.Zero(t, other.Sign())
}

func TestUtilizeRequiresProposalTag(t *testing.T) {
	tracker := NewTracker(state.NewStore(nil), tags.Static{})
	err := tracker.Utilize(crypto.DeriveAddress("x"), crypto.DeriveAddress("o"), crypto.Hash{}, big.NewInt(1), big.NewInt(1))
	if !errors.Is(err, ErrNotLoanProposal) {
		t.Fatalf("expected missing tag error, got %v", err)
	}
}

func TestUtilizeRejectsInvalidAmounts(t *testing.T) {
	caller := crypto.DeriveAddress("proposal/simple")
	tracker := NewTracker(state.NewStore(nil), tags.Static{caller: {tags.LoanProposal: true}})
	err := tracker.Utilize(caller, crypto.DeriveAddress("o"), crypto.Hash{}, big.NewInt(-1), big.NewInt(1))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}
