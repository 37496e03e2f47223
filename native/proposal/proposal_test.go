package proposal

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "peerlend/core/errors"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/accounts"
	"peerlend/native/nonce"
	"peerlend/native/tags"
	"peerlend/native/utilization"
)

const testChainID = 31337

type fixture struct {
	store    *state.Store
	engine   crypto.Address
	simple   *SimpleType
	fungible *FungibleType
	nonces   *nonce.Registry
	tracker  *utilization.Tracker
	registry *accounts.Registry
	lender   *crypto.PrivateKey
	borrower crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.NewStore(nil)
	engine := crypto.DeriveAddress("engine")
	simpleAddr := crypto.DeriveAddress("proposal/simple")
	fungibleAddr := crypto.DeriveAddress("proposal/fungible")
	view := tags.Static{
		engine:       {tags.ActiveLoan: true},
		simpleAddr:   {tags.LoanProposal: true, tags.NonceManager: true},
		fungibleAddr: {tags.LoanProposal: true, tags.NonceManager: true},
	}
	nonces := nonce.NewRegistry(store, view)
	tracker := utilization.NewTracker(store, view)
	registry := accounts.NewRegistry()
	deps := Deps{Store: store, Tags: view, Nonces: nonces, Utilization: tracker, Accounts: registry}
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		engine:   engine,
		simple:   NewSimpleType(simpleAddr, testChainID, deps),
		fungible: NewFungibleType(fungibleAddr, testChainID, deps),
		nonces:   nonces,
		tracker:  tracker,
		registry: registry,
		lender:   key,
		borrower: crypto.DeriveAddress("borrower"),
	}
	f.simple.SetNowFunc(func() int64 { return 1_000 })
	f.fungible.SetNowFunc(func() int64 { return 1_000 })
	return f
}

func (f *fixture) offer() *Simple {
	return &Simple{
		CollateralCategory:  types.CategoryFungible,
		CollateralAddress:   crypto.DeriveAddress("token/collateral"),
		CollateralID:        big.NewInt(0),
		CollateralAmount:    big.NewInt(10),
		CreditAddress:       crypto.DeriveAddress("token/credit"),
		CreditAmount:        big.NewInt(100),
		FixedInterestAmount: big.NewInt(10),
		Duration:            3_600,
		Expiration:          2_000,
		Proposer:            f.lender.Address(),
		IsOffer:             true,
		Nonce:               big.NewInt(1),
		LoanContract:        f.engine,
	}
}

func (f *fixture) sign(t *testing.T, typ Type, p Proposal) Authorization {
	t.Helper()
	hash, err := typ.Hash(p)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, f.lender)
	require.NoError(t, err)
	return Authorization{Signature: sig}
}

func TestHashIsDeterministic(t *testing.T) {
	f := newFixture(t)
	a, err := f.simple.Hash(f.offer())
	require.NoError(t, err)
	b, err := f.simple.Hash(f.offer())
	require.NoError(t, err)
	require.Equal(t, a, b)

	changed := f.offer()
	changed.CreditAmount = big.NewInt(101)
	c, err := f.simple.Hash(changed)
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	other := NewSimpleType(crypto.DeriveAddress("proposal/other"), testChainID, Deps{Store: f.store})
	d, err := other.Hash(f.offer())
	require.NoError(t, err)
	require.NotEqual(t, a, d, "hash must be bound to the proposal type")

	_, err = f.simple.Hash(&Fungible{})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestAcceptSignedOfferOnce(t *testing.T) {
	f := newFixture(t)
	p := f.offer()
	auth := f.sign(t, f.simple, p)

	terms, err := f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, auth)
	require.NoError(t, err)
	require.Equal(t, f.lender.Address(), terms.Lender)
	require.Equal(t, f.borrower, terms.Borrower)
	require.Equal(t, int64(100), terms.Credit.Amount.Int64())
	require.Equal(t, types.CategoryFungible, terms.Credit.Category)

	_, err = f.simple.Accept(context.Background(), f.engine, crypto.DeriveAddress("second"), p, Values{}, auth)
	require.ErrorIs(t, err, ErrNonceNotUsable)
	require.ErrorIs(t, err, coreerrors.ErrExpiredOrRevoked)
}

func TestAcceptMadeProposalOnce(t *testing.T) {
	f := newFixture(t)
	p := f.offer()
	_, err := f.simple.Make(f.borrower, p)
	require.ErrorIs(t, err, ErrCallerNotProposer)
	hash, err := f.simple.Make(f.lender.Address(), p)
	require.NoError(t, err)
	made, err := f.simple.IsMade(hash, f.lender.Address())
	require.NoError(t, err)
	require.True(t, made)

	_, err = f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, Authorization{})
	require.NoError(t, err)
	_, err = f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, Authorization{})
	require.ErrorIs(t, err, coreerrors.ErrExpiredOrRevoked)
}

func TestAcceptRejectsSelfDealing(t *testing.T) {
	f := newFixture(t)
	p := f.offer()
	auth := f.sign(t, f.simple, p)
	_, err := f.simple.Accept(context.Background(), f.engine, f.lender.Address(), p, Values{}, auth)
	require.ErrorIs(t, err, ErrAcceptorIsProposer)
	require.ErrorIs(t, err, coreerrors.ErrAuthorization)
}

func TestAcceptCallerChecks(t *testing.T) {
	f := newFixture(t)
	p := f.offer()
	auth := f.sign(t, f.simple, p)

	_, err := f.simple.Accept(context.Background(), crypto.DeriveAddress("other-engine"), f.borrower, p, Values{}, auth)
	require.ErrorIs(t, err, ErrCallerNotLoanContract)

	untagged := f.offer()
	untagged.LoanContract = crypto.DeriveAddress("untagged")
	auth = f.sign(t, f.simple, untagged)
	_, err = f.simple.Accept(context.Background(), untagged.LoanContract, f.borrower, untagged, Values{}, auth)
	require.ErrorIs(t, err, ErrCallerMissingActiveTag)
}

func TestAcceptRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	p := f.offer()
	other, _ := crypto.GeneratePrivateKey()
	hash, _ := f.simple.Hash(p)
	sig, _ := crypto.Sign(hash, other)
	_, err := f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, Authorization{Signature: sig})
	require.ErrorIs(t, err, ErrInvalidSignature)

	compact, _ := crypto.CompactSignature(f.sign(t, f.simple, p).Signature)
	_, err = f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, Authorization{Signature: compact})
	require.NoError(t, err, "compact signatures are accepted")
}

func TestAcceptExpiredAndRevoked(t *testing.T) {
	f := newFixture(t)
	expired := f.offer()
	expired.Expiration = 1_000
	_, err := f.simple.Accept(context.Background(), f.engine, f.borrower, expired, Values{}, f.sign(t, f.simple, expired))
	require.ErrorIs(t, err, ErrExpired)

	p := f.offer()
	auth := f.sign(t, f.simple, p)
	_, err = f.nonces.RevokeNonceSpace(f.lender.Address())
	require.NoError(t, err)
	_, err = f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, auth)
	require.ErrorIs(t, err, ErrNonceNotUsable)
}

func TestAllowedAcceptor(t *testing.T) {
	f := newFixture(t)
	p := f.offer()
	p.AllowedAcceptor = crypto.DeriveAddress("chosen")
	auth := f.sign(t, f.simple, p)
	_, err := f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, auth)
	require.ErrorIs(t, err, ErrCallerNotAllowedAcceptor)
	_, err = f.simple.Accept(context.Background(), f.engine, p.AllowedAcceptor, p, Values{}, auth)
	require.NoError(t, err)
}

func TestReusableProposalRespectsCeiling(t *testing.T) {
	f := newFixture(t)
	p := f.offer()
	p.CreditAmount = big.NewInt(40)
	p.AvailableCreditLimit = big.NewInt(100)
	auth := f.sign(t, f.simple, p)

	for i := 0; i < 2; i++ {
		_, err := f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, auth)
		require.NoError(t, err)
	}
	_, err := f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, auth)
	require.ErrorIs(t, err, utilization.ErrCreditLimitExceeded)
	require.ErrorIs(t, err, coreerrors.ErrExpiredOrRevoked)

	hash, _ := f.simple.Hash(p)
	used, err := f.tracker.Utilized(p.Proposer, hash)
	require.NoError(t, err)
	require.Equal(t, int64(80), used.Int64())

	usable, err := f.nonces.IsUsable(p.Proposer, 0, p.Nonce)
	require.NoError(t, err)
	require.True(t, usable, "reusable proposals keep their nonce")
}

func TestBatchSignature(t *testing.T) {
	f := newFixture(t)
	var proposals []*Simple
	var hashes []crypto.Hash
	for i := int64(1); i <= 3; i++ {
		p := f.offer()
		p.Nonce = big.NewInt(i)
		hash, err := f.simple.Hash(p)
		require.NoError(t, err)
		proposals = append(proposals, p)
		hashes = append(hashes, hash)
	}
	batch, err := SignBatch(testChainID, hashes, f.lender)
	require.NoError(t, err)

	for i, p := range proposals {
		auth, err := batch.Proof(i)
		require.NoError(t, err)
		require.NotEmpty(t, auth.InclusionProof)
		_, err = f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, auth)
		require.NoError(t, err, "proposal %d", i)
	}

	outsider := f.offer()
	outsider.Nonce = big.NewInt(99)
	auth, _ := batch.Proof(0)
	_, err = f.simple.Accept(context.Background(), f.engine, f.borrower, outsider, Values{}, auth)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = SignBatch(testChainID, hashes[:1], f.lender)
	require.Error(t, err)
}

type walletValidator struct{ approve bool }

func (w walletValidator) IsValidSignature(context.Context, crypto.Hash, []byte) bool {
	return w.approve
}

func TestContractAccountSignature(t *testing.T) {
	f := newFixture(t)
	wallet := crypto.DeriveAddress("smart-wallet")
	require.NoError(t, f.registry.Register(wallet, walletValidator{approve: true}))
	p := f.offer()
	p.Proposer = wallet
	_, err := f.simple.Accept(context.Background(), f.engine, f.borrower, p, Values{}, Authorization{Signature: []byte{0x01}})
	require.NoError(t, err)
}

func (f *fixture) fungibleOffer() *Fungible {
	return &Fungible{
		CollateralCategory:      types.CategoryFungible,
		CollateralAddress:       crypto.DeriveAddress("token/collateral"),
		MinCollateralAmount:     big.NewInt(5),
		CreditAddress:           crypto.DeriveAddress("token/credit"),
		CreditPerCollateralUnit: new(big.Int).Mul(big.NewInt(15), CreditPerCollateralUnitDenominator),
		AvailableCreditLimit:    big.NewInt(1_000),
		Duration:                3_600,
		Expiration:              2_000,
		Proposer:                f.lender.Address(),
		IsOffer:                 true,
		Nonce:                   big.NewInt(1),
		LoanContract:            f.engine,
	}
}

func TestFungibleDerivesCredit(t *testing.T) {
	f := newFixture(t)
	p := f.fungibleOffer()
	auth := f.sign(t, f.fungible, p)

	terms, err := f.fungible.Accept(context.Background(), f.engine, f.borrower, p, Values{CollateralAmount: big.NewInt(10)}, auth)
	require.NoError(t, err)
	require.Equal(t, int64(150), terms.Credit.Amount.Int64())
	require.Equal(t, int64(10), terms.Collateral.Amount.Int64())

	_, err = f.fungible.Accept(context.Background(), f.engine, f.borrower, p, Values{CollateralAmount: big.NewInt(4)}, auth)
	require.ErrorIs(t, err, ErrInsufficientCollateral)

	_, err = f.fungible.Accept(context.Background(), f.engine, f.borrower, p, Values{}, auth)
	require.ErrorIs(t, err, ErrMissingField)
}

func TestFungibleZeroCredit(t *testing.T) {
	f := newFixture(t)
	p := f.fungibleOffer()
	p.CreditPerCollateralUnit = big.NewInt(1)
	auth := f.sign(t, f.fungible, p)
	_, err := f.fungible.Accept(context.Background(), f.engine, f.borrower, p, Values{CollateralAmount: big.NewInt(10)}, auth)
	require.ErrorIs(t, err, ErrZeroCredit)
}

func TestCreditAmountTruncates(t *testing.T) {
	rate := new(big.Int).Div(CreditPerCollateralUnitDenominator, big.NewInt(3))
	credit, err := CreditAmount(big.NewInt(10), rate)
	require.NoError(t, err)
	require.Equal(t, int64(3), credit.Int64())

	_, err = CreditAmount(types.MaxAmount, types.MaxAmount)
	require.True(t, errors.Is(err, ErrCreditOverflow))
}

func TestDecode(t *testing.T) {
	p, err := Decode(KindSimple, []byte(`{"creditAmount":100,"duration":600,"isOffer":true}`))
	require.NoError(t, err)
	simple, ok := p.(*Simple)
	require.True(t, ok)
	require.Equal(t, int64(100), simple.CreditAmount.Int64())
	_, err = Decode("dutch", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}
