package assets

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
)

type ledgerFixture struct {
	ledger   *Ledger
	store    *state.Store
	registry *accounts.Registry
	token    crypto.Address
	nft      crypto.Address
	semi     crypto.Address
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	store := state.NewStore(nil)
	registry := accounts.NewRegistry()
	ledger := NewLedger(store, registry, 1)
	ledger.SetNowFunc(func() int64 { return 1_000 })
	f := &ledgerFixture{
		ledger:   ledger,
		store:    store,
		registry: registry,
		token:    crypto.DeriveAddress("token/usd"),
		nft:      crypto.DeriveAddress("token/art"),
		semi:     crypto.DeriveAddress("token/items"),
	}
	require.NoError(t, ledger.Define(f.token, types.CategoryFungible))
	require.NoError(t, ledger.Define(f.nft, types.CategoryNonFungible))
	require.NoError(t, ledger.Define(f.semi, types.CategorySemiFungible))
	return f
}

type hookRecorder struct {
	calls int
	err   error
}

func (h *hookRecorder) OnReceive(context.Context, crypto.Address, crypto.Address, types.Asset) error {
	h.calls++
	return h.err
}

func TestValidChecksCategoryAndShape(t *testing.T) {
	f := newLedgerFixture(t)
	require.True(t, f.ledger.Valid(types.Fungible(f.token, big.NewInt(5))))
	require.False(t, f.ledger.Valid(types.NonFungible(f.token, big.NewInt(1))), "category mismatch")
	require.False(t, f.ledger.Valid(types.Fungible(crypto.DeriveAddress("unknown"), big.NewInt(1))))
	bad := types.Fungible(f.token, big.NewInt(1))
	bad.ID = big.NewInt(3)
	require.False(t, f.ledger.Valid(bad), "fungible with id")
	require.ErrorIs(t, f.ledger.Define(f.token, types.CategoryFungible), ErrAlreadyDefined)
}

func TestFungibleAllowanceTransfer(t *testing.T) {
	f := newLedgerFixture(t)
	alice := crypto.DeriveAddress("alice")
	bob := crypto.DeriveAddress("bob")
	spender := crypto.DeriveAddress("vault")
	require.NoError(t, f.ledger.Mint(types.Fungible(f.token, big.NewInt(100)), alice))

	err := f.ledger.TransferFrom(context.Background(), spender, alice, bob, types.Fungible(f.token, big.NewInt(10)))
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.ErrorIs(t, err, coreerrors.ErrTransferFailure)

	require.NoError(t, f.ledger.Approve(alice, spender, f.token, big.NewInt(30)))
	require.NoError(t, f.ledger.TransferFrom(context.Background(), spender, alice, bob, types.Fungible(f.token, big.NewInt(25))))

	allowance, err := f.ledger.Allowance(alice, spender, f.token)
	require.NoError(t, err)
	require.Equal(t, int64(5), allowance.Int64())

	aliceBal, _ := f.ledger.BalanceOf(types.Fungible(f.token, nil), alice)
	bobBal, _ := f.ledger.BalanceOf(types.Fungible(f.token, nil), bob)
	require.Equal(t, int64(75), aliceBal.Int64())
	require.Equal(t, int64(25), bobBal.Int64())

	err = f.ledger.TransferFrom(context.Background(), alice, alice, bob, types.Fungible(f.token, big.NewInt(76)))
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestNonFungibleOwnershipAndApproval(t *testing.T) {
	f := newLedgerFixture(t)
	alice := crypto.DeriveAddress("alice")
	bob := crypto.DeriveAddress("bob")
	operator := crypto.DeriveAddress("vault")
	art := types.NonFungible(f.nft, big.NewInt(42))
	require.NoError(t, f.ledger.Mint(art, alice))
	require.ErrorIs(t, f.ledger.Mint(art, bob), ErrTokenAlreadyMinted)

	require.ErrorIs(t, f.ledger.ApproveToken(bob, operator, f.nft, big.NewInt(42)), ErrNotAuthorized)
	require.NoError(t, f.ledger.ApproveToken(alice, operator, f.nft, big.NewInt(42)))
	require.NoError(t, f.ledger.TransferFrom(context.Background(), operator, alice, bob, art))

	owner, ok, err := f.ledger.OwnerOf(f.nft, big.NewInt(42))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bob, owner)

	// Token approvals are cleared by the transfer.
	err = f.ledger.TransferFrom(context.Background(), operator, bob, alice, art)
	require.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, f.ledger.SetApprovalForAll(bob, operator, f.nft, true))
	require.True(t, f.ledger.IsApprovedForAll(bob, operator, f.nft))
	require.NoError(t, f.ledger.TransferFrom(context.Background(), operator, bob, alice, art))
	bal, _ := f.ledger.BalanceOf(art, alice)
	require.Equal(t, int64(1), bal.Int64())
}

func TestSafeTransferReceiveHooks(t *testing.T) {
	f := newLedgerFixture(t)
	alice := crypto.DeriveAddress("alice")
	plainContract := crypto.DeriveAddress("contract/no-hook")
	hooked := crypto.DeriveAddress("contract/hook")
	refusing := crypto.DeriveAddress("contract/refuse")
	hook := &hookRecorder{}
	require.NoError(t, f.registry.Register(plainContract, nil))
	require.NoError(t, f.registry.Register(hooked, hook))
	require.NoError(t, f.registry.Register(refusing, &hookRecorder{err: errors.New("closed")}))

	items := types.SemiFungible(f.semi, big.NewInt(7), big.NewInt(3))
	require.NoError(t, f.ledger.Mint(types.SemiFungible(f.semi, big.NewInt(7), big.NewInt(10)), alice))

	err := f.ledger.SafeTransferFrom(context.Background(), alice, alice, plainContract, items)
	require.ErrorIs(t, err, ErrReceiverRejected)
	err = f.ledger.SafeTransferFrom(context.Background(), alice, alice, refusing, items)
	require.ErrorIs(t, err, ErrReceiverRejected)

	require.NoError(t, f.ledger.SafeTransferFrom(context.Background(), alice, alice, hooked, items))
	require.Equal(t, 1, hook.calls)

	require.NoError(t, f.ledger.Mint(types.Fungible(f.token, big.NewInt(5)), alice))
	require.NoError(t, f.ledger.SafeTransferFrom(context.Background(), alice, alice, plainContract, types.Fungible(f.token, big.NewInt(5))),
		"fungible units are accepted by contracts without hooks")
}

func TestTransferWithPermit(t *testing.T) {
	f := newLedgerFixture(t)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	owner := key.Address()
	spender := crypto.DeriveAddress("vault")
	bob := crypto.DeriveAddress("bob")
	require.NoError(t, f.ledger.Mint(types.Fungible(f.token, big.NewInt(50)), owner))

	asset := types.Fungible(f.token, big.NewInt(20))
	permit := Permit{Asset: asset, Owner: owner, Spender: spender, Nonce: 0, Deadline: 2_000}
	require.NoError(t, SignPermit(f.ledger.Domain(), &permit, key))

	require.NoError(t, f.ledger.TransferWithPermit(context.Background(), spender, owner, bob, asset, permit))
	bal, _ := f.ledger.BalanceOf(asset, bob)
	require.Equal(t, int64(20), bal.Int64())

	err = f.ledger.TransferWithPermit(context.Background(), spender, owner, bob, asset, permit)
	require.ErrorIs(t, err, ErrPermitInvalid, "replayed permit")

	next := Permit{Asset: asset, Owner: owner, Spender: spender, Nonce: 1, Deadline: 1_000}
	require.NoError(t, SignPermit(f.ledger.Domain(), &next, key))
	err = f.ledger.TransferWithPermit(context.Background(), spender, owner, bob, asset, next)
	require.ErrorIs(t, err, ErrPermitExpired)

	forged := Permit{Asset: asset, Owner: owner, Spender: spender, Nonce: 1, Deadline: 2_000}
	other, _ := crypto.GeneratePrivateKey()
	require.NoError(t, SignPermit(f.ledger.Domain(), &forged, other))
	err = f.ledger.TransferWithPermit(context.Background(), spender, owner, bob, asset, forged)
	require.ErrorIs(t, err, ErrPermitInvalid)

	stolen := Permit{Asset: asset, Owner: owner, Spender: spender, Nonce: 1, Deadline: 2_000}
	require.NoError(t, SignPermit(f.ledger.Domain(), &stolen, key))
	err = f.ledger.TransferWithPermit(context.Background(), bob, owner, bob, asset, stolen)
	require.ErrorIs(t, err, ErrPermitInvalid, "spender mismatch")
}

func TestFungiblePermitLeavesRemainingAllowance(t *testing.T) {
	f := newLedgerFixture(t)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	owner := key.Address()
	spender := crypto.DeriveAddress("vault")
	require.NoError(t, f.ledger.Mint(types.Fungible(f.token, big.NewInt(100)), owner))

	permit := Permit{Asset: types.Fungible(f.token, big.NewInt(100)), Owner: owner, Spender: spender, Deadline: 2_000}
	require.NoError(t, SignPermit(f.ledger.Domain(), &permit, key))
	require.NoError(t, f.ledger.TransferWithPermit(context.Background(), spender, owner, crypto.DeriveAddress("borrower"), types.Fungible(f.token, big.NewInt(97)), permit))

	allowance, err := f.ledger.Allowance(owner, spender, f.token)
	require.NoError(t, err)
	require.Equal(t, int64(3), allowance.Int64())
	require.NoError(t, f.ledger.TransferFrom(context.Background(), spender, owner, crypto.DeriveAddress("collector"), types.Fungible(f.token, big.NewInt(3))))
}
