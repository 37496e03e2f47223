// Package assets is an in-process multi-asset ledger supporting fungible,
// non-fungible and semi-fungible tokens. It provides the transfer capability
// the vault consumes: validity checks, balances, operator transfers, signed
// permits and safe transfers with receive hooks.
package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	coreerrors "peerlend/core/errors"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/accounts"
)

var (
	ErrUnknownAsset       = fmt.Errorf("assets: %w: unknown asset contract", coreerrors.ErrInvalidTerms)
	ErrCategoryMismatch   = fmt.Errorf("assets: %w: category does not match contract", coreerrors.ErrInvalidTerms)
	ErrAlreadyDefined     = errors.New("assets: contract already defined")
	ErrInsufficientFunds  = fmt.Errorf("assets: %w: insufficient balance", coreerrors.ErrTransferFailure)
	ErrNotAuthorized      = fmt.Errorf("assets: %w: operator not approved", coreerrors.ErrTransferFailure)
	ErrReceiverRejected   = fmt.Errorf("assets: %w: recipient refused transfer", coreerrors.ErrTransferFailure)
	ErrPermitExpired      = fmt.Errorf("assets: %w: permit expired", coreerrors.ErrTransferFailure)
	ErrPermitInvalid      = fmt.Errorf("assets: %w: permit invalid", coreerrors.ErrTransferFailure)
	ErrZeroRecipient      = fmt.Errorf("assets: %w: zero recipient", coreerrors.ErrTransferFailure)
	ErrMalformedAsset     = fmt.Errorf("assets: %w: malformed asset", coreerrors.ErrInvalidTerms)
	ErrTokenAlreadyMinted = fmt.Errorf("assets: %w: token already minted", coreerrors.ErrTransferFailure)
)

// LedgerAddress is the address permits are bound to.
var LedgerAddress = crypto.DeriveAddress("peerlend/assets")

// Transferer is the asset movement capability consumed by the vault.
type Transferer interface {
	Valid(asset types.Asset) bool
	BalanceOf(asset types.Asset, holder crypto.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, operator, from, to crypto.Address, asset types.Asset) error
	SafeTransferFrom(ctx context.Context, operator, from, to crypto.Address, asset types.Asset) error
	TransferWithPermit(ctx context.Context, operator, from, to crypto.Address, asset types.Asset, permit Permit) error
}

// Ledger is the reference Transferer. Balances live in the shared journaled
// store so that transfers roll back with the operation that issued them.
type Ledger struct {
	store    state.Backend
	accounts *accounts.Registry
	domain   crypto.Hash
	nowFn    func() int64
}

// NewLedger returns a ledger persisting balances in store. Contract accounts
// in registry receive safe-transfer hooks and validate permit signatures.
func NewLedger(store state.Backend, registry *accounts.Registry, chainID uint64) *Ledger {
	if registry == nil {
		registry = accounts.NewRegistry()
	}
	return &Ledger{
		store:    store,
		accounts: registry,
		domain:   DomainSeparator(chainID, LedgerAddress),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used for permit deadlines.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	l.nowFn = now
}

// Domain returns the permit domain separator of this ledger.
func (l *Ledger) Domain() crypto.Hash { return l.domain }

func contractKey(contract crypto.Address) []byte {
	return state.Key("assets/contract/", contract[:])
}

func fungibleKey(contract, holder crypto.Address) []byte {
	return state.Key("assets/balance/", contract[:], holder[:])
}

func semiKey(contract crypto.Address, id *big.Int, holder crypto.Address) []byte {
	return state.Key("assets/semi/", contract[:], state.WordKey(id), holder[:])
}

func ownerKey(contract crypto.Address, id *big.Int) []byte {
	return state.Key("assets/owner/", contract[:], state.WordKey(id))
}

func allowanceKey(contract, owner, spender crypto.Address) []byte {
	return state.Key("assets/allowance/", contract[:], owner[:], spender[:])
}

func tokenApprovalKey(contract crypto.Address, id *big.Int) []byte {
	return state.Key("assets/approved/", contract[:], state.WordKey(id))
}

func operatorKey(contract, owner, operator crypto.Address) []byte {
	return state.Key("assets/operator/", contract[:], owner[:], operator[:])
}

func permitNonceKey(owner crypto.Address) []byte {
	return state.Key("assets/permit-nonce/", owner[:])
}

// Define registers an asset contract with its category.
func (l *Ledger) Define(contract crypto.Address, category types.Category) error {
	if contract.IsZero() || !category.Valid() {
		return ErrMalformedAsset
	}
	raw, err := l.store.Get(contractKey(contract))
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		return ErrAlreadyDefined
	}
	return l.store.Put(contractKey(contract), []byte{byte(category) + 1})
}

// CategoryOf returns the category contract was defined with.
func (l *Ledger) CategoryOf(contract crypto.Address) (types.Category, bool) {
	raw, err := l.store.Get(contractKey(contract))
	if err != nil || len(raw) != 1 || raw[0] == 0 {
		return 0, false
	}
	return types.Category(raw[0] - 1), true
}

// Valid reports whether asset is well formed and resolves to a defined
// contract of the declared category.
func (l *Ledger) Valid(asset types.Asset) bool {
	return l.check(asset) == nil
}

func (l *Ledger) check(asset types.Asset) error {
	if err := asset.WellFormed(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAsset, err)
	}
	category, ok := l.CategoryOf(asset.Address)
	if !ok {
		return ErrUnknownAsset
	}
	if category != asset.Category {
		return ErrCategoryMismatch
	}
	return nil
}

// BalanceOf returns holder's balance of asset. For non-fungible assets the
// result is 1 when holder owns the id and 0 otherwise.
func (l *Ledger) BalanceOf(asset types.Asset, holder crypto.Address) (*big.Int, error) {
	asset = asset.Clone()
	if err := l.check(asset); err != nil {
		return nil, err
	}
	switch asset.Category {
	case types.CategoryFungible:
		return state.GetBig(l.store, fungibleKey(asset.Address, holder))
	case types.CategorySemiFungible:
		return state.GetBig(l.store, semiKey(asset.Address, asset.ID, holder))
	default:
		owner, ok, err := l.OwnerOf(asset.Address, asset.ID)
		if err != nil {
			return nil, err
		}
		if ok && owner == holder {
			return big.NewInt(1), nil
		}
		return big.NewInt(0), nil
	}
}

// OwnerOf returns the owner of a non-fungible token.
func (l *Ledger) OwnerOf(contract crypto.Address, id *big.Int) (crypto.Address, bool, error) {
	raw, err := l.store.Get(ownerKey(contract, id))
	if err != nil {
		return crypto.Address{}, false, err
	}
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}, false, nil
	}
	return crypto.BytesToAddress(raw), true, nil
}

// Mint creates asset units for to. It is used to seed development networks
// and tests; no authorization is applied.
func (l *Ledger) Mint(asset types.Asset, to crypto.Address) error {
	asset = asset.Clone()
	if err := l.check(asset); err != nil {
		return err
	}
	if to.IsZero() {
		return ErrZeroRecipient
	}
	if asset.Category == types.CategoryNonFungible {
		if _, ok, err := l.OwnerOf(asset.Address, asset.ID); err != nil {
			return err
		} else if ok {
			return ErrTokenAlreadyMinted
		}
	}
	if err := l.credit(asset, to); err != nil {
		return err
	}
	l.store.Emit(newTransferEvent(crypto.Address{}, crypto.Address{}, to, asset))
	return nil
}

// Approve sets spender's fungible allowance over owner's balance of contract.
func (l *Ledger) Approve(owner, spender, contract crypto.Address, amount *big.Int) error {
	if amount == nil || !types.ValidAmount(amount) {
		return ErrMalformedAsset
	}
	if err := state.PutBig(l.store, allowanceKey(contract, owner, spender), amount); err != nil {
		return err
	}
	l.store.Emit(newApprovalEvent(owner, spender, contract, amount.String()))
	return nil
}

// Allowance returns spender's remaining fungible allowance.
func (l *Ledger) Allowance(owner, spender, contract crypto.Address) (*big.Int, error) {
	return state.GetBig(l.store, allowanceKey(contract, owner, spender))
}

// ApproveToken lets spender move a single non-fungible token once.
func (l *Ledger) ApproveToken(owner, spender, contract crypto.Address, id *big.Int) error {
	current, ok, err := l.OwnerOf(contract, id)
	if err != nil {
		return err
	}
	if !ok || current != owner {
		return ErrNotAuthorized
	}
	if err := l.store.Put(tokenApprovalKey(contract, id), spender.Bytes()); err != nil {
		return err
	}
	l.store.Emit(newApprovalEvent(owner, spender, contract, "token:"+id.String()))
	return nil
}

// SetApprovalForAll grants or revokes operator's right to move every token of
// contract owned by owner.
func (l *Ledger) SetApprovalForAll(owner, operator, contract crypto.Address, approved bool) error {
	key := operatorKey(contract, owner, operator)
	var err error
	if approved {
		err = l.store.Put(key, []byte{1})
	} else {
		err = l.store.Delete(key)
	}
	if err != nil {
		return err
	}
	scope := "all:false"
	if approved {
		scope = "all:true"
	}
	l.store.Emit(newApprovalEvent(owner, operator, contract, scope))
	return nil
}

// IsApprovedForAll reports whether operator may move all of owner's tokens of
// contract.
func (l *Ledger) IsApprovedForAll(owner, operator, contract crypto.Address) bool {
	raw, err := l.store.Get(operatorKey(contract, owner, operator))
	return err == nil && len(raw) == 1
}

// PermitNonce returns the next permit nonce owner must sign.
func (l *Ledger) PermitNonce(owner crypto.Address) (uint64, error) {
	return state.GetUint64(l.store, permitNonceKey(owner))
}

// TransferFrom moves asset from from to to on behalf of operator without
// notifying contract recipients.
func (l *Ledger) TransferFrom(ctx context.Context, operator, from, to crypto.Address, asset types.Asset) error {
	asset = asset.Clone()
	if err := l.check(asset); err != nil {
		return err
	}
	if err := l.authorize(operator, from, asset); err != nil {
		return err
	}
	return l.move(ctx, operator, from, to, asset, false)
}

// SafeTransferFrom is TransferFrom followed by the recipient's receive hook.
// Contract recipients that cannot take non-fungible or semi-fungible units,
// or whose hook fails, make the transfer fail.
func (l *Ledger) SafeTransferFrom(ctx context.Context, operator, from, to crypto.Address, asset types.Asset) error {
	asset = asset.Clone()
	if err := l.check(asset); err != nil {
		return err
	}
	if err := l.authorize(operator, from, asset); err != nil {
		return err
	}
	return l.move(ctx, operator, from, to, asset, true)
}

// TransferWithPermit consumes permit and moves asset from from to to. The
// permit cannot be replayed. For fungible assets it sets the spender's
// allowance to the permitted amount before the transfer, so a permit may
// cover several transfers issued by the same spender.
func (l *Ledger) TransferWithPermit(ctx context.Context, operator, from, to crypto.Address, asset types.Asset, permit Permit) error {
	asset = asset.Clone()
	if err := l.check(asset); err != nil {
		return err
	}
	if err := l.consumePermit(ctx, operator, from, asset, permit); err != nil {
		return err
	}
	if asset.Category == types.CategoryFungible {
		// A fungible permit grants an allowance of its full amount; whatever
		// this transfer does not use stays available to the spender.
		if err := state.PutBig(l.store, allowanceKey(asset.Address, from, operator), permit.Asset.Units()); err != nil {
			return err
		}
		if err := l.authorize(operator, from, asset); err != nil {
			return err
		}
	}
	return l.move(ctx, operator, from, to, asset, false)
}

func (l *Ledger) consumePermit(ctx context.Context, operator, from crypto.Address, asset types.Asset, permit Permit) error {
	if permit.Owner != from || permit.Spender != operator {
		return fmt.Errorf("%w: owner or spender mismatch", ErrPermitInvalid)
	}
	if permit.Asset.Address != asset.Address || permit.Asset.Category != asset.Category || permit.Asset.Clone().ID.Cmp(asset.Clone().ID) != 0 {
		return fmt.Errorf("%w: asset mismatch", ErrPermitInvalid)
	}
	if permit.Asset.Units().Cmp(asset.Units()) < 0 {
		return fmt.Errorf("%w: amount below transfer", ErrPermitInvalid)
	}
	if permit.Deadline <= l.nowFn() {
		return ErrPermitExpired
	}
	expected, err := l.PermitNonce(from)
	if err != nil {
		return err
	}
	if permit.Nonce != expected {
		return fmt.Errorf("%w: nonce %d, expected %d", ErrPermitInvalid, permit.Nonce, expected)
	}
	digest, err := PermitDigest(l.domain, permit)
	if err != nil {
		return err
	}
	if !l.accounts.VerifySignature(ctx, from, digest, permit.Signature) {
		return fmt.Errorf("%w: bad signature", ErrPermitInvalid)
	}
	return state.PutUint64(l.store, permitNonceKey(from), expected+1)
}

func (l *Ledger) authorize(operator, from crypto.Address, asset types.Asset) error {
	if operator == from || l.IsApprovedForAll(from, operator, asset.Address) {
		return nil
	}
	switch asset.Category {
	case types.CategoryFungible:
		allowance, err := l.Allowance(from, operator, asset.Address)
		if err != nil {
			return err
		}
		if allowance.Cmp(asset.Amount) < 0 {
			return fmt.Errorf("%w: allowance %s below %s", ErrNotAuthorized, allowance, asset.Amount)
		}
		return state.PutBig(l.store, allowanceKey(asset.Address, from, operator), new(big.Int).Sub(allowance, asset.Amount))
	case types.CategoryNonFungible:
		raw, err := l.store.Get(tokenApprovalKey(asset.Address, asset.ID))
		if err != nil {
			return err
		}
		if len(raw) == crypto.AddressLength && crypto.BytesToAddress(raw) == operator {
			return nil
		}
	}
	return ErrNotAuthorized
}

func (l *Ledger) move(ctx context.Context, operator, from, to crypto.Address, asset types.Asset, safe bool) error {
	if to.IsZero() {
		return ErrZeroRecipient
	}
	if err := l.debit(asset, from); err != nil {
		return err
	}
	if err := l.credit(asset, to); err != nil {
		return err
	}
	l.store.Emit(newTransferEvent(operator, from, to, asset))
	if !safe {
		return nil
	}
	receiver, isContract := l.accounts.Receiver(to)
	if !isContract {
		return nil
	}
	if receiver == nil {
		if asset.Category == types.CategoryFungible {
			return nil
		}
		return fmt.Errorf("%w: %s has no receive hook", ErrReceiverRejected, to)
	}
	err := state.Callout(ctx, func(ctx context.Context) error {
		return receiver.OnReceive(ctx, operator, from, asset.Clone())
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiverRejected, err)
	}
	return nil
}

func (l *Ledger) debit(asset types.Asset, from crypto.Address) error {
	switch asset.Category {
	case types.CategoryNonFungible:
		owner, ok, err := l.OwnerOf(asset.Address, asset.ID)
		if err != nil {
			return err
		}
		if !ok || owner != from {
			return ErrInsufficientFunds
		}
		if err := l.store.Delete(tokenApprovalKey(asset.Address, asset.ID)); err != nil {
			return err
		}
		return l.store.Delete(ownerKey(asset.Address, asset.ID))
	default:
		key := l.balanceKey(asset, from)
		balance, err := state.GetBig(l.store, key)
		if err != nil {
			return err
		}
		if balance.Cmp(asset.Amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance, asset.Amount)
		}
		return state.PutBig(l.store, key, new(big.Int).Sub(balance, asset.Amount))
	}
}

func (l *Ledger) credit(asset types.Asset, to crypto.Address) error {
	switch asset.Category {
	case types.CategoryNonFungible:
		return l.store.Put(ownerKey(asset.Address, asset.ID), to.Bytes())
	default:
		key := l.balanceKey(asset, to)
		balance, err := state.GetBig(l.store, key)
		if err != nil {
			return err
		}
		next := new(big.Int).Add(balance, asset.Amount)
		if !types.ValidAmount(next) {
			return fmt.Errorf("%w: balance overflow", ErrMalformedAsset)
		}
		return state.PutBig(l.store, key, next)
	}
}

func (l *Ledger) balanceKey(asset types.Asset, holder crypto.Address) []byte {
	if asset.Category == types.CategorySemiFungible {
		return semiKey(asset.Address, asset.ID, holder)
	}
	return fungibleKey(asset.Address, holder)
}
