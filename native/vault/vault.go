// Package vault holds loan collateral and settled credit in custody and moves
// assets between borrowers, lenders and itself.
package vault

import (
	"context"
	"fmt"
	"math/big"

	coreerrors "peerlend/core/errors"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/assets"
)

var (
	ErrIncompleteTransfer = fmt.Errorf("vault: %w: balance changed by an unexpected amount", coreerrors.ErrTransferFailure)
	ErrInvalidAsset       = fmt.Errorf("vault: %w: invalid asset", coreerrors.ErrInvalidTerms)
	ErrInvalidParty       = fmt.Errorf("vault: %w: invalid counterparty", coreerrors.ErrTransferFailure)
)

// Vault is the custody account of one lifecycle engine.
type Vault struct {
	address crypto.Address
	store   state.Backend
	assets  assets.Transferer
}

// New returns a vault holding assets at address.
func New(address crypto.Address, store state.Backend, transferer assets.Transferer) *Vault {
	return &Vault{address: address, store: store, assets: transferer}
}

// Address returns the custody address.
func (v *Vault) Address() crypto.Address { return v.address }

// Custody returns the vault's balance of asset.
func (v *Vault) Custody(asset types.Asset) (*big.Int, error) {
	return v.assets.BalanceOf(asset, v.address)
}

// Escrow pulls asset from from into custody. The vault must hold a standing
// approval from from, or permit must authorise the pull; the permit is
// consumed by this call.
func (v *Vault) Escrow(ctx context.Context, asset types.Asset, from crypto.Address, permit *assets.Permit) error {
	if skip, err := v.prepare(asset); err != nil || skip {
		return err
	}
	if from == v.address {
		return ErrInvalidParty
	}
	before, err := v.assets.BalanceOf(asset, v.address)
	if err != nil {
		return fmt.Errorf("vault: escrow: %w", err)
	}
	if permit != nil {
		err = v.assets.TransferWithPermit(ctx, v.address, from, v.address, asset, *permit)
	} else {
		err = v.assets.TransferFrom(ctx, v.address, from, v.address, asset)
	}
	if err != nil {
		return fmt.Errorf("vault: escrow: %w", err)
	}
	if err := v.expectDelta(asset, v.address, before, asset.Units()); err != nil {
		return err
	}
	v.store.Emit(newEscrowEvent(asset, from, v.address))
	return nil
}

// Release pushes asset out of custody to to using a safe transfer. A
// recipient contract that cannot accept the asset fails the call.
func (v *Vault) Release(ctx context.Context, asset types.Asset, to crypto.Address) error {
	if skip, err := v.prepare(asset); err != nil || skip {
		return err
	}
	if to.IsZero() || to == v.address {
		return ErrInvalidParty
	}
	before, err := v.assets.BalanceOf(asset, v.address)
	if err != nil {
		return fmt.Errorf("vault: release: %w", err)
	}
	if err := v.assets.SafeTransferFrom(ctx, v.address, v.address, to, asset); err != nil {
		return fmt.Errorf("vault: release: %w", err)
	}
	if err := v.expectDelta(asset, v.address, before, new(big.Int).Neg(asset.Units())); err != nil {
		return err
	}
	v.store.Emit(newReleaseEvent(asset, v.address, to))
	return nil
}

// Relay moves asset directly from from to to without passing through custody.
// When permit is non-nil it authorises the move instead of a standing
// approval.
func (v *Vault) Relay(ctx context.Context, asset types.Asset, from, to crypto.Address, permit *assets.Permit) error {
	if skip, err := v.prepare(asset); err != nil || skip {
		return err
	}
	if to.IsZero() || from == to {
		return ErrInvalidParty
	}
	before, err := v.assets.BalanceOf(asset, to)
	if err != nil {
		return fmt.Errorf("vault: relay: %w", err)
	}
	if permit != nil {
		err = v.assets.TransferWithPermit(ctx, v.address, from, to, asset, *permit)
	} else {
		err = v.assets.TransferFrom(ctx, v.address, from, to, asset)
	}
	if err != nil {
		return fmt.Errorf("vault: relay: %w", err)
	}
	if err := v.expectDelta(asset, to, before, asset.Units()); err != nil {
		return err
	}
	v.store.Emit(newRelayEvent(asset, from, to))
	return nil
}

// prepare validates asset and reports whether the transfer is an empty
// fungible move that can be skipped.
func (v *Vault) prepare(asset types.Asset) (bool, error) {
	if !v.assets.Valid(asset) {
		return false, fmt.Errorf("%w: %s", ErrInvalidAsset, asset)
	}
	return asset.IsZero(), nil
}

func (v *Vault) expectDelta(asset types.Asset, holder crypto.Address, before, delta *big.Int) error {
	after, err := v.assets.BalanceOf(asset, holder)
	if err != nil {
		return err
	}
	want := new(big.Int).Add(before, delta)
	if after.Cmp(want) != 0 {
		return fmt.Errorf("%w: expected %s, got %s", ErrIncompleteTransfer, want, after)
	}
	return nil
}
