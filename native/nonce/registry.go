// Package nonce implements per-signer revocable nonces grouped in spaces. A
// signer invalidates one proposal by revoking its nonce, or every outstanding
// proposal at once by moving to a fresh nonce space.
package nonce

import (
	"fmt"
	"math"
	"math/big"

	coreerrors "peerlend/core/errors"
	"peerlend/core/events"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/tags"
)

const (
	EventTypeNonceRevoked      = "nonce.revoked"
	EventTypeNonceSpaceRevoked = "nonce.space_revoked"
)

var (
	ErrNonceAlreadyRevoked = fmt.Errorf("nonce: %w: nonce already revoked", coreerrors.ErrExpiredOrRevoked)
	ErrNotNonceManager     = fmt.Errorf("nonce: %w: caller lacks the nonce manager tag", coreerrors.ErrAuthorization)
	ErrInvalidNonce        = fmt.Errorf("nonce: %w: nonce out of range", coreerrors.ErrInvalidTerms)
	ErrSpaceExhausted      = fmt.Errorf("nonce: %w: nonce space counter exhausted", coreerrors.ErrExpiredOrRevoked)
)

// Registry stores revoked nonces and the current nonce space of each signer.
type Registry struct {
	store state.Backend
	tags  tags.View
}

// NewRegistry returns a nonce registry backed by store.
func NewRegistry(store state.Backend, tagView tags.View) *Registry {
	return &Registry{store: store, tags: tagView}
}

func spaceKey(owner crypto.Address) []byte {
	return state.Key("nonce/space/", owner[:])
}

func revokedKey(owner crypto.Address, space uint64, nonce *big.Int) []byte {
	return state.Key("nonce/revoked/", owner[:], state.Uint64Key(space), state.WordKey(nonce))
}

// CurrentSpace returns the nonce space proposals signed by owner must use.
func (r *Registry) CurrentSpace(owner crypto.Address) (uint64, error) {
	return state.GetUint64(r.store, spaceKey(owner))
}

// IsRevoked reports whether the nonce was explicitly revoked. It does not
// consider space revocation.
func (r *Registry) IsRevoked(owner crypto.Address, space uint64, nonce *big.Int) (bool, error) {
	if nonce == nil || !types.ValidAmount(nonce) {
		return false, ErrInvalidNonce
	}
	raw, err := r.store.Get(revokedKey(owner, space, nonce))
	if err != nil {
		return false, err
	}
	return len(raw) > 0, nil
}

// IsUsable reports whether a proposal carrying (space, nonce) may still be
// accepted: the space must be owner's current space and the nonce must not
// be revoked.
func (r *Registry) IsUsable(owner crypto.Address, space uint64, nonce *big.Int) (bool, error) {
	current, err := r.CurrentSpace(owner)
	if err != nil {
		return false, err
	}
	if space != current {
		return false, nil
	}
	revoked, err := r.IsRevoked(owner, space, nonce)
	if err != nil {
		return false, err
	}
	return !revoked, nil
}

// RevokeNonce revokes one of the caller's own nonces.
func (r *Registry) RevokeNonce(owner crypto.Address, space uint64, nonce *big.Int) error {
	return r.revoke(owner, space, nonce)
}

// RevokeNonceFor revokes owner's nonce on their behalf. Only modules holding
// the nonce manager tag (proposal types and lifecycle engines) may do so.
func (r *Registry) RevokeNonceFor(caller, owner crypto.Address, space uint64, nonce *big.Int) error {
	if r.tags == nil || !r.tags.HasTag(caller, tags.NonceManager) {
		return ErrNotNonceManager
	}
	return r.revoke(owner, space, nonce)
}

// RevokeNonceSpace moves owner to a new nonce space, invalidating every nonce
// of the previous one. The new space is returned.
func (r *Registry) RevokeNonceSpace(owner crypto.Address) (uint64, error) {
	current, err := r.CurrentSpace(owner)
	if err != nil {
		return 0, err
	}
	if current == math.MaxUint64 {
		return 0, ErrSpaceExhausted
	}
	next := current + 1
	if err := state.PutUint64(r.store, spaceKey(owner), next); err != nil {
		return 0, err
	}
	r.store.Emit(SpaceRevoked{Owner: owner, Space: current, NewSpace: next})
	return next, nil
}

func (r *Registry) revoke(owner crypto.Address, space uint64, nonce *big.Int) error {
	revoked, err := r.IsRevoked(owner, space, nonce)
	if err != nil {
		return err
	}
	if revoked {
		return ErrNonceAlreadyRevoked
	}
	if err := r.store.Put(revokedKey(owner, space, nonce), []byte{1}); err != nil {
		return err
	}
	r.store.Emit(Revoked{Owner: owner, Space: space, Nonce: new(big.Int).Set(nonce)})
	return nil
}

// Revoked is emitted when a single nonce is revoked.
type Revoked struct {
	Owner crypto.Address
	Space uint64
	Nonce *big.Int
}

// EventType satisfies events.Event.
func (Revoked) EventType() string { return EventTypeNonceRevoked }

// Event renders the attribute form.
func (e Revoked) Event() *types.Event {
	return &types.Event{Type: EventTypeNonceRevoked, Attributes: map[string]string{
		"owner": e.Owner.String(),
		"space": events.FormatUint(e.Space),
		"nonce": events.FormatAmount(e.Nonce),
	}}
}

// SpaceRevoked is emitted when a signer abandons a nonce space.
type SpaceRevoked struct {
	Owner    crypto.Address
	Space    uint64
	NewSpace uint64
}

// EventType satisfies events.Event.
func (SpaceRevoked) EventType() string { return EventTypeNonceSpaceRevoked }

// Event renders the attribute form.
func (e SpaceRevoked) Event() *types.Event {
	return &types.Event{Type: EventTypeNonceSpaceRevoked, Attributes: map[string]string{
		"owner":    e.Owner.String(),
		"space":    events.FormatUint(e.Space),
		"newSpace": events.FormatUint(e.NewSpace),
	}}
}
