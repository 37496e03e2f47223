// Package accounts tracks contract accounts: addresses controlled by code
// rather than a private key. Contract accounts may validate signatures on
// their own behalf and may accept or refuse incoming safe transfers.
package accounts

import (
	"context"
	"errors"
	"sync"

	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
)

var ErrAlreadyRegistered = errors.New("accounts: contract already registered")

// SignatureValidator is implemented by contract accounts that can vouch for a
// digest, for example multisig or smart wallets.
type SignatureValidator interface {
	IsValidSignature(ctx context.Context, digest crypto.Hash, signature []byte) bool
}

// Receiver is implemented by contract accounts that accept safe transfers.
// Returning an error refuses the transfer.
type Receiver interface {
	OnReceive(ctx context.Context, operator, from crypto.Address, asset types.Asset) error
}

// Registry maps contract addresses to their in-process implementation.
type Registry struct {
	mu        sync.RWMutex
	contracts map[crypto.Address]interface{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[crypto.Address]interface{})}
}

// Register binds impl to addr. impl may implement SignatureValidator,
// Receiver, both or neither; an address registered with neither is still a
// contract and refuses safe transfers.
func (r *Registry) Register(addr crypto.Address, impl interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[addr]; ok {
		return ErrAlreadyRegistered
	}
	if impl == nil {
		impl = struct{}{}
	}
	r.contracts[addr] = impl
	return nil
}

// Unregister removes addr from the registry.
func (r *Registry) Unregister(addr crypto.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contracts, addr)
}

// IsContract reports whether addr is a registered contract account.
func (r *Registry) IsContract(addr crypto.Address) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[addr]
	return ok
}

// Validator returns the signature validator for addr, if any.
func (r *Registry) Validator(addr crypto.Address) (SignatureValidator, bool) {
	impl, ok := r.lookup(addr)
	if !ok {
		return nil, false
	}
	v, ok := impl.(SignatureValidator)
	return v, ok
}

// Receiver returns the receive hook for addr. The second value reports
// whether addr is a contract at all.
func (r *Registry) Receiver(addr crypto.Address) (Receiver, bool) {
	impl, ok := r.lookup(addr)
	if !ok {
		return nil, false
	}
	recv, _ := impl.(Receiver)
	return recv, true
}

func (r *Registry) lookup(addr crypto.Address) (interface{}, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.contracts[addr]
	return impl, ok
}

// VerifySignature checks sig against digest on behalf of signer. Contract
// accounts are asked through their validator; every other address must have
// produced a secp256k1 signature.
func (r *Registry) VerifySignature(ctx context.Context, signer crypto.Address, digest crypto.Hash, sig []byte) bool {
	if impl, ok := r.lookup(signer); ok {
		v, ok := impl.(SignatureValidator)
		if !ok {
			return false
		}
		valid := false
		_ = state.Callout(ctx, func(ctx context.Context) error {
			valid = v.IsValidSignature(ctx, digest, sig)
			return nil
		})
		return valid
	}
	return crypto.VerifySigner(signer, digest, sig)
}
