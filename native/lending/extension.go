package lending

import (
	"context"
	"math"
	"math/big"

	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/assets"
	"peerlend/native/proposal"
)

var extensionTypeTag = []byte("ExtensionProposal(uint256 loanId,address compensationAddress,uint256 compensationAmount,uint64 duration,uint64 expiration,address proposer,uint64 nonceSpace,uint256 nonce)")

// Extension proposes pushing a running loan's default timestamp forward in
// exchange for an optional compensation paid by the borrower to the claim
// token holder. It is proposed by one of the two and accepted by the other.
type Extension struct {
	LoanID              uint64         `json:"loanId"`
	CompensationAddress crypto.Address `json:"compensationAddress"`
	CompensationAmount  *big.Int       `json:"compensationAmount"`
	Duration            uint64         `json:"duration"`
	Expiration          uint64         `json:"expiration"`
	Proposer            crypto.Address `json:"proposer"`
	NonceSpace          uint64         `json:"nonceSpace"`
	Nonce               *big.Int       `json:"nonce"`
}

// ExtendRequest is the input of ExtendLoan.
type ExtendRequest struct {
	Extension Extension `json:"extension"`
	Signature []byte    `json:"signature,omitempty"`
	// CompensationPermit authorises the compensation pull from the borrower
	// when no standing approval exists.
	CompensationPermit *assets.Permit `json:"compensationPermit,omitempty"`
}

func extensionMadeKey(hash crypto.Hash) []byte {
	return state.Key("lending/extension/made/", hash[:])
}

// ExtensionHash returns the digest the proposer of ext signs. It is bound to
// this engine and chain.
func (e *Engine) ExtensionHash(ext Extension) (crypto.Hash, error) {
	return ExtensionDigest(e.chainID, e.address, ext)
}

// ExtensionDigest computes the extension signing digest for the engine at
// address on chainID without an engine instance.
func ExtensionDigest(chainID uint64, address crypto.Address, ext Extension) (crypto.Hash, error) {
	fields := ext
	fields.CompensationAmount = nonNil(ext.CompensationAmount)
	fields.Nonce = nonNil(ext.Nonce)
	structHash, err := proposal.StructHash(extensionTypeTag, &fields)
	if err != nil {
		return crypto.Hash{}, err
	}
	return proposal.Digest(proposal.DomainSeparator(chainID, address), structHash), nil
}

// MakeExtensionProposal records ext as made on-ledger by its proposer, so it
// can be accepted without a signature.
func (e *Engine) MakeExtensionProposal(ctx context.Context, caller crypto.Address, ext Extension) (crypto.Hash, error) {
	var hash crypto.Hash
	err := e.execute(ctx, "make_extension", caller, func(ctx context.Context, _ int64) error {
		if caller != ext.Proposer {
			return ErrCallerNotProposer
		}
		var err error
		hash, err = e.ExtensionHash(ext)
		if err != nil {
			return err
		}
		store := e.manager.Store()
		if err := store.Put(extensionMadeKey(hash), ext.Proposer.Bytes()); err != nil {
			return err
		}
		store.Emit(newExtensionMadeEvent(&ext, hash))
		return nil
	})
	return hash, err
}

// ExtendLoan accepts an extension proposal for a running loan: the proposer
// must be the borrower or the current claim token holder and the caller the
// other one. The proposal nonce is consumed, the compensation relayed from
// the borrower to the holder and the default timestamp pushed forward.
func (e *Engine) ExtendLoan(ctx context.Context, caller crypto.Address, req ExtendRequest) error {
	ext := req.Extension
	return e.execute(ctx, "extend", caller, func(ctx context.Context, now int64) error {
		if ext.Nonce == nil {
			return ErrMissingField
		}
		loan, err := e.load(ext.LoanID)
		if err != nil {
			return err
		}
		status, err := e.status(ctx, loan, now)
		if err != nil {
			return err
		}
		if status != StatusRunning {
			return ErrLoanNotRunning
		}
		holder, err := e.token.OwnerOf(loan.ID)
		if err != nil {
			return err
		}
		switch ext.Proposer {
		case loan.Borrower:
			if caller != holder {
				return ErrInvalidExtensionCaller
			}
		case holder:
			if caller != loan.Borrower {
				return ErrInvalidExtensionCaller
			}
		default:
			return ErrInvalidExtensionSigner
		}
		hash, err := e.ExtensionHash(ext)
		if err != nil {
			return err
		}
		if err := e.authorizeExtension(ctx, hash, ext.Proposer, req.Signature); err != nil {
			return err
		}
		if now < 0 || uint64(now) >= ext.Expiration {
			return ErrExtensionExpired
		}
		if ext.Duration < e.config.MinExtensionDuration || ext.Duration > e.config.MaxExtensionDuration ||
			ext.Duration > uint64(math.MaxInt64-loan.DefaultTimestamp) {
			return ErrInvalidExtensionDuration
		}
		usable, err := e.nonces.IsUsable(ext.Proposer, ext.NonceSpace, ext.Nonce)
		if err != nil {
			return err
		}
		if !usable {
			return ErrExtensionNonceRevoked
		}
		if err := e.nonces.RevokeNonceFor(e.address, ext.Proposer, ext.NonceSpace, ext.Nonce); err != nil {
			return err
		}
		compensation := nonNil(ext.CompensationAmount)
		if compensation.Sign() > 0 {
			asset := types.Fungible(ext.CompensationAddress, compensation)
			if !e.assets.Valid(asset) {
				return ErrInvalidCompensation
			}
			if err := e.vault.Relay(ctx, asset, loan.Borrower, holder, req.CompensationPermit); err != nil {
				return err
			}
		}
		loan.DefaultTimestamp += int64(ext.Duration)
		if err := e.save(loan); err != nil {
			return err
		}
		e.manager.Store().Emit(newExtendedEvent(loan, hash, ext.Duration, compensation))
		return nil
	})
}

func (e *Engine) authorizeExtension(ctx context.Context, hash crypto.Hash, proposer crypto.Address, sig []byte) error {
	raw, err := e.manager.Store().Get(extensionMadeKey(hash))
	if err != nil {
		return err
	}
	if len(raw) == crypto.AddressLength && crypto.BytesToAddress(raw) == proposer {
		return nil
	}
	if e.accounts.VerifySignature(ctx, proposer, hash, sig) {
		return nil
	}
	return ErrInvalidExtensionAuth
}
