package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"peerlend/core/types"
	"peerlend/crypto"
)

const (
	KindSimple   = "simple"
	KindFungible = "fungible"
)

// Proposal is implemented by every concrete proposal structure.
type Proposal interface {
	Kind() string
	ProposerAddress() crypto.Address
}

// Values are acceptor-chosen inputs some proposal types require.
type Values struct {
	// CollateralAmount is the amount of collateral the acceptor commits to a
	// fungible proposal.
	CollateralAmount *big.Int `json:"collateralAmount,omitempty"`
}

// Terms are the loan terms a proposal type hands to the lifecycle engine
// after a successful acceptance.
type Terms struct {
	Lender              crypto.Address
	Borrower            crypto.Address
	Duration            uint64
	Collateral          types.Asset
	Credit              types.Asset
	FixedInterestAmount *big.Int
	AccruingInterestAPR uint32
	ProposalHash        crypto.Hash
	ProposalType        crypto.Address
	Proposer            crypto.Address
	NonceSpace          uint64
	Nonce               *big.Int
}

// Type is a proposal type as seen by the lifecycle engine.
type Type interface {
	Address() crypto.Address
	Hash(p Proposal) (crypto.Hash, error)
	Make(caller crypto.Address, p Proposal) (crypto.Hash, error)
	Accept(ctx context.Context, caller, acceptor crypto.Address, p Proposal, values Values, auth Authorization) (*Terms, error)
}

// Decode parses a JSON proposal of the given kind.
func Decode(kind string, raw json.RawMessage) (Proposal, error) {
	switch kind {
	case KindSimple:
		p := new(Simple)
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
		}
		return p, nil
	case KindFungible:
		p := new(Fungible)
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func partiesFor(isOffer bool, proposer, acceptor crypto.Address) (lender, borrower crypto.Address) {
	if isOffer {
		return proposer, acceptor
	}
	return acceptor, proposer
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
