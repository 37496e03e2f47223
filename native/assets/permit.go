package assets

import (
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"peerlend/core/types"
	"peerlend/crypto"
)

// Permit is a one-shot transfer authorization signed by the asset owner. It
// lets Spender move up to Asset's units from Owner within a single call and
// is consumed by bumping the owner's permit nonce.
type Permit struct {
	Asset     types.Asset    `json:"asset"`
	Owner     crypto.Address `json:"owner"`
	Spender   crypto.Address `json:"spender"`
	Nonce     uint64         `json:"nonce"`
	Deadline  int64          `json:"deadline"`
	Signature []byte         `json:"signature"`
}

type permitFields struct {
	Category uint8
	Contract crypto.Address
	ID       *big.Int
	Amount   *big.Int
	Owner    crypto.Address
	Spender  crypto.Address
	Nonce    uint64
	Deadline uint64
}

var permitTypeTag = []byte("Permit(uint8 category,address contract,uint256 id,uint256 amount,address owner,address spender,uint256 nonce,uint256 deadline)")

// PermitDigest returns the digest an owner signs to authorise p on the ledger
// identified by domain.
func PermitDigest(domain crypto.Hash, p Permit) (crypto.Hash, error) {
	asset := p.Asset.Clone()
	deadline := uint64(0)
	if p.Deadline > 0 {
		deadline = uint64(p.Deadline)
	}
	encoded, err := rlp.EncodeToBytes(&permitFields{
		Category: uint8(asset.Category),
		Contract: asset.Address,
		ID:       asset.ID,
		Amount:   asset.Units(),
		Owner:    p.Owner,
		Spender:  p.Spender,
		Nonce:    p.Nonce,
		Deadline: deadline,
	})
	if err != nil {
		return crypto.Hash{}, err
	}
	structHash := crypto.Keccak256(permitTypeTag, encoded)
	return crypto.Keccak256([]byte{0x19, 0x01}, domain[:], structHash[:]), nil
}

// SignPermit fills p.Signature using key. The permit owner must be the key's
// address.
func SignPermit(domain crypto.Hash, p *Permit, key *crypto.PrivateKey) error {
	digest, err := PermitDigest(domain, *p)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// DomainSeparator identifies one ledger instance for permit signing.
func DomainSeparator(chainID uint64, ledger crypto.Address) crypto.Hash {
	encoded, err := rlp.EncodeToBytes([]interface{}{"peerlend-assets", "1", chainID, ledger})
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256(encoded)
}
