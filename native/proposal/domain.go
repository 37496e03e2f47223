package proposal

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"peerlend/crypto"
)

const (
	DomainName    = "peerlend"
	DomainVersion = "1"

	multiproposalDomainName = "peerlend-multiproposal"
)

var multiproposalTypeTag = []byte("Multiproposal(bytes32 multiproposalMerkleRoot)")

// DomainSeparator binds signatures to one proposal type on one chain.
func DomainSeparator(chainID uint64, proposalType crypto.Address) crypto.Hash {
	return domainSeparator(DomainName, chainID, proposalType)
}

// MultiproposalDomainSeparator is the fixed domain batch signatures are made
// under. It is shared by every proposal type.
func MultiproposalDomainSeparator(chainID uint64) crypto.Hash {
	return domainSeparator(multiproposalDomainName, chainID, crypto.Address{})
}

func domainSeparator(name string, chainID uint64, verifying crypto.Address) crypto.Hash {
	encoded, err := rlp.EncodeToBytes([]interface{}{name, DomainVersion, chainID, verifying})
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256(encoded)
}

// Digest is keccak256(0x19 0x01 || domain || structHash).
func Digest(domain, structHash crypto.Hash) crypto.Hash {
	return crypto.Keccak256([]byte{0x19, 0x01}, domain[:], structHash[:])
}

// StructHash is keccak256(typeTag || rlp(fields)). fields must be an RLP
// encodable struct pointer whose field order is the canonical order.
func StructHash(typeTag []byte, fields interface{}) (crypto.Hash, error) {
	encoded, err := rlp.EncodeToBytes(fields)
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.Keccak256(typeTag, encoded), nil
}

// MultiproposalHash is the digest signed to authorise every proposal whose
// hash is a leaf of the Merkle tree with the given root.
func MultiproposalHash(chainID uint64, root crypto.Hash) crypto.Hash {
	structHash := crypto.Keccak256(multiproposalTypeTag, root[:])
	return Digest(MultiproposalDomainSeparator(chainID), structHash)
}

// Batch is a signed set of proposal hashes. Proof(i) yields the inclusion
// proof that authorises hashes[i] together with Signature.
type Batch struct {
	Hashes    []crypto.Hash
	Root      crypto.Hash
	Signature []byte
}

// SignBatch builds the Merkle tree over hashes and signs its multiproposal
// digest with key.
func SignBatch(chainID uint64, hashes []crypto.Hash, key *crypto.PrivateKey) (*Batch, error) {
	// A single leaf yields an empty proof, which would be read as a direct
	// signature.
	if len(hashes) < 2 {
		return nil, errors.New("proposal: batch requires at least two proposals")
	}
	root, err := crypto.MerkleRoot(hashes)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(MultiproposalHash(chainID, root), key)
	if err != nil {
		return nil, err
	}
	return &Batch{Hashes: append([]crypto.Hash(nil), hashes...), Root: root, Signature: sig}, nil
}

// Proof returns the authorization for the i-th proposal of the batch.
func (b *Batch) Proof(i int) (Authorization, error) {
	proof, err := crypto.MerkleProof(b.Hashes, i)
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{Signature: append([]byte(nil), b.Signature...), InclusionProof: proof}, nil
}
