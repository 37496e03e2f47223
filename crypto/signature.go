package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignatureLength = errors.New("crypto: signature must be 64 or 65 bytes")
	ErrInvalidSignature       = errors.New("crypto: invalid signature")
)

// Hash is a 32-byte keccak256 digest.
type Hash [32]byte

// Keccak256 hashes the concatenation of the supplied byte slices.
func Keccak256(data ...[]byte) Hash {
	return Hash(crypto.Keccak256Hash(data...))
}

// Bytes returns a copy of the digest bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

// Hex renders the digest as 0x-prefixed hex.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// MarshalText encodes the digest as 0x-prefixed hex.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText decodes a 32 byte hex digest with an optional 0x prefix.
func (h *Hash) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("crypto: invalid hash: %w", err)
	}
	if len(decoded) != len(h) {
		return fmt.Errorf("crypto: hash must be %d bytes, got %d", len(h), len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// Sign produces a 65-byte [R || S || V] signature over digest with V in {0, 1}.
func Sign(digest Hash, key *PrivateKey) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest[:], key.PrivateKey)
}

// CompactSignature converts a 65-byte signature into the 64-byte EIP-2098
// form where the recovery bit is folded into the top bit of S.
func CompactSignature(sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, ErrInvalidSignatureLength
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	out := make([]byte, 64)
	copy(out, sig[:64])
	if v == 1 {
		out[32] |= 0x80
	}
	return out, nil
}

// RecoverAddress returns the signer of digest. Both 65-byte signatures (V in
// {0, 1} or {27, 28}) and 64-byte compact signatures are accepted.
func RecoverAddress(digest Hash, sig []byte) (Address, error) {
	normalized, err := normalizeSignature(sig)
	if err != nil {
		return Address{}, err
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Address(crypto.PubkeyToAddress(*pub)), nil
}

// VerifySigner reports whether sig is a valid signature over digest produced
// by the key controlling signer.
func VerifySigner(signer Address, digest Hash, sig []byte) bool {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return recovered == signer
}

func normalizeSignature(sig []byte) ([]byte, error) {
	switch len(sig) {
	case 65:
		out := make([]byte, 65)
		copy(out, sig)
		if out[64] >= 27 {
			out[64] -= 27
		}
		if out[64] > 1 {
			return nil, ErrInvalidSignature
		}
		return out, nil
	case 64:
		out := make([]byte, 65)
		copy(out, sig[:64])
		out[64] = sig[32] >> 7
		out[32] &= 0x7f
		return out, nil
	default:
		return nil, ErrInvalidSignatureLength
	}
}
