package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Key derives a storage key for a record: keccak256(prefix || parts...).
func Key(prefix string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(prefix)+32*len(parts))
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

// Uint64Key renders v as an 8 byte big-endian key part.
func Uint64Key(v uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out[:]
}

// WordKey renders v as a 32 byte big-endian key part. Nil is treated as zero.
func WordKey(v *big.Int) []byte {
	out := make([]byte, 32)
	if v != nil {
		v.FillBytes(out)
	}
	return out
}

// GetRLP decodes the record stored under key into out. It reports false when
// the key is absent.
func GetRLP(kv KV, key []byte, out interface{}) (bool, error) {
	raw, err := kv.Get(key)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode record: %w", err)
	}
	return true, nil
}

// PutRLP encodes value and stages it under key.
func PutRLP(kv KV, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode record: %w", err)
	}
	return kv.Put(key, encoded)
}

// GetBig reads a big integer stored as its big-endian bytes. Missing keys
// yield zero.
func GetBig(kv KV, key []byte) (*big.Int, error) {
	raw, err := kv.Get(key)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// PutBig stores v as big-endian bytes. Zero values delete the key.
func PutBig(kv KV, key []byte, v *big.Int) error {
	if v == nil || v.Sign() == 0 {
		return kv.Delete(key)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("state: negative value for key %x", key)
	}
	return kv.Put(key, v.Bytes())
}

// GetUint64 reads an 8 byte counter. Missing keys yield zero.
func GetUint64(kv KV, key []byte) (uint64, error) {
	raw, err := kv.Get(key)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: malformed counter under %x", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// PutUint64 stores an 8 byte counter.
func PutUint64(kv KV, key []byte, v uint64) error {
	return kv.Put(key, Uint64Key(v))
}
