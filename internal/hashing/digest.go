// Package hashing builds the canonical packed preimages and Keccak-256 digests
// the settlement layer uses to identify agreements and authorize orders.
package hashing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidFieldType is returned for fields that are not an address, an
// unsigned integer or a fixed-size 32 byte blob.
var ErrInvalidFieldType = errors.New("invalid field type")

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Pack returns the tightly packed encoding of fields: addresses as 20 bytes,
// unsigned integers as 32 byte big-endian words, bytes32 values as-is.
func Pack(fields ...interface{}) ([]byte, error) {
	out := make([]byte, 0, len(fields)*32)
	for i, field := range fields {
		encoded, err := encodeField(field)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out = append(out, encoded...)
	}
	return out, nil
}

// Digest returns keccak256(Pack(fields...)).
func Digest(fields ...interface{}) (common.Hash, error) {
	packed, err := Pack(fields...)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

func encodeField(field interface{}) ([]byte, error) {
	switch v := field.(type) {
	case common.Address:
		return v.Bytes(), nil
	case *common.Address:
		if v == nil {
			return nil, fmt.Errorf("%w: nil address", ErrInvalidFieldType)
		}
		return v.Bytes(), nil
	case common.Hash:
		return v.Bytes(), nil
	case [32]byte:
		return v[:], nil
	case *big.Int:
		return encodeUint(v)
	case uint8:
		return encodeUint(new(big.Int).SetUint64(uint64(v)))
	case uint16:
		return encodeUint(new(big.Int).SetUint64(uint64(v)))
	case uint32:
		return encodeUint(new(big.Int).SetUint64(uint64(v)))
	case uint64:
		return encodeUint(new(big.Int).SetUint64(v))
	case uint:
		return encodeUint(new(big.Int).SetUint64(uint64(v)))
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidFieldType, field)
	}
}

func encodeUint(v *big.Int) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil integer", ErrInvalidFieldType)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative integer %s", ErrInvalidFieldType, v)
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: integer overflows uint256", ErrInvalidFieldType)
	}
	return common.LeftPadBytes(v.Bytes(), 32), nil
}
