// Package signing obtains authorizations over digests, either as ECDSA
// signatures from key store accounts or as delegated approvals for contracts.
package signing

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSigningUnavailable is returned when the key store cannot produce a signature.
var ErrSigningUnavailable = errors.New("signing unavailable")

// Signature is an ECDSA signature split into its (v, r, s) parts, v in {27, 28}.
type Signature struct {
	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// NullSignature stands in for parties that authorize by delegated call.
var NullSignature = Signature{}

// IsNull reports whether s is the null signature.
func (s Signature) IsNull() bool {
	return s == NullSignature
}

// SignatureFromBytes splits a 65 byte [R || S || V] signature. V may be 0/1 or 27/28.
func SignatureFromBytes(raw []byte) (Signature, error) {
	if len(raw) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("signature length %d", len(raw))
	}
	v := raw[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return Signature{}, fmt.Errorf("invalid recovery id %d", raw[64])
	}
	return Signature{
		V: v,
		R: common.BytesToHash(raw[:32]),
		S: common.BytesToHash(raw[32:64]),
	}, nil
}

func (s Signature) recoverable() []byte {
	out := make([]byte, crypto.SignatureLength)
	copy(out[:32], s.R.Bytes())
	copy(out[32:64], s.S.Bytes())
	out[64] = s.V - 27
	return out
}

// Authorization is one party's consent to a digest.
type Authorization struct {
	Signer    common.Address `json:"signer"`
	Signature Signature      `json:"signature"`
	Delegated bool           `json:"delegated"`
}

// SignedHash returns the EIP-191 personal message hash that is actually signed.
func SignedHash(digest common.Hash) []byte {
	return accounts.TextHash(digest.Bytes())
}

// Recover returns the address that produced sig over digest.
func Recover(digest common.Hash, sig Signature) (common.Address, error) {
	if sig.IsNull() {
		return common.Address{}, fmt.Errorf("null signature")
	}
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, fmt.Errorf("invalid v %d", sig.V)
	}
	pub, err := crypto.SigToPub(SignedHash(digest), sig.recoverable())
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
