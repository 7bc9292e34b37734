package signing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// CodeReader reports the deployed bytecode at an address.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// HashSigner signs a 32 byte hash with the key of addr.
type HashSigner interface {
	SignHash(addr common.Address, hash []byte) ([]byte, error)
}

// Collector authorizes digests on behalf of debtors, creditors and underwriters.
type Collector struct {
	code   CodeReader
	signer HashSigner
	logger *zap.Logger
}

// NewCollector builds a Collector. A nil code reader treats every signer as a key holder.
func NewCollector(code CodeReader, signer HashSigner, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{code: code, signer: signer, logger: logger}
}

// Authorize returns signer's authorization over digest. Contract signers get
// the null signature with Delegated set; the caller must route the fill
// through the contract instead.
func (c *Collector) Authorize(ctx context.Context, signer common.Address, digest common.Hash) (Authorization, error) {
	if signer == (common.Address{}) {
		return Authorization{}, fmt.Errorf("signer address is required")
	}

	if c.code != nil {
		code, err := c.code.CodeAt(ctx, signer, nil)
		if err != nil {
			return Authorization{}, fmt.Errorf("code at %s: %w", signer.Hex(), err)
		}
		if len(code) > 0 {
			c.logger.Debug("contract signer, delegated authorization", zap.String("signer", signer.Hex()))
			return Authorization{Signer: signer, Signature: NullSignature, Delegated: true}, nil
		}
	}

	if c.signer == nil {
		return Authorization{}, fmt.Errorf("%w: no key store", ErrSigningUnavailable)
	}
	raw, err := c.signer.SignHash(signer, SignedHash(digest))
	if err != nil {
		return Authorization{}, err
	}
	sig, err := SignatureFromBytes(raw)
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	c.logger.Debug("digest signed", zap.String("signer", signer.Hex()), zap.String("digest", digest.Hex()))
	return Authorization{Signer: signer, Signature: sig}, nil
}
