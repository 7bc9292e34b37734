// Package order assembles debt orders in the positional layout the debt
// kernel's fill operation expects, keeping signatures bound to the exact
// values they were computed over.
package order

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"loanLedger/internal/hashing"
	"loanLedger/internal/signing"
)

// Signature slots in the fill call.
const (
	IndexDebtor      = 0
	IndexCreditor    = 1
	IndexUnderwriter = 2
)

var (
	// ErrDigestMismatch means the order values no longer hash to the signed digests.
	ErrDigestMismatch = errors.New("order digests do not match current values")
	// ErrSignatureMismatch means a signature slot does not hold the expected party's signature.
	ErrSignatureMismatch = errors.New("signature does not match order party")
)

// Params are the caller supplied values of one fill attempt.
type Params struct {
	Kernel                common.Address
	Version               common.Address
	Debtor                common.Address
	Creditor              common.Address
	Underwriter           common.Address
	UnderwriterRiskRating *big.Int
	TermsContract         common.Address
	TermsParameters       common.Hash
	Salt                  *big.Int
	PrincipalToken        common.Address
	PrincipalAmount       *big.Int
	UnderwriterFee        *big.Int
	Relayer               common.Address
	RelayerFee            *big.Int
	CreditorFee           *big.Int
	DebtorFee             *big.Int
	Expiration            *big.Int
}

func (p Params) clone() Params {
	out := p
	out.UnderwriterRiskRating = orZero(p.UnderwriterRiskRating)
	out.Salt = orZero(p.Salt)
	out.PrincipalAmount = orZero(p.PrincipalAmount)
	out.UnderwriterFee = orZero(p.UnderwriterFee)
	out.RelayerFee = orZero(p.RelayerFee)
	out.CreditorFee = orZero(p.CreditorFee)
	out.DebtorFee = orZero(p.DebtorFee)
	out.Expiration = orZero(p.Expiration)
	return out
}

func (p Params) validate() error {
	if p.Debtor == (common.Address{}) {
		return fmt.Errorf("debtor is required")
	}
	if p.Creditor == (common.Address{}) {
		return fmt.Errorf("creditor is required")
	}
	if p.Kernel == (common.Address{}) {
		return fmt.Errorf("kernel address is required")
	}
	if p.TermsContract == (common.Address{}) {
		return fmt.Errorf("terms contract is required")
	}
	if p.PrincipalAmount == nil || p.PrincipalAmount.Sign() <= 0 {
		return fmt.Errorf("principal amount must be positive")
	}
	return nil
}

// Digests are the three hashes an order's authorizations are bound to.
type Digests struct {
	AgreementID     common.Hash `json:"agreement_id"`
	OrderHash       common.Hash `json:"order_hash"`
	UnderwriterHash common.Hash `json:"underwriter_hash"`
}

func (p Params) digests() (Digests, error) {
	agreementID, err := hashing.AgreementID(p.Version, p.Debtor, p.Underwriter, p.UnderwriterRiskRating, p.TermsContract, p.TermsParameters, p.Salt)
	if err != nil {
		return Digests{}, fmt.Errorf("agreement id: %w", err)
	}
	orderHash, err := hashing.OrderHash(p.Kernel, agreementID, p.UnderwriterFee, p.PrincipalAmount, p.PrincipalToken, p.DebtorFee, p.CreditorFee, p.Relayer, p.RelayerFee, p.Expiration)
	if err != nil {
		return Digests{}, fmt.Errorf("order hash: %w", err)
	}
	underwriterHash, err := hashing.UnderwriterMessageHash(agreementID, p.UnderwriterFee, p.PrincipalAmount, p.PrincipalToken, p.Expiration)
	if err != nil {
		return Digests{}, fmt.Errorf("underwriter hash: %w", err)
	}
	return Digests{AgreementID: agreementID, OrderHash: orderHash, UnderwriterHash: underwriterHash}, nil
}

// Authorizer produces one party's authorization over a digest.
type Authorizer interface {
	Authorize(ctx context.Context, signer common.Address, digest common.Hash) (signing.Authorization, error)
}

// Draft is a hashed but unsigned order. It owns a private copy of its values.
type Draft struct {
	params  Params
	digests Digests
}

// Prepare copies params and computes the digests that must be signed.
func Prepare(params Params) (*Draft, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	p := params.clone()
	digests, err := p.digests()
	if err != nil {
		return nil, err
	}
	return &Draft{params: p, digests: digests}, nil
}

// Digests returns the digests of the draft.
func (d *Draft) Digests() Digests {
	return d.digests
}

// Params returns a copy of the draft values.
func (d *Draft) Params() Params {
	return d.params.clone()
}

// Authorize collects the debtor, creditor and underwriter authorizations in slot order.
func (d *Draft) Authorize(ctx context.Context, authorizer Authorizer) ([3]signing.Authorization, error) {
	var auths [3]signing.Authorization
	if authorizer == nil {
		return auths, fmt.Errorf("authorizer is nil")
	}

	var err error
	auths[IndexDebtor], err = authorizer.Authorize(ctx, d.params.Debtor, d.digests.OrderHash)
	if err != nil {
		return auths, fmt.Errorf("debtor authorization: %w", err)
	}
	auths[IndexCreditor], err = authorizer.Authorize(ctx, d.params.Creditor, d.digests.OrderHash)
	if err != nil {
		return auths, fmt.Errorf("creditor authorization: %w", err)
	}
	if d.params.Underwriter != (common.Address{}) {
		auths[IndexUnderwriter], err = authorizer.Authorize(ctx, d.params.Underwriter, d.digests.UnderwriterHash)
		if err != nil {
			return auths, fmt.Errorf("underwriter authorization: %w", err)
		}
	}
	return auths, nil
}

// Assemble binds auths to the draft after re-hashing its values and checking
// every signature slot against the expected party.
func (d *Draft) Assemble(auths [3]signing.Authorization) (*Order, error) {
	o := &Order{params: d.params.clone(), digests: d.digests, auths: auths}
	if err := o.Verify(); err != nil {
		return nil, err
	}
	return o, nil
}

// Order is an assembled, signed debt order. It is immutable; changing any
// value requires a new Draft and fresh signatures.
type Order struct {
	params  Params
	digests Digests
	auths   [3]signing.Authorization
}

// Verify re-hashes the order values and re-checks each signature slot.
func (o *Order) Verify() error {
	current, err := o.params.digests()
	if err != nil {
		return err
	}
	if current != o.digests {
		return ErrDigestMismatch
	}

	expected := [3]struct {
		signer common.Address
		digest common.Hash
	}{
		IndexDebtor:      {o.params.Debtor, o.digests.OrderHash},
		IndexCreditor:    {o.params.Creditor, o.digests.OrderHash},
		IndexUnderwriter: {o.params.Underwriter, o.digests.UnderwriterHash},
	}

	for i, exp := range expected {
		auth := o.auths[i]
		if i == IndexUnderwriter && exp.signer == (common.Address{}) {
			if !auth.Signature.IsNull() {
				return fmt.Errorf("%w: slot %d: signature without underwriter", ErrSignatureMismatch, i)
			}
			continue
		}
		if auth.Signer != exp.signer {
			return fmt.Errorf("%w: slot %d holds %s, want %s", ErrSignatureMismatch, i, auth.Signer.Hex(), exp.signer.Hex())
		}
		if auth.Delegated {
			if !auth.Signature.IsNull() {
				return fmt.Errorf("%w: slot %d: delegated authorization carries a signature", ErrSignatureMismatch, i)
			}
			continue
		}
		recovered, err := signing.Recover(exp.digest, auth.Signature)
		if err != nil {
			return fmt.Errorf("%w: slot %d: %v", ErrSignatureMismatch, i, err)
		}
		if recovered != exp.signer {
			return fmt.Errorf("%w: slot %d signed by %s, want %s", ErrSignatureMismatch, i, recovered.Hex(), exp.signer.Hex())
		}
	}
	return nil
}

// Digests returns the digests the order was signed over.
func (o *Order) Digests() Digests { return o.digests }

// AgreementID returns the agreement the order creates.
func (o *Order) AgreementID() common.Hash { return o.digests.AgreementID }

// Params returns a copy of the order values.
func (o *Order) Params() Params { return o.params.clone() }

// Creditor returns the creditor address.
func (o *Order) Creditor() common.Address { return o.params.Creditor }

// CreditorDelegated reports whether the creditor authorizes by delegated call.
func (o *Order) CreditorDelegated() bool { return o.auths[IndexCreditor].Delegated }

// Authorizations returns the signature slots.
func (o *Order) Authorizations() [3]signing.Authorization { return o.auths }

// Addresses returns [version, debtor, underwriter, termsContract, principalToken, relayer].
func (o *Order) Addresses() [6]common.Address { return o.params.Addresses() }

// Values returns the numeric order values in call order.
func (o *Order) Values() [8]*big.Int { return o.params.Values() }

// Blobs returns [termsContractParameters].
func (o *Order) Blobs() [1][32]byte { return o.params.Blobs() }

// Addresses returns [version, debtor, underwriter, termsContract, principalToken, relayer].
func (p Params) Addresses() [6]common.Address {
	return [6]common.Address{p.Version, p.Debtor, p.Underwriter, p.TermsContract, p.PrincipalToken, p.Relayer}
}

// Values returns [riskRating, salt, principalAmount, underwriterFee, relayerFee,
// creditorFee, debtorFee, expiration] as fresh copies.
func (p Params) Values() [8]*big.Int {
	c := p.clone()
	return [8]*big.Int{
		c.UnderwriterRiskRating,
		c.Salt,
		c.PrincipalAmount,
		c.UnderwriterFee,
		c.RelayerFee,
		c.CreditorFee,
		c.DebtorFee,
		c.Expiration,
	}
}

// Blobs returns [termsContractParameters].
func (p Params) Blobs() [1][32]byte {
	return [1][32]byte{p.TermsParameters}
}

// SigV returns the v values in slot order.
func (o *Order) SigV() [3]uint8 {
	var out [3]uint8
	for i, a := range o.auths {
		out[i] = a.Signature.V
	}
	return out
}

// SigR returns the r values in slot order.
func (o *Order) SigR() [3][32]byte {
	var out [3][32]byte
	for i, a := range o.auths {
		out[i] = a.Signature.R
	}
	return out
}

// SigS returns the s values in slot order.
func (o *Order) SigS() [3][32]byte {
	var out [3][32]byte
	for i, a := range o.auths {
		out[i] = a.Signature.S
	}
	return out
}
