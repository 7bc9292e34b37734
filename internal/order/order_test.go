package order

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"loanLedger/internal/hashing"
	"loanLedger/internal/model"
	"loanLedger/internal/signing"
)

type keyAuthorizer struct {
	keys      map[common.Address]*ecdsa.PrivateKey
	delegated map[common.Address]bool
}

func (k keyAuthorizer) Authorize(_ context.Context, signer common.Address, digest common.Hash) (signing.Authorization, error) {
	if k.delegated[signer] {
		return signing.Authorization{Signer: signer, Signature: signing.NullSignature, Delegated: true}, nil
	}
	key, ok := k.keys[signer]
	if !ok {
		return signing.Authorization{}, fmt.Errorf("no key for %s", signer.Hex())
	}
	raw, err := crypto.Sign(signing.SignedHash(digest), key)
	if err != nil {
		return signing.Authorization{}, err
	}
	sig, err := signing.SignatureFromBytes(raw)
	if err != nil {
		return signing.Authorization{}, err
	}
	return signing.Authorization{Signer: signer, Signature: sig}, nil
}

type parties struct {
	debtor, creditor, underwriter common.Address
	auth                          keyAuthorizer
}

func newParties(t *testing.T) parties {
	t.Helper()
	auth := keyAuthorizer{keys: map[common.Address]*ecdsa.PrivateKey{}, delegated: map[common.Address]bool{}}
	var addrs [3]common.Address
	for i := range addrs {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addrs[i] = crypto.PubkeyToAddress(key.PublicKey)
		auth.keys[addrs[i]] = key
	}
	return parties{debtor: addrs[0], creditor: addrs[1], underwriter: addrs[2], auth: auth}
}

func testParams(p parties) Params {
	return Params{
		Kernel:                common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Version:               common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		Debtor:                p.debtor,
		Creditor:              p.creditor,
		Underwriter:           p.underwriter,
		UnderwriterRiskRating: big.NewInt(10),
		TermsContract:         common.HexToAddress("0x00000000000000000000000000000000000000a3"),
		TermsParameters:       common.HexToHash("0x01"),
		Salt:                  big.NewInt(42),
		PrincipalToken:        common.HexToAddress("0x00000000000000000000000000000000000000a4"),
		PrincipalAmount:       big.NewInt(1000),
		UnderwriterFee:        big.NewInt(5),
		Relayer:               common.HexToAddress("0x00000000000000000000000000000000000000a5"),
		RelayerFee:            big.NewInt(3),
		CreditorFee:           big.NewInt(2),
		DebtorFee:             big.NewInt(1),
		Expiration:            big.NewInt(1_700_000_000),
	}
}

func TestPrepareComputesDigests(t *testing.T) {
	p := newParties(t)
	params := testParams(p)
	draft, err := Prepare(params)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	id, _ := hashing.AgreementID(params.Version, params.Debtor, params.Underwriter, params.UnderwriterRiskRating, params.TermsContract, params.TermsParameters, params.Salt)
	if draft.Digests().AgreementID != id {
		t.Fatalf("agreement id mismatch")
	}
	oh, _ := hashing.OrderHash(params.Kernel, id, params.UnderwriterFee, params.PrincipalAmount, params.PrincipalToken, params.DebtorFee, params.CreditorFee, params.Relayer, params.RelayerFee, params.Expiration)
	if draft.Digests().OrderHash != oh {
		t.Fatalf("order hash mismatch")
	}
	uh, _ := hashing.UnderwriterMessageHash(id, params.UnderwriterFee, params.PrincipalAmount, params.PrincipalToken, params.Expiration)
	if draft.Digests().UnderwriterHash != uh {
		t.Fatalf("underwriter hash mismatch")
	}
}

func TestPrepareRejectsMissingParties(t *testing.T) {
	p := newParties(t)
	params := testParams(p)
	params.Creditor = common.Address{}
	if _, err := Prepare(params); err == nil {
		t.Fatalf("expected error for missing creditor")
	}
	params = testParams(p)
	params.PrincipalAmount = big.NewInt(0)
	if _, err := Prepare(params); err == nil {
		t.Fatalf("expected error for zero principal")
	}
}

func TestAssembleLayout(t *testing.T) {
	p := newParties(t)
	params := testParams(p)
	draft, err := Prepare(params)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	auths, err := draft.Authorize(context.Background(), p.auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	o, err := draft.Assemble(auths)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	addrs := o.Addresses()
	want := [6]common.Address{params.Version, params.Debtor, params.Underwriter, params.TermsContract, params.PrincipalToken, params.Relayer}
	if addrs != want {
		t.Fatalf("addresses = %v, want %v", addrs, want)
	}
	values := o.Values()
	wantValues := []int64{10, 42, 1000, 5, 3, 2, 1, 1_700_000_000}
	for i, v := range wantValues {
		if values[i].Int64() != v {
			t.Fatalf("values[%d] = %s, want %d", i, values[i], v)
		}
	}
	if o.Blobs()[0] != [32]byte(params.TermsParameters) {
		t.Fatalf("blob mismatch")
	}
	for i, v := range o.SigV() {
		if v != 27 && v != 28 {
			t.Fatalf("sigV[%d] = %d", i, v)
		}
	}
	if o.AgreementID() != draft.Digests().AgreementID {
		t.Fatalf("agreement id mismatch")
	}
}

func TestAssembleRejectsSwappedSignatures(t *testing.T) {
	p := newParties(t)
	draft, err := Prepare(testParams(p))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	auths, err := draft.Authorize(context.Background(), p.auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	auths[IndexDebtor], auths[IndexCreditor] = auths[IndexCreditor], auths[IndexDebtor]
	if _, err := draft.Assemble(auths); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestSignaturesDoNotCarryAcrossValues(t *testing.T) {
	p := newParties(t)
	first, err := Prepare(testParams(p))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	auths, err := first.Authorize(context.Background(), p.auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	changed := testParams(p)
	changed.PrincipalAmount = big.NewInt(1001)
	second, err := Prepare(changed)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := second.Assemble(auths); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestDraftOwnsItsValues(t *testing.T) {
	p := newParties(t)
	params := testParams(p)
	draft, err := Prepare(params)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	before := draft.Digests()
	params.PrincipalAmount.SetInt64(5)
	params.Salt.SetInt64(7)

	auths, err := draft.Authorize(context.Background(), p.auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	o, err := draft.Assemble(auths)
	if err != nil {
		t.Fatalf("assemble after caller mutation: %v", err)
	}
	if o.Digests() != before {
		t.Fatalf("digests changed after caller mutation")
	}
	o.Values()[2].SetInt64(1)
	if err := o.Verify(); err != nil {
		t.Fatalf("verify after accessor mutation: %v", err)
	}
}

func TestDelegatedCreditor(t *testing.T) {
	p := newParties(t)
	p.auth.delegated[p.creditor] = true
	draft, err := Prepare(testParams(p))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	auths, err := draft.Authorize(context.Background(), p.auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	o, err := draft.Assemble(auths)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !o.CreditorDelegated() {
		t.Fatalf("expected delegated creditor")
	}
	if o.SigV()[IndexCreditor] != 0 || o.SigR()[IndexCreditor] != ([32]byte{}) {
		t.Fatalf("expected null creditor signature")
	}
}

func TestNoUnderwriter(t *testing.T) {
	p := newParties(t)
	params := testParams(p)
	params.Underwriter = common.Address{}
	params.UnderwriterFee = big.NewInt(0)
	draft, err := Prepare(params)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	auths, err := draft.Authorize(context.Background(), p.auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !auths[IndexUnderwriter].Signature.IsNull() {
		t.Fatalf("expected null underwriter slot")
	}
	if _, err := draft.Assemble(auths); err != nil {
		t.Fatalf("assemble: %v", err)
	}
}

func TestTermsPacking(t *testing.T) {
	terms := model.Terms{
		PrincipalTokenIndex:  2,
		PrincipalAmount:      big.NewInt(1000),
		InterestRate:         52_500,
		AmortizationUnitType: AmortizationMonths,
		TermLength:           12,
		CollateralTokenIndex: 3,
		CollateralAmount:     big.NewInt(500),
		GracePeriodInDays:    7,
	}
	packed, err := PackTerms(terms)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if packed[0] != 2 {
		t.Fatalf("principal token index must occupy the top byte, got %x", packed[0])
	}
	if packed[31] != 7 {
		t.Fatalf("grace period must occupy the low byte, got %x", packed[31])
	}
	got := UnpackTerms(packed)
	if got.PrincipalAmount.Cmp(terms.PrincipalAmount) != 0 || got.CollateralAmount.Cmp(terms.CollateralAmount) != 0 {
		t.Fatalf("amounts = %s/%s", got.PrincipalAmount, got.CollateralAmount)
	}
	if got.InterestRate != terms.InterestRate || got.TermLength != terms.TermLength || got.AmortizationUnitType != terms.AmortizationUnitType {
		t.Fatalf("terms = %+v", got)
	}

	terms.PrincipalAmount = new(big.Int).Lsh(big.NewInt(1), 96)
	if _, err := PackTerms(terms); err == nil {
		t.Fatalf("expected overflow error")
	}
}
