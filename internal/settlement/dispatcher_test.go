package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"loanLedger/internal/contracts"
	"loanLedger/internal/model"
	"loanLedger/internal/order"
	"loanLedger/internal/signing"
)

var testChainID = big.NewInt(1337)

type callHandler func(args []interface{}) []interface{}

type fakeBackend struct {
	mu          sync.Mutex
	estimateErr error
	status      uint64
	mine        bool
	head        uint64
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	views       map[string]callHandler
	agents      map[string][]common.Address
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status:   types.ReceiptStatusSuccessful,
		mine:     true,
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
		views:    make(map[string]callHandler),
		agents:   make(map[string][]common.Address),
	}
}

func methodFor(data []byte) (*abi.Method, error) {
	for _, fn := range []func() (abi.ABI, error){
		contracts.DebtKernelABI,
		contracts.RepaymentRouterABI,
		contracts.CollateralizerABI,
		contracts.TermsContractABI,
		contracts.DebtRegistryABI,
		contracts.DebtTokenABI,
		contracts.TokenTransferProxyABI,
	} {
		parsed, err := fn()
		if err != nil {
			return nil, err
		}
		if m, err := parsed.MethodById(data); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", data[:4])
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := methodFor(msg.Data)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasPrefix(m.Name, "getAuthorized") {
		return m.Outputs.Pack(append([]common.Address(nil), f.agents[agentKey(*msg.To, m.Name)]...))
	}
	h, ok := f.views[m.Name]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", m.Name)
	}
	return m.Outputs.Pack(h(args)...)
}

func agentKey(contract common.Address, method string) string {
	capability := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(method, "getAuthorized"), "addAuthorized"), "Agents")
	capability = strings.TrimSuffix(capability, "Agent")
	return contract.Hex() + ":" + capability
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(f.head), Time: 1_700_000_000}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if m, err := methodFor(tx.Data()); err == nil && strings.HasPrefix(m.Name, "addAuthorized") {
		args, err := m.Inputs.Unpack(tx.Data()[4:])
		if err == nil {
			key := agentKey(*tx.To(), m.Name)
			f.agents[key] = append(f.agents[key], args[0].(common.Address))
		}
	}
	if f.mine {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      f.status,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(f.head),
			GasUsed:     90_000,
		}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) lastSent(t *testing.T) *types.Transaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("no transaction sent")
	}
	return f.sent[len(f.sent)-1]
}

func keySigner(key *ecdsa.PrivateKey) signing.TxSigner {
	return func(_ common.Address, tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	}
}

type keyAuthorizer struct {
	keys      map[common.Address]*ecdsa.PrivateKey
	delegated map[common.Address]bool
}

func (k keyAuthorizer) Authorize(_ context.Context, signer common.Address, digest common.Hash) (signing.Authorization, error) {
	if k.delegated[signer] {
		return signing.Authorization{Signer: signer, Signature: signing.NullSignature, Delegated: true}, nil
	}
	raw, err := crypto.Sign(signing.SignedHash(digest), k.keys[signer])
	if err != nil {
		return signing.Authorization{}, err
	}
	sig, err := signing.SignatureFromBytes(raw)
	return signing.Authorization{Signer: signer, Signature: sig}, err
}

var testContracts = Contracts{
	DebtKernel:         common.HexToAddress("0x00000000000000000000000000000000000000b1"),
	DebtRegistry:       common.HexToAddress("0x00000000000000000000000000000000000000b2"),
	DebtToken:          common.HexToAddress("0x00000000000000000000000000000000000000b3"),
	RepaymentRouter:    common.HexToAddress("0x00000000000000000000000000000000000000b4"),
	TokenTransferProxy: common.HexToAddress("0x00000000000000000000000000000000000000b5"),
	Collateralizer:     common.HexToAddress("0x00000000000000000000000000000000000000b6"),
	TermsContract:      common.HexToAddress("0x00000000000000000000000000000000000000b7"),
}

func testOrder(t *testing.T, delegatedCreditor bool) *order.Order {
	t.Helper()
	auth := keyAuthorizer{keys: map[common.Address]*ecdsa.PrivateKey{}, delegated: map[common.Address]bool{}}
	var addrs [2]common.Address
	for i := range addrs {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addrs[i] = crypto.PubkeyToAddress(key.PublicKey)
		auth.keys[addrs[i]] = key
	}
	if delegatedCreditor {
		auth.delegated[addrs[1]] = true
	}
	draft, err := order.Prepare(order.Params{
		Kernel:          testContracts.DebtKernel,
		Version:         testContracts.RepaymentRouter,
		Debtor:          addrs[0],
		Creditor:        addrs[1],
		TermsContract:   testContracts.TermsContract,
		TermsParameters: common.HexToHash("0x02"),
		Salt:            big.NewInt(9),
		PrincipalAmount: big.NewInt(1000),
		Expiration:      big.NewInt(2_000_000_000),
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	auths, err := draft.Authorize(context.Background(), auth)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	o, err := draft.Assemble(auths)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return o
}

func newTestDispatcher(t *testing.T, backend *fakeBackend, signer signing.TxSigner, opts Options) *Dispatcher {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if signer == nil {
		signer = keySigner(key)
	}
	return NewDispatcher(backend, testContracts, crypto.PubkeyToAddress(key.PublicKey), signer, opts, nil, nil)
}

func TestSubmitFillsThroughKernel(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDispatcher(t, backend, nil, Options{})
	o := testOrder(t, false)

	receipt, err := d.Submit(context.Background(), o)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tx := backend.lastSent(t)
	if *tx.To() != testContracts.DebtKernel {
		t.Fatalf("to = %s, want kernel", tx.To().Hex())
	}
	if receipt.TxHash != tx.Hash() || receipt.BlockNumber != 100 {
		t.Fatalf("receipt = %+v", receipt)
	}

	m, err := methodFor(tx.Data())
	if err != nil || m.Name != "fillDebtOrder" {
		t.Fatalf("method = %v, err %v", m, err)
	}
	args, err := m.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != o.Creditor() {
		t.Fatalf("creditor arg = %v", args[0])
	}
	if args[1].([6]common.Address) != o.Addresses() {
		t.Fatalf("addresses arg = %v", args[1])
	}
}

func TestSubmitRoutesDelegatedCreditor(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDispatcher(t, backend, nil, Options{})
	o := testOrder(t, true)

	if _, err := d.Submit(context.Background(), o); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if to := *backend.lastSent(t).To(); to != o.Creditor() {
		t.Fatalf("to = %s, want creditor contract %s", to.Hex(), o.Creditor().Hex())
	}
}

func TestCancelUsesOrderValues(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDispatcher(t, backend, nil, Options{})
	p := testOrder(t, false).Params()

	if _, err := d.CancelOrder(context.Background(), p); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	m, err := methodFor(backend.lastSent(t).Data())
	if err != nil || m.Name != "cancelDebtOrder" {
		t.Fatalf("method = %v, err %v", m, err)
	}
	args, err := m.Inputs.Unpack(backend.lastSent(t).Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].([6]common.Address) != p.Addresses() {
		t.Fatalf("addresses arg = %v", args[0])
	}

	if _, err := d.CancelIssuance(context.Background(), p); err != nil {
		t.Fatalf("cancel issuance: %v", err)
	}
	m, err = methodFor(backend.lastSent(t).Data())
	if err != nil || m.Name != "cancelIssuance" {
		t.Fatalf("method = %v, err %v", m, err)
	}
	if len(backend.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(backend.sent))
	}
}

func TestSubmitRevertedAtEstimate(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted")
	d := newTestDispatcher(t, backend, nil, Options{})

	_, err := d.Submit(context.Background(), testOrder(t, false))
	if !errors.Is(err, ErrRevertedByValidityCheck) {
		t.Fatalf("expected ErrRevertedByValidityCheck, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("reverted order must not be broadcast")
	}
}

func TestSubmitRevertedReceipt(t *testing.T) {
	backend := newFakeBackend()
	backend.status = types.ReceiptStatusFailed
	d := newTestDispatcher(t, backend, nil, Options{})

	_, err := d.Submit(context.Background(), testOrder(t, false))
	if !errors.Is(err, ErrRevertedByValidityCheck) {
		t.Fatalf("expected ErrRevertedByValidityCheck, got %v", err)
	}
	hash, ok := TxHashOf(err)
	if !ok || hash != backend.lastSent(t).Hash() {
		t.Fatalf("tx hash = %s, %v", hash.Hex(), ok)
	}
}

func TestSubmitInclusionTimeoutThenPoll(t *testing.T) {
	backend := newFakeBackend()
	backend.mine = false
	d := newTestDispatcher(t, backend, nil, Options{InclusionTimeout: 50 * time.Millisecond})

	_, err := d.Submit(context.Background(), testOrder(t, false))
	if !errors.Is(err, ErrInclusionTimeout) {
		t.Fatalf("expected ErrInclusionTimeout, got %v", err)
	}
	hash, ok := TxHashOf(err)
	if !ok {
		t.Fatalf("timeout must carry the tx hash")
	}

	if _, found, err := d.PollReceipt(context.Background(), hash); err != nil || found {
		t.Fatalf("poll before mining: found=%v err=%v", found, err)
	}
	backend.mu.Lock()
	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(101)}
	backend.mu.Unlock()

	receipt, found, err := d.PollReceipt(context.Background(), hash)
	if err != nil || !found || receipt.BlockNumber != 101 {
		t.Fatalf("poll after mining: %+v found=%v err=%v", receipt, found, err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("timeout must not resubmit, sent %d", len(backend.sent))
	}
}

func TestSubmitKeyUnavailable(t *testing.T) {
	backend := newFakeBackend()
	failing := func(common.Address, *types.Transaction) (*types.Transaction, error) {
		return nil, fmt.Errorf("%w: locked", signing.ErrSigningUnavailable)
	}
	d := newTestDispatcher(t, backend, failing, Options{})

	_, err := d.Submit(context.Background(), testOrder(t, false))
	if !errors.Is(err, ErrKeyUnavailable) || !errors.Is(err, signing.ErrSigningUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestRepayAndCollateralCalls(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDispatcher(t, backend, nil, Options{Confirmations: 0})
	id := common.HexToHash("0xabc")

	if _, err := d.Repay(context.Background(), id, big.NewInt(50), common.HexToAddress("0x01")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if *backend.lastSent(t).To() != testContracts.RepaymentRouter {
		t.Fatalf("repay must go to the repayment router")
	}
	if _, err := d.Repay(context.Background(), id, big.NewInt(0), common.HexToAddress("0x01")); err == nil {
		t.Fatalf("expected error for zero repayment")
	}
	if _, err := d.SeizeCollateral(context.Background(), id); err != nil {
		t.Fatalf("seize: %v", err)
	}
	m, _ := methodFor(backend.lastSent(t).Data())
	if m == nil || m.Name != "seizeCollateral" {
		t.Fatalf("expected seizeCollateral, got %v", m)
	}
}

func TestReaders(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDispatcher(t, backend, nil, Options{})
	id := common.HexToHash("0xabc")
	collateralizer := common.HexToAddress("0x0c")

	backend.views["getCollateralDetails"] = func([]interface{}) []interface{} {
		return []interface{}{collateralizer, big.NewInt(500), uint8(2)}
	}
	backend.views["getExpectedRepaymentValue"] = func(args []interface{}) []interface{} {
		ts := args[1].(*big.Int)
		return []interface{}{new(big.Int).Add(big.NewInt(1000), new(big.Int).Div(ts, big.NewInt(1_000_000_000)))}
	}
	backend.views["getTermEndTimestamp"] = func([]interface{}) []interface{} {
		return []interface{}{big.NewInt(1_700_000_500)}
	}

	details, err := d.CollateralDetails(context.Background(), id)
	if err != nil {
		t.Fatalf("collateral details: %v", err)
	}
	if details.State != model.CollateralStateSeized || details.Collateralizer != collateralizer || details.Amount.Int64() != 500 {
		t.Fatalf("details = %+v", details)
	}
	expected, err := d.ExpectedRepaymentValue(context.Background(), id, 2_000_000_000)
	if err != nil || expected.Int64() != 1002 {
		t.Fatalf("expected = %v, err %v", expected, err)
	}
	end, err := d.TermEndTimestamp(context.Background(), id)
	if err != nil || end != 1_700_000_500 {
		t.Fatalf("term end = %d, err %v", end, err)
	}
	now, err := d.LatestTimestamp(context.Background())
	if err != nil || now != 1_700_000_000 {
		t.Fatalf("latest = %d, err %v", now, err)
	}
}

func TestEnsureAuthorizationsIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	backend.agents[agentKey(testContracts.DebtToken, "getAuthorizedMintAgents")] = []common.Address{testContracts.DebtKernel}
	d := newTestDispatcher(t, backend, nil, Options{})
	grants := DefaultGrants(testContracts)

	receipts, err := d.EnsureAuthorizations(context.Background(), grants)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(receipts) != len(grants)-1 {
		t.Fatalf("first run sent %d grants, want %d", len(receipts), len(grants)-1)
	}

	receipts, err = d.EnsureAuthorizations(context.Background(), grants)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(receipts) != 0 {
		t.Fatalf("second run sent %d grants, want 0", len(receipts))
	}
	for _, g := range grants {
		ok, err := d.IsAuthorized(context.Background(), g)
		if err != nil || !ok {
			t.Fatalf("grant %+v not authorized: %v", g, err)
		}
	}
}
