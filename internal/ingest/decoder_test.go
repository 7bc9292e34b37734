package ingest

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loanLedger/internal/contracts"
	"loanLedger/internal/model"
	"loanLedger/internal/order"
)

var (
	kernelAddr     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	routerAddr     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	collateralAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
	escrowAddr     = common.HexToAddress("0x4444444444444444444444444444444444444444")
	debtorAddr     = common.HexToAddress("0x5555555555555555555555555555555555555555")
	depositorAddr  = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func buildLog(address common.Address, topic0 common.Hash, data []byte, block uint64, logIndex uint, indexed ...common.Hash) types.Log {
	return types.Log{
		Address:     address,
		Topics:      append([]common.Hash{topic0}, indexed...),
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.HexToHash("0xdef"),
		TxIndex:     2,
		Index:       logIndex,
	}
}

func depositLog(t *testing.T, block uint64, logIndex uint, amount int64) types.Log {
	t.Helper()
	escrowABI, err := contracts.EscrowABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	ev := escrowABI.Events[model.EventDeposited]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(amount))
	if err != nil {
		t.Fatalf("pack deposit: %v", err)
	}
	return buildLog(escrowAddr, ev.ID, data, block, logIndex, topicFromAddress(depositorAddr))
}

func TestDecodeDebtOrderFilled(t *testing.T) {
	kernelABI, err := contracts.DebtKernelABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	params, err := order.PackTerms(model.Terms{
		PrincipalAmount:  big.NewInt(1000),
		InterestRate:     100_000,
		TermLength:       100,
		CollateralAmount: big.NewInt(500),
	})
	if err != nil {
		t.Fatalf("pack terms: %v", err)
	}

	ev := kernelABI.Events[model.EventDebtOrderFilled]
	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(1000),
		common.HexToAddress("0xaa"),
		common.Address{},
		big.NewInt(0),
		common.HexToAddress("0xbb"),
		big.NewInt(3),
		big.NewInt(10),
		big.NewInt(5),
		common.HexToAddress("0xcc"),
		[32]byte(params),
	)
	if err != nil {
		t.Fatalf("pack filled: %v", err)
	}
	agreementID := common.HexToHash("0x1234")
	log := buildLog(kernelAddr, ev.ID, data, 10, 4, agreementID, topicFromAddress(debtorAddr), topicFromAddress(escrowAddr))

	blockTime := time.Unix(1_700_000_000, 0)
	decoded, err := decoder.Decode(log, blockTime)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	created, ok := decoded.(model.AgreementCreated)
	if !ok {
		t.Fatalf("decoded type %T", decoded)
	}
	if created.AgreementID != agreementID || created.Borrower != debtorAddr || created.Lender != escrowAddr {
		t.Fatalf("parties mismatch: %+v", created)
	}
	if created.PrincipalAmount.Int64() != 1000 || created.DebtorFee.Int64() != 10 || created.CreditorFee.Int64() != 5 {
		t.Fatalf("amounts mismatch: %+v", created)
	}
	if created.Terms.CollateralAmount.Int64() != 500 || created.Terms.TermLength != 100 {
		t.Fatalf("terms mismatch: %+v", created.Terms)
	}
	if created.Record.Key() != (model.EventKey{BlockHash: log.BlockHash, LogIndex: 4}) {
		t.Fatalf("key mismatch: %+v", created.Record.Key())
	}
	if !created.Record.Timestamp.Equal(blockTime) {
		t.Fatalf("timestamp mismatch")
	}
}

func TestDecodeRepaymentAndCollateral(t *testing.T) {
	routerABI, err := contracts.RepaymentRouterABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	collateralABI, err := contracts.CollateralizerABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	id := common.HexToHash("0x99")
	token := common.HexToAddress("0xaa")

	repay := routerABI.Events[model.EventRepayment]
	data, err := repay.Inputs.NonIndexed().Pack(big.NewInt(250), token)
	if err != nil {
		t.Fatalf("pack repayment: %v", err)
	}
	decoded, err := decoder.Decode(buildLog(routerAddr, repay.ID, data, 11, 0, id, topicFromAddress(debtorAddr), topicFromAddress(escrowAddr)), time.Unix(1, 0))
	if err != nil {
		t.Fatalf("decode repayment: %v", err)
	}
	r := decoded.(model.Repayment)
	if r.Amount.Int64() != 250 || r.Payer != debtorAddr || r.Beneficiary != escrowAddr || r.Token != token {
		t.Fatalf("repayment mismatch: %+v", r)
	}

	seized := collateralABI.Events[model.EventCollateralSeized]
	data, err = seized.Inputs.NonIndexed().Pack(token, big.NewInt(500))
	if err != nil {
		t.Fatalf("pack seized: %v", err)
	}
	decoded, err = decoder.Decode(buildLog(collateralAddr, seized.ID, data, 12, 1, id, topicFromAddress(escrowAddr)), time.Unix(2, 0))
	if err != nil {
		t.Fatalf("decode seized: %v", err)
	}
	s := decoded.(model.CollateralSeized)
	if s.Beneficiary != escrowAddr || s.State != model.CollateralStateSeized || s.Amount.Int64() != 500 {
		t.Fatalf("seized mismatch: %+v", s)
	}
}

func TestDecodeUnknownTopic(t *testing.T) {
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	_, err = decoder.Decode(buildLog(escrowAddr, common.HexToHash("0xdead"), nil, 1, 0), time.Unix(1, 0))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeRejectsWrongTopicCount(t *testing.T) {
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	log := depositLog(t, 1, 0, 10)
	log.Topics = log.Topics[:1]
	if _, err := decoder.Decode(log, time.Unix(1, 0)); err == nil {
		t.Fatalf("expected error for missing indexed topic")
	}
}
