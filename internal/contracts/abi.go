// Package contracts holds the ABIs of the settlement layer contracts.
package contracts

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const debtKernelABIJSON = `[
  {
    "inputs": [
      {"name": "creditor", "type": "address"},
      {"name": "orderAddresses", "type": "address[6]"},
      {"name": "orderValues", "type": "uint256[8]"},
      {"name": "orderBytes32", "type": "bytes32[1]"},
      {"name": "signaturesV", "type": "uint8[3]"},
      {"name": "signaturesR", "type": "bytes32[3]"},
      {"name": "signaturesS", "type": "bytes32[3]"}
    ],
    "name": "fillDebtOrder",
    "outputs": [{"name": "", "type": "bytes32"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"name": "version", "type": "address"},
      {"name": "debtor", "type": "address"},
      {"name": "termsContract", "type": "address"},
      {"name": "termsContractParameters", "type": "bytes32"},
      {"name": "underwriter", "type": "address"},
      {"name": "underwriterRiskRating", "type": "uint256"},
      {"name": "salt", "type": "uint256"}
    ],
    "name": "cancelIssuance",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"name": "orderAddresses", "type": "address[6]"},
      {"name": "orderValues", "type": "uint256[8]"},
      {"name": "orderBytes32", "type": "bytes32[1]"}
    ],
    "name": "cancelDebtOrder",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "agreementId", "type": "bytes32"},
      {"indexed": true, "name": "debtor", "type": "address"},
      {"indexed": true, "name": "creditor", "type": "address"},
      {"indexed": false, "name": "principal", "type": "uint256"},
      {"indexed": false, "name": "principalToken", "type": "address"},
      {"indexed": false, "name": "underwriter", "type": "address"},
      {"indexed": false, "name": "underwriterFee", "type": "uint256"},
      {"indexed": false, "name": "relayer", "type": "address"},
      {"indexed": false, "name": "relayerFee", "type": "uint256"},
      {"indexed": false, "name": "debtorFee", "type": "uint256"},
      {"indexed": false, "name": "creditorFee", "type": "uint256"},
      {"indexed": false, "name": "termsContract", "type": "address"},
      {"indexed": false, "name": "termsContractParameters", "type": "bytes32"}
    ],
    "name": "LogDebtOrderFilled",
    "type": "event"
  }
]`

const repaymentRouterABIJSON = `[
  {
    "inputs": [
      {"name": "agreementId", "type": "bytes32"},
      {"name": "amount", "type": "uint256"},
      {"name": "tokenAddress", "type": "address"}
    ],
    "name": "repay",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "agreementId", "type": "bytes32"},
      {"indexed": true, "name": "payer", "type": "address"},
      {"indexed": true, "name": "beneficiary", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": false, "name": "token", "type": "address"}
    ],
    "name": "LogRepayment",
    "type": "event"
  }
]`

const collateralizerABIJSON = `[
  {
    "inputs": [{"name": "agreementId", "type": "bytes32"}],
    "name": "returnCollateral",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "agreementId", "type": "bytes32"}],
    "name": "seizeCollateral",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "agreementId", "type": "bytes32"}],
    "name": "getCollateralDetails",
    "outputs": [
      {"name": "collateralizer", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "state", "type": "uint8"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "agent", "type": "address"}],
    "name": "addAuthorizedCollateralizeAgent",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getAuthorizedCollateralizeAgents",
    "outputs": [{"name": "", "type": "address[]"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "agreementId", "type": "bytes32"},
      {"indexed": true, "name": "collateralizer", "type": "address"},
      {"indexed": false, "name": "token", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "CollateralLocked",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "agreementId", "type": "bytes32"},
      {"indexed": true, "name": "collateralizer", "type": "address"},
      {"indexed": false, "name": "token", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "CollateralReturned",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "agreementId", "type": "bytes32"},
      {"indexed": true, "name": "beneficiary", "type": "address"},
      {"indexed": false, "name": "token", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "CollateralSeized",
    "type": "event"
  }
]`

const termsContractABIJSON = `[
  {
    "inputs": [
      {"name": "agreementId", "type": "bytes32"},
      {"name": "timestamp", "type": "uint256"}
    ],
    "name": "getExpectedRepaymentValue",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "agreementId", "type": "bytes32"}],
    "name": "getValueRepaidToDate",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "agreementId", "type": "bytes32"}],
    "name": "getTermEndTimestamp",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const debtRegistryABIJSON = `[
  {
    "inputs": [{"name": "agreementId", "type": "bytes32"}],
    "name": "getTermsContractParameters",
    "outputs": [{"name": "", "type": "bytes32"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "agent", "type": "address"}],
    "name": "addAuthorizedInsertAgent",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "agent", "type": "address"}],
    "name": "addAuthorizedEditAgent",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getAuthorizedInsertAgents",
    "outputs": [{"name": "", "type": "address[]"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getAuthorizedEditAgents",
    "outputs": [{"name": "", "type": "address[]"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const debtTokenABIJSON = `[
  {
    "inputs": [{"name": "agent", "type": "address"}],
    "name": "addAuthorizedMintAgent",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getAuthorizedMintAgents",
    "outputs": [{"name": "", "type": "address[]"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const tokenTransferProxyABIJSON = `[
  {
    "inputs": [{"name": "agent", "type": "address"}],
    "name": "addAuthorizedTransferAgent",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getAuthorizedTransferAgents",
    "outputs": [{"name": "", "type": "address[]"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const escrowABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "depositor", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "Deposited",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "withdrawer", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"}
    ],
    "name": "Withdrawn",
    "type": "event"
  }
]`

type lazyABI struct {
	json   string
	once   sync.Once
	parsed abi.ABI
	err    error
}

func (l *lazyABI) get() (abi.ABI, error) {
	l.once.Do(func() {
		l.parsed, l.err = abi.JSON(strings.NewReader(l.json))
	})
	return l.parsed, l.err
}

var (
	debtKernelABI         = &lazyABI{json: debtKernelABIJSON}
	repaymentRouterABI    = &lazyABI{json: repaymentRouterABIJSON}
	collateralizerABI     = &lazyABI{json: collateralizerABIJSON}
	termsContractABI      = &lazyABI{json: termsContractABIJSON}
	debtRegistryABI       = &lazyABI{json: debtRegistryABIJSON}
	debtTokenABI          = &lazyABI{json: debtTokenABIJSON}
	tokenTransferProxyABI = &lazyABI{json: tokenTransferProxyABIJSON}
	escrowABI             = &lazyABI{json: escrowABIJSON}
)

// DebtKernelABI returns the parsed debt kernel ABI. Creditor contracts that
// fill orders on their own behalf expose the same fillDebtOrder method.
func DebtKernelABI() (abi.ABI, error) { return debtKernelABI.get() }

// RepaymentRouterABI returns the parsed repayment router ABI.
func RepaymentRouterABI() (abi.ABI, error) { return repaymentRouterABI.get() }

// CollateralizerABI returns the parsed collateralizer ABI.
func CollateralizerABI() (abi.ABI, error) { return collateralizerABI.get() }

// TermsContractABI returns the parsed terms contract ABI.
func TermsContractABI() (abi.ABI, error) { return termsContractABI.get() }

// DebtRegistryABI returns the parsed debt registry ABI.
func DebtRegistryABI() (abi.ABI, error) { return debtRegistryABI.get() }

// DebtTokenABI returns the parsed debt token ABI.
func DebtTokenABI() (abi.ABI, error) { return debtTokenABI.get() }

// TokenTransferProxyABI returns the parsed token transfer proxy ABI.
func TokenTransferProxyABI() (abi.ABI, error) { return tokenTransferProxyABI.get() }

// EscrowABI returns the parsed escrow ABI.
func EscrowABI() (abi.ABI, error) { return escrowABI.get() }
