package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerEntry is one derived ledger row. It is never stored.
type LedgerEntry struct {
	Date        time.Time    `json:"date"`
	Description string       `json:"description"`
	Deposited   *big.Int     `json:"deposited"`
	Withdrawn   *big.Int     `json:"withdrawn"`
	Balance     *big.Int     `json:"balance"`
	AgreementID *common.Hash `json:"agreement_id,omitempty"`
	TxHash      common.Hash  `json:"transaction_hash"`
}
