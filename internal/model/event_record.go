package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventRecord is the normalized header of one settlement-layer event occurrence.
type EventRecord struct {
	InvokedBy   common.Address `json:"invoked_by"`
	BlockHash   common.Hash    `json:"block_hash"`
	BlockNumber uint64         `json:"block_number"`
	Event       string         `json:"event"`
	LogIndex    uint64         `json:"log_index"`
	TxHash      common.Hash    `json:"transaction_hash"`
	TxIndex     uint64         `json:"transaction_index"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventKey identifies one real-world occurrence: (block_hash, log_index).
type EventKey struct {
	BlockHash common.Hash
	LogIndex  uint64
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(k.BlockHash.Hex()), k.LogIndex)
}

// Key returns the idempotency key of the record.
func (r EventRecord) Key() EventKey {
	return EventKey{BlockHash: r.BlockHash, LogIndex: r.LogIndex}
}

// Before reports whether r sorts before o in ledger order
// (date, block number, transaction index, log index).
func (r EventRecord) Before(o EventRecord) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.Before(o.Timestamp)
	}
	if r.BlockNumber != o.BlockNumber {
		return r.BlockNumber < o.BlockNumber
	}
	if r.TxIndex != o.TxIndex {
		return r.TxIndex < o.TxIndex
	}
	return r.LogIndex < o.LogIndex
}

// MarshalJSON ensures EventRecord is encoded with stable field names and UTC time.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	type Alias EventRecord
	a := Alias(r)
	a.Timestamp = a.Timestamp.UTC()
	return json.Marshal(a)
}
