package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"loanLedger/internal/signing"
)

var (
	// ErrRevertedByValidityCheck means the settlement layer rejected the call.
	// It is fatal to the attempt and never retried automatically.
	ErrRevertedByValidityCheck = errors.New("reverted by validity check")
	// ErrInclusionTimeout means the transaction was broadcast but not mined in time.
	// Error.TxHash identifies it for PollReceipt.
	ErrInclusionTimeout = errors.New("inclusion timeout")
	// ErrKeyUnavailable means the sender key could not sign the transaction.
	ErrKeyUnavailable = fmt.Errorf("key unavailable: %w", signing.ErrSigningUnavailable)
	// ErrStaleOrder means the order no longer matches its signatures.
	ErrStaleOrder = errors.New("stale order")
)

// Error describes a failed settlement operation.
type Error struct {
	Op     string
	Kind   error
	TxHash common.Hash
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.TxHash != (common.Hash{}) {
		b.WriteString(" (tx ")
		b.WriteString(e.TxHash.Hex())
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// TxHashOf returns the transaction hash carried by err, if any.
func TxHashOf(err error) (common.Hash, bool) {
	var se *Error
	if errors.As(err, &se) && se.TxHash != (common.Hash{}) {
		return se.TxHash, true
	}
	return common.Hash{}, false
}
