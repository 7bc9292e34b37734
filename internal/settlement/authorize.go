package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"loanLedger/internal/contracts"
)

// Capability is an agent permission granted by a settlement contract.
type Capability string

const (
	CapabilityMint          Capability = "Mint"
	CapabilityInsert        Capability = "Insert"
	CapabilityEdit          Capability = "Edit"
	CapabilityTransfer      Capability = "Transfer"
	CapabilityCollateralize Capability = "Collateralize"
)

// Grant authorizes Agent for Capability on Contract.
type Grant struct {
	Capability Capability
	Contract   common.Address
	Agent      common.Address
}

// DefaultGrants returns the one-time setup the settlement layer needs.
func DefaultGrants(c Contracts) []Grant {
	return []Grant{
		{CapabilityMint, c.DebtToken, c.DebtKernel},
		{CapabilityInsert, c.DebtRegistry, c.DebtToken},
		{CapabilityEdit, c.DebtRegistry, c.DebtToken},
		{CapabilityTransfer, c.TokenTransferProxy, c.DebtKernel},
		{CapabilityTransfer, c.TokenTransferProxy, c.RepaymentRouter},
		{CapabilityTransfer, c.TokenTransferProxy, c.Collateralizer},
		{CapabilityCollateralize, c.Collateralizer, c.TermsContract},
	}
}

func (c Capability) abi() (abi.ABI, error) {
	switch c {
	case CapabilityMint:
		return contracts.DebtTokenABI()
	case CapabilityInsert, CapabilityEdit:
		return contracts.DebtRegistryABI()
	case CapabilityTransfer:
		return contracts.TokenTransferProxyABI()
	case CapabilityCollateralize:
		return contracts.CollateralizerABI()
	default:
		return abi.ABI{}, fmt.Errorf("unknown capability %q", string(c))
	}
}

// EnsureAuthorizations grants each missing capability. Agents that already hold a
// capability are left alone, so repeated runs send no transactions.
func (d *Dispatcher) EnsureAuthorizations(ctx context.Context, grants []Grant) ([]Receipt, error) {
	receipts := make([]Receipt, 0)
	for _, g := range grants {
		authorized, err := d.IsAuthorized(ctx, g)
		if err != nil {
			return receipts, err
		}
		if authorized {
			d.logger.Debug("agent already authorized",
				zap.String("capability", string(g.Capability)),
				zap.String("contract", g.Contract.Hex()),
				zap.String("agent", g.Agent.Hex()))
			continue
		}
		receipt, err := d.call(ctx, OpAuthorize, g.Contract, g.Capability.abi, "addAuthorized"+string(g.Capability)+"Agent", g.Agent)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// IsAuthorized reports whether g.Agent already holds g.Capability on g.Contract.
func (d *Dispatcher) IsAuthorized(ctx context.Context, g Grant) (bool, error) {
	values, err := d.read(ctx, g.Contract, g.Capability.abi, "getAuthorized"+string(g.Capability)+"Agents")
	if err != nil {
		return false, err
	}
	agents, ok := values[0].([]common.Address)
	if !ok {
		return false, fmt.Errorf("unsupported agents type %T", values[0])
	}
	for _, a := range agents {
		if a == g.Agent {
			return true, nil
		}
	}
	return false, nil
}
