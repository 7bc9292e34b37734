package model

import (
	"fmt"
	"strings"
)

// Role selects the ledger perspective.
type Role string

const (
	RoleLender    Role = "lender"
	RoleBorrower  Role = "borrower"
	RoleDepositor Role = "depositor"
)

// ParseRole parses a role name case-insensitively.
func ParseRole(input string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(input))) {
	case RoleLender:
		return RoleLender, nil
	case RoleBorrower:
		return RoleBorrower, nil
	case RoleDepositor:
		return RoleDepositor, nil
	default:
		return "", fmt.Errorf("unknown role: %q", input)
	}
}

// CollateralState mirrors the settlement layer's collateral status codes.
type CollateralState uint8

const (
	CollateralStateNone     CollateralState = 0
	CollateralStateLocked   CollateralState = 1
	CollateralStateSeized   CollateralState = 2
	CollateralStateReturned CollateralState = 3
)

func (s CollateralState) String() string {
	switch s {
	case CollateralStateNone:
		return "none"
	case CollateralStateLocked:
		return "locked"
	case CollateralStateSeized:
		return "seized"
	case CollateralStateReturned:
		return "returned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Released reports whether collateral has left custody.
func (s CollateralState) Released() bool {
	return s == CollateralStateSeized || s == CollateralStateReturned
}
