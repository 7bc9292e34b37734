package config

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// LedgerConfig holds configuration for the ledger and migrate commands.
type LedgerConfig struct {
	Common
}

// LoadLedger merges config file, environment variables, and flags into LedgerConfig.
func LoadLedger(cfgFile string, flags *pflag.FlagSet) (LedgerConfig, error) {
	v, err := newViper(cfgFile, flags, nil)
	if err != nil {
		return LedgerConfig{}, err
	}
	common, err := loadCommon(v)
	if err != nil {
		return LedgerConfig{}, err
	}
	if common.Store != StorePostgres {
		return LedgerConfig{}, fmt.Errorf("ledger reads need the postgres store")
	}
	return LedgerConfig{Common: common}, nil
}

// ParseTimestamp parses a timestamp value (unix seconds or RFC3339).
func ParseTimestamp(input string) (uint64, error) {
	if strings.TrimSpace(input) == "" {
		return 0, nil
	}

	if isNumeric(input) {
		val, err := strconv.ParseUint(input, 10, 64)
		if err != nil {
			return 0, err
		}
		return val, nil
	}

	tm, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return 0, err
	}
	return uint64(tm.Unix()), nil
}

// ParseAmount parses a non-negative base-10 token amount. Empty means zero.
func ParseAmount(key, input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(input, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", key, input)
	}
	return v, nil
}

func isNumeric(input string) bool {
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return input != ""
}
