package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"loanLedger/internal/settlement"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Common holds the settings every command shares.
type Common struct {
	RPCURL       string
	Store        string
	PGDSN        string
	MaxRetries   int
	RetryBackoff time.Duration
	LogLevel     string
	Contracts    Contracts
}

// Contracts are the settlement layer addresses as configured.
type Contracts struct {
	DebtKernel         string
	DebtRegistry       string
	DebtToken          string
	RepaymentRouter    string
	TokenTransferProxy string
	Collateralizer     string
	TermsContract      string
}

// Resolve parses the configured addresses. Empty entries stay zero.
func (c Contracts) Resolve() (settlement.Contracts, error) {
	var out settlement.Contracts
	fields := []struct {
		key string
		raw string
		dst *common.Address
	}{
		{"debt-kernel", c.DebtKernel, &out.DebtKernel},
		{"debt-registry", c.DebtRegistry, &out.DebtRegistry},
		{"debt-token", c.DebtToken, &out.DebtToken},
		{"repayment-router", c.RepaymentRouter, &out.RepaymentRouter},
		{"token-transfer-proxy", c.TokenTransferProxy, &out.TokenTransferProxy},
		{"collateralizer", c.Collateralizer, &out.Collateralizer},
		{"terms-contract", c.TermsContract, &out.TermsContract},
	}
	for _, f := range fields {
		addr, err := ParseAddress(f.key, f.raw)
		if err != nil {
			return settlement.Contracts{}, err
		}
		*f.dst = addr
	}
	return out, nil
}

// ParseAddress parses an optional hex address.
func ParseAddress(key, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, raw)
	}
	return common.HexToAddress(raw), nil
}

// ParseAddresses parses a list of hex addresses.
func ParseAddresses(key string, raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, item := range raw {
		addr, err := ParseAddress(key, item)
		if err != nil {
			return nil, err
		}
		if addr != (common.Address{}) {
			out = append(out, addr)
		}
	}
	return out, nil
}

// newViper merges config file, environment variables (LEDGER_ prefix) and flags.
func newViper(cfgFile string, flags *pflag.FlagSet, defaults map[string]interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("store", StorePostgres)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func loadCommon(v *viper.Viper) (Common, error) {
	cfg := Common{
		RPCURL:       v.GetString("rpc"),
		Store:        strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		PGDSN:        v.GetString("pg-dsn"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		LogLevel:     v.GetString("log-level"),
		Contracts: Contracts{
			DebtKernel:         v.GetString("debt-kernel"),
			DebtRegistry:       v.GetString("debt-registry"),
			DebtToken:          v.GetString("debt-token"),
			RepaymentRouter:    v.GetString("repayment-router"),
			TokenTransferProxy: v.GetString("token-transfer-proxy"),
			Collateralizer:     v.GetString("collateralizer"),
			TermsContract:      v.GetString("terms-contract"),
		},
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.PGDSN == "" {
			return Common{}, fmt.Errorf("pg-dsn is required for the postgres store")
		}
	case StoreMemory:
	default:
		return Common{}, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.MaxRetries < 0 {
		return Common{}, fmt.Errorf("max-retries must not be negative")
	}
	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
