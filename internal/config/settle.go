package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SettlementConfig holds configuration for the commands that sign and submit
// transactions: fill, cancel, repay, authorize and dispose.
type SettlementConfig struct {
	Common
	Keystore         string
	Sender           string
	Passphrase       string
	Passphrases      map[string]string
	InclusionTimeout time.Duration
	Confirmations    uint64
	PollInterval     time.Duration
	GasHeadroom      uint64
	WatchInterval    time.Duration
	// MetricsAddr serves prometheus metrics during dispose --watch.
	MetricsAddr      string
}

// LoadSettlement merges config file, environment variables, and flags into SettlementConfig.
func LoadSettlement(cfgFile string, flags *pflag.FlagSet) (SettlementConfig, error) {
	v, err := newViper(cfgFile, flags, map[string]interface{}{
		"store":             StoreMemory,
		"inclusion-timeout": 2 * time.Minute,
		"poll-interval":     time.Second,
		"gas-headroom":      uint64(20),
		"watch-interval":    time.Minute,
	})
	if err != nil {
		return SettlementConfig{}, err
	}
	common, err := loadCommon(v)
	if err != nil {
		return SettlementConfig{}, err
	}

	cfg := SettlementConfig{
		Common:           common,
		Keystore:         v.GetString("keystore"),
		Sender:           v.GetString("sender"),
		Passphrase:       v.GetString("passphrase"),
		Passphrases:      getStringMap(v, "passphrases"),
		InclusionTimeout: v.GetDuration("inclusion-timeout"),
		Confirmations:    v.GetUint64("confirmations"),
		PollInterval:     v.GetDuration("poll-interval"),
		GasHeadroom:      v.GetUint64("gas-headroom"),
		WatchInterval:    v.GetDuration("watch-interval"),
		MetricsAddr:      v.GetString("metrics-addr"),
	}

	if cfg.RPCURL == "" {
		return SettlementConfig{}, fmt.Errorf("rpc url is required")
	}
	if cfg.Keystore == "" {
		return SettlementConfig{}, fmt.Errorf("keystore dir is required")
	}
	if _, err := ParseAddress("sender", cfg.Sender); err != nil {
		return SettlementConfig{}, err
	}
	if cfg.Sender == "" {
		return SettlementConfig{}, fmt.Errorf("sender address is required")
	}
	return cfg, nil
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
