package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Checkpoint backends.
const (
	StateDB   = "db"
	StateFile = "file"
)

// IngestConfig holds configuration for the ingest command.
type IngestConfig struct {
	Common
	FromBlock     uint64
	ToBlock       uint64
	BatchSize     uint64
	Confirmations uint64
	PollInterval  time.Duration
	Subscribe     bool
	Escrows       []string
	State         string
	Checkpoint    string
	Archive       string
	MetricsAddr   string
}

// LoadIngest merges config file, environment variables, and flags into IngestConfig.
func LoadIngest(cfgFile string, flags *pflag.FlagSet) (IngestConfig, error) {
	v, err := newViper(cfgFile, flags, map[string]interface{}{
		"batch-size":    uint64(2000),
		"poll-interval": 5 * time.Second,
		"state":         StateDB,
		"checkpoint":    "./data/checkpoint.json",
		"metrics-addr":  ":9102",
	})
	if err != nil {
		return IngestConfig{}, err
	}
	common, err := loadCommon(v)
	if err != nil {
		return IngestConfig{}, err
	}

	cfg := IngestConfig{
		Common:        common,
		FromBlock:     v.GetUint64("from"),
		ToBlock:       v.GetUint64("to"),
		BatchSize:     v.GetUint64("batch-size"),
		Confirmations: v.GetUint64("confirmations"),
		PollInterval:  v.GetDuration("poll-interval"),
		Subscribe:     v.GetBool("subscribe"),
		Escrows:       getStringSlice(v, "escrow"),
		State:         strings.ToLower(strings.TrimSpace(v.GetString("state"))),
		Checkpoint:    v.GetString("checkpoint"),
		Archive:       v.GetString("archive"),
		MetricsAddr:   v.GetString("metrics-addr"),
	}

	if cfg.RPCURL == "" {
		return IngestConfig{}, fmt.Errorf("rpc url is required")
	}
	if cfg.BatchSize == 0 {
		return IngestConfig{}, fmt.Errorf("batch-size must be positive")
	}
	if cfg.ToBlock != 0 && cfg.ToBlock < cfg.FromBlock {
		return IngestConfig{}, fmt.Errorf("to block %d is before from block %d", cfg.ToBlock, cfg.FromBlock)
	}
	switch cfg.State {
	case StateDB:
		if cfg.Store != StorePostgres {
			return IngestConfig{}, fmt.Errorf("state %q needs the postgres store", StateDB)
		}
	case StateFile:
		if cfg.Checkpoint == "" {
			return IngestConfig{}, fmt.Errorf("checkpoint path is required for file state")
		}
	default:
		return IngestConfig{}, fmt.Errorf("unknown state backend %q", cfg.State)
	}
	return cfg, nil
}
