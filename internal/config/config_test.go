package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadIngestMergesFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
rpc: http://file:8545
store: memory
state: file
debt-kernel: "0x00000000000000000000000000000000000000a1"
escrow: "0x00000000000000000000000000000000000000e1, 0x00000000000000000000000000000000000000e2"
batch-size: 500
`)
	t.Setenv("LEDGER_RPC", "http://env:8545")

	flags := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	flags.Uint64("from", 0, "")
	flags.Duration("poll-interval", 5*time.Second, "")
	if err := flags.Parse([]string{"--from", "100", "--poll-interval", "2s"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := LoadIngest(path, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCURL != "http://env:8545" {
		t.Fatalf("rpc = %q, env must override the file", cfg.RPCURL)
	}
	if cfg.FromBlock != 100 || cfg.PollInterval != 2*time.Second || cfg.BatchSize != 500 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MaxRetries != 5 || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg.Common)
	}
	want := []string{"0x00000000000000000000000000000000000000e1", "0x00000000000000000000000000000000000000e2"}
	if !reflect.DeepEqual(cfg.Escrows, want) {
		t.Fatalf("escrows = %v", cfg.Escrows)
	}

	contracts, err := cfg.Contracts.Resolve()
	if err != nil {
		t.Fatalf("resolve contracts: %v", err)
	}
	if contracts.DebtKernel != common.HexToAddress("0xa1") || contracts.Collateralizer != (common.Address{}) {
		t.Fatalf("contracts = %+v", contracts)
	}
}

func TestLoadIngestValidation(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "rpc: http://x\nstore: postgres\n",
		"db state on memory":   "rpc: http://x\nstore: memory\nstate: db\n",
		"unknown store":        "rpc: http://x\nstore: redis\n",
		"missing rpc":          "store: memory\nstate: file\n",
		"inverted range":       "rpc: http://x\nstore: memory\nstate: file\nfrom: 10\nto: 5\n",
	}
	for name, body := range cases {
		if _, err := LoadIngest(writeConfig(t, body), nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolveRejectsBadAddress(t *testing.T) {
	if _, err := (Contracts{TermsContract: "0x1234"}).Resolve(); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestLoadSettlement(t *testing.T) {
	path := writeConfig(t, `
rpc: http://x
keystore: /tmp/keys
sender: "0x00000000000000000000000000000000000000c1"
passphrases: "0x00000000000000000000000000000000000000c1=secret, bad"
`)
	cfg, err := LoadSettlement(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.InclusionTimeout != 2*time.Minute || cfg.GasHeadroom != 20 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	want := map[string]string{"0x00000000000000000000000000000000000000c1": "secret"}
	if !reflect.DeepEqual(cfg.Passphrases, want) {
		t.Fatalf("passphrases = %v", cfg.Passphrases)
	}

	if _, err := LoadSettlement(writeConfig(t, "rpc: http://x\nkeystore: /tmp/keys\n"), nil); err == nil {
		t.Fatalf("expected missing sender error")
	}
}

func TestLoadSettlementMetricsAddr(t *testing.T) {
	path := writeConfig(t, `
rpc: http://x
keystore: /tmp/keys
sender: "0x00000000000000000000000000000000000000c1"
`)
	cfg, err := LoadSettlement(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("metrics addr = %q, want disabled without the flag", cfg.MetricsAddr)
	}

	flags := pflag.NewFlagSet("dispose", pflag.ContinueOnError)
	flags.String("metrics-addr", ":9103", "")
	if err := flags.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err = LoadSettlement(path, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != ":9103" {
		t.Fatalf("metrics addr = %q, want flag default", cfg.MetricsAddr)
	}
}

func TestLoadLedgerNeedsPostgres(t *testing.T) {
	if _, err := LoadLedger(writeConfig(t, "store: memory\n"), nil); err == nil {
		t.Fatalf("expected error for memory store")
	}
	cfg, err := LoadLedger(writeConfig(t, "pg-dsn: postgres://localhost/ledger\n"), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("store = %q", cfg.Store)
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("1700000000")
	if err != nil || got != 1700000000 {
		t.Fatalf("unix = %d, %v", got, err)
	}
	got, err = ParseTimestamp("2024-01-01T00:00:00Z")
	if err != nil || got != 1704067200 {
		t.Fatalf("rfc3339 = %d, %v", got, err)
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("principal", "1000000000000000000000")
	if err != nil || v.String() != "1000000000000000000000" {
		t.Fatalf("amount = %v, %v", v, err)
	}
	if _, err := ParseAmount("principal", "-1"); err == nil {
		t.Fatalf("expected negative amount error")
	}
}
