package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"peerlend/core/types"
	"peerlend/crypto"
)

func TestLoadCreatesDefaultWithKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 31337 || cfg.NetworkName != "peerlend-local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AdminKeystorePath != filepath.Join(dir, "admin.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.AdminKeystorePath)
	}
	if _, err := crypto.LoadFromKeystore(cfg.AdminKeystorePath, ""); err != nil {
		t.Fatalf("admin keystore unreadable: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Contracts != cfg.Contracts || again.Lending != cfg.Lending {
		t.Fatalf("persisted config diverged: %+v vs %+v", again, cfg)
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	engine := crypto.DeriveAddress("custom-engine")
	contents := fmt.Sprintf(`DataDir = "/var/lib/peerlend"
ChainID = 5
NetworkName = "peerlend-test"
IndexerDSN = "file:history.db"
Pauses = [" Lending "]

[contracts]
Engine = "%s"

[lending]
MinDuration = 3600
MaxAccruingAPR = 50000
MinExtensionDuration = 3600
MaxExtensionDuration = 7200
MinLiquidationBps = 2500

[log]
Level = "debug"
File = "/var/log/peerlend.log"

[telemetry]
Endpoint = "collector:4318"
Traces = true
SampleRatio = 0.25
`, engine)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 5 || cfg.DataDir != "/var/lib/peerlend" {
		t.Fatalf("unexpected top level: %+v", cfg)
	}
	if len(cfg.Pauses) != 1 || cfg.Pauses[0] != "lending" {
		t.Fatalf("pauses not normalized: %v", cfg.Pauses)
	}
	if cfg.Contracts.Engine != engine {
		t.Fatalf("engine address not decoded: %s", cfg.Contracts.Engine)
	}
	if cfg.Contracts.Vault != crypto.DeriveAddress("peerlend/vault") {
		t.Fatalf("missing contract should be derived, got %s", cfg.Contracts.Vault)
	}
	if cfg.Lending.MinLiquidationBps != 2500 || cfg.Lending.MaxExtensionDuration != 7200 {
		t.Fatalf("lending section not decoded: %+v", cfg.Lending)
	}
	if cfg.Log.Level != "debug" || !cfg.Telemetry.Traces || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("log/telemetry not decoded: %+v %+v", cfg.Log, cfg.Telemetry)
	}
}

func TestLoadRejectsUnknownKeysAndBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "ChainID = 1\nRPCAddress = \":8080\"\n",
		"zero chain":     "ChainID = 0\n",
		"unknown pause":  "ChainID = 1\nPauses = [\"swap\"]\n",
		"bad extensions": "ChainID = 1\n[lending]\nMinDuration = 1\nMinExtensionDuration = 10\nMaxExtensionDuration = 5\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected load to fail")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("PEERLEND_CHAIN_ID=77\nPEERLEND_LOG_LEVEL=warn\nPEERLEND_PAUSES=lending\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(EnvLogLevel, "error")

	env, err := Environ(dotenv, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("environ: %v", err)
	}
	cfg := Default()
	if err := cfg.ApplyEnv(env); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.ChainID != 77 {
		t.Fatalf("expected dotenv chain id, got %d", cfg.ChainID)
	}
	if cfg.Log.Level != "error" {
		t.Fatalf("process environment must win over dotenv, got %q", cfg.Log.Level)
	}
	if len(cfg.Pauses) != 1 || cfg.Pauses[0] != "lending" {
		t.Fatalf("unexpected pauses %v", cfg.Pauses)
	}

	if err := Default().ApplyEnv(map[string]string{EnvChainID: "abc"}); err == nil {
		t.Fatalf("expected invalid chain id to fail")
	}
}

func TestLoadBootstrap(t *testing.T) {
	credit := crypto.DeriveAddress("credit")
	art := crypto.DeriveAddress("art")
	alice := crypto.DeriveAddress("alice")
	vault := crypto.DeriveAddress("peerlend/vault")
	manifest := fmt.Sprintf(`assets:
  - address: %[1]s
    category: fungible
  - address: %[2]s
    category: erc721
balances:
  - holder: %[3]s
    contract: %[1]s
    amount: "1000000"
  - holder: %[3]s
    contract: %[2]s
    id: "7"
approvals:
  - owner: %[3]s
    spender: %[4]s
    contract: %[1]s
tags:
  - address: %[3]s
    tags: [liquidator]
fees:
  bps: 250
  collector: %[3]s
`, credit, art, alice, vault)
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	b, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("load bootstrap: %v", err)
	}
	categories := b.Categories()
	if categories[art] != types.CategoryNonFungible {
		t.Fatalf("expected erc721 alias to parse, got %s", categories[art])
	}
	nft, err := b.Balances[1].Asset(categories)
	if err != nil || nft.ID.Int64() != 7 || nft.Category != types.CategoryNonFungible {
		t.Fatalf("unexpected nft balance %+v err=%v", nft, err)
	}
	allowance, err := b.Approvals[0].Allowance()
	if err != nil || allowance.Cmp(types.MaxAmount) != 0 {
		t.Fatalf("expected max allowance, got %s err=%v", allowance, err)
	}
	if b.Fees == nil || b.Fees.Bps != 250 || b.Fees.Collector != alice {
		t.Fatalf("unexpected fees %+v", b.Fees)
	}
}

func TestBootstrapRejectsUndeclaredAsset(t *testing.T) {
	b := &Bootstrap{Balances: []BootstrapBalance{{
		Holder:   crypto.DeriveAddress("alice"),
		Contract: crypto.DeriveAddress("nowhere"),
		Amount:   "1",
	}}}
	err := b.Validate()
	if err == nil || !strings.Contains(err.Error(), "not declared") {
		t.Fatalf("expected undeclared asset error, got %v", err)
	}
}
