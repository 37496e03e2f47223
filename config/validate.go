package config

import (
	"errors"
	"fmt"
)

var knownPauseModules = map[string]struct{}{
	"lending": {},
}

// Validate checks the configuration for values the daemon cannot run with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config: missing")
	}
	if cfg.ChainID == 0 {
		return errors.New("config: ChainID must be non-zero")
	}
	if cfg.DataDir == "" {
		return errors.New("config: DataDir required")
	}
	if cfg.IndexerDSN == "" {
		return errors.New("config: IndexerDSN required")
	}
	for _, module := range cfg.Pauses {
		if _, ok := knownPauseModules[module]; !ok {
			return fmt.Errorf("config: unknown pause module %q", module)
		}
	}
	seen := map[string]string{}
	for name, addr := range map[string]string{
		"engine":            cfg.Contracts.Engine.String(),
		"vault":             cfg.Contracts.Vault.String(),
		"simple proposal":   cfg.Contracts.SimpleProposal.String(),
		"fungible proposal": cfg.Contracts.FungibleProposal.String(),
	} {
		if other, dup := seen[addr]; dup {
			return fmt.Errorf("config: %s and %s contracts share address %s", name, other, addr)
		}
		seen[addr] = name
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry SampleRatio %v outside [0, 1]", cfg.Telemetry.SampleRatio)
	}
	if err := cfg.Lending.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
