package config

import "peerlend/crypto"

// Contracts names the module addresses the daemon wires. Zero entries are
// derived from fixed labels.
type Contracts struct {
	Engine           crypto.Address `toml:"Engine"`
	Vault            crypto.Address `toml:"Vault"`
	SimpleProposal   crypto.Address `toml:"SimpleProposal"`
	FungibleProposal crypto.Address `toml:"FungibleProposal"`
}

// DefaultContracts returns the label-derived module addresses.
func DefaultContracts() Contracts {
	var c Contracts
	c.fill()
	return c
}

func (c *Contracts) fill() {
	for _, slot := range []struct {
		addr  *crypto.Address
		label string
	}{
		{&c.Engine, "peerlend/lending"},
		{&c.Vault, "peerlend/vault"},
		{&c.SimpleProposal, "peerlend/proposal/simple"},
		{&c.FungibleProposal, "peerlend/proposal/fungible"},
	} {
		if slot.addr.IsZero() {
			*slot.addr = crypto.DeriveAddress(slot.label)
		}
	}
}

// Log configures structured logging.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}
