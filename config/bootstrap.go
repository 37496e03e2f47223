package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"peerlend/core/types"
	"peerlend/crypto"
)

// Bootstrap is the development manifest applied to an empty ledger: asset
// contracts, starting balances, standing approvals, tags and the fee policy.
type Bootstrap struct {
	Assets    []BootstrapAsset    `yaml:"assets"`
	Balances  []BootstrapBalance  `yaml:"balances"`
	Approvals []BootstrapApproval `yaml:"approvals"`
	Tags      []BootstrapTag      `yaml:"tags"`
	Fees      *BootstrapFees      `yaml:"fees"`
}

type BootstrapAsset struct {
	Address  crypto.Address `yaml:"address"`
	Category string         `yaml:"category"`
}

type BootstrapBalance struct {
	Holder   crypto.Address `yaml:"holder"`
	Contract crypto.Address `yaml:"contract"`
	ID       string         `yaml:"id"`
	Amount   string         `yaml:"amount"`
}

// BootstrapApproval grants spender an allowance on owner's fungible balance.
// An empty amount approves the maximum.
type BootstrapApproval struct {
	Owner    crypto.Address `yaml:"owner"`
	Spender  crypto.Address `yaml:"spender"`
	Contract crypto.Address `yaml:"contract"`
	Amount   string         `yaml:"amount"`
}

type BootstrapTag struct {
	Address crypto.Address `yaml:"address"`
	Tags    []string       `yaml:"tags"`
}

type BootstrapFees struct {
	Bps       uint32         `yaml:"bps"`
	Collector crypto.Address `yaml:"collector"`
}

// LoadBootstrap reads and validates a YAML manifest.
func LoadBootstrap(path string) (*Bootstrap, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bootstrap: manifest path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open manifest: %w", err)
	}
	defer file.Close()

	var manifest Bootstrap
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("bootstrap: decode manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Validate checks that every entry references a declared asset and carries
// well-formed amounts.
func (b *Bootstrap) Validate() error {
	categories := make(map[crypto.Address]types.Category, len(b.Assets))
	for i, asset := range b.Assets {
		category, err := types.ParseCategory(asset.Category)
		if err != nil {
			return fmt.Errorf("bootstrap: assets[%d]: %w", i, err)
		}
		if _, dup := categories[asset.Address]; dup {
			return fmt.Errorf("bootstrap: assets[%d]: %s declared twice", i, asset.Address)
		}
		categories[asset.Address] = category
	}
	for i, bal := range b.Balances {
		if _, err := bal.Asset(categories); err != nil {
			return fmt.Errorf("bootstrap: balances[%d]: %w", i, err)
		}
	}
	for i, appr := range b.Approvals {
		if category, ok := categories[appr.Contract]; !ok || category != types.CategoryFungible {
			return fmt.Errorf("bootstrap: approvals[%d]: %s is not a declared fungible asset", i, appr.Contract)
		}
		if _, err := appr.Allowance(); err != nil {
			return fmt.Errorf("bootstrap: approvals[%d]: %w", i, err)
		}
	}
	for i, tag := range b.Tags {
		if len(tag.Tags) == 0 {
			return fmt.Errorf("bootstrap: tags[%d]: no tags listed for %s", i, tag.Address)
		}
	}
	if b.Fees != nil && b.Fees.Bps > 10_000 {
		return fmt.Errorf("bootstrap: fee bps %d exceeds 10000", b.Fees.Bps)
	}
	return nil
}

// Categories returns the declared asset categories keyed by contract.
func (b *Bootstrap) Categories() map[crypto.Address]types.Category {
	out := make(map[crypto.Address]types.Category, len(b.Assets))
	for _, asset := range b.Assets {
		category, _ := types.ParseCategory(asset.Category)
		out[asset.Address] = category
	}
	return out
}

// Asset resolves the balance entry against the declared categories.
func (bal BootstrapBalance) Asset(categories map[crypto.Address]types.Category) (types.Asset, error) {
	category, ok := categories[bal.Contract]
	if !ok {
		return types.Asset{}, fmt.Errorf("asset %s not declared", bal.Contract)
	}
	amount, err := parseAmount(bal.Amount, category != types.CategoryNonFungible)
	if err != nil {
		return types.Asset{}, err
	}
	id, err := parseAmount(bal.ID, category != types.CategoryFungible)
	if err != nil {
		return types.Asset{}, fmt.Errorf("id: %w", err)
	}
	switch category {
	case types.CategoryFungible:
		return types.Fungible(bal.Contract, amount), nil
	case types.CategoryNonFungible:
		return types.NonFungible(bal.Contract, id), nil
	default:
		return types.SemiFungible(bal.Contract, id, amount), nil
	}
}

// Allowance returns the approved amount, the maximum when unset.
func (appr BootstrapApproval) Allowance() (*big.Int, error) {
	if strings.TrimSpace(appr.Amount) == "" {
		return new(big.Int).Set(types.MaxAmount), nil
	}
	return parseAmount(appr.Amount, true)
}

func parseAmount(raw string, required bool) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return nil, errors.New("amount required")
		}
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || !types.ValidAmount(value) {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
