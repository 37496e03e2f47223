// Package node assembles the lending protocol components on top of one state
// manager and applies development bootstrap manifests.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"peerlend/config"
	"peerlend/core/events"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/accounts"
	"peerlend/native/assets"
	nativecommon "peerlend/native/common"
	"peerlend/native/fees"
	"peerlend/native/lending"
	"peerlend/native/loantoken"
	"peerlend/native/nonce"
	"peerlend/native/proposal"
	"peerlend/native/tags"
	"peerlend/native/utilization"
	"peerlend/native/vault"
	"peerlend/storage"
)

var bootstrapMarker = state.Key("node/bootstrapped")

// Options configures New.
type Options struct {
	DB        storage.Database
	ChainID   uint64
	Contracts config.Contracts
	Admin     crypto.Address
	Lending   lending.Config
	Pauses    []string
	Logger    *slog.Logger
	Metrics   lending.Metrics
	Emitter   events.Emitter
}

// Node holds every protocol component wired to a shared state manager.
type Node struct {
	Manager     *state.Manager
	Accounts    *accounts.Registry
	Tags        *tags.Registry
	Ledger      *assets.Ledger
	Vault       *vault.Vault
	Token       *loantoken.Token
	Nonces      *nonce.Registry
	Utilization *utilization.Tracker
	Fees        *fees.Store
	Simple      *proposal.SimpleType
	Fungible    *proposal.FungibleType
	Engine      *lending.Engine

	chainID uint64
	admin   crypto.Address
	logger  *slog.Logger
}

// New builds the component graph and grants the engine and proposal types
// the tags they act under.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.ChainID == 0 {
		return nil, errors.New("node: chain id required")
	}
	if opts.Admin.IsZero() {
		return nil, errors.New("node: admin address required")
	}
	if err := opts.Lending.Validate(); err != nil {
		return nil, err
	}
	contracts := opts.Contracts
	if contracts.Engine.IsZero() || contracts.Vault.IsZero() || contracts.SimpleProposal.IsZero() || contracts.FungibleProposal.IsZero() {
		contracts = config.DefaultContracts()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	n := &Node{
		Manager:  state.NewManager(opts.DB),
		Accounts: accounts.NewRegistry(),
		chainID:  opts.ChainID,
		admin:    opts.Admin,
		logger:   logger,
	}
	n.Manager.SetEmitter(opts.Emitter)
	store := n.Manager.Store()
	n.Tags = tags.NewRegistry(store, opts.Admin)
	n.Ledger = assets.NewLedger(store, n.Accounts, opts.ChainID)
	n.Vault = vault.New(contracts.Vault, store, n.Ledger)
	n.Token = loantoken.New(store, n.Tags)
	n.Nonces = nonce.NewRegistry(store, n.Tags)
	n.Utilization = utilization.NewTracker(store, n.Tags)
	n.Fees = fees.NewStore(store, opts.Admin)

	deps := proposal.Deps{
		Store:       store,
		Tags:        n.Tags,
		Nonces:      n.Nonces,
		Utilization: n.Utilization,
		Accounts:    n.Accounts,
	}
	n.Simple = proposal.NewSimpleType(contracts.SimpleProposal, opts.ChainID, deps)
	n.Fungible = proposal.NewFungibleType(contracts.FungibleProposal, opts.ChainID, deps)

	n.Engine = lending.NewEngine(contracts.Engine, opts.ChainID, lending.Deps{
		Manager:  n.Manager,
		Tags:     n.Tags,
		Assets:   n.Ledger,
		Vault:    n.Vault,
		Token:    n.Token,
		Nonces:   n.Nonces,
		Fees:     n.Fees,
		Accounts: n.Accounts,
	}, opts.Lending)
	n.Engine.SetLogger(logger)
	n.Engine.SetPauses(nativecommon.NewStaticPauses(opts.Pauses))
	if opts.Metrics != nil {
		n.Engine.SetMetrics(opts.Metrics)
	}
	n.Engine.RegisterProposalType(n.Simple)
	n.Engine.RegisterProposalType(n.Fungible)

	if err := n.Manager.Execute(ctx, func(context.Context) error { return n.grantModuleTags() }); err != nil {
		return nil, fmt.Errorf("node: grant module tags: %w", err)
	}
	return n, nil
}

// ChainID returns the chain id every domain separator commits to.
func (n *Node) ChainID() uint64 { return n.chainID }

// Admin returns the address allowed to manage tags and fees.
func (n *Node) Admin() crypto.Address { return n.admin }

// SetNowFunc overrides the clock of every time-dependent component.
func (n *Node) SetNowFunc(now func() int64) {
	n.Ledger.SetNowFunc(now)
	n.Simple.SetNowFunc(now)
	n.Fungible.SetNowFunc(now)
	n.Engine.SetNowFunc(now)
}

// ProposalType resolves a registered proposal type by kind.
func (n *Node) ProposalType(kind string) (proposal.Type, bool) {
	switch kind {
	case proposal.KindSimple:
		return n.Simple, true
	case proposal.KindFungible:
		return n.Fungible, true
	default:
		return nil, false
	}
}

func (n *Node) grantModuleTags() error {
	grants := []struct {
		addr crypto.Address
		tags []string
	}{
		{n.Engine.Address(), []string{tags.ActiveLoan, tags.NonceManager}},
		{n.Simple.Address(), []string{tags.LoanProposal, tags.NonceManager}},
		{n.Fungible.Address(), []string{tags.LoanProposal, tags.NonceManager}},
	}
	for _, grant := range grants {
		for _, tag := range grant.tags {
			if n.Tags.HasTag(grant.addr, tag) {
				continue
			}
			if err := n.Tags.SetTag(n.admin, grant.addr, tag, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bootstrap applies manifest as one operation. A store that has already been
// bootstrapped is left untouched and Bootstrap reports false.
func (n *Node) Bootstrap(ctx context.Context, manifest *config.Bootstrap) (bool, error) {
	if manifest == nil {
		return false, nil
	}
	if err := manifest.Validate(); err != nil {
		return false, err
	}
	applied := false
	err := n.Manager.Execute(ctx, func(context.Context) error {
		store := n.Manager.Store()
		raw, err := store.Get(bootstrapMarker)
		if err != nil {
			return err
		}
		if len(raw) > 0 {
			return nil
		}
		if err := n.applyBootstrap(manifest); err != nil {
			return err
		}
		applied = true
		return store.Put(bootstrapMarker, []byte{1})
	})
	if err != nil {
		return false, fmt.Errorf("node: bootstrap: %w", err)
	}
	if applied {
		n.logger.Info("bootstrap manifest applied",
			slog.Int("assets", len(manifest.Assets)),
			slog.Int("balances", len(manifest.Balances)),
			slog.Int("approvals", len(manifest.Approvals)))
	}
	return applied, nil
}

func (n *Node) applyBootstrap(manifest *config.Bootstrap) error {
	categories := manifest.Categories()
	for _, asset := range manifest.Assets {
		err := n.Ledger.Define(asset.Address, categories[asset.Address])
		if err != nil && !errors.Is(err, assets.ErrAlreadyDefined) {
			return fmt.Errorf("define %s: %w", asset.Address, err)
		}
	}
	for i, bal := range manifest.Balances {
		asset, err := bal.Asset(categories)
		if err != nil {
			return fmt.Errorf("balances[%d]: %w", i, err)
		}
		if err := n.Ledger.Mint(asset, bal.Holder); err != nil {
			return fmt.Errorf("mint %s to %s: %w", asset, bal.Holder, err)
		}
	}
	for i, appr := range manifest.Approvals {
		amount, err := appr.Allowance()
		if err != nil {
			return fmt.Errorf("approvals[%d]: %w", i, err)
		}
		if err := n.Ledger.Approve(appr.Owner, appr.Spender, appr.Contract, amount); err != nil {
			return fmt.Errorf("approve %s for %s: %w", appr.Spender, appr.Owner, err)
		}
	}
	for _, entry := range manifest.Tags {
		for _, tag := range entry.Tags {
			if err := n.Tags.SetTag(n.admin, entry.Address, tag, true); err != nil {
				return fmt.Errorf("tag %s as %q: %w", entry.Address, tag, err)
			}
		}
	}
	if manifest.Fees != nil {
		policy := fees.Policy{FeeBps: manifest.Fees.Bps, Collector: manifest.Fees.Collector}
		if err := n.Fees.SetPolicy(n.admin, policy); err != nil {
			return fmt.Errorf("fee policy: %w", err)
		}
	}
	return nil
}

// Balance reads holder's balance of asset against committed state.
func (n *Node) Balance(ctx context.Context, contract crypto.Address, id *big.Int, holder crypto.Address) (*big.Int, error) {
	var out *big.Int
	err := n.Manager.View(ctx, func() error {
		category, ok := n.Ledger.CategoryOf(contract)
		if !ok {
			return assets.ErrUnknownAsset
		}
		asset := assetOf(category, contract, id)
		balance, err := n.Ledger.BalanceOf(asset, holder)
		if err != nil {
			return err
		}
		out = balance
		return nil
	})
	return out, err
}

func assetOf(category types.Category, contract crypto.Address, id *big.Int) types.Asset {
	if id == nil {
		id = big.NewInt(0)
	}
	switch category {
	case types.CategoryNonFungible:
		return types.NonFungible(contract, id)
	case types.CategorySemiFungible:
		return types.SemiFungible(contract, id, nil)
	default:
		return types.Fungible(contract, nil)
	}
}
