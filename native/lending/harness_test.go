package lending

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"peerlend/core/events"
	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/accounts"
	"peerlend/native/assets"
	"peerlend/native/fees"
	"peerlend/native/loantoken"
	"peerlend/native/nonce"
	"peerlend/native/proposal"
	"peerlend/native/tags"
	"peerlend/native/utilization"
	"peerlend/native/vault"
	"peerlend/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testChainID = 31337
	startTime   = int64(1_700_000_000)
)

type harness struct {
	t        *testing.T
	now      int64
	manager  *state.Manager
	recorder *events.Recorder
	ledger   *assets.Ledger
	accounts *accounts.Registry
	tags     tags.Static
	token    *loantoken.Token
	vault    *vault.Vault
	nonces   *nonce.Registry
	feeStore *fees.Store
	engine   *Engine
	simple   *proposal.SimpleType
	fungible *proposal.FungibleType
	metrics  *countingMetrics

	admin       crypto.Address
	lenderKey   *crypto.PrivateKey
	borrowerKey *crypto.PrivateKey
	lender      crypto.Address
	borrower    crypto.Address
	collateral  crypto.Address
	credit      crypto.Address
	artwork     crypto.Address
	collector   crypto.Address
}

type countingMetrics struct {
	mu        sync.Mutex
	ops       map[string]int
	failures  map[string]int
	fallbacks int
}

func (m *countingMetrics) Observe(op string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
	if err != nil {
		m.failures[op]++
	}
}

func (m *countingMetrics) RecordHookFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks++
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, DefaultConfig())
}

func newHarnessWithConfig(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		now:        startTime,
		manager:    state.NewManager(storage.NewMemDB()),
		recorder:   &events.Recorder{},
		accounts:   accounts.NewRegistry(),
		admin:      crypto.DeriveAddress("admin"),
		collateral: crypto.DeriveAddress("token/collateral"),
		credit:     crypto.DeriveAddress("token/credit"),
		artwork:    crypto.DeriveAddress("token/artwork"),
		collector:  crypto.DeriveAddress("fee-collector"),
		metrics:    &countingMetrics{ops: map[string]int{}, failures: map[string]int{}},
	}
	var err error
	if h.lenderKey, err = crypto.GeneratePrivateKey(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if h.borrowerKey, err = crypto.GeneratePrivateKey(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h.lender = h.lenderKey.Address()
	h.borrower = h.borrowerKey.Address()
	h.manager.SetEmitter(h.recorder)

	engineAddr := crypto.DeriveAddress("engine")
	simpleAddr := crypto.DeriveAddress("proposal/simple")
	fungibleAddr := crypto.DeriveAddress("proposal/fungible")
	h.tags = tags.Static{
		engineAddr:   {tags.ActiveLoan: true, tags.NonceManager: true},
		simpleAddr:   {tags.LoanProposal: true, tags.NonceManager: true},
		fungibleAddr: {tags.LoanProposal: true, tags.NonceManager: true},
	}

	store := h.manager.Store()
	clock := func() int64 { return h.now }
	h.ledger = assets.NewLedger(store, h.accounts, testChainID)
	h.ledger.SetNowFunc(clock)
	h.token = loantoken.New(store, h.tags)
	h.vault = vault.New(crypto.DeriveAddress("vault"), store, h.ledger)
	h.nonces = nonce.NewRegistry(store, h.tags)
	h.feeStore = fees.NewStore(store, h.admin)
	deps := proposal.Deps{
		Store:       store,
		Tags:        h.tags,
		Nonces:      h.nonces,
		Utilization: utilization.NewTracker(store, h.tags),
		Accounts:    h.accounts,
	}
	h.simple = proposal.NewSimpleType(simpleAddr, testChainID, deps)
	h.simple.SetNowFunc(clock)
	h.fungible = proposal.NewFungibleType(fungibleAddr, testChainID, deps)
	h.fungible.SetNowFunc(clock)

	h.engine = NewEngine(engineAddr, testChainID, Deps{
		Manager:  h.manager,
		Tags:     h.tags,
		Assets:   h.ledger,
		Vault:    h.vault,
		Token:    h.token,
		Nonces:   h.nonces,
		Fees:     h.feeStore,
		Accounts: h.accounts,
	}, cfg)
	h.engine.SetNowFunc(clock)
	h.engine.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.engine.SetMetrics(h.metrics)
	h.engine.RegisterProposalType(h.simple)
	h.engine.RegisterProposalType(h.fungible)

	h.seed(func() error {
		for contract, category := range map[crypto.Address]types.Category{
			h.collateral: types.CategoryFungible,
			h.credit:     types.CategoryFungible,
			h.artwork:    types.CategoryNonFungible,
		} {
			if err := h.ledger.Define(contract, category); err != nil {
				return err
			}
		}
		if err := h.ledger.Mint(types.Fungible(h.credit, big.NewInt(1_000)), h.lender); err != nil {
			return err
		}
		if err := h.ledger.Mint(types.Fungible(h.collateral, big.NewInt(10)), h.borrower); err != nil {
			return err
		}
		if err := h.ledger.Approve(h.lender, h.vault.Address(), h.credit, types.MaxAmount); err != nil {
			return err
		}
		if err := h.ledger.Approve(h.borrower, h.vault.Address(), h.credit, types.MaxAmount); err != nil {
			return err
		}
		return h.ledger.Approve(h.borrower, h.vault.Address(), h.collateral, types.MaxAmount)
	})
	h.recorder.Reset()
	return h
}

// seed applies setup writes as one committed operation.
func (h *harness) seed(fn func() error) {
	h.t.Helper()
	if err := h.manager.Execute(context.Background(), func(context.Context) error { return fn() }); err != nil {
		h.t.Fatalf("seed: %v", err)
	}
}

// fund mints credit to holder and lets the vault pull it.
func (h *harness) fund(holder crypto.Address, amount int64) {
	h.t.Helper()
	h.seed(func() error {
		if err := h.ledger.Mint(types.Fungible(h.credit, big.NewInt(amount)), holder); err != nil {
			return err
		}
		return h.ledger.Approve(holder, h.vault.Address(), h.credit, types.MaxAmount)
	})
}

func (h *harness) offer() *proposal.Simple {
	return &proposal.Simple{
		CollateralCategory:  types.CategoryFungible,
		CollateralAddress:   h.collateral,
		CollateralID:        big.NewInt(0),
		CollateralAmount:    big.NewInt(10),
		CreditAddress:       h.credit,
		CreditAmount:        big.NewInt(100),
		FixedInterestAmount: big.NewInt(10),
		Duration:            3_600,
		Expiration:          uint64(startTime + 600),
		Proposer:            h.lender,
		IsOffer:             true,
		Nonce:               big.NewInt(1),
		LoanContract:        h.engine.Address(),
	}
}

func (h *harness) sign(p proposal.Proposal, key *crypto.PrivateKey) proposal.Authorization {
	h.t.Helper()
	hash, err := h.engine.ProposalHash(h.simple.Address(), p)
	if err != nil {
		h.t.Fatalf("hash: %v", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return proposal.Authorization{Signature: sig}
}

func (h *harness) create(p *proposal.Simple, acceptor crypto.Address) (uint64, error) {
	return h.engine.CreateLoan(context.Background(), acceptor, CreateRequest{
		ProposalType: h.simple.Address(),
		Proposal:     p,
		Auth:         h.sign(p, h.lenderKey),
	})
}

func (h *harness) mustCreate() uint64 {
	h.t.Helper()
	id, err := h.create(h.offer(), h.borrower)
	if err != nil {
		h.t.Fatalf("create loan: %v", err)
	}
	return id
}

func (h *harness) balance(contract, holder crypto.Address) int64 {
	h.t.Helper()
	var out *big.Int
	err := h.manager.View(context.Background(), func() error {
		var err error
		out, err = h.ledger.BalanceOf(types.Fungible(contract, nil), holder)
		return err
	})
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return out.Int64()
}

func (h *harness) loan(id uint64) *LoanView {
	h.t.Helper()
	view, err := h.engine.Loan(context.Background(), id)
	if err != nil {
		h.t.Fatalf("loan %d: %v", id, err)
	}
	return view
}

func (h *harness) repay(id uint64, amount int64) error {
	var value *big.Int
	if amount > 0 {
		value = big.NewInt(amount)
	}
	_, err := h.engine.Repay(context.Background(), h.borrower, RepayRequest{LoanID: id, Amount: value})
	return err
}
