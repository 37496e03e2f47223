// Package lending implements the loan lifecycle engine. A loan is created by
// accepting a signed proposal, then repaid, claimed, liquidated or extended.
// Every entry point runs as one atomic state operation: a failure leaves no
// trace, and callouts made during the operation cannot re-enter the engine.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
	"peerlend/native/accounts"
	"peerlend/native/assets"
	nativecommon "peerlend/native/common"
	"peerlend/native/fees"
	"peerlend/native/loantoken"
	"peerlend/native/nonce"
	"peerlend/native/proposal"
	"peerlend/native/tags"
	"peerlend/native/vault"
)

const moduleName = "lending"

// Metrics receives per-operation telemetry.
type Metrics interface {
	Observe(operation string, duration time.Duration, err error)
	RecordHookFallback()
}

type noopMetrics struct{}

func (noopMetrics) Observe(string, time.Duration, error) {}
func (noopMetrics) RecordHookFallback()                  {}

// Deps are the collaborators an engine is wired to. Every component must
// share the manager's store.
type Deps struct {
	Manager  *state.Manager
	Tags     tags.View
	Assets   assets.Transferer
	Vault    *vault.Vault
	Token    *loantoken.Token
	Nonces   *nonce.Registry
	Fees     fees.Source
	Accounts *accounts.Registry
}

// Engine is the loan lifecycle engine living at address.
type Engine struct {
	address  crypto.Address
	chainID  uint64
	config   Config
	manager  *state.Manager
	tags     tags.View
	assets   assets.Transferer
	vault    *vault.Vault
	token    *loantoken.Token
	nonces   *nonce.Registry
	fees     fees.Source
	accounts *accounts.Registry
	modules  Modules
	pauses   nativecommon.PauseView
	logger   *slog.Logger
	metrics  Metrics
	tracer   trace.Tracer
	nowFn    func() int64

	mu    sync.RWMutex
	types map[crypto.Address]proposal.Type
	hooks map[crypto.Address]LenderHook
}

// NewEngine returns an engine at address. A zero Config selects
// DefaultConfig.
func NewEngine(address crypto.Address, chainID uint64, deps Deps, cfg Config) *Engine {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if deps.Accounts == nil {
		deps.Accounts = accounts.NewRegistry()
	}
	return &Engine{
		address:  address,
		chainID:  chainID,
		config:   cfg,
		manager:  deps.Manager,
		tags:     deps.Tags,
		assets:   deps.Assets,
		vault:    deps.Vault,
		token:    deps.Token,
		nonces:   deps.Nonces,
		fees:     deps.Fees,
		accounts: deps.Accounts,
		modules:  Modules{}.withDefaults(cfg),
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("peerlend/lending"),
		nowFn:    func() int64 { return time.Now().Unix() },
		types:    make(map[crypto.Address]proposal.Type),
		hooks:    make(map[crypto.Address]LenderHook),
	}
}

// Address returns the engine address proposals must name as LoanContract.
func (e *Engine) Address() crypto.Address { return e.address }

// ChainID returns the chain id signatures are bound to.
func (e *Engine) ChainID() uint64 { return e.chainID }

// Config returns the active term bounds.
func (e *Engine) Config() Config { return e.config }

// SetNowFunc overrides the engine clock, mainly for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

// SetPauses wires the pause view consulted before every operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLogger configures the engine logger. Nil selects slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) { e.logger = logger }

// SetMetrics configures the telemetry sink. Nil disables metrics.
func (e *Engine) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

// SetModules replaces the pluggable loan models. Nil members select the
// defaults.
func (e *Engine) SetModules(m Modules) { e.modules = m.withDefaults(e.config) }

// RegisterProposalType makes typ available to CreateLoan. The type must also
// hold the loan proposal tag when a loan is created through it.
func (e *Engine) RegisterProposalType(typ proposal.Type) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types[typ.Address()] = typ
}

// ProposalType resolves a registered proposal type.
func (e *Engine) ProposalType(addr crypto.Address) (proposal.Type, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	typ, ok := e.types[addr]
	return typ, ok
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// execute runs fn as one atomic operation on behalf of caller.
func (e *Engine) execute(ctx context.Context, op string, caller crypto.Address, fn func(ctx context.Context, now int64) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "lending."+op,
		trace.WithAttributes(attribute.String("caller", caller.String())))
	defer span.End()

	err := func() error {
		if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
			return err
		}
		if caller.IsZero() {
			return ErrZeroCaller
		}
		return e.manager.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, e.now())
		})
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, op)
	}
	e.metrics.Observe(op, time.Since(start), err)
	return err
}

func loanKey(id uint64) []byte { return state.Key("lending/loan/", state.Uint64Key(id)) }

func (e *Engine) load(id uint64) (*Loan, error) {
	var stored storedLoan
	ok, err := state.GetRLP(e.manager.Store(), loanKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLoanNotFound, id)
	}
	return stored.toLoan(id), nil
}

func (e *Engine) save(loan *Loan) error {
	return state.PutRLP(e.manager.Store(), loanKey(loan.ID), newStoredLoan(loan))
}

// erase deletes a dead loan and burns its claim token.
func (e *Engine) erase(loan *Loan) error {
	if err := e.manager.Store().Delete(loanKey(loan.ID)); err != nil {
		return err
	}
	return e.token.Burn(e.address, loan.ID)
}

func (e *Engine) status(ctx context.Context, loan *Loan, now int64) (Status, error) {
	if isZero(loan.Principal) {
		if isZero(loan.Unclaimed) {
			return StatusDead, nil
		}
		return StatusRepaid, nil
	}
	defaulted, err := e.defaulted(ctx, loan, now)
	if err != nil {
		return 0, err
	}
	if defaulted {
		return StatusDefaulted, nil
	}
	return StatusRunning, nil
}

// debt returns the interest accrued since the last accrual and the total
// debt: principal plus fixed interest plus accrued interest.
func (e *Engine) debt(ctx context.Context, loan *Loan, now int64) (accrued, total *big.Int, err error) {
	accrued, err = e.accrued(ctx, loan, now)
	if err != nil {
		return nil, nil, err
	}
	return accrued, sum(loan.Principal, loan.FixedInterest, accrued), nil
}

// CreateRequest is the input of CreateLoan. The caller is the acceptor.
type CreateRequest struct {
	ProposalType crypto.Address         `json:"proposalType"`
	Proposal     proposal.Proposal      `json:"-"`
	Values       proposal.Values        `json:"values"`
	Auth         proposal.Authorization `json:"auth"`
	// CollateralPermit authorises the collateral pull from the borrower.
	CollateralPermit *assets.Permit `json:"collateralPermit,omitempty"`
	// CreditPermit authorises the credit pull from the lender. A fungible
	// permit must cover the full credit amount, fee included.
	CreditPermit *assets.Permit `json:"creditPermit,omitempty"`
}

// CreateLoan accepts a proposal on behalf of caller and opens the loan it
// describes. The claim token is minted to the lender, the collateral moves
// into custody and the credit, net of the protocol fee, goes to the borrower.
func (e *Engine) CreateLoan(ctx context.Context, caller crypto.Address, req CreateRequest) (uint64, error) {
	var loanID uint64
	err := e.execute(ctx, "create", caller, func(ctx context.Context, now int64) error {
		if req.Proposal == nil {
			return ErrMissingField
		}
		typ, ok := e.ProposalType(req.ProposalType)
		if !ok || e.tags == nil || !e.tags.HasTag(req.ProposalType, tags.LoanProposal) {
			return ErrInvalidProposalType
		}
		terms, err := typ.Accept(ctx, e.address, caller, req.Proposal, req.Values, req.Auth)
		if err != nil {
			return err
		}
		if err := e.checkTerms(terms, now); err != nil {
			return err
		}
		policy, err := fees.LoadPolicy(e.fees)
		if err != nil {
			return err
		}
		split, err := fees.Apply(policy, terms.Credit.Amount)
		if err != nil {
			return err
		}

		loanID, err = e.token.Mint(e.address, terms.Lender)
		if err != nil {
			return err
		}
		loan := &Loan{
			ID:                  loanID,
			Borrower:            terms.Borrower,
			OriginalLender:      terms.Lender,
			Collateral:          terms.Collateral.Clone(),
			CreditAddress:       terms.Credit.Address,
			Principal:           new(big.Int).Set(split.Net),
			FixedInterest:       nonNil(terms.FixedInterestAmount),
			AccruingInterestAPR: terms.AccruingInterestAPR,
			LastAccrual:         now,
			StartTimestamp:      now,
			DefaultTimestamp:    now + int64(terms.Duration),
			Unclaimed:           big.NewInt(0),
			ProposalHash:        terms.ProposalHash,
			ProposalType:        terms.ProposalType,
		}
		if err := e.save(loan); err != nil {
			return err
		}

		if err := e.vault.Escrow(ctx, loan.Collateral, loan.Borrower, req.CollateralPermit); err != nil {
			return err
		}
		if err := e.vault.Relay(ctx, types.Fungible(loan.CreditAddress, split.Net), terms.Lender, loan.Borrower, req.CreditPermit); err != nil {
			return err
		}
		store := e.manager.Store()
		store.Emit(newLoanCreatedEvent(loan, terms.Lender, split.Gross))
		if split.Fee.Sign() > 0 {
			// A permit was consumed by the first relay; what remains of it is
			// a plain allowance.
			if err := e.vault.Relay(ctx, types.Fungible(loan.CreditAddress, split.Fee), terms.Lender, split.Collector, nil); err != nil {
				return err
			}
			store.Emit(newFeeCollectedEvent(loanID, loan.CreditAddress, split.Fee, split.Collector))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log().InfoContext(ctx, "loan created",
		slog.Uint64("loan_id", loanID),
		slog.String("acceptor", caller.String()),
		slog.String("proposal_type", req.ProposalType.String()),
	)
	return loanID, nil
}

func (e *Engine) checkTerms(terms *proposal.Terms, now int64) error {
	if terms.Duration < e.config.MinDuration || terms.Duration > uint64(math.MaxInt64-now) {
		return fmt.Errorf("%w: %d seconds", ErrInvalidDuration, terms.Duration)
	}
	if terms.AccruingInterestAPR > e.config.MaxAccruingAPR {
		return fmt.Errorf("%w: %d", ErrInterestAPROutOfBounds, terms.AccruingInterestAPR)
	}
	if terms.Credit.Category != types.CategoryFungible || isZero(terms.Credit.Amount) || !e.assets.Valid(terms.Credit) {
		return fmt.Errorf("%w: %s", ErrInvalidCreditAsset, terms.Credit)
	}
	if !e.assets.Valid(terms.Collateral) {
		return fmt.Errorf("%w: %s", ErrInvalidCollateralAsset, terms.Collateral)
	}
	if terms.FixedInterestAmount != nil && !types.ValidAmount(terms.FixedInterestAmount) {
		return fmt.Errorf("%w: fixed interest out of range", ErrMissingField)
	}
	return nil
}

// RepayRequest is the input of Repay. A nil or zero Amount repays the full
// debt.
type RepayRequest struct {
	LoanID uint64         `json:"loanId"`
	Amount *big.Int       `json:"amount,omitempty"`
	Permit *assets.Permit `json:"permit,omitempty"`
}

// Repay pays down a running loan on behalf of caller, interest first. The
// accrual clock restarts at the current time. Once the principal reaches zero
// the collateral returns to the borrower. It returns the amount paid.
func (e *Engine) Repay(ctx context.Context, caller crypto.Address, req RepayRequest) (*big.Int, error) {
	var paid *big.Int
	var holder crypto.Address
	err := e.execute(ctx, "repay", caller, func(ctx context.Context, now int64) error {
		loan, err := e.load(req.LoanID)
		if err != nil {
			return err
		}
		status, err := e.status(ctx, loan, now)
		if err != nil {
			return err
		}
		if status != StatusRunning {
			return fmt.Errorf("%w: %s", ErrLoanNotRunning, status)
		}
		accrued, debt, err := e.debt(ctx, loan, now)
		if err != nil {
			return err
		}
		amount := nonNil(req.Amount)
		switch {
		case amount.Sign() < 0:
			return ErrInvalidAmount
		case amount.Sign() == 0:
			amount = debt
		case amount.Cmp(debt) > 0:
			return fmt.Errorf("%w: %s > %s", ErrRepaymentTooLarge, amount, debt)
		}

		interestDue := sum(loan.FixedInterest, accrued)
		interestPaid := new(big.Int)
		if amount.Cmp(interestDue) <= 0 {
			interestPaid.Set(amount)
			loan.FixedInterest = interestDue.Sub(interestDue, amount)
		} else {
			interestPaid.Set(interestDue)
			loan.FixedInterest = big.NewInt(0)
			loan.Principal = new(big.Int).Sub(loan.Principal, new(big.Int).Sub(amount, interestDue))
		}
		loan.LastAccrual = now

		holder, err = e.token.OwnerOf(loan.ID)
		if err != nil {
			return err
		}
		credit := types.Fungible(loan.CreditAddress, amount)
		routedTo := e.vault.Address()
		hook := e.lenderHook(holder)
		if hook != nil && e.routeToHolder(ctx, loan.ID, hook, caller, holder, credit, req) {
			routedTo = holder
		} else {
			if err := e.vault.Escrow(ctx, credit, caller, req.Permit); err != nil {
				return err
			}
			loan.Unclaimed = sum(loan.Unclaimed, amount)
		}

		if isZero(loan.Principal) {
			if err := e.vault.Release(ctx, loan.Collateral, loan.Borrower); err != nil {
				return err
			}
		}
		if isZero(loan.Principal) && isZero(loan.Unclaimed) {
			err = e.erase(loan)
		} else {
			err = e.save(loan)
		}
		if err != nil {
			return err
		}
		e.manager.Store().Emit(newRepaidEvent(loan, caller, amount, interestPaid, routedTo))
		paid = new(big.Int).Set(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log().InfoContext(ctx, "loan repaid",
		slog.Uint64("loan_id", req.LoanID),
		slog.String("payer", caller.String()),
		slog.String("amount", paid.String()),
	)
	return paid, nil
}

// Claim pays out whatever the claim token holder is owed. On a defaulted
// loan that is the unclaimed credit plus the collateral and the loan is
// closed. Otherwise the unclaimed credit is paid; the loan closes when its
// principal is zero.
func (e *Engine) Claim(ctx context.Context, caller crypto.Address, loanID uint64) error {
	return e.execute(ctx, "claim", caller, func(ctx context.Context, now int64) error {
		loan, err := e.load(loanID)
		if err != nil {
			return err
		}
		holder, err := e.token.OwnerOf(loanID)
		if err != nil {
			return err
		}
		if caller != holder {
			return ErrCallerNotLoanTokenHolder
		}
		status, err := e.status(ctx, loan, now)
		if err != nil {
			return err
		}
		credit := nonNil(loan.Unclaimed)
		switch {
		case status == StatusDefaulted:
			if err := e.vault.Release(ctx, types.Fungible(loan.CreditAddress, credit), caller); err != nil {
				return err
			}
			if err := e.vault.Release(ctx, loan.Collateral, caller); err != nil {
				return err
			}
			if err := e.erase(loan); err != nil {
				return err
			}
			collateral := loan.Collateral.Clone()
			e.manager.Store().Emit(newClaimedEvent(loanID, caller, credit, &collateral, true))
		case credit.Sign() > 0:
			if err := e.vault.Release(ctx, types.Fungible(loan.CreditAddress, credit), caller); err != nil {
				return err
			}
			closed := isZero(loan.Principal)
			if closed {
				err = e.erase(loan)
			} else {
				loan.Unclaimed = big.NewInt(0)
				err = e.save(loan)
			}
			if err != nil {
				return err
			}
			e.manager.Store().Emit(newClaimedEvent(loanID, caller, credit, nil, closed))
		default:
			return ErrNothingToClaim
		}
		return nil
	})
}

// LiquidateRequest is the input of Liquidate.
type LiquidateRequest struct {
	LoanID     uint64         `json:"loanId"`
	Settlement *big.Int       `json:"settlement,omitempty"`
	Permit     *assets.Permit `json:"permit,omitempty"`
}

// Liquidate closes a defaulted loan for a settlement paid by caller, who must
// hold the claim token or the liquidator tag. The settlement is credited to
// the holder and the collateral goes to caller.
func (e *Engine) Liquidate(ctx context.Context, caller crypto.Address, req LiquidateRequest) error {
	err := e.execute(ctx, "liquidate", caller, func(ctx context.Context, now int64) error {
		loan, err := e.load(req.LoanID)
		if err != nil {
			return err
		}
		status, err := e.status(ctx, loan, now)
		if err != nil {
			return err
		}
		if status != StatusDefaulted {
			return fmt.Errorf("%w: %s", ErrLoanNotDefaulted, status)
		}
		holder, err := e.token.OwnerOf(loan.ID)
		if err != nil {
			return err
		}
		if caller != holder && (e.tags == nil || !e.tags.HasTag(caller, tags.Liquidator)) {
			return ErrCallerNotLiquidator
		}
		_, debt, err := e.debt(ctx, loan, now)
		if err != nil {
			return err
		}
		settlement := nonNil(req.Settlement)
		if settlement.Sign() < 0 {
			return ErrInvalidAmount
		}
		minimum, err := e.minimumSettlement(ctx, loan, debt, now)
		if err != nil {
			return err
		}
		if settlement.Cmp(minimum) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrSettlementTooLow, settlement, minimum)
		}
		if settlement.Sign() > 0 {
			if err := e.vault.Escrow(ctx, types.Fungible(loan.CreditAddress, settlement), caller, req.Permit); err != nil {
				return err
			}
			loan.Unclaimed = sum(loan.Unclaimed, settlement)
		}
		loan.Principal = big.NewInt(0)
		loan.FixedInterest = big.NewInt(0)
		loan.LastAccrual = now
		if err := e.vault.Release(ctx, loan.Collateral, caller); err != nil {
			return err
		}
		if isZero(loan.Unclaimed) {
			err = e.erase(loan)
		} else {
			err = e.save(loan)
		}
		if err != nil {
			return err
		}
		e.manager.Store().Emit(newLiquidatedEvent(loan, caller, settlement, debt))
		return nil
	})
	if err != nil {
		return err
	}
	e.log().InfoContext(ctx, "loan liquidated",
		slog.Uint64("loan_id", req.LoanID),
		slog.String("liquidator", caller.String()),
	)
	return nil
}

// MakeProposal registers p on-ledger through its proposal type so it can be
// accepted without a signature.
func (e *Engine) MakeProposal(ctx context.Context, caller, proposalType crypto.Address, p proposal.Proposal) (crypto.Hash, error) {
	var hash crypto.Hash
	err := e.execute(ctx, "make_proposal", caller, func(context.Context, int64) error {
		typ, ok := e.ProposalType(proposalType)
		if !ok {
			return ErrInvalidProposalType
		}
		var err error
		hash, err = typ.Make(caller, p)
		return err
	})
	return hash, err
}

// RevokeNonce revokes one of caller's nonces.
func (e *Engine) RevokeNonce(ctx context.Context, caller crypto.Address, space uint64, n *big.Int) error {
	return e.execute(ctx, "revoke_nonce", caller, func(context.Context, int64) error {
		return e.nonces.RevokeNonce(caller, space, n)
	})
}

// RevokeNonceSpace moves caller to a fresh nonce space and returns it.
func (e *Engine) RevokeNonceSpace(ctx context.Context, caller crypto.Address) (uint64, error) {
	var space uint64
	err := e.execute(ctx, "revoke_nonce_space", caller, func(context.Context, int64) error {
		var err error
		space, err = e.nonces.RevokeNonceSpace(caller)
		return err
	})
	return space, err
}

// Loan returns the loan with its derived status, holder and debt.
func (e *Engine) Loan(ctx context.Context, loanID uint64) (*LoanView, error) {
	var view *LoanView
	err := e.manager.View(ctx, func() error {
		loan, err := e.load(loanID)
		if err != nil {
			return err
		}
		now := e.now()
		status, err := e.status(ctx, loan, now)
		if err != nil {
			return err
		}
		holder, err := e.token.OwnerOf(loanID)
		if err != nil {
			return err
		}
		accrued, total, err := e.debt(ctx, loan, now)
		if err != nil {
			return err
		}
		view = &LoanView{Loan: *loan, Status: status, Holder: holder, Accrued: accrued, TotalDebt: total, ObservedAt: now}
		return nil
	})
	return view, err
}

// Status returns the derived status of a loan. Loans that were issued and
// later erased report StatusDead.
func (e *Engine) Status(ctx context.Context, loanID uint64) (Status, error) {
	var status Status
	err := e.manager.View(ctx, func() error {
		loan, err := e.load(loanID)
		if err == nil {
			status, err = e.status(ctx, loan, e.now())
			return err
		}
		if !errors.Is(err, ErrLoanNotFound) {
			return err
		}
		last, lerr := e.token.LastID()
		if lerr != nil {
			return lerr
		}
		if loanID == 0 || loanID > last {
			return err
		}
		status = StatusDead
		return nil
	})
	return status, err
}

// TotalDebt returns what a full repayment would cost right now.
func (e *Engine) TotalDebt(ctx context.Context, loanID uint64) (*big.Int, error) {
	var total *big.Int
	err := e.manager.View(ctx, func() error {
		loan, err := e.load(loanID)
		if err != nil {
			return err
		}
		_, total, err = e.debt(ctx, loan, e.now())
		return err
	})
	return total, err
}

// ProposalHash returns the hash of p under the given proposal type.
func (e *Engine) ProposalHash(proposalType crypto.Address, p proposal.Proposal) (crypto.Hash, error) {
	typ, ok := e.ProposalType(proposalType)
	if !ok {
		return crypto.Hash{}, ErrInvalidProposalType
	}
	return typ.Hash(p)
}
