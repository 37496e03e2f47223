// Package server exposes the lending protocol over an authenticated JSON
// HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"peerlend/crypto"
	"peerlend/native/lending"
	"peerlend/native/proposal"
	"peerlend/services/lending/indexer"
	"peerlend/services/lending/node"
	"peerlend/services/lendingd/config"
)

// History serves the recorded events of a loan.
type History interface {
	History(ctx context.Context, loanID uint64) ([]indexer.Entry, error)
}

// Config captures the settings required to construct the HTTP API.
type Config struct {
	ServiceName string
	Auth        config.AuthConfig
	RateLimit   config.RateLimitConfig
	Logger      *slog.Logger
	// Idempotency enables Idempotency-Key replay on mutating routes when set.
	Idempotency    redis.UniversalClient
	IdempotencyTTL time.Duration
}

// Server routes API requests into a lending node.
type Server struct {
	node     *node.Node
	history  History
	auth     *authenticator
	limiter  *rateLimiter
	idem     *idempotency
	observer *observer
	logger   *slog.Logger
}

// New constructs the API server. history may be nil, in which case the
// history endpoint reports 503.
func New(n *node.Node, history History, cfg Config) (*Server, error) {
	if n == nil {
		return nil, errors.New("server: node required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lendingd"
	}
	return &Server{
		node:     n,
		history:  history,
		auth:     newAuthenticator(cfg.Auth),
		limiter:  newRateLimiter(cfg.RateLimit),
		idem:     newIdempotency(cfg.Idempotency, cfg.IdempotencyTTL),
		observer: newObserver(cfg.ServiceName),
		logger:   logger,
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestContext(s.logger))
	r.Use(recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.middleware)
		s.handle(r, http.MethodPost, "/loans", "loans.create", s.createLoan)
		s.handle(r, http.MethodGet, "/loans/{id}", "loans.get", s.getLoan)
		s.handle(r, http.MethodGet, "/loans/{id}/history", "loans.history", s.loanHistory)
		s.handle(r, http.MethodPost, "/loans/{id}/repay", "loans.repay", s.repay)
		s.handle(r, http.MethodPost, "/loans/{id}/claim", "loans.claim", s.claim)
		s.handle(r, http.MethodPost, "/loans/{id}/liquidate", "loans.liquidate", s.liquidate)
		s.handle(r, http.MethodPost, "/loans/{id}/extend", "loans.extend", s.extend)
		s.handle(r, http.MethodPost, "/loans/{id}/extensions", "loans.extensions.make", s.makeExtension)
		s.handle(r, http.MethodPost, "/proposals/hash", "proposals.hash", s.hashProposal)
		s.handle(r, http.MethodPost, "/proposals/make", "proposals.make", s.makeProposal)
		s.handle(r, http.MethodPost, "/nonces/revoke", "nonces.revoke", s.revokeNonce)
		s.handle(r, http.MethodPost, "/nonces/revoke-space", "nonces.revoke_space", s.revokeNonceSpace)
		s.handle(r, http.MethodGet, "/balances/{contract}/{holder}", "balances.get", s.balance)
	})
	return r
}

func (s *Server) handle(r chi.Router, method, pattern, route string, fn http.HandlerFunc) {
	chain := []func(http.Handler) http.Handler{s.observer.route(route), s.limiter.middleware(route)}
	if method != http.MethodGet {
		chain = append(chain, s.idem.middleware(route))
	}
	r.With(chain...).Method(method, pattern, fn)
}

func caller(r *http.Request) crypto.Address {
	addr, _ := CallerFrom(r.Context())
	return addr
}

func loanIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errBadRequest
	}
	return id, nil
}

func (s *Server) decodeProposal(env proposalEnvelope) (proposal.Type, proposal.Proposal, error) {
	kind := strings.ToLower(strings.TrimSpace(env.Kind))
	typ, ok := s.node.ProposalType(kind)
	if !ok {
		return nil, nil, proposal.ErrUnknownKind
	}
	p, err := proposal.Decode(kind, env.Proposal)
	if err != nil {
		return nil, nil, err
	}
	return typ, p, nil
}

func (s *Server) createLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	typ, p, err := s.decodeProposal(req.proposalEnvelope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	loanID, err := s.node.Engine.CreateLoan(r.Context(), caller(r), lending.CreateRequest{
		ProposalType:     typ.Address(),
		Proposal:         p,
		Values:           req.Values,
		Auth:             req.Auth,
		CollateralPermit: req.CollateralPermit,
		CreditPermit:     req.CreditPermit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createLoanResponse{LoanID: loanID})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid loan id", nil)
		return
	}
	view, err := s.node.Engine.Loan(r.Context(), loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) loanHistory(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid loan id", nil)
		return
	}
	if s.history == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "history not configured", nil)
		return
	}
	entries, err := s.history.History(r.Context(), loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{LoanID: loanID, Events: entries})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid loan id", nil)
		return
	}
	var req repayRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	paid, err := s.node.Engine.Repay(r.Context(), caller(r), lending.RepayRequest{
		LoanID: loanID,
		Amount: req.Amount,
		Permit: req.Permit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayResponse{LoanID: loanID, Paid: paid})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid loan id", nil)
		return
	}
	if err := s.node.Engine.Claim(r.Context(), caller(r), loanID); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeLoanStatus(w, r, loanID)
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid loan id", nil)
		return
	}
	var req liquidateRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	err = s.node.Engine.Liquidate(r.Context(), caller(r), lending.LiquidateRequest{
		LoanID:     loanID,
		Settlement: req.Settlement,
		Permit:     req.Permit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeLoanStatus(w, r, loanID)
}

func (s *Server) extend(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid loan id", nil)
		return
	}
	var req lending.ExtendRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Extension.LoanID == 0 {
		req.Extension.LoanID = loanID
	}
	if req.Extension.LoanID != loanID {
		writeProblem(w, r, http.StatusBadRequest, "extension targets a different loan", nil)
		return
	}
	if err := s.node.Engine.ExtendLoan(r.Context(), caller(r), req); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := s.node.Engine.Loan(r.Context(), loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{LoanID: loanID, DefaultTimestamp: view.DefaultTimestamp})
}

func (s *Server) makeExtension(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid loan id", nil)
		return
	}
	var ext lending.Extension
	if err := decodeBody(w, r, &ext, false); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if ext.LoanID == 0 {
		ext.LoanID = loanID
	}
	if ext.LoanID != loanID {
		writeProblem(w, r, http.StatusBadRequest, "extension targets a different loan", nil)
		return
	}
	hash, err := s.node.Engine.MakeExtensionProposal(r.Context(), caller(r), ext)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hashResponse{Hash: hash})
}

func (s *Server) hashProposal(w http.ResponseWriter, r *http.Request) {
	var env proposalEnvelope
	if err := decodeBody(w, r, &env, false); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	typ, p, err := s.decodeProposal(env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hash, err := s.node.Engine.ProposalHash(typ.Address(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{Hash: hash})
}

func (s *Server) makeProposal(w http.ResponseWriter, r *http.Request) {
	var env proposalEnvelope
	if err := decodeBody(w, r, &env, false); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	typ, p, err := s.decodeProposal(env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hash, err := s.node.Engine.MakeProposal(r.Context(), caller(r), typ.Address(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hashResponse{Hash: hash})
}

func (s *Server) revokeNonce(w http.ResponseWriter, r *http.Request) {
	var req revokeNonceRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Nonce == nil || req.Nonce.Sign() < 0 {
		writeProblem(w, r, http.StatusBadRequest, "nonce required", nil)
		return
	}
	if err := s.node.Engine.RevokeNonce(r.Context(), caller(r), req.NonceSpace, req.Nonce); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeNonceSpace(w http.ResponseWriter, r *http.Request) {
	space, err := s.node.Engine.RevokeNonceSpace(r.Context(), caller(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeSpaceResponse{NonceSpace: space})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	contract, err := crypto.DecodeAddress(chi.URLParam(r, "contract"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid contract address", nil)
		return
	}
	holder, err := crypto.DecodeAddress(chi.URLParam(r, "holder"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid holder address", nil)
		return
	}
	var id *big.Int
	if raw := strings.TrimSpace(r.URL.Query().Get("id")); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok || parsed.Sign() < 0 {
			writeProblem(w, r, http.StatusBadRequest, "invalid token id", nil)
			return
		}
		id = parsed
	}
	balance, err := s.node.Balance(r.Context(), contract, id, holder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Contract: contract, Holder: holder, ID: id, Balance: balance})
}

func (s *Server) writeLoanStatus(w http.ResponseWriter, r *http.Request, loanID uint64) {
	status, err := s.node.Engine.Status(r.Context(), loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loanActionResponse{LoanID: loanID, Status: status.String()})
}
