package lending

import (
	"context"
	"fmt"
	"log/slog"

	"peerlend/core/state"
	"peerlend/core/types"
	"peerlend/crypto"
)

// LenderHook lets a claim token holder take repayments directly instead of
// leaving them in custody. The credit has already been transferred to the
// holder when OnRepayment runs; returning an error (or panicking) undoes the
// transfer and the repayment is kept in custody instead.
type LenderHook interface {
	OnRepayment(ctx context.Context, loanID uint64, payer crypto.Address, credit types.Asset) error
}

// RegisterLenderHook installs hook for holder. A nil hook removes any
// registration.
func (e *Engine) RegisterLenderHook(holder crypto.Address, hook LenderHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hook == nil {
		delete(e.hooks, holder)
		return
	}
	e.hooks[holder] = hook
}

func (e *Engine) lenderHook(holder crypto.Address) LenderHook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hooks[holder]
}

// routeToHolder relays credit from payer to holder and runs the holder's
// hook. Any failure rolls back everything the attempt wrote and reports
// false so the caller can fall back to custody.
func (e *Engine) routeToHolder(ctx context.Context, loanID uint64, hook LenderHook, payer, holder crypto.Address, credit types.Asset, req RepayRequest) (routed bool) {
	store := e.manager.Store()
	snap := store.Snapshot()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("lender hook panicked: %v", r)
			}
		}()
		if err := e.vault.Relay(ctx, credit, payer, holder, req.Permit); err != nil {
			return err
		}
		return state.Callout(ctx, func(ctx context.Context) error {
			return hook.OnRepayment(ctx, loanID, payer, credit.Clone())
		})
	}()
	if err != nil {
		store.RevertToSnapshot(snap)
		e.log().WarnContext(ctx, "lender hook failed, repayment kept in custody",
			slog.Uint64("loan_id", loanID),
			slog.String("holder", holder.String()),
			slog.Any("error", err),
		)
		e.metrics.RecordHookFallback()
		return false
	}
	return true
}
