package processor

import (
	"constellation/domain/effects"
	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/status"
)

func processPayment(c *Context, r *quantum.Payment) error {
	if err := c.requireAsset(r.Asset); err != nil {
		return err
	}
	if err := requirePositive("amount", r.Amount); err != nil {
		return err
	}
	if r.Destination == r.Account {
		return status.Invalidf("payment to self")
	}
	if r.Destination.IsZero() {
		return status.Invalidf("empty destination")
	}
	if err := c.requireAvailable(c.Account, r.Asset, r.Amount); err != nil {
		return err
	}

	if err := c.debit(c.Account, r.Asset, r.Amount); err != nil {
		return err
	}
	dst, err := c.ensureAccount(r.Destination)
	if err != nil {
		return err
	}
	return c.credit(dst, r.Asset, r.Amount)
}

func processWithdrawal(c *Context, r *quantum.Withdrawal) error {
	if err := c.requireAsset(r.Asset); err != nil {
		return err
	}
	if err := requirePositive("amount", r.Amount); err != nil {
		return err
	}
	if r.Destination == "" {
		return status.Invalidf("empty destination")
	}
	if err := c.requireAvailable(c.Account, r.Asset, r.Amount); err != nil {
		return err
	}

	w := ledger.Withdrawal{
		ID:          c.Apex,
		AccountID:   c.Account.ID,
		Asset:       r.Asset,
		Amount:      r.Amount,
		Destination: r.Destination,
		CreatedAt:   c.Timestamp,
	}
	if err := c.add(&effects.WithdrawalCreate{Withdrawal: w}); err != nil {
		return err
	}
	return c.reserve(c.Account, r.Asset, r.Amount)
}

// processCleanup releases a withdrawal the bridge gave up on.
func processCleanup(c *Context, r *quantum.WithdrawalCleanup) error {
	w, ok := c.State.Withdrawals[r.WithdrawalID]
	if !ok {
		return status.Invalidf("withdrawal %d not found", r.WithdrawalID)
	}
	a, ok := c.State.Accounts.Get(w.AccountID)
	if !ok {
		return status.Invalidf("withdrawal %d owner %d not found", w.ID, w.AccountID)
	}
	if err := c.add(&effects.WithdrawalRemove{Withdrawal: *w.Clone()}); err != nil {
		return err
	}
	return c.release(a, w.Asset, w.Amount)
}
