package processor

import (
	"constellation/domain/effects"
	"constellation/domain/quantum"
	"constellation/domain/status"
)

// processDeposit commits one bridge cursor step. Deposits are credited,
// settled withdrawals leave the ledger for good.
func processDeposit(c *Context, r *quantum.DepositCommit) error {
	if r.Cursor == "" || r.Cursor == c.State.Cursor {
		return status.Invalidf("cursor must advance")
	}
	for _, d := range r.Deposits {
		if err := c.requireAsset(d.Asset); err != nil {
			return err
		}
		if err := requirePositive("deposit amount", d.Amount); err != nil {
			return err
		}
		if d.Destination.IsZero() {
			return status.Invalidf("empty deposit destination")
		}
	}
	seen := make(map[uint64]struct{}, len(r.Settled))
	for _, id := range r.Settled {
		if _, ok := c.State.Withdrawals[id]; !ok {
			return status.Invalidf("withdrawal %d not found", id)
		}
		if _, dup := seen[id]; dup {
			return status.Invalidf("withdrawal %d settled twice", id)
		}
		seen[id] = struct{}{}
	}

	for _, d := range r.Deposits {
		a, err := c.ensureAccount(d.Destination)
		if err != nil {
			return err
		}
		if err := c.credit(a, d.Asset, d.Amount); err != nil {
			return err
		}
	}
	for _, id := range r.Settled {
		w := c.State.Withdrawals[id]
		a, ok := c.State.Accounts.Get(w.AccountID)
		if !ok {
			return status.Invalidf("withdrawal %d owner %d not found", id, w.AccountID)
		}
		snapshot := *w.Clone()
		if err := c.release(a, w.Asset, w.Amount); err != nil {
			return err
		}
		if err := c.debit(a, w.Asset, w.Amount); err != nil {
			return err
		}
		if err := c.add(&effects.WithdrawalRemove{Withdrawal: snapshot}); err != nil {
			return err
		}
	}
	return c.add(&effects.CursorUpdate{Cursor: r.Cursor, Prev: c.State.Cursor})
}
