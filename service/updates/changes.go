package updates

import (
	"constellation/domain/effects"
	"constellation/domain/ledger"
	"constellation/domain/settings"
)

// Changes is the state one quantum leaves behind, captured right after it
// was applied. Accounts and withdrawals are copies.
type Changes struct {
	Accounts    []*ledger.Account
	Withdrawals []*ledger.Withdrawal
	Removed     []uint64
	Settings    *settings.Settings
	Cursor      *string
}

// Capture snapshots what c touched in s.
func Capture(c *effects.Container, s *ledger.State) Changes {
	var ch Changes
	for _, id := range c.Affected() {
		if a, ok := s.Accounts.Get(id); ok {
			ch.Accounts = append(ch.Accounts, a.Clone())
		}
	}
	for _, e := range c.Effects() {
		switch e := e.(type) {
		case *effects.WithdrawalCreate:
			if w, ok := s.Withdrawals[e.Withdrawal.ID]; ok {
				ch.Withdrawals = append(ch.Withdrawals, w.Clone())
			}
		case *effects.WithdrawalRemove:
			ch.Removed = append(ch.Removed, e.Withdrawal.ID)
		case *effects.ConstellationUpdate:
			ch.Settings = s.Settings.Clone()
		case *effects.CursorUpdate:
			cursor := s.Cursor
			ch.Cursor = &cursor
		}
	}
	return ch
}
