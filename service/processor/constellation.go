package processor

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/effects"
	"constellation/domain/quantum"
	"constellation/domain/status"
)

var (
	ErrAlreadyInitialized = errors.New("processor: constellation already initialized")
	ErrAssetRemoved       = errors.New("processor: assets can only be appended")
)

// processInit applies the genesis quantum: first settings version, genesis
// accounts with their balances and the initial bridge cursor.
func processInit(c *Context, r *quantum.ConstellationInit) error {
	if c.settings() != nil || c.Apex != 1 {
		return status.Invalid(ErrAlreadyInitialized)
	}
	st := r.Settings.Clone()
	st.Apex = c.Apex
	if err := st.Validate(); err != nil {
		return status.Invalid(err)
	}
	if !c.Envelope.IsSignedBy(st.Alpha) {
		return status.Denied(ErrNotAlpha)
	}

	if err := c.add(&effects.ConstellationUpdate{Settings: st}); err != nil {
		return err
	}
	for _, ga := range r.Accounts {
		if ga.PubKey.IsZero() {
			return status.Invalidf("genesis account without key")
		}
		if _, dup := c.State.Accounts.GetByKey(ga.PubKey); dup {
			return status.Invalidf("duplicate genesis account %s", ga.PubKey)
		}
		a, err := c.ensureAccount(ga.PubKey)
		if err != nil {
			return err
		}
		for _, b := range ga.Balances {
			if err := c.requireAsset(b.Asset); err != nil {
				return err
			}
			if b.Amount < 0 {
				return status.Invalidf("negative genesis balance")
			}
			if err := c.credit(a, b.Asset, b.Amount); err != nil {
				return err
			}
		}
	}
	if r.Cursor != "" {
		return c.add(&effects.CursorUpdate{Cursor: r.Cursor})
	}
	return nil
}

// processUpdate installs a new settings version. The quote asset and
// existing assets stay; new assets may be appended.
func processUpdate(c *Context, r *quantum.ConstellationUpdate) error {
	prev := c.settings()
	st := r.Settings.Clone()
	st.Apex = c.Apex
	if err := st.Validate(); err != nil {
		return status.Invalid(err)
	}
	if len(st.Assets) < len(prev.Assets) {
		return status.Invalid(ErrAssetRemoved)
	}
	for i, a := range prev.Assets {
		if st.Assets[i] != a {
			return status.Invalid(errors.Wrap(ErrAssetRemoved, a))
		}
	}
	return c.add(&effects.ConstellationUpdate{Settings: st, Prev: prev.Clone()})
}
