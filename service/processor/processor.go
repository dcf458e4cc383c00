// Package processor turns one signed request into the effects of its
// quantum.
package processor

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/effects"
	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/domain/status"
	"constellation/infra/keys"
)

var (
	ErrNotInitialized = errors.New("processor: constellation is not initialized")
	ErrUnknownAccount = errors.New("processor: unknown account")
	ErrBadNonce       = errors.New("processor: nonce must be greater than the last one")
	ErrRateLimited    = errors.New("processor: request rate limit exceeded")
	ErrNotAlpha       = errors.New("processor: request must be signed by alpha")
	ErrUnsupported    = errors.New("processor: unsupported asset")
	ErrInsufficient   = errors.New("processor: insufficient available balance")
)

const rateWindowMillis = 60_000

// Context is what a processor sees while handling one quantum.
type Context struct {
	Apex      uint64
	Timestamp int64
	Envelope  *quantum.Envelope
	State     *ledger.State
	Effects   *effects.Container

	// Account is the requester of a client request.
	Account *ledger.Account
}

func (c *Context) add(e effects.Effect) error {
	return c.Effects.Add(e)
}

func (c *Context) settings() *settings.Settings {
	return c.State.Settings
}

// Process validates env against s and applies its effects. On any failure
// the ledger is left untouched.
func Process(apex uint64, timestamp int64, env *quantum.Envelope, s *ledger.State) (*effects.Container, error) {
	c := &Context{
		Apex:      apex,
		Timestamp: timestamp,
		Envelope:  env,
		State:     s,
		Effects:   effects.NewContainer(apex, s),
	}
	if err := run(c); err != nil {
		if rbErr := c.Effects.Rollback(); rbErr != nil {
			return nil, errors.CombineErrors(err, rbErr)
		}
		return nil, err
	}
	if err := c.Effects.Check(); err != nil {
		if rbErr := c.Effects.Rollback(); rbErr != nil {
			return nil, errors.CombineErrors(err, rbErr)
		}
		return nil, err
	}
	return c.Effects, nil
}

func run(c *Context) error {
	if c.Envelope == nil || c.Envelope.Request == nil {
		return status.Invalidf("empty envelope")
	}
	if init, ok := c.Envelope.Request.(*quantum.ConstellationInit); ok {
		return processInit(c, init)
	}
	if c.settings() == nil {
		return status.Invalid(ErrNotInitialized)
	}

	if cr, ok := c.Envelope.Request.(quantum.ClientRequest); ok {
		if err := validateClient(c, cr); err != nil {
			return err
		}
	} else if !c.Envelope.IsSignedBy(c.settings().Alpha) {
		return status.Denied(ErrNotAlpha)
	}

	switch r := c.Envelope.Request.(type) {
	case *quantum.Payment:
		return processPayment(c, r)
	case *quantum.Withdrawal:
		return processWithdrawal(c, r)
	case *quantum.Order:
		return processOrder(c, r)
	case *quantum.OrderCancellation:
		return processCancellation(c, r)
	case *quantum.WithdrawalCleanup:
		return processCleanup(c, r)
	case *quantum.ConstellationUpdate:
		return processUpdate(c, r)
	case *quantum.DepositCommit:
		return processDeposit(c, r)
	default:
		return status.Invalid(errors.Wrapf(quantum.ErrUnknownRequest, "%T", r))
	}
}

// validateClient checks signature, nonce and rate, then records the nonce
// and rate counter effects every client request carries.
func validateClient(c *Context, r quantum.ClientRequest) error {
	a, ok := c.State.Accounts.GetByKey(r.Requester())
	if !ok {
		return status.Denied(errors.Wrap(ErrUnknownAccount, r.Requester().String()))
	}
	if !c.Envelope.IsSignedBy(a.PubKey) {
		return status.Denied(quantum.ErrInvalidSignature)
	}
	if r.RequestNonce() <= a.Nonce {
		return status.Invalid(errors.Wrapf(ErrBadNonce, "got %d, last %d", r.RequestNonce(), a.Nonce))
	}

	limit := c.settings().RequestRateLimit
	if limit == 0 {
		limit = settings.DefaultRequestRateLimit
	}
	window := c.Timestamp / rateWindowMillis
	counter := ledger.RequestCounter{Window: window, Count: 1}
	if a.Requests.Window == window {
		counter.Count = a.Requests.Count + 1
	}
	if counter.Count > limit {
		return status.Throttled(ErrRateLimited)
	}

	c.Account = a
	if err := c.add(&effects.NonceUpdate{AccountID: a.ID, Nonce: r.RequestNonce(), Prev: a.Nonce}); err != nil {
		return err
	}
	return c.add(&effects.RequestRateUpdate{AccountID: a.ID, Counter: counter, Prev: a.Requests})
}

// -------------------- Shared helpers --------------------

func (c *Context) requireAsset(asset string) error {
	if !c.settings().HasAsset(asset) {
		return status.Invalid(errors.Wrap(ErrUnsupported, asset))
	}
	return nil
}

func requirePositive(name string, v int64) error {
	if v <= 0 {
		return status.Invalidf("%s must be positive", name)
	}
	return nil
}

func (c *Context) requireAvailable(a *ledger.Account, asset string, amount int64) error {
	if a.Available(asset) < amount {
		return status.Invalid(errors.Wrapf(ErrInsufficient, "%s: need %d, have %d", asset, amount, a.Available(asset)))
	}
	return nil
}

// ensureBalance creates the balance on first use.
func (c *Context) ensureBalance(a *ledger.Account, asset string) error {
	if _, ok := a.Balance(asset); ok {
		return nil
	}
	return c.add(&effects.BalanceCreate{AccountID: a.ID, Asset: asset})
}

// ensureAccount returns the account for pk, creating it when unknown.
func (c *Context) ensureAccount(pk keys.PublicKey) (*ledger.Account, error) {
	if a, ok := c.State.Accounts.GetByKey(pk); ok {
		return a, nil
	}
	id := c.State.Accounts.NextID()
	if err := c.add(&effects.AccountCreate{AccountID: id, PubKey: pk}); err != nil {
		return nil, err
	}
	a, _ := c.State.Accounts.Get(id)
	return a, nil
}

func (c *Context) credit(a *ledger.Account, asset string, amount int64) error {
	if err := c.ensureBalance(a, asset); err != nil {
		return err
	}
	return c.add(&effects.BalanceUpdate{AccountID: a.ID, Asset: asset, Delta: amount})
}

func (c *Context) debit(a *ledger.Account, asset string, amount int64) error {
	return c.add(&effects.BalanceUpdate{AccountID: a.ID, Asset: asset, Delta: -amount})
}

func (c *Context) reserve(a *ledger.Account, asset string, amount int64) error {
	if amount == 0 {
		return nil
	}
	return c.add(&effects.UpdateLiabilities{AccountID: a.ID, Asset: asset, Delta: amount})
}

func (c *Context) release(a *ledger.Account, asset string, amount int64) error {
	return c.reserve(a, asset, -amount)
}
