package effects

import (
	"crypto/sha256"

	"github.com/cockroachdb/errors"

	"constellation/domain/ledger"
	"constellation/infra/codec"
)

// EffectsGroup is the effects of one quantum that belong to one account.
// Sequence is the account nonce after the quantum; the constellation group
// (account zero) carries zero.
type EffectsGroup struct {
	Account  uint64
	Sequence uint64
	Effects  []Effect
}

func (g *EffectsGroup) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, g.Account).PutUint64(2, g.Sequence)
	for _, e := range g.Effects {
		enc.PutRaw(3, Encode(e))
	}
}

func (g *EffectsGroup) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		g.Account = f.Uint64()
	case 2:
		g.Sequence = f.Uint64()
	case 3:
		e, err := Decode(f.Raw())
		if err != nil {
			return err
		}
		g.Effects = append(g.Effects, e)
	}
	return nil
}

/*
Container collects the effects of one apex while a processor runs.

Add applies the effect immediately so later processor steps see the
mutated state. If the processor fails half way, Rollback reverts what was
already applied, leaving the ledger exactly as before the quantum.
*/
type Container struct {
	Apex  uint64
	State *ledger.State

	effects []Effect
}

func NewContainer(apex uint64, s *ledger.State) *Container {
	return &Container{Apex: apex, State: s}
}

// Add applies e and records it. A failed effect is not recorded.
func (c *Container) Add(e Effect) error {
	if err := Apply(c.State, e); err != nil {
		return err
	}
	c.effects = append(c.effects, e)
	return nil
}

// Effects returns the applied effects in emission order.
func (c *Container) Effects() []Effect {
	return c.effects
}

func (c *Container) Len() int {
	return len(c.effects)
}

// Rollback reverts every recorded effect newest first and empties c.
func (c *Container) Rollback() error {
	if err := RevertAll(c.State, c.effects); err != nil {
		return errors.Wrapf(err, "rollback apex %d", c.Apex)
	}
	c.effects = nil
	return nil
}

// Affected returns touched account ids in first appearance order,
// excluding the constellation itself.
func (c *Container) Affected() []uint64 {
	seen := make(map[uint64]struct{})
	var out []uint64
	for _, e := range c.effects {
		id := e.Account()
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Groups splits the effects by account, keeping first appearance order for
// groups and emission order inside each group.
func (c *Container) Groups() []*EffectsGroup {
	index := make(map[uint64]*EffectsGroup)
	var out []*EffectsGroup
	for _, e := range c.effects {
		id := e.Account()
		g, ok := index[id]
		if !ok {
			g = &EffectsGroup{Account: id}
			if a, found := c.State.Accounts.Get(id); found {
				g.Sequence = a.Nonce
			}
			index[id] = g
			out = append(out, g)
		}
		g.Effects = append(g.Effects, e)
	}
	return out
}

// Hash is the effects proof: sha256 over the encoded groups in order.
func (c *Container) Hash() [32]byte {
	return GroupsHash(c.Groups())
}

func GroupsHash(groups []*EffectsGroup) [32]byte {
	h := sha256.New()
	for _, g := range groups {
		h.Write(codec.Marshal(g))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Check verifies the balance invariant on every account c touched.
func (c *Container) Check() error {
	for _, id := range c.Affected() {
		a, ok := c.State.Accounts.Get(id)
		if !ok {
			continue
		}
		for _, b := range a.Balances {
			if !b.Valid() {
				return errors.Wrapf(ledger.ErrBrokenInvariant, "account %d asset %s amount %d liabilities %d",
					id, b.Asset, b.Amount, b.Liabilities)
			}
		}
	}
	return nil
}
