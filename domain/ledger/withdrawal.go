package ledger

// Withdrawal is funds reserved for an outbound bridge transaction. Its id is
// the apex of the quantum that created it.
type Withdrawal struct {
	ID          uint64
	AccountID   uint64
	Asset       string
	Amount      int64
	Destination string
	CreatedAt   int64
}

func (w *Withdrawal) Clone() *Withdrawal {
	c := *w
	return &c
}
