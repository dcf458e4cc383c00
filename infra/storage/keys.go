package storage

import "encoding/binary"

/*
Key layout. Integers are big endian so pebble's byte order is apex order.

	q/<apex>              persistent quantum model
	x/<account><apex>     per-account quantum index, empty value
	s/<apex>              settings version introduced at apex
	p/<apex>              pending quantum awaiting majority
	a/<account>           zstd account snapshot, orders included
	w/<id>                pending withdrawal
	o/<apex>              confirmation outbox record
	m/last                last persisted apex + quantum hash
	m/cursor              bridge cursor
*/
var (
	prefixQuantum    = []byte("q/")
	prefixIndex      = []byte("x/")
	prefixSettings   = []byte("s/")
	prefixPending    = []byte("p/")
	prefixAccount    = []byte("a/")
	prefixWithdrawal = []byte("w/")
	prefixOutbox     = []byte("o/")

	keyLast   = []byte("m/last")
	keyCursor = []byte("m/cursor")
)

func key(prefix []byte, ids ...uint64) []byte {
	k := make([]byte, len(prefix), len(prefix)+8*len(ids))
	copy(k, prefix)
	for _, id := range ids {
		k = binary.BigEndian.AppendUint64(k, id)
	}
	return k
}

// upper returns the exclusive upper bound of every key under prefix.
func upper(prefix []byte) []byte {
	u := make([]byte, len(prefix))
	copy(u, prefix)
	u[len(u)-1]++
	return u
}

// tail decodes the n-th uint64 after the prefix.
func tail(k []byte, prefix []byte, n int) uint64 {
	off := len(prefix) + 8*n
	return binary.BigEndian.Uint64(k[off : off+8])
}
