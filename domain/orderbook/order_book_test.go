package orderbook

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func order(id uint64, side Side, price string, amount int64) *Order {
	return &Order{
		ID:     id,
		Asset:  "EURC",
		Side:   side,
		Price:  decimal.RequireFromString(price),
		Amount: amount,
	}
}

func ids(b *Orderbook) []uint64 {
	var out []uint64
	for _, o := range b.Orders() {
		out = append(out, o.ID)
	}
	return out
}

func TestEqualPriceKeepsTimePriority(t *testing.T) {
	b := NewOrderbook("EURC", Sell)
	require.NoError(t, b.Insert(order(1, Sell, "10", 1)))
	require.NoError(t, b.Insert(order(2, Sell, "10", 1)))
	require.NoError(t, b.Insert(order(3, Sell, "10", 1)))

	require.Equal(t, []uint64{1, 2, 3}, ids(b))
}

func TestSellBookAscending(t *testing.T) {
	b := NewOrderbook("EURC", Sell)
	require.NoError(t, b.Insert(order(1, Sell, "12", 1)))
	require.NoError(t, b.Insert(order(2, Sell, "10", 1)))
	require.NoError(t, b.Insert(order(3, Sell, "11", 1)))
	require.NoError(t, b.Insert(order(4, Sell, "10", 1)))

	require.Equal(t, []uint64{2, 4, 3, 1}, ids(b))
	price, ok := b.BestPrice()
	require.True(t, ok)
	require.True(t, price.Equal(decimal.NewFromInt(10)))
}

func TestBuyBookDescending(t *testing.T) {
	b := NewOrderbook("EURC", Buy)
	require.NoError(t, b.Insert(order(1, Buy, "10", 1)))
	require.NoError(t, b.Insert(order(2, Buy, "12", 1)))
	require.NoError(t, b.Insert(order(3, Buy, "11", 1)))
	require.NoError(t, b.Insert(order(4, Buy, "12", 1)))

	require.Equal(t, []uint64{2, 4, 3, 1}, ids(b))
}

func TestRemove(t *testing.T) {
	b := NewOrderbook("EURC", Sell)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, b.Insert(order(i, Sell, "10", 5)))
	}

	o, ok := b.Remove(2)
	require.True(t, ok)
	require.Equal(t, uint64(2), o.ID)
	require.Equal(t, []uint64{1, 3, 4}, ids(b))
	require.Equal(t, int64(15), b.Volume())

	_, ok = b.Remove(2)
	require.False(t, ok, "second removal is not an error")

	_, ok = b.Remove(1)
	require.True(t, ok)
	_, ok = b.Remove(4)
	require.True(t, ok)
	require.Equal(t, []uint64{3}, ids(b))
	require.Equal(t, uint64(3), b.Head().ID)
}

func TestReinsertRestoresPosition(t *testing.T) {
	b := NewOrderbook("EURC", Buy)
	for i, p := range []string{"10", "10", "9", "11", "10"} {
		require.NoError(t, b.Insert(order(uint64(i+1), Buy, p, 1)))
	}
	before := ids(b)

	removed, ok := b.Remove(2)
	require.True(t, ok)
	require.NoError(t, b.Insert(removed))

	require.Equal(t, before, ids(b))
}

func TestEmptyBookHasNoPrice(t *testing.T) {
	b := NewOrderbook("EURC", Sell)
	_, ok := b.BestPrice()
	require.False(t, ok)
	require.Nil(t, b.Head())
}

func TestInsertRejects(t *testing.T) {
	b := NewOrderbook("EURC", Sell)
	require.ErrorIs(t, b.Insert(order(1, Buy, "1", 1)), ErrWrongBook)
	require.ErrorIs(t, b.Insert(order(1, Sell, "0", 1)), ErrInvalidOrder)
	require.ErrorIs(t, b.Insert(order(1, Sell, "1", 0)), ErrInvalidOrder)
	require.NoError(t, b.Insert(order(1, Sell, "1", 1)))
	require.ErrorIs(t, b.Insert(order(1, Sell, "2", 1)), ErrDuplicateOrder)
}

func TestSortInvariantUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, side := range []Side{Buy, Sell} {
		b := NewOrderbook("EURC", side)
		live := map[uint64]bool{}
		next := uint64(1)

		for i := 0; i < 2000; i++ {
			if len(live) > 0 && rng.Intn(3) == 0 {
				for id := range live {
					_, ok := b.Remove(id)
					require.True(t, ok)
					delete(live, id)
					break
				}
				continue
			}
			price := decimal.NewFromInt(int64(rng.Intn(20) + 1))
			require.NoError(t, b.Insert(&Order{ID: next, Asset: "EURC", Side: side, Price: price, Amount: 1}))
			live[next] = true
			next++
		}

		orders := b.Orders()
		require.Len(t, orders, len(live))
		for i := 1; i < len(orders); i++ {
			prev, cur := orders[i-1], orders[i]
			c := prev.Price.Cmp(cur.Price)
			if side == Sell {
				require.LessOrEqual(t, c, 0)
			} else {
				require.GreaterOrEqual(t, c, 0)
			}
			if c == 0 {
				require.Less(t, prev.ID, cur.ID)
			}
		}
	}
}

func TestExchangeRouting(t *testing.T) {
	x := NewExchange()
	require.NoError(t, x.Place(order(1, Buy, "5", 1)))
	require.NoError(t, x.Place(order(2, Sell, "6", 1)))
	require.ErrorIs(t, x.Place(order(2, Buy, "5", 1)), ErrDuplicateOrder)

	o, ok := x.Order(2)
	require.True(t, ok)
	require.Equal(t, Sell, o.Side)

	_, ok = x.Remove(1)
	require.True(t, ok)
	require.Equal(t, 1, x.Len())
	require.Len(t, x.Books(), 2)
}

func TestQuoteCostFloors(t *testing.T) {
	require.Equal(t, int64(3), QuoteCost(7, decimal.RequireFromString("0.5")))
	require.Equal(t, int64(70), QuoteCost(7, decimal.NewFromInt(10)))
}

func TestCrosses(t *testing.T) {
	ten := decimal.NewFromInt(10)
	nine := decimal.NewFromInt(9)
	require.True(t, Crosses(Buy, ten, nine))
	require.False(t, Crosses(Buy, nine, ten))
	require.True(t, Crosses(Sell, nine, ten))
	require.False(t, Crosses(Sell, ten, nine))
}
