// Package orderbook holds resting orders in price-time priority.
//
// One Orderbook exists per asset and side. Sell books run from the lowest
// price, buy books from the highest; equal prices are ordered by order id,
// which is the apex that placed the order. Matching is driven from outside
// by the quantum processors, which read the opposite book head and emit
// effects that mutate it.
package orderbook
