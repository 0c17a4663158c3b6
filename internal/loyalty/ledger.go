// Package loyalty holds the points ledger contract: bounded, atomic balance
// operations against a user's wallet. Earning is a pure computation; crediting
// is a separate step gated by payment confirmation.
package loyalty

import "errors"

var ErrInsufficientPoints = errors.New("insufficient points")

// Earn returns the points a payment of amount earns. One point per 50
// currency units, rounded down.
func Earn(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return amount / 50
}
