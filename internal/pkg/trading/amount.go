// Package trading holds position sizing arithmetic shared by the trader.
package trading

// CalcCloseAmount returns the quantity to close for a partial exit. The
// fraction applies to the current quantity, or to the initial quantity when
// fromInitial is set, and the result never exceeds what is still open.
func CalcCloseAmount(current, initial, fraction float64, fromInitial bool) float64 {
	if current <= 0 || fraction <= 0 {
		return 0
	}
	base := current
	if fromInitial && initial > 0 {
		base = initial
	}
	qty := base * fraction
	if qty > current {
		qty = current
	}
	return qty
}
