package payment

import "time"

// LatePaymentMode decides what happens to a bank transaction that arrives
// after the order's deadline. The original behavior was ambiguous; here it
// is an explicit configuration choice.
type LatePaymentMode string

const (
	// LateExpire records the transaction for audit but the order stays money-less: expired.
	LateExpire LatePaymentMode = "expire"
	// LateDonation honors the late money as a donation.
	LateDonation LatePaymentMode = "donation"
)

func ParseLatePaymentMode(s string) LatePaymentMode {
	if s == string(LateDonation) {
		return LateDonation
	}
	return LateExpire
}

// Policy decides the terminal status for a matched transaction.
type Policy struct {
	LatePayment LatePaymentMode
}

// Decide maps an observed amount onto a terminal status for a pending
// order. Exact amount fulfills; any other amount is treated as a voluntary
// donation, not an error. Late arrivals go through the configured mode.
func (p Policy) Decide(o Order, observedAmount int64, now time.Time) Status {
	if o.IsExpired(now) {
		if p.LatePayment == LateDonation {
			return StatusDonation
		}
		return StatusExpired
	}
	if observedAmount == o.ExpectedAmount {
		return StatusFulfilled
	}
	return StatusDonation
}
