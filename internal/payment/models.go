package payment

import "time"

// Order is one payment request shown to the payer as a VietQR code.
// Amounts are VND (no minor unit).
type Order struct {
	ID             int64
	ExpectedAmount int64
	Purpose        string // e.g. monthly_fund, donate
	Username       string
	ReturnURL      string
	Status         Status // see status.go

	// Set exactly once by the first accepted bank transaction.
	MatchedTxRef   *string
	ObservedAmount *int64
	PaidAt         *time.Time

	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

func (o *Order) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// EffectiveStatus applies lazy expiry: a pending order past its deadline
// reads as expired even before anything wrote that.
func (o *Order) EffectiveStatus(now time.Time) Status {
	if o.Status == StatusPending && o.IsExpired(now) {
		return StatusExpired
	}
	return o.Status
}
