package payment

type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusDonation  Status = "donation"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// pending is the only non-terminal state; everything it can reach is final.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusFulfilled: true, StatusDonation: true, StatusExpired: true, StatusFailed: true},
	StatusFulfilled: {},
	StatusDonation:  {},
	StatusExpired:   {},
	StatusFailed:    {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s != StatusPending
}
