package domain

// Gift is a catalog item. Animated only selects a client overlay; the
// economics are identical for both kinds.
type GiftID string

type Gift struct {
	ID       GiftID `json:"id"`
	Name     string `json:"name"`
	UnitCost int64  `json:"unit_cost"`
	Animated bool   `json:"animated"`
}

// TotalCost is the submission-time price: unit cost times multiplier times
// the number of resolved target seats.
func (g Gift) TotalCost(multiplier, targets int) int64 {
	return g.UnitCost * int64(multiplier) * int64(targets)
}

// FailedTransfer records one per-target transfer that was rejected during
// fan-out. Succeeded transfers are never rolled back because of it.
type FailedTransfer struct {
	Seat   int    `json:"seat"`
	Reason string `json:"reason"`
}

// GiftReceipt summarizes one fan-out attempt. Exactly one timeline event is
// appended per receipt, not one per target.
type GiftReceipt struct {
	Gift       GiftID           `json:"gift"`
	Animated   bool             `json:"animated"`
	Sender     UserID           `json:"sender"`
	Multiplier int              `json:"multiplier"`
	Targets    []int            `json:"targets"`
	Delivered  []int            `json:"delivered"`
	Failed     []FailedTransfer `json:"failed,omitempty"`
	Total      int64            `json:"total"`
}
