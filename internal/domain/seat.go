package domain

// Seat is one speaking slot in a room. Index 0 is the host seat.
// Occupant fields are a denormalized copy of the occupant's profile so a
// snapshot renders without extra user lookups.
type Seat struct {
	Index    int    `json:"index"`
	Occupant UserID `json:"occupant,omitempty"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	FrameID  string `json:"frame_id,omitempty"`
	Muted    bool   `json:"muted"`
	Locked   bool   `json:"locked"`
	Gifts    int64  `json:"gifts"`
	// Admin snapshots the occupant's admin role at seating time.
	Admin bool `json:"admin"`
}

func (s Seat) Empty() bool { return s.Occupant == "" }
