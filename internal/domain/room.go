package domain

import "time"

type (
	RoomName string
	RoomID   string
)

// BanPermanent marks a ban map entry with no expiry.
const BanPermanent int64 = -1

// Role orders moderation power: host > admin > participant.
type Role int

const (
	RoleParticipant Role = iota
	RoleAdmin
	RoleHost
)

// RoomSnapshot is one authoritative room state as delivered by the store.
// The client view is always the latest snapshot plus at most one in-flight
// seat claim; snapshots are never merged field by field.
type RoomSnapshot struct {
	ID           RoomID
	Name         RoomName
	Host         UserID
	Seats        []Seat
	Bans         map[UserID]int64
	Admins       map[UserID]struct{}
	Contributors map[UserID]int64
	Viewers      int64
	Locked       bool
	AccessHash   string
	Announcement string
}

// SeatOf returns the seat index occupied by uid.
func (r *RoomSnapshot) SeatOf(uid UserID) (int, bool) {
	for _, s := range r.Seats {
		if s.Occupant == uid {
			return s.Index, true
		}
	}
	return 0, false
}

func (r *RoomSnapshot) Seat(index int) (Seat, bool) {
	if index < 0 || index >= len(r.Seats) {
		return Seat{}, false
	}
	return r.Seats[index], true
}

// OccupiedSeats lists seat indexes with an occupant, in seat order.
func (r *RoomSnapshot) OccupiedSeats() []int {
	out := make([]int, 0, len(r.Seats))
	for _, s := range r.Seats {
		if !s.Empty() {
			out = append(out, s.Index)
		}
	}
	return out
}

func (r *RoomSnapshot) RoleOf(uid UserID) Role {
	if uid == r.Host {
		return RoleHost
	}
	if _, ok := r.Admins[uid]; ok {
		return RoleAdmin
	}
	return RoleParticipant
}

// Banned reports whether uid is banned at the given instant. A BanPermanent
// entry never expires; expired entries are ignored, not removed.
func (r *RoomSnapshot) Banned(uid UserID, now time.Time) bool {
	exp, ok := r.Bans[uid]
	if !ok {
		return false
	}
	if exp == BanPermanent {
		return true
	}
	return exp > now.Unix()
}
