package core

import "github.com/dkeye/Stage/internal/domain"

type SessionID string

// ModerationKind discriminates Moderate commands.
type ModerationKind string

const (
	ModerationKick        ModerationKind = "kick"
	ModerationBan         ModerationKind = "ban"
	ModerationUnban       ModerationKind = "unban"
	ModerationAddAdmin    ModerationKind = "add_admin"
	ModerationRemoveAdmin ModerationKind = "remove_admin"
	ModerationLockRoom    ModerationKind = "lock_room"
	ModerationUnlockRoom  ModerationKind = "unlock_room"
	ModerationLockSeat    ModerationKind = "lock_seat"
	ModerationUnlockSeat  ModerationKind = "unlock_seat"
)

// Commands dispatched by adapters to a session. One discrete interface
// instead of threading callbacks through the UI.
type (
	ClaimSeat struct {
		Seat int `json:"seat"`
	}
	LeaveSeat struct{}
	SendGift  struct {
		Gift       domain.Gift `json:"gift"`
		Targets    []int       `json:"targets"` // empty = everyone seated
		Multiplier int         `json:"multiplier"`
	}
	Moderate struct {
		Kind ModerationKind `json:"kind"`
		// Target identifies the user for kick/ban/unban/admin kinds.
		Target domain.UserID `json:"target,omitempty"`
		Seat   int           `json:"seat,omitempty"`
		// BanMinutes 0 means permanent.
		BanMinutes int `json:"ban_minutes,omitempty"`
		// AccessCode accompanies lock_room.
		AccessCode string `json:"access_code,omitempty"`
	}
	SendChat struct {
		Text string `json:"text"`
	}
)

// ClaimStatus is the lifecycle of a pending seat claim. A claim is resolved
// only by comparing a later authoritative snapshot against the requester,
// never by local guessing.
type ClaimStatus int

const (
	ClaimPending ClaimStatus = iota
	ClaimConfirmed
	ClaimRejected
	ClaimTimedOut
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "pending"
	case ClaimConfirmed:
		return "confirmed"
	case ClaimRejected:
		return "rejected"
	case ClaimTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// TerminateReason explains a forced session exit.
type TerminateReason string

const (
	TerminatedBanned      TerminateReason = "banned"
	TerminatedRoomDeleted TerminateReason = "room_deleted"
	TerminatedLeft        TerminateReason = "left"
)

// Events emitted by a session to its adapter.
type (
	SnapshotApplied struct {
		Snapshot *domain.RoomSnapshot
	}
	ClaimResolved struct {
		Seat   int
		Status ClaimStatus
	}
	GiftDelivered struct {
		Receipt *domain.GiftReceipt
	}
	Terminated struct {
		Reason TerminateReason
	}
)

// Event is a marker union over the session event structs.
type Event any
