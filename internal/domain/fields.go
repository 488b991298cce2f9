package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Room documents are flat field maps so every mutation stays narrow: a
// single-field conditional write or an atomic increment, never a
// whole-document overwrite that could clobber concurrent changes.
//
// Layout:
//
//	name, host, locked, access, viewers, announcement, seats
//	seat.<i>.occupant|name|avatar|frame|muted|locked|gifts|admin
//	ban.<userID>     unix-seconds expiry, -1 permanent
//	admin.<userID>   "1"
//	contrib.<userID> cumulative gift value
const (
	FieldName         = "name"
	FieldHost         = "host"
	FieldLocked       = "locked"
	FieldAccess       = "access"
	FieldViewers      = "viewers"
	FieldAnnouncement = "announcement"
	FieldSeatCount    = "seats"
)

func SeatField(index int, part string) string {
	return fmt.Sprintf("seat.%d.%s", index, part)
}

func BanField(uid UserID) string     { return "ban." + string(uid) }
func AdminField(uid UserID) string   { return "admin." + string(uid) }
func ContribField(uid UserID) string { return "contrib." + string(uid) }

// SeedRoom builds the initial field map for a new room document.
func SeedRoom(name RoomName, host *User, seatCount int) map[string]string {
	fields := map[string]string{
		FieldName:      string(name),
		FieldHost:      string(host.ID),
		FieldLocked:    "0",
		FieldViewers:   "0",
		FieldSeatCount: strconv.Itoa(seatCount),
	}
	for i := 0; i < seatCount; i++ {
		fields[SeatField(i, "occupant")] = ""
	}
	return fields
}

// DecodeRoom projects a flat room document into a typed snapshot. Duplicate
// occupants (which narrow writes should make impossible) are dropped beyond
// the lowest seat index, preserving the one-seat-per-user invariant.
func DecodeRoom(id RoomID, fields map[string]string) *RoomSnapshot {
	snap := &RoomSnapshot{
		ID:           id,
		Name:         RoomName(fields[FieldName]),
		Host:         UserID(fields[FieldHost]),
		Bans:         make(map[UserID]int64),
		Admins:       make(map[UserID]struct{}),
		Contributors: make(map[UserID]int64),
		Locked:       fields[FieldLocked] == "1",
		AccessHash:   fields[FieldAccess],
		Announcement: fields[FieldAnnouncement],
	}
	snap.Viewers, _ = strconv.ParseInt(fields[FieldViewers], 10, 64)

	count, _ := strconv.Atoi(fields[FieldSeatCount])
	snap.Seats = make([]Seat, count)
	seen := make(map[UserID]bool, count)
	for i := 0; i < count; i++ {
		s := Seat{
			Index:    i,
			Occupant: UserID(fields[SeatField(i, "occupant")]),
			Name:     fields[SeatField(i, "name")],
			Avatar:   fields[SeatField(i, "avatar")],
			FrameID:  fields[SeatField(i, "frame")],
			Muted:    fields[SeatField(i, "muted")] == "1",
			Locked:   fields[SeatField(i, "locked")] == "1",
			Admin:    fields[SeatField(i, "admin")] == "1",
		}
		s.Gifts, _ = strconv.ParseInt(fields[SeatField(i, "gifts")], 10, 64)
		if s.Occupant != "" {
			if seen[s.Occupant] {
				s = Seat{Index: i}
			} else {
				seen[s.Occupant] = true
			}
		}
		snap.Seats[i] = s
	}

	for k, v := range fields {
		switch {
		case strings.HasPrefix(k, "ban."):
			exp, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				snap.Bans[UserID(k[len("ban."):])] = exp
			}
		case strings.HasPrefix(k, "admin."):
			snap.Admins[UserID(k[len("admin."):])] = struct{}{}
		case strings.HasPrefix(k, "contrib."):
			total, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				snap.Contributors[UserID(k[len("contrib."):])] = total
			}
		}
	}
	return snap
}
