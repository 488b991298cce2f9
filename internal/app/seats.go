package app

import (
	"context"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// occupantFields is the cosmetic payload written after a claim commits.
// The occupant field itself is only ever touched by CompareAndSet.
func occupantFields(index int, user *domain.User, admin bool) map[string]string {
	fields := map[string]string{
		domain.SeatField(index, "name"):   user.Name,
		domain.SeatField(index, "avatar"): user.Avatar,
	}
	if admin {
		fields[domain.SeatField(index, "admin")] = "1"
	}
	return fields
}

// vacateSeat conditionally frees a seat and clears the occupant's cosmetic
// fields. ErrConflict means someone else already changed the seat, which is
// fine for every caller.
func vacateSeat(ctx context.Context, store core.Store, roomID domain.RoomID, index int, occupant domain.UserID) error {
	err := store.CompareAndSet(ctx, core.RoomsCollection, string(roomID),
		domain.SeatField(index, "occupant"), string(occupant), "")
	if err != nil {
		return err
	}
	return store.DeleteFields(ctx, core.RoomsCollection, string(roomID),
		domain.SeatField(index, "name"),
		domain.SeatField(index, "avatar"),
		domain.SeatField(index, "frame"),
		domain.SeatField(index, "admin"),
		domain.SeatField(index, "muted"),
	)
}
