package httpapi

import (
	"errors"
	"net/http"

	"github.com/dkeye/Stage/internal/domain"
)

// RoomView is the wire shape of a snapshot; transport-free and stable
// against internal renames.
type RoomView struct {
	ID           domain.RoomID            `json:"id"`
	Name         domain.RoomName          `json:"name"`
	Host         domain.UserID            `json:"host"`
	Seats        []domain.Seat            `json:"seats"`
	Admins       []domain.UserID          `json:"admins"`
	Contributors map[domain.UserID]int64  `json:"contributors,omitempty"`
	Bans         map[domain.UserID]int64  `json:"bans,omitempty"`
	Viewers      int64                    `json:"viewers"`
	Locked       bool                     `json:"locked"`
	Announcement string                   `json:"announcement,omitempty"`
}

func roomView(snap *domain.RoomSnapshot) RoomView {
	admins := make([]domain.UserID, 0, len(snap.Admins))
	for uid := range snap.Admins {
		admins = append(admins, uid)
	}
	return RoomView{
		ID:           snap.ID,
		Name:         snap.Name,
		Host:         snap.Host,
		Seats:        snap.Seats,
		Admins:       admins,
		Contributors: snap.Contributors,
		Bans:         snap.Bans,
		Viewers:      snap.Viewers,
		Locked:       snap.Locked,
		Announcement: snap.Announcement,
	}
}

// errCode maps the domain taxonomy onto short wire codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrPermission):
		return "permission"
	case errors.Is(err, domain.ErrSeatLocked):
		return "seat_locked"
	case errors.Is(err, domain.ErrClaimInFlight):
		return "claim_in_flight"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrBadAccessCode):
		return "bad_access_code"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}

func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
