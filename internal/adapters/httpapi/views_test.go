package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/domain"
)

func TestErrCodeMapping(t *testing.T) {
	cases := map[string]error{
		"insufficient_funds": domain.ErrInsufficientFunds,
		"permission":         domain.ErrPermission,
		"seat_locked":        domain.ErrSeatLocked,
		"claim_in_flight":    domain.ErrClaimInFlight,
		"conflict":           domain.ErrConflict,
		"bad_access_code":    domain.ErrBadAccessCode,
		"not_found":          domain.ErrNotFound,
		"transport":          domain.ErrTransport,
	}
	for code, err := range cases {
		require.Equal(t, code, errCode(err))
		// Wrapped errors map the same way.
		require.Equal(t, code, errCode(fmt.Errorf("seat 3: %w", err)))
	}
	require.Equal(t, "internal", errCode(fmt.Errorf("boom")))
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, http.StatusOK, statusOf(nil))
	require.Equal(t, http.StatusForbidden, statusOf(domain.ErrPermission))
	require.Equal(t, http.StatusNotFound, statusOf(domain.ErrNotFound))
	require.Equal(t, http.StatusInternalServerError, statusOf(domain.ErrConflict))
}

func TestRoomViewProjection(t *testing.T) {
	snap := &domain.RoomSnapshot{
		ID:      "r1",
		Name:    "lounge",
		Host:    "h",
		Seats:   []domain.Seat{{Index: 0, Occupant: "u1"}},
		Admins:  map[domain.UserID]struct{}{"a": {}},
		Viewers: 3,
		Locked:  true,
	}
	view := roomView(snap)
	require.Equal(t, snap.ID, view.ID)
	require.Equal(t, snap.Name, view.Name)
	require.Equal(t, []domain.UserID{"a"}, view.Admins)
	require.Equal(t, int64(3), view.Viewers)
	require.True(t, view.Locked)
}
