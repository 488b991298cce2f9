package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Moderator enforces seat eviction, room bans, admin-role mutation and room
// locking. Every mutating call re-reads the room document and re-validates
// the authorization matrix against that fresh state — the caller's cached
// snapshot is advisory only.
//
// Enforcement of a ban is purely reactive: it takes effect when the banned
// participant's reconciler evaluates the next snapshot, so the delay is
// bounded by the store's propagation latency.
type Moderator struct {
	store core.Store
	now   func() time.Time
}

func NewModerator(store core.Store) *Moderator {
	return &Moderator{store: store, now: time.Now}
}

// notice records a moderation act on the room timeline so clients can
// render it inline with chat and gifts.
func (m *Moderator) notice(ctx context.Context, roomID domain.RoomID, kind string, actor, target domain.UserID) {
	_, err := m.store.Append(ctx, core.TimelineCollection(string(roomID)), core.Document{
		"type":   "moderation",
		"kind":   kind,
		"actor":  string(actor),
		"target": string(target),
		"at":     strconv.FormatInt(m.now().Unix(), 10),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.moderation").Str("room", string(roomID)).Msg("moderation notice not appended")
	}
}

func (m *Moderator) fresh(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error) {
	doc, err := m.store.Get(ctx, core.RoomsCollection, string(roomID))
	if err != nil {
		return nil, err
	}
	return domain.DecodeRoom(roomID, doc), nil
}

// authorize applies the matrix: host outranks everyone, an admin only
// outranks ordinary participants, a participant moderates no one.
func authorize(snap *domain.RoomSnapshot, actor, target domain.UserID) error {
	switch snap.RoleOf(actor) {
	case domain.RoleHost:
		return nil
	case domain.RoleAdmin:
		if snap.RoleOf(target) != domain.RoleParticipant {
			return domain.ErrPermission
		}
		return nil
	default:
		return domain.ErrPermission
	}
}

func requireHost(snap *domain.RoomSnapshot, actor domain.UserID) error {
	if snap.RoleOf(actor) != domain.RoleHost {
		return domain.ErrPermission
	}
	return nil
}

func requireModerator(snap *domain.RoomSnapshot, actor domain.UserID) error {
	if snap.RoleOf(actor) == domain.RoleParticipant {
		return domain.ErrPermission
	}
	return nil
}

// KickFromSeat vacates a seat without banning its occupant.
func (m *Moderator) KickFromSeat(ctx context.Context, roomID domain.RoomID, actor domain.UserID, seatIndex int) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	seat, ok := snap.Seat(seatIndex)
	if !ok {
		return fmt.Errorf("seat %d: %w", seatIndex, domain.ErrNotFound)
	}
	if seat.Empty() {
		return nil
	}
	if err := authorize(snap, actor, seat.Occupant); err != nil {
		return err
	}
	if err := vacateSeat(ctx, m.store, roomID, seatIndex, seat.Occupant); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	m.notice(ctx, roomID, "kick", actor, seat.Occupant)
	log.Info().Str("module", "app.moderation").Str("room", string(roomID)).Int("seat", seatIndex).Str("target", string(seat.Occupant)).Msg("kicked from seat")
	return nil
}

// BanFromRoom vacates the target if seated and writes the ban entry.
// durationMinutes 0 means permanent. Self-ban is refused even for the host.
func (m *Moderator) BanFromRoom(ctx context.Context, roomID domain.RoomID, actor, target domain.UserID, durationMinutes int) error {
	if actor == target {
		return domain.ErrPermission
	}
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	if err := authorize(snap, actor, target); err != nil {
		return err
	}
	if idx, seated := snap.SeatOf(target); seated {
		if err := vacateSeat(ctx, m.store, roomID, idx, target); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	expiry := domain.BanPermanent
	if durationMinutes > 0 {
		expiry = m.now().Add(time.Duration(durationMinutes) * time.Minute).Unix()
	}
	err = m.store.SetFields(ctx, core.RoomsCollection, string(roomID), map[string]string{
		domain.BanField(target): strconv.FormatInt(expiry, 10),
	})
	if err != nil {
		return err
	}
	m.notice(ctx, roomID, "ban", actor, target)
	log.Info().Str("module", "app.moderation").Str("room", string(roomID)).Str("target", string(target)).Int64("expiry", expiry).Msg("banned from room")
	return nil
}

func (m *Moderator) Unban(ctx context.Context, roomID domain.RoomID, actor, target domain.UserID) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	if err := authorize(snap, actor, target); err != nil {
		return err
	}
	return m.store.DeleteFields(ctx, core.RoomsCollection, string(roomID), domain.BanField(target))
}

// AddAdmin grants the admin role; host only. A seated target's seat gets
// its role snapshot refreshed in the same write.
func (m *Moderator) AddAdmin(ctx context.Context, roomID domain.RoomID, actor, target domain.UserID) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	if err := requireHost(snap, actor); err != nil {
		return err
	}
	fields := map[string]string{domain.AdminField(target): "1"}
	if idx, seated := snap.SeatOf(target); seated {
		fields[domain.SeatField(idx, "admin")] = "1"
	}
	return m.store.SetFields(ctx, core.RoomsCollection, string(roomID), fields)
}

func (m *Moderator) RemoveAdmin(ctx context.Context, roomID domain.RoomID, actor, target domain.UserID) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	if err := requireHost(snap, actor); err != nil {
		return err
	}
	names := []string{domain.AdminField(target)}
	if idx, seated := snap.SeatOf(target); seated {
		names = append(names, domain.SeatField(idx, "admin"))
	}
	return m.store.DeleteFields(ctx, core.RoomsCollection, string(roomID), names...)
}

// LockRoom sets the lock flag and stores a bcrypt hash of the access code.
func (m *Moderator) LockRoom(ctx context.Context, roomID domain.RoomID, actor domain.UserID, accessCode string) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	if err := requireHost(snap, actor); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(accessCode), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("access code hash: %w", err)
	}
	return m.store.SetFields(ctx, core.RoomsCollection, string(roomID), map[string]string{
		domain.FieldLocked: "1",
		domain.FieldAccess: string(hash),
	})
}

func (m *Moderator) UnlockRoom(ctx context.Context, roomID domain.RoomID, actor domain.UserID) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	if err := requireHost(snap, actor); err != nil {
		return err
	}
	if err := m.store.SetFields(ctx, core.RoomsCollection, string(roomID), map[string]string{domain.FieldLocked: "0"}); err != nil {
		return err
	}
	return m.store.DeleteFields(ctx, core.RoomsCollection, string(roomID), domain.FieldAccess)
}

// LockSeat bars ordinary participants from claiming the seat; host or
// admin.
func (m *Moderator) LockSeat(ctx context.Context, roomID domain.RoomID, actor domain.UserID, seatIndex int) error {
	return m.setSeatFlag(ctx, roomID, actor, seatIndex, "locked", "1")
}

func (m *Moderator) UnlockSeat(ctx context.Context, roomID domain.RoomID, actor domain.UserID, seatIndex int) error {
	return m.setSeatFlag(ctx, roomID, actor, seatIndex, "locked", "0")
}

// MuteSeat and UnmuteSeat flip the flag the voice controller reacts to.
func (m *Moderator) MuteSeat(ctx context.Context, roomID domain.RoomID, actor domain.UserID, seatIndex int) error {
	return m.muteSeat(ctx, roomID, actor, seatIndex, "1")
}

func (m *Moderator) UnmuteSeat(ctx context.Context, roomID domain.RoomID, actor domain.UserID, seatIndex int) error {
	return m.muteSeat(ctx, roomID, actor, seatIndex, "0")
}

func (m *Moderator) muteSeat(ctx context.Context, roomID domain.RoomID, actor domain.UserID, seatIndex int, value string) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	seat, ok := snap.Seat(seatIndex)
	if !ok {
		return fmt.Errorf("seat %d: %w", seatIndex, domain.ErrNotFound)
	}
	// Muting your own seat is always allowed; muting others follows the
	// matrix.
	if seat.Occupant != actor {
		if err := authorize(snap, actor, seat.Occupant); err != nil {
			return err
		}
	}
	return m.store.SetFields(ctx, core.RoomsCollection, string(roomID), map[string]string{
		domain.SeatField(seatIndex, "muted"): value,
	})
}

func (m *Moderator) setSeatFlag(ctx context.Context, roomID domain.RoomID, actor domain.UserID, seatIndex int, part, value string) error {
	snap, err := m.fresh(ctx, roomID)
	if err != nil {
		return err
	}
	if _, ok := snap.Seat(seatIndex); !ok {
		return fmt.Errorf("seat %d: %w", seatIndex, domain.ErrNotFound)
	}
	if err := requireModerator(snap, actor); err != nil {
		return err
	}
	return m.store.SetFields(ctx, core.RoomsCollection, string(roomID), map[string]string{
		domain.SeatField(seatIndex, part): value,
	})
}
