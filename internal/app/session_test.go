package app

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/adapters/memstore"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

func createRoom(t *testing.T, store core.Store) (*domain.User, domain.RoomID) {
	t.Helper()
	host := newUser(t, "host")
	id, err := NewRooms(store, 9).Create(context.Background(), "lounge", host)
	require.NoError(t, err)
	return host, id
}

func joinSession(t *testing.T, store core.Store, roomID domain.RoomID, user *domain.User, code string) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sess := NewSession(store, newFakeTransport(), user, roomID, SessionOptions{})
	require.NoError(t, sess.Join(ctx, code))
	return sess
}

// awaitEvent drains the session stream until match accepts an event.
func awaitEvent(t *testing.T, sess *Session, match func(core.Event) bool) core.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			require.True(t, ok, "event stream closed while waiting")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("no matching event within 2s")
			return nil
		}
	}
}

func awaitSnapshot(t *testing.T, sess *Session) *domain.RoomSnapshot {
	t.Helper()
	ev := awaitEvent(t, sess, func(ev core.Event) bool {
		_, ok := ev.(core.SnapshotApplied)
		return ok
	})
	return ev.(core.SnapshotApplied).Snapshot
}

func awaitTermination(t *testing.T, sess *Session) core.TerminateReason {
	t.Helper()
	ev := awaitEvent(t, sess, func(ev core.Event) bool {
		_, ok := ev.(core.Terminated)
		return ok
	})
	return ev.(core.Terminated).Reason
}

func TestSessionClaimConfirmedEndToEnd(t *testing.T) {
	store := memstore.New()
	_, roomID := createRoom(t, store)
	alice := newUser(t, "alice")

	sess := joinSession(t, store, roomID, alice, "")
	awaitSnapshot(t, sess)

	require.NoError(t, sess.ClaimSeat(context.Background(), 2))
	ev := awaitEvent(t, sess, func(ev core.Event) bool {
		_, ok := ev.(core.ClaimResolved)
		return ok
	}).(core.ClaimResolved)
	require.Equal(t, 2, ev.Seat)
	require.Equal(t, core.ClaimConfirmed, ev.Status)

	// Seat occupancy drives the voice lifecycle without further input.
	require.Eventually(t, func() bool {
		return sess.VoiceState() == StatePublished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionMuteStopsPublishing(t *testing.T) {
	store := memstore.New()
	_, roomID := createRoom(t, store)
	alice := newUser(t, "alice")

	sess := joinSession(t, store, roomID, alice, "")
	awaitSnapshot(t, sess)
	require.NoError(t, sess.ClaimSeat(context.Background(), 0))
	require.Eventually(t, func() bool {
		return sess.VoiceState() == StatePublished
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.SetMuted(context.Background(), true))
	require.Eventually(t, func() bool {
		return sess.VoiceState() == StateJoined
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionBanTerminatesTarget(t *testing.T) {
	store := memstore.New()
	host, roomID := createRoom(t, store)
	guest := newUser(t, "guest")

	hostSess := joinSession(t, store, roomID, host, "")
	guestSess := joinSession(t, store, roomID, guest, "")
	awaitSnapshot(t, hostSess)
	awaitSnapshot(t, guestSess)

	require.NoError(t, hostSess.Moderate(context.Background(), core.Moderate{
		Kind:   core.ModerationBan,
		Target: guest.ID,
	}))
	require.Equal(t, core.TerminatedBanned, awaitTermination(t, guestSess))

	// Rejoin is refused while the ban entry stands.
	retry := NewSession(store, newFakeTransport(), guest, roomID, SessionOptions{})
	err := retry.Join(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrPermission)
}

func TestSessionRoomDeletionTerminatesEveryone(t *testing.T) {
	store := memstore.New()
	host, roomID := createRoom(t, store)
	guest := newUser(t, "guest")

	guestSess := joinSession(t, store, roomID, guest, "")
	awaitSnapshot(t, guestSess)

	require.NoError(t, NewRooms(store, 9).Delete(context.Background(), roomID, host.ID))
	require.Equal(t, core.TerminatedRoomDeleted, awaitTermination(t, guestSess))
}

func TestSessionLockedRoomNeedsAccessCode(t *testing.T) {
	store := memstore.New()
	host, roomID := createRoom(t, store)
	guest := newUser(t, "guest")

	require.NoError(t, NewModerator(store).LockRoom(context.Background(), roomID, host.ID, "4242"))

	wrong := NewSession(store, newFakeTransport(), guest, roomID, SessionOptions{})
	require.ErrorIs(t, wrong.Join(context.Background(), "1111"), domain.ErrBadAccessCode)

	right := joinSession(t, store, roomID, guest, "4242")
	awaitSnapshot(t, right)

	// The host enters its own locked room without a code.
	hostSess := joinSession(t, store, roomID, host, "")
	awaitSnapshot(t, hostSess)
}

func TestSessionLeaveVacatesSeatAndPresence(t *testing.T) {
	store := memstore.New()
	_, roomID := createRoom(t, store)
	alice := newUser(t, "alice")

	sess := joinSession(t, store, roomID, alice, "")
	awaitSnapshot(t, sess)
	require.NoError(t, sess.ClaimSeat(context.Background(), 4))
	awaitEvent(t, sess, func(ev core.Event) bool {
		cr, ok := ev.(core.ClaimResolved)
		return ok && cr.Status == core.ClaimConfirmed
	})

	require.NoError(t, sess.Leave(context.Background()))
	require.Equal(t, core.TerminatedLeft, awaitTermination(t, sess))

	after := snapshotOf(t, store, roomID)
	require.True(t, after.Seats[4].Empty())
	require.Equal(t, int64(0), after.Viewers)
}

func TestSessionLeaveDuringSnapshotBurst(t *testing.T) {
	store := memstore.New()
	_, roomID := createRoom(t, store)
	alice := newUser(t, "alice")

	sess := joinSession(t, store, roomID, alice, "")
	awaitSnapshot(t, sess)

	// Snapshots keep arriving while the session tears down; the event
	// stream must close cleanly, never send after close.
	burst := make(chan struct{})
	go func() {
		defer close(burst)
		for i := 0; i < 500; i++ {
			_ = store.SetFields(context.Background(), core.RoomsCollection, string(roomID),
				map[string]string{domain.FieldAnnouncement: strconv.Itoa(i)})
		}
	}()
	require.NoError(t, sess.Leave(context.Background()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				<-burst
				return
			}
		case <-deadline:
			t.Fatal("event stream did not close after leave")
		}
	}
}

func TestSessionCommitSettingsIsHostOnly(t *testing.T) {
	store := memstore.New()
	host, roomID := createRoom(t, store)
	guest := newUser(t, "guest")

	guestSess := joinSession(t, store, roomID, guest, "")
	awaitSnapshot(t, guestSess)
	guestSess.BeginSettings()
	guestSess.EditSettings(SettingsDraft{Name: "hijacked"})
	require.ErrorIs(t, guestSess.CommitSettings(context.Background()), domain.ErrPermission)

	hostSess := joinSession(t, store, roomID, host, "")
	awaitSnapshot(t, hostSess)
	hostSess.BeginSettings()
	hostSess.EditSettings(SettingsDraft{Name: "renamed", Announcement: "hello"})
	require.NoError(t, hostSess.CommitSettings(context.Background()))

	after := snapshotOf(t, store, roomID)
	require.Equal(t, domain.RoomName("renamed"), after.Name)
	require.Equal(t, "hello", after.Announcement)
}
