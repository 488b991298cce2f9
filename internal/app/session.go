package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const eventBuffer = 32

// SessionOptions tune one client session. Zero values fall back to the
// package defaults.
type SessionOptions struct {
	ClaimTimeout  time.Duration
	ResetAttempts int
}

// Session is one client's live view of one room. It owns the component
// wiring: a user action goes to the relevant component, the store re-emits
// a snapshot, the reconciler resolves pending state and the voice
// controller follows the resulting seat occupancy.
type Session struct {
	store core.Store
	user  *domain.User
	room  domain.RoomID

	arbiter  *Arbiter
	rec      *Reconciler
	voice    *VoiceController
	gifts    *GiftProcessor
	mod      *Moderator
	presence *Presence

	events chan core.Event
	cancel context.CancelFunc

	mu         sync.Mutex
	terminated bool
}

func NewSession(store core.Store, transport core.VoiceTransport, user *domain.User, room domain.RoomID, opts SessionOptions) *Session {
	arbiter := NewArbiter(store, opts.ClaimTimeout)
	return &Session{
		store:    store,
		user:     user,
		room:     room,
		arbiter:  arbiter,
		rec:      NewReconciler(user.ID, arbiter),
		voice:    NewVoiceController(transport, opts.ResetAttempts),
		gifts:    NewGiftProcessor(store),
		mod:      NewModerator(store),
		presence: NewPresence(store),
		events:   make(chan core.Event, eventBuffer),
	}
}

// Events delivers session events to the adapter. The channel closes when
// the session terminates.
func (s *Session) Events() <-chan core.Event { return s.events }

// View is the current room projection: latest snapshot plus settings draft.
func (s *Session) View() *domain.RoomSnapshot { return s.rec.View() }

// Join enters the room: lock check, presence record, snapshot subscribe,
// voice transport join with a preloaded disabled capture handle.
func (s *Session) Join(ctx context.Context, accessCode string) error {
	doc, err := s.store.Get(ctx, core.RoomsCollection, string(s.room))
	if err != nil {
		return fmt.Errorf("room %s: %w", s.room, err)
	}
	snap := domain.DecodeRoom(s.room, doc)

	if snap.Banned(s.user.ID, time.Now()) {
		return fmt.Errorf("banned: %w", domain.ErrPermission)
	}
	if snap.Locked && snap.RoleOf(s.user.ID) != domain.RoleHost {
		if bcrypt.CompareHashAndPassword([]byte(snap.AccessHash), []byte(accessCode)) != nil {
			return domain.ErrBadAccessCode
		}
	}

	// Profile fields merge into the user doc; the balance field is never
	// touched here.
	if err := s.store.SetFields(ctx, core.UsersCollection, string(s.user.ID), map[string]string{
		"name":   s.user.Name,
		"avatar": s.user.Avatar,
	}); err != nil {
		return fmt.Errorf("user profile: %w", err)
	}

	watch, err := s.store.Watch(ctx, core.RoomsCollection, string(s.room))
	if err != nil {
		return fmt.Errorf("room watch: %w", err)
	}
	if err := s.presence.Enter(ctx, s.room, s.user); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("room", string(s.room)).Msg("presence enter failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.voice.Start(runCtx)
	s.voice.EnterRoom(core.ChannelID(s.room), s.user.ID)

	go s.loop(runCtx, watch)
	log.Info().Str("module", "app.session").Str("room", string(s.room)).Str("user", string(s.user.ID)).Msg("joined room")
	return nil
}

// loop consumes the snapshot stream. A ticker sweeps the claim timeout so a
// quiet room still times out a stuck claim.
func (s *Session) loop(ctx context.Context, watch <-chan core.Document) {
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if resolved, ok := s.arbiter.Expire(time.Now()); ok {
				s.emit(resolved)
			}
		case doc, ok := <-watch:
			if !ok {
				// Watch closed underneath us: the room no longer
				// exists.
				s.terminate(core.TerminatedRoomDeleted)
				return
			}
			out := s.rec.Apply(domain.DecodeRoom(s.room, doc))
			if out.Claim != nil {
				s.emit(*out.Claim)
			}
			s.voice.SetSeated(out.Seated, out.Muted)
			s.emit(core.SnapshotApplied{Snapshot: out.Snapshot})
			if out.Terminated != nil {
				s.terminate(out.Terminated.Reason)
				return
			}
		}
	}
}

// emit delivers one event unless the session already terminated. Sends and
// the channel close are serialized under s.mu, so a snapshot arriving
// during Leave can never hit a closed channel.
func (s *Session) emit(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("module", "app.session").Str("room", string(s.room)).Msg("event buffer full, event dropped")
	}
}

// terminate force-ends the session exactly once. For a ban this is the
// enforcement point: the participant is logically removed on snapshot
// receipt.
func (s *Session) terminate(reason core.TerminateReason) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	select {
	case s.events <- core.Terminated{Reason: reason}:
	default:
		log.Warn().Str("module", "app.session").Str("room", string(s.room)).Msg("event buffer full, terminated event dropped")
	}
	close(s.events)
	s.mu.Unlock()

	s.voice.ExitRoom()
	s.arbiter.Clear()
	if s.cancel != nil {
		s.cancel()
	}
	log.Info().Str("module", "app.session").Str("room", string(s.room)).Str("user", string(s.user.ID)).Str("reason", string(reason)).Msg("session terminated")
}

// Leave is the clean exit: give up the seat, delete the presence record,
// tear down voice.
func (s *Session) Leave(ctx context.Context) error {
	if snap := s.rec.Current(); snap != nil {
		if idx, seated := snap.SeatOf(s.user.ID); seated {
			if err := vacateSeat(ctx, s.store, s.room, idx, s.user.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
				log.Warn().Err(err).Str("module", "app.session").Msg("seat not vacated on leave")
			}
		}
	}
	if err := s.presence.Leave(ctx, s.room, s.user.ID); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Msg("presence leave failed")
	}
	s.terminate(core.TerminatedLeft)
	return nil
}

// ClaimSeat dispatches a seat request against the current view.
func (s *Session) ClaimSeat(ctx context.Context, seatIndex int) error {
	snap := s.rec.Current()
	if snap == nil {
		return domain.ErrNotFound
	}
	return s.arbiter.RequestSeat(ctx, snap, seatIndex, s.user)
}

func (s *Session) LeaveSeat(ctx context.Context) error {
	snap := s.rec.Current()
	if snap == nil {
		return domain.ErrNotFound
	}
	idx, seated := snap.SeatOf(s.user.ID)
	if !seated {
		return nil
	}
	return vacateSeat(ctx, s.store, s.room, idx, s.user.ID)
}

func (s *Session) SendGift(ctx context.Context, gift domain.Gift, targets []int, multiplier int) (*domain.GiftReceipt, error) {
	snap := s.rec.Current()
	if snap == nil {
		return nil, domain.ErrNotFound
	}
	receipt, err := s.gifts.Execute(ctx, snap, s.user, gift, targets, multiplier)
	if err != nil {
		return nil, err
	}
	s.emit(core.GiftDelivered{Receipt: receipt})
	return receipt, nil
}

// Moderate dispatches one moderation command through the enforcer.
func (s *Session) Moderate(ctx context.Context, cmd core.Moderate) error {
	actor := s.user.ID
	switch cmd.Kind {
	case core.ModerationKick:
		return s.mod.KickFromSeat(ctx, s.room, actor, cmd.Seat)
	case core.ModerationBan:
		return s.mod.BanFromRoom(ctx, s.room, actor, cmd.Target, cmd.BanMinutes)
	case core.ModerationUnban:
		return s.mod.Unban(ctx, s.room, actor, cmd.Target)
	case core.ModerationAddAdmin:
		return s.mod.AddAdmin(ctx, s.room, actor, cmd.Target)
	case core.ModerationRemoveAdmin:
		return s.mod.RemoveAdmin(ctx, s.room, actor, cmd.Target)
	case core.ModerationLockRoom:
		return s.mod.LockRoom(ctx, s.room, actor, cmd.AccessCode)
	case core.ModerationUnlockRoom:
		return s.mod.UnlockRoom(ctx, s.room, actor)
	case core.ModerationLockSeat:
		return s.mod.LockSeat(ctx, s.room, actor, cmd.Seat)
	case core.ModerationUnlockSeat:
		return s.mod.UnlockSeat(ctx, s.room, actor, cmd.Seat)
	default:
		return fmt.Errorf("moderation kind %q: %w", cmd.Kind, domain.ErrNotFound)
	}
}

// SetMuted flips the mute flag on the user's own seat.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	snap := s.rec.Current()
	if snap == nil {
		return domain.ErrNotFound
	}
	idx, seated := snap.SeatOf(s.user.ID)
	if !seated {
		return domain.ErrPermission
	}
	if muted {
		return s.mod.MuteSeat(ctx, s.room, s.user.ID, idx)
	}
	return s.mod.UnmuteSeat(ctx, s.room, s.user.ID, idx)
}

// SendChat appends one message to the room timeline. Messages ride the
// store so their order matches snapshot order.
func (s *Session) SendChat(ctx context.Context, text string) error {
	_, err := s.store.Append(ctx, core.TimelineCollection(string(s.room)), core.Document{
		"type": "chat",
		"from": string(s.user.ID),
		"name": s.user.Name,
		"text": text,
		"at":   strconv.FormatInt(time.Now().Unix(), 10),
	})
	return err
}

// Settings draft surface. Host only on commit; the draft itself is local.
func (s *Session) BeginSettings() SettingsDraft { return s.rec.BeginDraft() }
func (s *Session) EditSettings(d SettingsDraft) { s.rec.EditDraft(d) }
func (s *Session) DiscardSettings()             { s.rec.DiscardDraft() }
func (s *Session) VoiceState() PublishState     { return s.voice.State() }
func (s *Session) PendingClaim() (Claim, bool)  { return s.arbiter.Pending() }

func (s *Session) CommitSettings(ctx context.Context) error {
	snap := s.rec.Current()
	if snap == nil {
		return domain.ErrNotFound
	}
	if snap.RoleOf(s.user.ID) != domain.RoleHost {
		s.rec.DiscardDraft()
		return domain.ErrPermission
	}
	draft, ok := s.rec.TakeDraft()
	if !ok {
		return nil
	}
	return s.store.SetFields(ctx, core.RoomsCollection, string(s.room), map[string]string{
		domain.FieldName:         string(draft.Name),
		domain.FieldAnnouncement: draft.Announcement,
	})
}
