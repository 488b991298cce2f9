package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// DefaultClaimTimeout bounds how long a pending claim may wait for a
// snapshot to resolve it before self-resolving to timed out.
const DefaultClaimTimeout = 5 * time.Second

// Claim is the client-local record of one in-flight seat request.
type Claim struct {
	Seat        int
	RequestedAt time.Time
	Status      core.ClaimStatus
}

// Arbiter issues conditional seat claims and owns the pending-claim state.
// The store's CompareAndSet is the only mechanism keeping two users out of
// the same seat; the arbiter never guesses an outcome locally — the
// reconciler resolves claims against later snapshots.
type Arbiter struct {
	store   core.Store
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	claim *Claim
}

func NewArbiter(store core.Store, timeout time.Duration) *Arbiter {
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	return &Arbiter{store: store, timeout: timeout, now: time.Now}
}

// Pending returns a copy of the in-flight claim, if any.
func (a *Arbiter) Pending() (Claim, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.claim == nil {
		return Claim{}, false
	}
	return *a.claim, true
}

// RequestSeat starts a claim for seatIndex. It returns as soon as the
// conditional write is issued; confirmation arrives asynchronously via the
// snapshot stream. A locked seat is rejected locally without a store call
// unless the caller has moderation privilege.
func (a *Arbiter) RequestSeat(ctx context.Context, snap *domain.RoomSnapshot, seatIndex int, user *domain.User) error {
	seat, ok := snap.Seat(seatIndex)
	if !ok {
		return fmt.Errorf("seat %d: %w", seatIndex, domain.ErrNotFound)
	}
	role := snap.RoleOf(user.ID)
	if seat.Locked && role == domain.RoleParticipant {
		return domain.ErrSeatLocked
	}

	a.mu.Lock()
	if a.claim != nil && a.claim.Status == core.ClaimPending {
		a.mu.Unlock()
		return domain.ErrClaimInFlight
	}
	a.claim = &Claim{Seat: seatIndex, RequestedAt: a.now(), Status: core.ClaimPending}
	a.mu.Unlock()

	roomID := string(snap.ID)
	err := a.store.CompareAndSet(ctx, core.RoomsCollection, roomID,
		domain.SeatField(seatIndex, "occupant"), "", string(user.ID))
	if errors.Is(err, domain.ErrConflict) {
		// Lost the race before the write even committed. Recovered
		// silently: the claim clears and the view stays on the snapshot.
		a.Clear()
		log.Debug().Str("module", "app.arbiter").Str("room", roomID).Int("seat", seatIndex).Msg("claim lost race")
		return fmt.Errorf("seat %d: %w", seatIndex, domain.ErrConflict)
	}
	if err != nil {
		a.Clear()
		return fmt.Errorf("seat claim: %w", err)
	}

	if err := a.store.SetFields(ctx, core.RoomsCollection, roomID,
		occupantFields(seatIndex, user, role >= domain.RoleAdmin)); err != nil {
		log.Warn().Err(err).Str("module", "app.arbiter").Int("seat", seatIndex).Msg("cosmetic fields not written")
	}

	// Vacating the previous seat is sequenced after the claim, not atomic
	// with it. A snapshot may briefly show the user in both seats; the
	// next one converges.
	if prev, seated := snap.SeatOf(user.ID); seated && prev != seatIndex {
		if err := vacateSeat(ctx, a.store, snap.ID, prev, user.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
			log.Warn().Err(err).Str("module", "app.arbiter").Int("seat", prev).Msg("previous seat not vacated")
		}
	}
	return nil
}

// Resolve compares a snapshot against the pending claim. The claim is
// destroyed on any resolution; a still-empty seat keeps it pending until
// the timeout elapses.
func (a *Arbiter) Resolve(snap *domain.RoomSnapshot, self domain.UserID, now time.Time) (core.ClaimResolved, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.claim
	if c == nil || c.Status != core.ClaimPending {
		return core.ClaimResolved{}, false
	}
	seat, ok := snap.Seat(c.Seat)
	switch {
	case ok && seat.Occupant == self:
		c.Status = core.ClaimConfirmed
	case ok && !seat.Empty():
		c.Status = core.ClaimRejected
	case now.Sub(c.RequestedAt) >= a.timeout:
		c.Status = core.ClaimTimedOut
	default:
		return core.ClaimResolved{}, false
	}
	resolved := core.ClaimResolved{Seat: c.Seat, Status: c.Status}
	a.claim = nil
	return resolved, true
}

// Expire self-resolves a pending claim whose window elapsed with no
// snapshot arriving at all.
func (a *Arbiter) Expire(now time.Time) (core.ClaimResolved, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.claim
	if c == nil || c.Status != core.ClaimPending || now.Sub(c.RequestedAt) < a.timeout {
		return core.ClaimResolved{}, false
	}
	resolved := core.ClaimResolved{Seat: c.Seat, Status: core.ClaimTimedOut}
	a.claim = nil
	return resolved, true
}

func (a *Arbiter) Clear() {
	a.mu.Lock()
	a.claim = nil
	a.mu.Unlock()
}
