package app

import (
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// SettingsDraft holds room settings being edited in an open, unsaved form.
// Draft values are the only thing a snapshot does not overwrite; they stay
// until explicit commit or discard.
type SettingsDraft struct {
	Name         domain.RoomName
	Announcement string
}

// Outcome is what one snapshot application produced.
type Outcome struct {
	Snapshot *domain.RoomSnapshot
	// Claim is set when this snapshot resolved the pending seat claim.
	Claim *core.ClaimResolved
	// Terminated is set when the ban map covers the local participant;
	// the session must end regardless of anything else in the snapshot.
	Terminated *core.Terminated
	// Seated and Muted feed the voice controller. Seated means the
	// snapshot itself shows the local participant in a seat — a pending
	// claim never counts.
	Seated    bool
	SeatIndex int
	Muted     bool
}

// Reconciler merges authoritative snapshots with the client's local state:
// the confirmed server layer is replaced wholesale, the pending overlay is
// resolved through the arbiter, bans are evaluated for the local user.
// Apply is transport-free so the merge is testable in isolation.
type Reconciler struct {
	self    domain.UserID
	arbiter *Arbiter
	now     func() time.Time

	mu      sync.Mutex
	current *domain.RoomSnapshot
	draft   *SettingsDraft
}

func NewReconciler(self domain.UserID, arbiter *Arbiter) *Reconciler {
	return &Reconciler{self: self, arbiter: arbiter, now: time.Now}
}

// Apply consumes one authoritative snapshot. The server is the sole source
// of truth: no field-level merge happens, the previous view is discarded.
func (r *Reconciler) Apply(snap *domain.RoomSnapshot) Outcome {
	now := r.now()
	out := Outcome{Snapshot: snap}

	if resolved, ok := r.arbiter.Resolve(snap, r.self, now); ok {
		out.Claim = &resolved
	}

	r.mu.Lock()
	r.current = snap
	r.mu.Unlock()

	if snap.Banned(r.self, now) {
		out.Terminated = &core.Terminated{Reason: core.TerminatedBanned}
		return out
	}

	if idx, ok := snap.SeatOf(r.self); ok {
		out.Seated = true
		out.SeatIndex = idx
		out.Muted = snap.Seats[idx].Muted
	}
	return out
}

// Current returns the last applied snapshot, nil before the first one.
func (r *Reconciler) Current() *domain.RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// View is Current with the settings draft overlaid for display.
func (r *Reconciler) View() *domain.RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	if r.draft == nil {
		return r.current
	}
	view := *r.current
	view.Name = r.draft.Name
	view.Announcement = r.draft.Announcement
	return &view
}

// BeginDraft opens a settings form seeded from the current view.
func (r *Reconciler) BeginDraft() SettingsDraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := SettingsDraft{}
	if r.current != nil {
		d.Name = r.current.Name
		d.Announcement = r.current.Announcement
	}
	r.draft = &d
	return d
}

func (r *Reconciler) EditDraft(d SettingsDraft) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draft != nil {
		*r.draft = d
	}
}

// TakeDraft returns and clears the draft for an explicit save.
func (r *Reconciler) TakeDraft() (SettingsDraft, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draft == nil {
		return SettingsDraft{}, false
	}
	d := *r.draft
	r.draft = nil
	return d, true
}

func (r *Reconciler) DiscardDraft() {
	r.mu.Lock()
	r.draft = nil
	r.mu.Unlock()
}
