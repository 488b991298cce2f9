package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type fakeTrack struct {
	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// fakeTransport records calls and fails on demand.
type fakeTransport struct {
	mu        sync.Mutex
	joins     int
	leaves    int
	publishes int
	unpubs    int
	track     *fakeTrack
	failPub   int
	denyTrack bool
	levels    chan core.LevelEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{levels: make(chan core.LevelEvent)}
}

func (f *fakeTransport) Join(ctx context.Context, channel core.ChannelID, participant domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return nil
}

func (f *fakeTransport) Leave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeTransport) CreateLocalAudioTrack(ctx context.Context) (core.LocalTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyTrack {
		return nil, domain.ErrCapturePermission
	}
	f.track = &fakeTrack{}
	return f.track, nil
}

func (f *fakeTransport) Publish(ctx context.Context, track core.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes++
	if f.failPub > 0 {
		f.failPub--
		return errors.New("publish refused")
	}
	return nil
}

func (f *fakeTransport) Unpublish(ctx context.Context, track core.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpubs++
	return nil
}

func (f *fakeTransport) Levels() <-chan core.LevelEvent       { return f.levels }
func (f *fakeTransport) OnRemoteTrack(fn func(domain.UserID)) {}

func (f *fakeTransport) counts() (joins, leaves, publishes, unpubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves, f.publishes, f.unpubs
}

// Tests drive converge synchronously instead of through Start so every
// assertion observes a settled state machine.

func TestVoiceJoinAcquiresDisabledTrack(t *testing.T) {
	tr := newFakeTransport()
	v := NewVoiceController(tr, 0)
	v.EnterRoom("room-1", "alice")
	v.converge(context.Background())

	require.Equal(t, StateJoined, v.State())
	require.NotNil(t, tr.track)
	require.False(t, tr.track.Enabled())
	_, _, publishes, _ := tr.counts()
	require.Zero(t, publishes)
}

func TestVoicePublishesOnlyWhenSeatedAndUnmuted(t *testing.T) {
	tr := newFakeTransport()
	v := NewVoiceController(tr, 0)
	ctx := context.Background()

	v.EnterRoom("room-1", "alice")
	v.converge(ctx)

	// Muted while seated never publishes.
	v.SetSeated(true, true)
	v.converge(ctx)
	require.Equal(t, StateJoined, v.State())

	v.SetSeated(true, false)
	v.converge(ctx)
	require.Equal(t, StatePublished, v.State())
	require.True(t, tr.track.Enabled())

	// Muting while published unpublishes and disables capture.
	v.SetSeated(true, true)
	v.converge(ctx)
	require.Equal(t, StateJoined, v.State())
	require.False(t, tr.track.Enabled())

	// Losing the seat while unmuted also unpublishes.
	v.SetSeated(true, false)
	v.converge(ctx)
	v.SetSeated(false, false)
	v.converge(ctx)
	require.Equal(t, StateJoined, v.State())
}

func TestVoiceCoalescesRapidToggles(t *testing.T) {
	tr := newFakeTransport()
	v := NewVoiceController(tr, 0)
	ctx := context.Background()

	v.EnterRoom("room-1", "alice")
	v.converge(ctx)

	// Many flips while no worker runs; only the final state is applied.
	for i := 0; i < 10; i++ {
		v.SetSeated(true, false)
		v.SetSeated(false, false)
	}
	v.SetSeated(true, false)
	v.converge(ctx)

	require.Equal(t, StatePublished, v.State())
	_, _, publishes, unpubs := tr.counts()
	require.Equal(t, 1, publishes)
	require.Zero(t, unpubs)
}

func TestVoiceCapturePermissionDenialIsNonFatal(t *testing.T) {
	tr := newFakeTransport()
	tr.denyTrack = true
	v := NewVoiceController(tr, 0)
	ctx := context.Background()

	v.EnterRoom("room-1", "alice")
	v.converge(ctx)
	require.Equal(t, StateJoined, v.State())

	// Publish requests are ignored, the session stays up listen-only.
	v.SetSeated(true, false)
	v.converge(ctx)
	require.Equal(t, StateJoined, v.State())
	_, _, publishes, _ := tr.counts()
	require.Zero(t, publishes)
}

func TestVoicePublishFailureResetsOnce(t *testing.T) {
	tr := newFakeTransport()
	tr.failPub = 1
	v := NewVoiceController(tr, 3)
	ctx := context.Background()

	v.EnterRoom("room-1", "alice")
	v.converge(ctx)
	v.SetSeated(true, false)
	v.converge(ctx)

	// First publish fails, one leave-rejoin cycle recovers, second
	// publish succeeds.
	require.Equal(t, StatePublished, v.State())
	joins, leaves, publishes, _ := tr.counts()
	require.Equal(t, 2, joins)
	require.Equal(t, 1, leaves)
	require.Equal(t, 2, publishes)
}

func TestVoiceResetIsBounded(t *testing.T) {
	tr := newFakeTransport()
	tr.failPub = 1 << 20
	v := NewVoiceController(tr, 3)
	ctx := context.Background()

	v.EnterRoom("room-1", "alice")
	v.converge(ctx)
	v.SetSeated(true, false)
	v.converge(ctx)

	// Every publish fails; after the attempts run out the controller
	// stops retrying instead of hammering the transport forever.
	_, _, publishes, _ := tr.counts()
	require.LessOrEqual(t, publishes, 16)
	require.NotEqual(t, StatePublished, v.State())
}

func TestVoiceExitReleasesTrack(t *testing.T) {
	tr := newFakeTransport()
	v := NewVoiceController(tr, 0)
	ctx := context.Background()

	v.EnterRoom("room-1", "alice")
	v.converge(ctx)
	v.SetSeated(true, false)
	v.converge(ctx)

	v.ExitRoom()
	v.converge(ctx)

	require.Equal(t, StateIdle, v.State())
	joins, leaves, _, unpubs := tr.counts()
	require.Equal(t, 1, joins)
	require.Equal(t, 1, leaves)
	require.Equal(t, 1, unpubs)
	require.True(t, tr.track.closed)
}
