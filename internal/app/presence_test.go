package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/adapters/memstore"
)

func TestPresenceCounterSymmetry(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	alice := newUser(t, "alice")
	bob := newUser(t, "bob")

	p := NewPresence(store)
	ctx := context.Background()

	require.NoError(t, p.Enter(ctx, roomID, alice))
	require.NoError(t, p.Enter(ctx, roomID, bob))
	require.Equal(t, int64(2), snapshotOf(t, store, roomID).Viewers)

	require.NoError(t, p.Leave(ctx, roomID, alice.ID))
	require.Equal(t, int64(1), snapshotOf(t, store, roomID).Viewers)
	require.NoError(t, p.Leave(ctx, roomID, bob.ID))
	require.Equal(t, int64(0), snapshotOf(t, store, roomID).Viewers)
}

func TestPresenceDoubleEnterCountsOnce(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	alice := newUser(t, "alice")

	p := NewPresence(store)
	ctx := context.Background()

	require.NoError(t, p.Enter(ctx, roomID, alice))
	require.NoError(t, p.Enter(ctx, roomID, alice))
	require.Equal(t, int64(1), snapshotOf(t, store, roomID).Viewers)
}

func TestPresenceLeaveWithoutEnterIsNoop(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	alice := newUser(t, "alice")

	p := NewPresence(store)
	require.NoError(t, p.Leave(context.Background(), roomID, alice.ID))
	require.Equal(t, int64(0), snapshotOf(t, store, roomID).Viewers)
}

func TestPresenceConcurrentLeavesDecrementOnce(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	alice := newUser(t, "alice")
	bob := newUser(t, "bob")

	p := NewPresence(store)
	ctx := context.Background()
	require.NoError(t, p.Enter(ctx, roomID, alice))
	require.NoError(t, p.Enter(ctx, roomID, bob))

	// A disconnect can race an explicit leave for the same user; the
	// counter must come down exactly once per presence record.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Leave(ctx, roomID, alice.ID)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), snapshotOf(t, store, roomID).Viewers)
}

func TestPresenceReenterAfterLeave(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	alice := newUser(t, "alice")

	p := NewPresence(store)
	ctx := context.Background()
	require.NoError(t, p.Enter(ctx, roomID, alice))
	require.NoError(t, p.Leave(ctx, roomID, alice.ID))
	require.NoError(t, p.Enter(ctx, roomID, alice))
	require.Equal(t, int64(1), snapshotOf(t, store, roomID).Viewers)
}
