package app

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Stage/internal/adapters/memstore"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// appendCounter wraps a store to count timeline appends.
type appendCounter struct {
	core.Store
	appends int
}

func (a *appendCounter) Append(ctx context.Context, collection string, doc core.Document) (string, error) {
	a.appends++
	return a.Store.Append(ctx, collection, doc)
}

func seatUser(t *testing.T, store core.Store, roomID domain.RoomID, idx int, u *domain.User) {
	t.Helper()
	require.NoError(t, store.SetFields(context.Background(), core.RoomsCollection, string(roomID),
		map[string]string{
			domain.SeatField(idx, "occupant"): string(u.ID),
			domain.SeatField(idx, "name"):     u.Name,
		}))
}

func setBalance(t *testing.T, store core.Store, uid domain.UserID, balance int64) {
	t.Helper()
	require.NoError(t, store.SetFields(context.Background(), core.UsersCollection, string(uid),
		map[string]string{"balance": strconv.FormatInt(balance, 10)}))
}

func balanceOf(t *testing.T, store core.Store, uid domain.UserID) int64 {
	t.Helper()
	doc, err := store.Get(context.Background(), core.UsersCollection, string(uid))
	require.NoError(t, err)
	bal, _ := strconv.ParseInt(doc["balance"], 10, 64)
	return bal
}

var rocket = domain.Gift{ID: "rocket", Name: "Rocket", UnitCost: 150, Animated: true}

func TestGiftFanOutDebitsAndCredits(t *testing.T) {
	store := &appendCounter{Store: memstore.New()}
	_, roomID := seedRoom(t, store, 9)
	sender := newUser(t, "sender")
	setBalance(t, store, sender.ID, 1000)

	var occupants []*domain.User
	for i, idx := range []int{1, 4, 7} {
		u := newUser(t, "guest"+strconv.Itoa(i))
		seatUser(t, store, roomID, idx, u)
		occupants = append(occupants, u)
	}

	proc := NewGiftProcessor(store)
	receipt, err := proc.Execute(context.Background(), snapshotOf(t, store, roomID),
		sender, rocket, []int{1, 4, 7}, 2)
	require.NoError(t, err)

	// 150 * 2 * 3 = 900 total, 300 per target.
	require.Equal(t, int64(900), receipt.Total)
	require.Equal(t, []int{1, 4, 7}, receipt.Delivered)
	require.Empty(t, receipt.Failed)
	require.Equal(t, int64(100), balanceOf(t, store, sender.ID))
	for _, u := range occupants {
		require.Equal(t, int64(300), balanceOf(t, store, u.ID))
	}

	after := snapshotOf(t, store, roomID)
	require.Equal(t, int64(900), after.Contributors[sender.ID])
	require.Equal(t, int64(2), after.Seats[1].Gifts)
	require.Equal(t, 1, store.appends)
}

func TestGiftRejectedWhenBalanceShort(t *testing.T) {
	store := &appendCounter{Store: memstore.New()}
	_, roomID := seedRoom(t, store, 9)
	sender := newUser(t, "sender")
	setBalance(t, store, sender.ID, 800)

	for i, idx := range []int{1, 4, 7} {
		seatUser(t, store, roomID, idx, newUser(t, "guest"+strconv.Itoa(i)))
	}

	proc := NewGiftProcessor(store)
	_, err := proc.Execute(context.Background(), snapshotOf(t, store, roomID),
		sender, rocket, nil, 2)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Fails closed: no partial debit, no timeline event.
	require.Equal(t, int64(800), balanceOf(t, store, sender.ID))
	require.Zero(t, store.appends)
}

func TestGiftPartialFanOutHasNoRollback(t *testing.T) {
	store := &appendCounter{Store: memstore.New()}
	_, roomID := seedRoom(t, store, 9)
	sender := newUser(t, "sender")
	setBalance(t, store, sender.ID, 1000)

	stays := newUser(t, "stays")
	leaves := newUser(t, "leaves")
	setBalance(t, store, leaves.ID, 0)
	seatUser(t, store, roomID, 1, stays)
	seatUser(t, store, roomID, 2, leaves)

	snap := snapshotOf(t, store, roomID)

	// Seat 2 empties between snapshot and fan-out.
	require.NoError(t, vacateSeat(context.Background(), store, roomID, 2, leaves.ID))

	proc := NewGiftProcessor(store)
	receipt, err := proc.Execute(context.Background(), snap, sender, rocket, []int{1, 2}, 1)
	require.NoError(t, err)

	require.Equal(t, []int{1}, receipt.Delivered)
	require.Len(t, receipt.Failed, 1)
	require.Equal(t, 2, receipt.Failed[0].Seat)
	require.Equal(t, "target_gone", receipt.Failed[0].Reason)

	// The delivered transfer stands; the failed one never debited.
	require.Equal(t, int64(850), balanceOf(t, store, sender.ID))
	require.Equal(t, int64(150), balanceOf(t, store, stays.ID))
	require.Equal(t, int64(0), balanceOf(t, store, leaves.ID))
	require.Equal(t, 1, store.appends)
}

func TestGiftEmptyTargetsMeansEveryoneSeated(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	sender := newUser(t, "sender")
	setBalance(t, store, sender.ID, 1000)

	seatUser(t, store, roomID, 0, newUser(t, "a"))
	seatUser(t, store, roomID, 8, newUser(t, "b"))

	proc := NewGiftProcessor(store)
	receipt, err := proc.Execute(context.Background(), snapshotOf(t, store, roomID),
		sender, rocket, nil, 1)
	require.NoError(t, err)
	require.Equal(t, []int{0, 8}, receipt.Targets)
}

func TestGiftNoSeatedTargets(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	sender := newUser(t, "sender")
	setBalance(t, store, sender.ID, 1000)

	proc := NewGiftProcessor(store)
	_, err := proc.Execute(context.Background(), snapshotOf(t, store, roomID),
		sender, rocket, nil, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGiftMultiplierFloorsAtOne(t *testing.T) {
	store := memstore.New()
	_, roomID := seedRoom(t, store, 9)
	sender := newUser(t, "sender")
	setBalance(t, store, sender.ID, 1000)
	seatUser(t, store, roomID, 3, newUser(t, "a"))

	proc := NewGiftProcessor(store)
	receipt, err := proc.Execute(context.Background(), snapshotOf(t, store, roomID),
		sender, rocket, []int{3}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, receipt.Multiplier)
	require.Equal(t, int64(150), receipt.Total)
}
