package app

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Room listings live in a dedicated index document so the store contract
// stays read-one/watch-one — no collection scans.
const (
	indexCollection = "index"
	roomsIndexDoc   = "rooms"
)

type RoomInfo struct {
	ID      domain.RoomID   `json:"id"`
	Name    domain.RoomName `json:"name"`
	Viewers int64           `json:"viewers"`
}

// Rooms creates, lists and deletes room documents.
type Rooms struct {
	store     core.Store
	seatCount int
}

func NewRooms(store core.Store, seatCount int) *Rooms {
	return &Rooms{store: store, seatCount: seatCount}
}

func (r *Rooms) Create(ctx context.Context, name domain.RoomName, host *domain.User) (domain.RoomID, error) {
	id := domain.RoomID(uuid.NewString())
	if err := r.store.SetFields(ctx, core.RoomsCollection, string(id), domain.SeedRoom(name, host, r.seatCount)); err != nil {
		return "", err
	}
	if err := r.store.SetFields(ctx, indexCollection, roomsIndexDoc, map[string]string{string(id): string(name)}); err != nil {
		log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(id)).Msg("room not indexed")
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("name", string(name)).Msg("room created")
	return id, nil
}

func (r *Rooms) Get(ctx context.Context, id domain.RoomID) (*domain.RoomSnapshot, error) {
	doc, err := r.store.Get(ctx, core.RoomsCollection, string(id))
	if err != nil {
		return nil, err
	}
	return domain.DecodeRoom(id, doc), nil
}

// Delete tears the room down; host only. Deleting the document closes all
// snapshot watches, which is what terminates every live session in it.
func (r *Rooms) Delete(ctx context.Context, id domain.RoomID, actor domain.UserID) error {
	snap, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap.Host != actor {
		return domain.ErrPermission
	}
	if err := r.store.Delete(ctx, core.RoomsCollection, string(id)); err != nil {
		return err
	}
	if err := r.store.DeleteFields(ctx, indexCollection, roomsIndexDoc, string(id)); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(id)).Msg("room not unindexed")
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room deleted")
	return nil
}

func (r *Rooms) List(ctx context.Context) ([]RoomInfo, error) {
	idx, err := r.store.Get(ctx, indexCollection, roomsIndexDoc)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]RoomInfo, 0, len(idx))
	for id, name := range idx {
		info := RoomInfo{ID: domain.RoomID(id), Name: domain.RoomName(name)}
		if snap, err := r.Get(ctx, info.ID); err == nil {
			info.Viewers = snap.Viewers
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
