package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// Presence tracks who is viewing a room via ephemeral per-user records.
// Entry writes the record and bumps the viewer counter in one transaction;
// exit is best-effort — a crashed client leaves a stale record behind,
// which an external periodic sweep reclaims.
type Presence struct {
	store core.Store
	now   func() time.Time
}

func NewPresence(store core.Store) *Presence {
	return &Presence{store: store, now: time.Now}
}

// A record is live while its joined field is set; field-level deletes may
// leave an empty document behind, so existence checks never rely on the
// document itself.
func (p *Presence) Enter(ctx context.Context, roomID domain.RoomID, user *domain.User) error {
	col := core.PresenceCollection(string(roomID))
	return p.store.Transact(ctx, func(tx core.Tx) error {
		if doc, err := tx.Get(col, string(user.ID)); err == nil && doc["joined"] != "" {
			// Rejoin without a clean exit; don't double-count.
			return nil
		}
		tx.SetFields(col, string(user.ID), map[string]string{
			"name":   user.Name,
			"joined": strconv.FormatInt(p.now().Unix(), 10),
		})
		tx.Increment(core.RoomsCollection, string(roomID), domain.FieldViewers, 1)
		return nil
	})
}

// Leave clears the record and the counter in one transaction, symmetric
// with Enter: two racing leaves for the same user decrement once.
func (p *Presence) Leave(ctx context.Context, roomID domain.RoomID, uid domain.UserID) error {
	col := core.PresenceCollection(string(roomID))
	return p.store.Transact(ctx, func(tx core.Tx) error {
		doc, err := tx.Get(col, string(uid))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if doc["joined"] == "" {
			return nil
		}
		tx.DeleteFields(col, string(uid), "name", "joined")
		// The room may already be gone; the counter dies with it and must
		// not be resurrected by the decrement.
		if _, err := tx.Get(core.RoomsCollection, string(roomID)); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		tx.Increment(core.RoomsCollection, string(roomID), domain.FieldViewers, -1)
		return nil
	})
}
