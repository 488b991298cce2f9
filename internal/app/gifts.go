package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// GiftProcessor executes balance-checked currency transfers from a sender
// to seat occupants. Fan-out is per target: each transfer is its own atomic
// store transaction and there is no cross-target rollback — a gift is a
// one-way value transfer, not a multi-party swap.
type GiftProcessor struct {
	store core.Store
	now   func() time.Time
}

func NewGiftProcessor(store core.Store) *GiftProcessor {
	return &GiftProcessor{store: store, now: time.Now}
}

// resolveTargets maps the requested seat list onto currently occupied
// seats. An empty list means "everyone seated".
func resolveTargets(snap *domain.RoomSnapshot, targets []int) []int {
	if len(targets) == 0 {
		return snap.OccupiedSeats()
	}
	out := make([]int, 0, len(targets))
	for _, idx := range targets {
		if seat, ok := snap.Seat(idx); ok && !seat.Empty() {
			out = append(out, idx)
		}
	}
	return out
}

// Execute runs one gift fan-out. The balance precondition fails closed
// before any mutation; after it passes, each per-target transfer still
// re-checks balance and target occupancy inside its own transaction, so a
// vacated seat rejects only that transfer. One timeline event is appended
// after the whole fan-out, never one per target.
func (g *GiftProcessor) Execute(ctx context.Context, snap *domain.RoomSnapshot, sender *domain.User, gift domain.Gift, targets []int, multiplier int) (*domain.GiftReceipt, error) {
	if multiplier < 1 {
		multiplier = 1
	}
	resolved := resolveTargets(snap, targets)
	if len(resolved) == 0 {
		return nil, fmt.Errorf("gift targets: %w", domain.ErrNotFound)
	}
	total := gift.TotalCost(multiplier, len(resolved))

	doc, err := g.store.Get(ctx, core.UsersCollection, string(sender.ID))
	if err != nil {
		return nil, fmt.Errorf("sender wallet: %w", err)
	}
	balance, _ := strconv.ParseInt(doc["balance"], 10, 64)
	if balance < total {
		return nil, domain.ErrInsufficientFunds
	}

	perTarget := gift.UnitCost * int64(multiplier)
	receipt := &domain.GiftReceipt{
		Gift:       gift.ID,
		Animated:   gift.Animated,
		Sender:     sender.ID,
		Multiplier: multiplier,
		Targets:    resolved,
		Total:      total,
	}
	roomID := string(snap.ID)

	for _, idx := range resolved {
		occupant := snap.Seats[idx].Occupant
		err := g.store.Transact(ctx, func(tx core.Tx) error {
			room, err := tx.Get(core.RoomsCollection, roomID)
			if err != nil {
				return err
			}
			if room[domain.SeatField(idx, "occupant")] != string(occupant) {
				return domain.ErrTargetGone
			}
			wallet, err := tx.Get(core.UsersCollection, string(sender.ID))
			if err != nil {
				return err
			}
			bal, _ := strconv.ParseInt(wallet["balance"], 10, 64)
			if bal < perTarget {
				return domain.ErrInsufficientFunds
			}
			tx.Increment(core.UsersCollection, string(sender.ID), "balance", -perTarget)
			tx.Increment(core.UsersCollection, string(occupant), "balance", perTarget)
			tx.Increment(core.RoomsCollection, roomID, domain.SeatField(idx, "gifts"), int64(multiplier))
			tx.Increment(core.RoomsCollection, roomID, domain.ContribField(sender.ID), perTarget)
			return nil
		})
		if err != nil {
			receipt.Failed = append(receipt.Failed, domain.FailedTransfer{Seat: idx, Reason: reason(err)})
			log.Warn().Err(err).Str("module", "app.gifts").Str("room", roomID).Int("seat", idx).Msg("gift transfer rejected")
			continue
		}
		receipt.Delivered = append(receipt.Delivered, idx)
	}

	g.appendEvent(ctx, snap.ID, receipt)
	return receipt, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrTargetGone):
		return "target_gone"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "transport_error"
	}
}

func (g *GiftProcessor) appendEvent(ctx context.Context, roomID domain.RoomID, receipt *domain.GiftReceipt) {
	payload, err := json.Marshal(receipt)
	if err != nil {
		log.Error().Err(err).Str("module", "app.gifts").Msg("receipt marshal")
		return
	}
	_, err = g.store.Append(ctx, core.TimelineCollection(string(roomID)), core.Document{
		"type":    "gift",
		"from":    string(receipt.Sender),
		"payload": string(payload),
		"at":      strconv.FormatInt(g.now().Unix(), 10),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.gifts").Msg("gift timeline event not appended")
	}
}
