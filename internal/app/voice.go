package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// PublishState is the local participant's position in the audio lifecycle.
// Transitions are strictly sequential: the worker goroutine is the only
// writer, so two native transport calls never overlap.
type PublishState int

const (
	StateIdle PublishState = iota
	StateJoining
	StateJoined
	StatePublished
	StateUnpublishing
	StateLeaving
)

func (s PublishState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StatePublished:
		return "published"
	case StateUnpublishing:
		return "unpublishing"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

const DefaultResetAttempts = 3

type voiceDesired struct {
	joined      bool
	published   bool
	channel     core.ChannelID
	participant domain.UserID
}

// VoiceController funnels all join/leave/publish/unpublish operations for
// one participant through a single worker. New desired states arriving
// while an operation is in flight coalesce: only the latest is applied once
// the current operation completes, so rapid seat toggling never builds a
// backlog of native calls.
type VoiceController struct {
	transport     core.VoiceTransport
	resetAttempts int

	mu      sync.Mutex
	state   PublishState
	track   core.LocalTrack
	desired voiceDesired

	kick chan struct{}
}

func NewVoiceController(transport core.VoiceTransport, resetAttempts int) *VoiceController {
	if resetAttempts <= 0 {
		resetAttempts = DefaultResetAttempts
	}
	return &VoiceController{
		transport:     transport,
		resetAttempts: resetAttempts,
		kick:          make(chan struct{}, 1),
	}
}

// Start runs the worker until ctx ends.
func (v *VoiceController) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-v.kick:
				v.converge(ctx)
			}
		}
	}()
}

func (v *VoiceController) State() PublishState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// EnterRoom requests a transport join. The capture handle is acquired
// during the join, disabled, so the first publish is cheap.
func (v *VoiceController) EnterRoom(channel core.ChannelID, participant domain.UserID) {
	v.mu.Lock()
	v.desired.joined = true
	v.desired.channel = channel
	v.desired.participant = participant
	v.mu.Unlock()
	v.notify()
}

// ExitRoom requests full teardown: unpublish, leave, release the capture
// handle.
func (v *VoiceController) ExitRoom() {
	v.mu.Lock()
	v.desired.joined = false
	v.desired.published = false
	v.mu.Unlock()
	v.notify()
}

// SetSeated maps seat occupancy onto the publish goal: publish only while
// seated (confirmed by a snapshot) and unmuted. Any change that
// invalidates either condition requests an immediate unpublish.
func (v *VoiceController) SetSeated(seated, muted bool) {
	v.mu.Lock()
	v.desired.published = seated && !muted
	v.mu.Unlock()
	v.notify()
}

func (v *VoiceController) notify() {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

func (v *VoiceController) setState(s PublishState) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *VoiceController) snapshotDesired() (voiceDesired, PublishState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.desired, v.state
}

// converge walks the state machine toward the latest desired state. It
// loops because the desired state may change while an operation runs; the
// loop always re-reads it, which is what coalesces intermediate requests.
func (v *VoiceController) converge(ctx context.Context) {
	pubFailures := 0
	for {
		d, st := v.snapshotDesired()
		switch {
		case d.joined && st == StateIdle:
			v.setState(StateJoining)
			if err := v.transport.Join(ctx, d.channel, d.participant); err != nil {
				log.Error().Err(err).Str("module", "app.voice").Msg("join failed")
				v.setState(StateIdle)
				return
			}
			v.setState(StateJoined)
			v.ensureTrack(ctx)

		case d.joined && d.published && st == StateJoined:
			v.mu.Lock()
			track := v.track
			v.mu.Unlock()
			if track == nil {
				// No capture permission. Stay joined, unpublished.
				return
			}
			track.SetEnabled(true)
			if err := v.transport.Publish(ctx, track); err != nil {
				track.SetEnabled(false)
				log.Error().Err(err).Str("module", "app.voice").Msg("publish failed, resetting transport")
				pubFailures++
				if pubFailures >= v.resetAttempts {
					log.Error().Str("module", "app.voice").Int("failures", pubFailures).Msg("publish retries exhausted")
					return
				}
				if !v.reset(ctx, d) {
					return
				}
				continue
			}
			pubFailures = 0
			v.setState(StatePublished)

		case (!d.joined || !d.published) && st == StatePublished:
			v.setState(StateUnpublishing)
			v.mu.Lock()
			track := v.track
			v.mu.Unlock()
			if err := v.transport.Unpublish(ctx, track); err != nil {
				log.Error().Err(err).Str("module", "app.voice").Msg("unpublish failed, resetting transport")
				if !v.reset(ctx, d) {
					return
				}
				continue
			}
			track.SetEnabled(false)
			v.setState(StateJoined)

		case !d.joined && st == StateJoined:
			v.setState(StateLeaving)
			if err := v.transport.Leave(ctx); err != nil {
				log.Warn().Err(err).Str("module", "app.voice").Msg("leave failed")
			}
			v.releaseTrack()
			v.setState(StateIdle)

		default:
			return
		}
	}
}

// ensureTrack preloads the disabled capture handle. Permission denial is a
// warning, not a fatal error: the participant simply cannot publish.
func (v *VoiceController) ensureTrack(ctx context.Context) {
	v.mu.Lock()
	have := v.track != nil
	v.mu.Unlock()
	if have {
		return
	}
	track, err := v.transport.CreateLocalAudioTrack(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrCapturePermission) {
			log.Warn().Str("module", "app.voice").Msg("no capture permission, joining listen-only")
			return
		}
		log.Error().Err(err).Str("module", "app.voice").Msg("capture track not acquired")
		return
	}
	track.SetEnabled(false)
	v.mu.Lock()
	v.track = track
	v.mu.Unlock()
}

func (v *VoiceController) releaseTrack() {
	v.mu.Lock()
	track := v.track
	v.track = nil
	v.mu.Unlock()
	if track != nil {
		if err := track.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.voice").Msg("track close")
		}
	}
}

// reset is the bounded leave-then-rejoin recovery for transport failures.
// It never retries unboundedly; after the attempts run out the controller
// lands on idle and waits for the next desired-state change.
func (v *VoiceController) reset(ctx context.Context, d voiceDesired) bool {
	for attempt := 1; attempt <= v.resetAttempts; attempt++ {
		if err := v.transport.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.voice").Int("attempt", attempt).Msg("reset leave")
		}
		if err := v.transport.Join(ctx, d.channel, d.participant); err != nil {
			log.Warn().Err(err).Str("module", "app.voice").Int("attempt", attempt).Msg("reset rejoin")
			continue
		}
		v.setState(StateJoined)
		return true
	}
	log.Error().Str("module", "app.voice").Int("attempts", v.resetAttempts).Msg("transport reset exhausted")
	v.releaseTrack()
	v.setState(StateIdle)
	return false
}
