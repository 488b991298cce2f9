// Package rtc implements core.VoiceTransport on pion. One Transport serves
// one participant; the voice controller serializes all calls into it, so no
// internal locking races with overlapping native operations.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

func DefaultWebRTCConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
}

type Transport struct {
	cfg webrtc.Configuration

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	participant domain.UserID
	senders     map[core.LocalTrack]*webrtc.RTPSender
	cancel      context.CancelFunc

	levels   chan core.LevelEvent
	onRemote func(domain.UserID)
	onICE    func(webrtc.ICECandidateInit)
}

func NewTransport(stunServers []string) *Transport {
	return &Transport{
		cfg:     DefaultWebRTCConfig(stunServers),
		senders: make(map[core.LocalTrack]*webrtc.RTPSender),
		levels:  make(chan core.LevelEvent, 64),
	}
}

func (t *Transport) Join(ctx context.Context, channel core.ChannelID, participant domain.UserID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc != nil {
		return nil
	}
	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return fmt.Errorf("peer connection: %w", domain.ErrTransport)
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("participant", string(participant)).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		t.mu.Lock()
		fn := t.onICE
		t.mu.Unlock()
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		remote := domain.UserID(track.StreamID())
		log.Info().
			Str("module", "rtc").
			Str("participant", string(participant)).
			Str("remote", string(remote)).
			Str("kind", track.Kind().String()).
			Msg("remote track")
		t.mu.Lock()
		fn := t.onRemote
		t.mu.Unlock()
		if fn != nil {
			fn(remote)
		}
		go t.levelLoop(ctx, remote, track, receiver)
	})

	t.pc = pc
	t.participant = participant
	log.Info().Str("module", "rtc").Str("channel", string(channel)).Str("participant", string(participant)).Msg("joined")
	return nil
}

func (t *Transport) Leave(_ context.Context) error {
	t.mu.Lock()
	pc := t.pc
	cancel := t.cancel
	t.pc = nil
	t.cancel = nil
	t.senders = make(map[core.LocalTrack]*webrtc.RTPSender)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
		return fmt.Errorf("close: %w", domain.ErrTransport)
	}
	log.Info().Str("module", "rtc").Str("participant", string(t.participant)).Msg("left")
	return nil
}

func (t *Transport) CreateLocalAudioTrack(_ context.Context) (core.LocalTrack, error) {
	t.mu.Lock()
	participant := t.participant
	t.mu.Unlock()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", string(participant))
	if err != nil {
		return nil, fmt.Errorf("local track: %w", domain.ErrTransport)
	}
	return newLocalTrack(track), nil
}

func (t *Transport) Publish(_ context.Context, track core.LocalTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("foreign track: %w", domain.ErrTransport)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc == nil {
		return fmt.Errorf("publish before join: %w", domain.ErrTransport)
	}
	if _, published := t.senders[track]; published {
		return nil
	}
	sender, err := t.pc.AddTrack(lt.track)
	if err != nil {
		return fmt.Errorf("add track: %w", domain.ErrTransport)
	}
	t.senders[track] = sender
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *Transport) Unpublish(_ context.Context, track core.LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sender, ok := t.senders[track]
	if !ok {
		return nil
	}
	if t.pc == nil {
		delete(t.senders, track)
		return nil
	}
	if err := t.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", domain.ErrTransport)
	}
	delete(t.senders, track)
	return nil
}

func (t *Transport) Levels() <-chan core.LevelEvent { return t.levels }

func (t *Transport) OnRemoteTrack(fn func(participant domain.UserID)) {
	t.mu.Lock()
	t.onRemote = fn
	t.mu.Unlock()
}

// Signaling passthrough for the websocket adapter.

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("candidate before join: %w", domain.ErrTransport)
	}
	return pc.AddICECandidate(ci)
}

// ApplyOfferAndCreateAnswer completes one negotiation round, blocking until
// ICE gathering finishes so the answer carries all candidates.
func (t *Transport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return nil, fmt.Errorf("offer before join: %w", domain.ErrTransport)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote: %w", domain.ErrTransport)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", domain.ErrTransport)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local: %w", domain.ErrTransport)
	}
	<-gatherComplete
	return pc.LocalDescription(), nil
}
