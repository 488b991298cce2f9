package rtc

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// levelLoop reads RTP from a remote track and turns the ssrc-audio-level
// header extension into volume events. The read loop ends with the track.
func (t *Transport) levelLoop(ctx context.Context, remote domain.UserID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	extID := 0
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			extID = ext.ID
			break
		}
	}
	if extID == 0 {
		log.Debug().Str("module", "rtc").Str("remote", string(remote)).Msg("no audio level extension negotiated")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("level loop read ended")
			return
		}
		t.emitLevel(remote, pkt, uint8(extID))
	}
}

func (t *Transport) emitLevel(remote domain.UserID, pkt *rtp.Packet, extID uint8) {
	payload := pkt.GetExtension(extID)
	if len(payload) == 0 {
		return
	}
	// First byte: V flag in the high bit, -dBov attenuation in the low 7.
	attenuation := float64(payload[0] & 0x7F)
	ev := core.LevelEvent{Participant: remote, Level: 1 - attenuation/127}
	select {
	case t.levels <- ev:
	default:
	}
}
