package rtc

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalTrack wraps the static sample track with the enabled gate the voice
// controller toggles. The handle is acquired disabled on room entry and
// survives mutes; only full room exit closes it.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newLocalTrack(track *webrtc.TrackLocalStaticSample) *LocalTrack {
	return &LocalTrack{track: track}
}

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }

// WriteSample forwards captured audio while enabled; disabled samples are
// silently discarded so capture can keep running across mutes.
func (t *LocalTrack) WriteSample(sample media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(sample)
}

func (t *LocalTrack) Close() error {
	t.enabled.Store(false)
	return nil
}
