package core

import (
	"context"

	"github.com/dkeye/Stage/internal/domain"
)

type ChannelID string

// LocalTrack is an audio-capture handle. It is acquired once on room entry,
// kept disabled until the first publish, and released only on full room
// exit — not on every mute or unpublish.
type LocalTrack interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// LevelEvent reports a speaking-volume sample for one participant.
type LevelEvent struct {
	Participant domain.UserID
	// Level is 0..1, derived from the RTP audio level extension.
	Level float64
}

// VoiceTransport abstracts the real-time audio SDK. All methods may block
// on network; the controller serializes calls per participant so at most
// one operation is in flight at a time.
// Owned by the adapter; the adapter must Close() underlying resources on
// Leave.
type VoiceTransport interface {
	Join(ctx context.Context, channel ChannelID, participant domain.UserID) error
	Leave(ctx context.Context) error

	// CreateLocalAudioTrack acquires the capture handle, disabled.
	// domain.ErrCapturePermission when microphone access is denied.
	CreateLocalAudioTrack(ctx context.Context) (LocalTrack, error)

	Publish(ctx context.Context, track LocalTrack) error
	Unpublish(ctx context.Context, track LocalTrack) error

	// Levels streams volume samples for remote participants.
	Levels() <-chan LevelEvent

	// OnRemoteTrack sets a callback invoked when a remote participant
	// starts publishing.
	OnRemoteTrack(fn func(participant domain.UserID))
}
