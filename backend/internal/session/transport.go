package session

import (
	"context"
	"io"
	"time"
)

// FrameSink receives decoded PCM frames from the voice transport. Write is
// called from the transport's receive goroutine and must not block.
type FrameSink interface {
	Write(participantID string, pcm []byte, at time.Time)
}

// FrameSinkFunc adapts a function to FrameSink
type FrameSinkFunc func(participantID string, pcm []byte, at time.Time)

// Write calls f
func (f FrameSinkFunc) Write(participantID string, pcm []byte, at time.Time) {
	f(participantID, pcm, at)
}

// Transport is a connected voice channel: per-participant receive plus a
// single playback slot.
type Transport interface {
	// Listen subscribes sink to incoming audio. Only one sink is active at a time.
	Listen(sink FrameSink) error
	StopListening() error
	IsListening() bool

	// StartPlayback begins playing a WAV payload and returns immediately
	StartPlayback(ctx context.Context, wav []byte, volume float64) error
	// StartStream plays an already-encoded OGG/opus stream; onDone fires when it ends
	StartStream(ctx context.Context, ogg io.ReadCloser, onDone func(error)) error
	StopPlayback()
	TogglePause() bool
	IsPlaying() bool

	IsConnected() bool
	// MemberCount counts everyone in the voice channel, the bot included
	MemberCount() int
	Disconnect() error
}
