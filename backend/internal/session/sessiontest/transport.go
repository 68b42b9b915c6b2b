// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"context"
	"io"
	"sync"

	"mochigami/backend/internal/session"
)

// Transport records calls and lets tests script the voice connection
type Transport struct {
	mu sync.Mutex

	Connected bool
	Members   int
	Listening bool
	Playing   bool
	Paused    bool

	ListenErr   error
	PlaybackErr error
	StreamErr   error

	Sink          session.FrameSink
	ListenCalls   int
	StopCalls     int
	Played        [][]byte
	Volumes       []float64
	StreamDone    func(error)
	Disconnected  bool
	StopPlayCalls int
}

// NewTransport returns a connected transport with the bot and one human present
func NewTransport() *Transport {
	return &Transport{Connected: true, Members: 2}
}

func (t *Transport) Listen(sink session.FrameSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ListenCalls++
	if t.ListenErr != nil {
		return t.ListenErr
	}
	t.Sink = sink
	t.Listening = true
	return nil
}

func (t *Transport) StopListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StopCalls++
	t.Listening = false
	t.Sink = nil
	return nil
}

func (t *Transport) IsListening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Listening
}

func (t *Transport) StartPlayback(_ context.Context, wav []byte, volume float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PlaybackErr != nil {
		return t.PlaybackErr
	}
	t.Played = append(t.Played, wav)
	t.Volumes = append(t.Volumes, volume)
	t.Playing = true
	return nil
}

func (t *Transport) StartStream(_ context.Context, ogg io.ReadCloser, onDone func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StreamErr != nil {
		return t.StreamErr
	}
	if ogg != nil {
		ogg.Close()
	}
	t.Playing = true
	t.StreamDone = onDone
	return nil
}

// FinishStream simulates the end of a stream started with StartStream
func (t *Transport) FinishStream(err error) {
	t.mu.Lock()
	done := t.StreamDone
	t.StreamDone = nil
	t.Playing = false
	t.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (t *Transport) StopPlayback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StopPlayCalls++
	t.Playing = false
	t.Paused = false
}

func (t *Transport) TogglePause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Playing {
		return false
	}
	t.Paused = !t.Paused
	return t.Paused
}

func (t *Transport) IsPlaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Playing
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Connected
}

func (t *Transport) MemberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Members
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Disconnected = true
	t.Connected = false
	return nil
}

// CurrentSink returns the subscribed sink, if any
func (t *Transport) CurrentSink() session.FrameSink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Sink
}

// SetMembers changes the member count
func (t *Transport) SetMembers(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Members = n
}

// SetPlaying forces the playback slot state
func (t *Transport) SetPlaying(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Playing = v
}

// PlayedCount returns how many payloads were started
func (t *Transport) PlayedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Played)
}
