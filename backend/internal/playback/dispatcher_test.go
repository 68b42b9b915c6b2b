package playback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/session"
	"mochigami/backend/internal/session/sessiontest"
	"mochigami/backend/internal/speech"
)

func setup(t *testing.T) (*Dispatcher, *session.State, *sessiontest.Transport) {
	t.Helper()
	reg := session.NewRegistry(audio.DefaultBufferConfig(), 0)
	st := reg.GetOrCreate("g1")
	conn := sessiontest.NewTransport()
	st.Attach(conn, "vc", "tc")
	return NewDispatcher(reg, 0, zap.NewNop()), st, conn
}

func enqueue(st *session.State, texts ...string) {
	for _, text := range texts {
		st.EnqueueSpeech(&speech.Payload{Audio: []byte(text), Text: text})
	}
}

func TestTick_PlaysInOrderWithoutOverlap(t *testing.T) {
	d, st, conn := setup(t)
	enqueue(st, "a", "b", "c")

	d.Tick(context.Background())
	d.Tick(context.Background()) // still playing "a"
	assert.Equal(t, 1, conn.PlayedCount())

	conn.SetPlaying(false)
	d.Tick(context.Background())
	conn.SetPlaying(false)
	d.Tick(context.Background())

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, conn.Played)
	assert.Equal(t, []float64{1, 1, 1}, conn.Volumes)
	assert.Equal(t, 0, st.Queue.Len())
}

func TestTick_DrainsDuringMusic(t *testing.T) {
	d, st, conn := setup(t)
	enqueue(st, "a", "b")
	st.SetMusicPlaying(true)

	d.Tick(context.Background())

	assert.Equal(t, 0, st.Queue.Len())
	assert.Equal(t, 0, conn.PlayedCount())
}

func TestTick_SkipsWithoutTransport(t *testing.T) {
	d, st, conn := setup(t)
	enqueue(st, "a")
	conn.Connected = false

	d.Tick(context.Background())

	assert.Equal(t, 1, st.Queue.Len())
	assert.Equal(t, 0, conn.PlayedCount())
}

func TestTick_PlaybackFailureDropsPayload(t *testing.T) {
	d, st, conn := setup(t)
	enqueue(st, "a", "b")
	conn.PlaybackErr = errors.New("ffmpeg missing")

	d.Tick(context.Background())

	assert.False(t, conn.IsPlaying())
	assert.Equal(t, 1, st.Queue.Len())

	conn.PlaybackErr = nil
	d.Tick(context.Background())
	assert.Equal(t, [][]byte{[]byte("b")}, conn.Played)
}
