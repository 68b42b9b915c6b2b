package question

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"

	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/capture"
	"mochigami/backend/internal/session"
	"mochigami/backend/internal/session/sessiontest"
)

type mockTranscriber struct {
	transcribeFunc func(ctx context.Context, wav []byte) (string, error)
	wav            []byte
}

func (m *mockTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	m.wav = wav
	if m.transcribeFunc == nil {
		return "今日のルーレットは何がいい？", nil
	}
	return m.transcribeFunc(ctx, wav)
}

type mockChatter struct {
	question string
	history  []string
	search   bool
	err      error
}

func (m *mockChatter) Chat(_ context.Context, question string, history []string, search bool) (string, error) {
	m.question, m.history, m.search = question, history, search
	if m.err != nil {
		return "", m.err
	}
	return "レベリングじゃな", nil
}

type mockSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (m *mockSpeaker) Say(_ context.Context, _ *session.State, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return true
}

type fixture struct {
	st      *session.State
	conn    *sessiontest.Transport
	stt     *mockTranscriber
	llm     *mockChatter
	speaker *mockSpeaker
	l       *Listener
	out     []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := session.NewState("g1", audio.DefaultBufferConfig(), 0)
	conn := sessiontest.NewTransport()
	st.Attach(conn, "vc", "tc")

	f := &fixture{
		st:      st,
		conn:    conn,
		stt:     &mockTranscriber{},
		llm:     &mockChatter{},
		speaker: &mockSpeaker{},
	}
	cfg := Config{Duration: 150 * time.Millisecond, Cooldown: 30 * time.Second, TempDir: t.TempDir()}
	f.l = NewListener(capture.NewController(zap.NewNop()), f.stt, f.llm, f.speaker, cfg, zap.NewNop())
	return f
}

func (f *fixture) request() Request {
	return Request{
		Session:     f.st,
		UserID:      "u1",
		DisplayName: "Mochi",
		InVoice:     true,
		History: func(context.Context) ([]string, error) {
			return []string{"a: hi"}, nil
		},
	}
}

func (f *fixture) emit(s string) { f.out = append(f.out, s) }

// speak feeds frames from u1 and u2 once the recorder is listening
func (f *fixture) speak(t *testing.T, frames int) {
	t.Helper()
	go func() {
		var sink session.FrameSink
		for {
			if s, ok := f.conn.CurrentSink().(*fileSink); ok {
				sink = s
				break
			}
			time.Sleep(time.Millisecond)
		}
		for i := 0; i < frames; i++ {
			sink.Write("u1", make([]byte, 3840), time.Now())
			sink.Write("u2", make([]byte, 3840), time.Now())
		}
	}()
}

func TestBegin_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture, req *Request)
		reason string
		msg    string
	}{
		{
			name:   "caller not in voice",
			setup:  func(_ *fixture, req *Request) { req.InVoice = false },
			reason: ReasonNotInVoice,
			msg:    "ボイスチャンネルに入るのじゃ。",
		},
		{
			name:   "no session",
			setup:  func(_ *fixture, req *Request) { req.Session = nil },
			reason: ReasonNoSession,
			msg:    "先に `!mjoin` でわしを呼ぶのじゃ。",
		},
		{
			name: "cooldown",
			setup: func(f *fixture, _ *Request) {
				f.st.BeginQuestion(time.Now().Add(-10*time.Second), 30*time.Second)
				f.st.EndQuestion()
			},
			reason: ReasonCooldown,
			msg:    "⏳ まだ耳が休まっておらぬ。あと **19秒** 待つのじゃ。",
		},
		{
			name: "already listening",
			setup: func(f *fixture, _ *Request) {
				f.st.BeginQuestion(time.Now().Add(-time.Minute), 30*time.Second)
			},
			reason: ReasonBusy,
			msg:    "🔴 今はすでに聞いておるぞ。少し待つのじゃ。",
		},
		{
			name:   "music playing",
			setup:  func(f *fixture, _ *Request) { f.st.SetMusicPlaying(true) },
			reason: ReasonMusic,
			msg:    "🎵 音楽が流れておるから聞き取れぬ。`/stop` してから試すのじゃ。",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			tt.setup(f, &req)

			err := f.l.Begin(req)
			var rej *apperrors.ErrQuestionRejected
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, tt.msg, Message(err))
		})
	}
}

func TestRun_AnswersAndSpeaks(t *testing.T) {
	f := newFixture(t)
	f.st.SetActive(true)
	require.NoError(t, capture.NewController(zap.NewNop()).Start(f.st))
	require.NoError(t, f.l.Begin(f.request()))

	f.speak(t, 3)
	require.NoError(t, f.l.Run(context.Background(), f.request(), f.emit))

	assert.Equal(t, []string{
		"👂 **Mochi**、0秒間聞いておるぞ。話すのじゃ！",
		"📝 **聞き取り結果**: 今日のルーレットは何がいい？",
		"レベリングじゃな",
	}, f.out)
	// only the caller's frames are recorded
	assert.Len(t, f.stt.wav, 44+3*3840)
	assert.Equal(t, []string{"a: hi"}, f.llm.history)
	assert.False(t, f.llm.search)
	assert.Equal(t, []string{"レベリングじゃな"}, f.speaker.texts)

	assert.False(t, f.st.QuestionInFlight())
	assert.True(t, f.st.BufferActive(), "conversation buffer resumed")
	assert.True(t, f.conn.IsListening())

	entries, err := os.ReadDir(f.l.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp recording removed")
}

func TestRun_SearchIsNotSpoken(t *testing.T) {
	f := newFixture(t)
	f.stt.transcribeFunc = func(context.Context, []byte) (string, error) {
		return "絶の攻略を教えて", nil
	}
	require.NoError(t, f.l.Begin(f.request()))

	f.speak(t, 2)
	require.NoError(t, f.l.Run(context.Background(), f.request(), f.emit))

	assert.True(t, f.llm.search)
	assert.Empty(t, f.speaker.texts)
}

func TestRun_TruncatesLongQuestions(t *testing.T) {
	f := newFixture(t)
	long := make([]rune, 150)
	for i := range long {
		long[i] = 'あ'
	}
	f.stt.transcribeFunc = func(context.Context, []byte) (string, error) { return string(long), nil }
	require.NoError(t, f.l.Begin(f.request()))

	f.speak(t, 2)
	require.NoError(t, f.l.Run(context.Background(), f.request(), f.emit))

	assert.Equal(t, 100, len([]rune(f.llm.question)))
}

func TestRun_FailurePaths(t *testing.T) {
	tests := []struct {
		name    string
		frames  int
		setup   func(f *fixture)
		wantMsg string
	}{
		{
			name:    "nothing heard",
			frames:  0,
			wantMsg: "🔇 何も聞こえなかったのじゃ。マイクを確認せよ。",
		},
		{
			name:   "not understood",
			frames: 2,
			setup: func(f *fixture) {
				f.stt.transcribeFunc = func(context.Context, []byte) (string, error) { return "聞き取れなかった", nil }
			},
			wantMsg: "🔇 聞き取れなかったのじゃ。もう少しはっきり話すのじゃ。",
		},
		{
			name:   "transcription error",
			frames: 2,
			setup: func(f *fixture) {
				f.stt.transcribeFunc = func(context.Context, []byte) (string, error) { return "", errors.New("503") }
			},
			wantMsg: "天界の耳が乱れておるのう。もう一度試すのじゃ。",
		},
		{
			name:    "chat error",
			frames:  2,
			setup:   func(f *fixture) { f.llm.err = errors.New("timeout") },
			wantMsg: "天界の耳が乱れておるのう。もう一度試すのじゃ。",
		},
		{
			name:    "listen refused",
			frames:  0,
			setup:   func(f *fixture) { f.conn.ListenErr = errors.New("closed") },
			wantMsg: "録音に失敗したのじゃ。",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			require.NoError(t, f.l.Begin(f.request()))

			if tt.frames > 0 {
				f.speak(t, tt.frames)
			}
			f.l.Run(context.Background(), f.request(), f.emit)

			require.NotEmpty(t, f.out)
			assert.Equal(t, tt.wantMsg, f.out[len(f.out)-1])
			assert.Empty(t, f.speaker.texts)
			assert.False(t, f.st.QuestionInFlight())
		})
	}
}
