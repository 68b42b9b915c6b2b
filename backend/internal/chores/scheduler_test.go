package chores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/session"
	"mochigami/backend/internal/session/sessiontest"
)

type mockGenerator struct {
	monologueErr error
}

func (m *mockGenerator) Monologue(context.Context) (string, error) {
	if m.monologueErr != nil {
		return "", m.monologueErr
	}
	return "今日もルレ回すかのう", nil
}

func (m *mockGenerator) MealReminder(context.Context) (string, error) {
	return "VIT不足で即死じゃぞ", nil
}

type mockAnnouncer struct {
	mu    sync.Mutex
	texts []string
}

func (m *mockAnnouncer) Announce(_ context.Context, _ *session.State, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockAnnouncer) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func testConfig() Config {
	return Config{
		MonologueInterval: time.Hour,
		MonologueMinDelay: time.Millisecond,
		MonologueMaxDelay: 2 * time.Millisecond,
		MealInitial:       20 * time.Millisecond,
		MealEvery:         20 * time.Millisecond,
		DisconnectDelay:   30 * time.Millisecond,
		LineTimeout:       time.Second,
	}
}

func newScheduler(opts ...Option) (*Scheduler, *session.Registry, *session.State, *sessiontest.Transport, *mockGenerator, *mockAnnouncer) {
	reg := session.NewRegistry(audio.DefaultBufferConfig(), 0)
	st := reg.GetOrCreate("g1")
	conn := sessiontest.NewTransport()
	st.Attach(conn, "vc", "tc")

	gen := &mockGenerator{}
	ann := &mockAnnouncer{}
	return NewScheduler(reg, gen, ann, testConfig(), zap.NewNop(), opts...), reg, st, conn, gen, ann
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name  string
		setup func(st *session.State, conn *sessiontest.Transport)
		want  bool
	}{
		{"present and quiet", func(*session.State, *sessiontest.Transport) {}, true},
		{"bot alone", func(_ *session.State, c *sessiontest.Transport) { c.SetMembers(1) }, false},
		{"music", func(st *session.State, _ *sessiontest.Transport) { st.SetMusicPlaying(true) }, false},
		{"already speaking", func(_ *session.State, c *sessiontest.Transport) { c.SetPlaying(true) }, false},
		{"disconnected", func(_ *session.State, c *sessiontest.Transport) { c.Connected = false }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, st, conn, _, _ := newScheduler()
			tt.setup(st, conn)
			assert.Equal(t, tt.want, Eligible(st))
		})
	}
}

func TestMonologueOnce(t *testing.T) {
	s, reg, _, _, gen, ann := newScheduler()
	alone := reg.GetOrCreate("g2")
	lonely := sessiontest.NewTransport()
	lonely.SetMembers(1)
	alone.Attach(lonely, "vc2", "tc2")

	s.MonologueOnce(context.Background())
	assert.Equal(t, []string{"今日もルレ回すかのう"}, ann.Texts())

	gen.monologueErr = errors.New("llm down")
	s.MonologueOnce(context.Background())
	assert.Len(t, ann.Texts(), 1)
}

func TestRunMonologue(t *testing.T) {
	s, _, _, _, _, ann := newScheduler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunMonologue(ctx) }()

	require.Eventually(t, func() bool { return len(ann.Texts()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestMealReminder(t *testing.T) {
	s, _, st, _, _, ann := newScheduler()

	s.StartMealReminder(st)
	require.Eventually(t, func() bool { return len(ann.Texts()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "🚨 ごはん警察じゃ。VIT不足で即死じゃぞ", ann.Texts()[0])

	require.NoError(t, st.Close())
	n := len(ann.Texts())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(ann.Texts()), "reminder stops with the session")
}

func TestScheduleDisconnect_LeavesWhenStillAlone(t *testing.T) {
	s, reg, st, conn, _, _ := newScheduler()
	conn.SetMembers(1)

	s.ScheduleDisconnect(st)
	s.ScheduleDisconnect(st)
	assert.True(t, st.HasChore(ChoreDisconnect))

	require.Eventually(t, func() bool { return !conn.IsConnected() }, time.Second, 5*time.Millisecond)
	_, ok := reg.Get("g1")
	assert.False(t, ok)
}

func TestScheduleDisconnect_StaysWhenSomeoneReturns(t *testing.T) {
	var left []string
	var mu sync.Mutex
	s, _, st, conn, _, _ := newScheduler(WithLeave(func(st *session.State) {
		mu.Lock()
		defer mu.Unlock()
		left = append(left, st.GuildID)
	}))
	conn.SetMembers(1)

	s.ScheduleDisconnect(st)
	conn.SetMembers(2)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	assert.Empty(t, left)
	mu.Unlock()
	assert.False(t, st.HasChore(ChoreDisconnect))
}

func TestCancelDisconnect(t *testing.T) {
	var calls int
	var mu sync.Mutex
	s, _, st, conn, _, _ := newScheduler(WithLeave(func(*session.State) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	}))
	conn.SetMembers(1)

	assert.False(t, s.CancelDisconnect(st))
	s.ScheduleDisconnect(st)
	assert.True(t, s.CancelDisconnect(st))
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}
