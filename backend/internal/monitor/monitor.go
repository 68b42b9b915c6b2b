package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/reaction"
	"mochigami/backend/internal/session"
)

// Phase is where a session sits in the conversation-detection cycle
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuffering
	PhaseTriggering
	PhaseCooldownHold
	PhaseCooldownPreRestart
)

func (p Phase) String() string {
	switch p {
	case PhaseBuffering:
		return "buffering"
	case PhaseTriggering:
		return "triggering"
	case PhaseCooldownHold:
		return "cooldown_hold"
	case PhaseCooldownPreRestart:
		return "cooldown_pre_restart"
	default:
		return "idle"
	}
}

// Capture starts and stops a session's rolling buffer
type Capture interface {
	Start(st *session.State) error
	Stop(st *session.State)
}

// Reactor answers drained conversation audio
type Reactor interface {
	React(ctx context.Context, st *session.State, pcm []byte) error
}

// Config holds the timing of the detection cycle
type Config struct {
	Interval        time.Duration
	SilentThreshold time.Duration
	Cooldown        time.Duration
	RestartAfter    time.Duration
	// ReactionTimeout bounds one trigger pipeline
	ReactionTimeout time.Duration
}

// DefaultConfig returns the stock 5s tick, 30s silence and 19/20 minute cooldown
func DefaultConfig() Config {
	return Config{
		Interval:        constants.MonitorInterval,
		SilentThreshold: constants.DefaultSilentThreshold,
		Cooldown:        constants.DefaultCooldown,
		RestartAfter:    constants.DefaultRestartAfter,
		ReactionTimeout: 2 * time.Minute,
	}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithChannelCheck sets how the monitor decides a text channel still exists
func WithChannelCheck(fn func(channelID string) bool) Option {
	return func(m *Monitor) { m.channelExists = fn }
}

// WithTickHook registers a callback run after every tick
func WithTickHook(fn func(now time.Time)) Option {
	return func(m *Monitor) { m.onTick = fn }
}

// Monitor periodically inspects every session and fires a reaction after a
// stretch of silence, then holds off for the cooldown.
type Monitor struct {
	registry *session.Registry
	capture  Capture
	reactor  Reactor
	cfg      Config
	logger   *zap.Logger

	channelExists func(channelID string) bool
	onTick        func(now time.Time)

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewMonitor creates a conversation monitor
func NewMonitor(registry *session.Registry, capture Capture, reactor Reactor, cfg Config, log *zap.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ReactionTimeout <= 0 {
		cfg.ReactionTimeout = def.ReactionTimeout
	}
	if log == nil {
		log = logger.Get()
	}
	m := &Monitor{
		registry: registry,
		capture:  capture,
		reactor:  reactor,
		cfg:      cfg,
		logger:   log,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run ticks until ctx is cancelled, then waits for running reactions
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("Conversation monitor started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.logger.Info("Conversation monitor stopped")
			return nil
		case now := <-ticker.C:
			m.Tick(ctx, now)
		}
	}
}

// Wait blocks until every launched reaction has finished
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Tick evaluates every session once and returns the phase each ended in
func (m *Monitor) Tick(ctx context.Context, now time.Time) map[string]Phase {
	sessions := m.registry.Sessions()
	phases := make(map[string]Phase, len(sessions))
	for _, st := range sessions {
		phases[st.GuildID] = m.evaluate(ctx, st, now)
	}
	if m.onTick != nil {
		m.onTick(now)
	}
	return phases
}

func (m *Monitor) evaluate(ctx context.Context, st *session.State, now time.Time) Phase {
	if !st.Active() {
		return PhaseIdle
	}

	conn := st.Conn()
	if conn == nil || !conn.IsConnected() {
		return PhaseIdle
	}
	if m.channelExists != nil && !m.channelExists(st.TextChannelID()) {
		return PhaseIdle
	}

	// the bot counts as a member
	if conn.MemberCount() < 2 {
		if st.BufferActive() {
			m.capture.Stop(st)
		}
		return PhaseIdle
	}

	if st.MusicPlaying() {
		return PhaseIdle
	}

	if last := st.LastTriggeredAt(); !last.IsZero() {
		elapsed := now.Sub(last)
		switch {
		case elapsed < m.cfg.RestartAfter:
			if st.BufferActive() {
				m.capture.Stop(st)
			}
			return PhaseCooldownHold
		case elapsed < m.cfg.Cooldown:
			if !st.BufferActive() {
				m.start(st)
			}
			return PhaseCooldownPreRestart
		}
		st.SetLastTriggeredAt(time.Time{})
	}

	if !st.BufferActive() {
		m.start(st)
		return PhaseBuffering
	}

	// the transport may drop the subscription on its own
	if !conn.IsListening() {
		m.start(st)
	}

	lastAudio := st.LastAudioAt()
	if lastAudio.IsZero() {
		return PhaseBuffering
	}
	silence := now.Sub(lastAudio)
	if silence < m.cfg.SilentThreshold {
		return PhaseBuffering
	}

	if st.Buffer.IsEmpty() {
		logger.ForGuild(m.logger, st.GuildID).Debug("Silence detected with empty buffer, re-arming",
			zap.Duration("silence", silence),
		)
		st.SetLastAudioAt(now)
		return PhaseBuffering
	}

	if !m.claim(st.GuildID) {
		return PhaseTriggering
	}

	pcm := st.Buffer.DrainToBytes()
	m.capture.Stop(st)
	st.SetLastTriggeredAt(now)
	st.SetLastAudioAt(time.Time{})

	triggerID := uuid.NewString()
	log := logger.ForGuild(m.logger, st.GuildID).With(zap.String("trigger_id", triggerID))
	log.Info("Silence detected, reacting",
		zap.Duration("silence", silence),
		zap.Int("audio_bytes", len(pcm)),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(st.GuildID)

		rctx, cancel := context.WithTimeout(reaction.WithTriggerID(ctx, triggerID), m.cfg.ReactionTimeout)
		defer cancel()

		if err := m.reactor.React(rctx, st, pcm); err != nil {
			log.Warn("Reaction failed", zap.Error(err))
		}
	}()
	return PhaseTriggering
}

func (m *Monitor) start(st *session.State) {
	if err := m.capture.Start(st); err != nil {
		logger.ForGuild(m.logger, st.GuildID).Warn("Failed to start capture", zap.Error(err))
	}
}

func (m *Monitor) claim(guildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[guildID] {
		return false
	}
	m.inflight[guildID] = true
	return true
}

func (m *Monitor) release(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, guildID)
}

// Phase reports the phase of st at now without changing anything
func (m *Monitor) Phase(st *session.State, now time.Time) Phase {
	if !st.Active() || !st.Connected() || st.MusicPlaying() {
		return PhaseIdle
	}
	m.mu.Lock()
	running := m.inflight[st.GuildID]
	m.mu.Unlock()
	if running {
		return PhaseTriggering
	}
	if last := st.LastTriggeredAt(); !last.IsZero() {
		elapsed := now.Sub(last)
		if elapsed < m.cfg.RestartAfter {
			return PhaseCooldownHold
		}
		if elapsed < m.cfg.Cooldown {
			return PhaseCooldownPreRestart
		}
	}
	if st.BufferActive() {
		return PhaseBuffering
	}
	return PhaseIdle
}

// Interval is the tick period
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}
