// Package chores runs the bot's periodic extras: an occasional monologue,
// the meal-buff reminder and the delayed disconnect when left alone.
package chores

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/session"
)

// Chore names registered on a session
const (
	ChoreMeal       = "meal"
	ChoreDisconnect = "disconnect"
)

const mealPrefix = "🚨 ごはん警察じゃ。"

// Generator produces the lines the chores say
type Generator interface {
	Monologue(ctx context.Context) (string, error)
	MealReminder(ctx context.Context) (string, error)
}

// Announcer posts a line to the session's channel and speaks it
type Announcer interface {
	Announce(ctx context.Context, st *session.State, text string) error
}

// Config holds chore timings
type Config struct {
	MonologueInterval time.Duration
	MonologueMinDelay time.Duration
	MonologueMaxDelay time.Duration
	MealInitial       time.Duration
	MealEvery         time.Duration
	DisconnectDelay   time.Duration
	// LineTimeout bounds generating and announcing one line
	LineTimeout time.Duration
}

// DefaultConfig returns the stock chore timings
func DefaultConfig() Config {
	return Config{
		MonologueInterval: constants.MonologueInterval,
		MonologueMinDelay: constants.MonologueMinDelay,
		MonologueMaxDelay: constants.MonologueMaxDelay,
		MealInitial:       constants.MealReminderInitial,
		MealEvery:         constants.MealReminderEvery,
		DisconnectDelay:   constants.DisconnectDelay,
		LineTimeout:       time.Minute,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLeave replaces how a session is torn down after the disconnect delay
func WithLeave(fn func(st *session.State)) Option {
	return func(s *Scheduler) { s.leave = fn }
}

// Scheduler owns the chore goroutines
type Scheduler struct {
	registry  *session.Registry
	gen       Generator
	announcer Announcer
	cfg       Config
	logger    *zap.Logger

	leave func(st *session.State)
	delay func() time.Duration
}

// NewScheduler creates a chore scheduler
func NewScheduler(registry *session.Registry, gen Generator, announcer Announcer, cfg Config, log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logger.Get()
	}
	s := &Scheduler{
		registry:  registry,
		gen:       gen,
		announcer: announcer,
		cfg:       cfg,
		logger:    log,
	}
	s.leave = s.defaultLeave
	s.delay = s.randomDelay
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) randomDelay() time.Duration {
	lo, hi := s.cfg.MonologueMinDelay, s.cfg.MonologueMaxDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

func (s *Scheduler) defaultLeave(st *session.State) {
	if _, ok := s.registry.Remove(st.GuildID); !ok {
		return
	}
	if err := st.Close(); err != nil {
		logger.ForGuild(s.logger, st.GuildID).Warn("Failed to close session", zap.Error(err))
	}
}

// Eligible reports whether a chore may speak into st right now: connected,
// someone besides the bot present, no music and nothing playing.
func Eligible(st *session.State) bool {
	conn := st.Conn()
	if conn == nil || !conn.IsConnected() {
		return false
	}
	if conn.MemberCount() <= 1 {
		return false
	}
	return !st.MusicPlaying() && !conn.IsPlaying()
}

// RunMonologue waits a random delay, lets every eligible session hear a
// monologue, then sleeps for the interval, until ctx is cancelled.
func (s *Scheduler) RunMonologue(ctx context.Context) error {
	s.logger.Info("Monologue loop started", zap.Duration("interval", s.cfg.MonologueInterval))
	for {
		if !sleep(ctx, s.delay()) {
			return nil
		}
		s.MonologueOnce(ctx)
		if !sleep(ctx, s.cfg.MonologueInterval) {
			return nil
		}
	}
}

// MonologueOnce speaks one monologue into every eligible session
func (s *Scheduler) MonologueOnce(ctx context.Context) {
	for _, st := range s.registry.Sessions() {
		if !Eligible(st) {
			continue
		}
		s.say(ctx, st, "monologue", func(ctx context.Context) (string, error) {
			return s.gen.Monologue(ctx)
		})
	}
}

// StartMealReminder schedules the meal-buff reminder for st, replacing any
// previous one. It stops when the session closes.
func (s *Scheduler) StartMealReminder(st *session.State) {
	ctx, cancel := context.WithCancel(context.Background())
	st.SetChore(ChoreMeal, cancel)

	go func() {
		wait := s.cfg.MealInitial
		for sleep(ctx, wait) {
			s.MealOnce(ctx, st)
			wait = s.cfg.MealEvery
		}
	}()
}

// MealOnce sends one meal-buff reminder if st is eligible
func (s *Scheduler) MealOnce(ctx context.Context, st *session.State) {
	if !Eligible(st) {
		return
	}
	s.say(ctx, st, "meal", func(ctx context.Context) (string, error) {
		line, err := s.gen.MealReminder(ctx)
		if err != nil {
			return "", err
		}
		return mealPrefix + line, nil
	})
}

func (s *Scheduler) say(ctx context.Context, st *session.State, chore string, line func(ctx context.Context) (string, error)) {
	if s.cfg.LineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LineTimeout)
		defer cancel()
	}

	text, err := line(ctx)
	if err != nil {
		logger.ForGuild(s.logger, st.GuildID).Warn("Chore line generation failed",
			zap.String("chore", chore),
			zap.Error(err),
		)
		return
	}
	if err := s.announcer.Announce(ctx, st, text); err != nil {
		logger.ForGuild(s.logger, st.GuildID).Warn("Chore announcement failed",
			zap.String("chore", chore),
			zap.Error(err),
		)
		return
	}
	logger.ForGuild(s.logger, st.GuildID).Debug("Chore spoke", zap.String("chore", chore))
}

// ScheduleDisconnect leaves st after the disconnect delay if the bot is still
// alone by then. A pending disconnect is left as is.
func (s *Scheduler) ScheduleDisconnect(st *session.State) {
	if st.HasChore(ChoreDisconnect) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	st.SetChore(ChoreDisconnect, cancel)
	logger.ForGuild(s.logger, st.GuildID).Info("Alone in voice channel, scheduling disconnect",
		zap.Duration("delay", s.cfg.DisconnectDelay),
	)

	go func() {
		if !sleep(ctx, s.cfg.DisconnectDelay) {
			return
		}
		st.CancelChore(ChoreDisconnect)
		conn := st.Conn()
		if conn != nil && conn.IsConnected() && conn.MemberCount() > 1 {
			return
		}
		logger.ForGuild(s.logger, st.GuildID).Info("Still alone, leaving voice channel")
		s.leave(st)
	}()
}

// CancelDisconnect drops a pending disconnect. It reports whether one was pending.
func (s *Scheduler) CancelDisconnect(st *session.State) bool {
	return st.CancelChore(ChoreDisconnect)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
