package playback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/session"
)

// SpeechVolume is the gain applied to synthesized speech
const SpeechVolume = 1.0

// Dispatcher drains each session's speech queue into its transport, one
// payload at a time.
type Dispatcher struct {
	registry *session.Registry
	interval time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher ticking every interval
func NewDispatcher(registry *session.Registry, interval time.Duration, log *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = constants.QueueInterval
	}
	if log == nil {
		log = logger.Get()
	}
	return &Dispatcher{registry: registry, interval: interval, logger: log}
}

// Run ticks until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick starts at most one payload per session
func (d *Dispatcher) Tick(ctx context.Context) {
	for _, st := range d.registry.Sessions() {
		d.dispatch(ctx, st)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, st *session.State) {
	if st.Queue.Len() == 0 {
		return
	}

	conn := st.Conn()
	if conn == nil || !conn.IsConnected() {
		return
	}

	if st.MusicPlaying() {
		if n := st.Queue.Drain(); n > 0 {
			logger.ForGuild(d.logger, st.GuildID).Debug("Discarded queued speech during music",
				zap.Int("discarded", n),
			)
		}
		return
	}

	if conn.IsPlaying() {
		return
	}

	p := st.Queue.Pop()
	if p == nil {
		return
	}

	if err := conn.StartPlayback(ctx, p.Audio, SpeechVolume); err != nil {
		logger.ForGuild(d.logger, st.GuildID).Warn("Failed to start speech playback",
			zap.String("text", p.Text),
			zap.Error(err),
		)
		return
	}
	logger.ForGuild(d.logger, st.GuildID).Debug("Speech playback started",
		zap.Duration("queued_for", time.Since(p.EnqueuedAt)),
		zap.Int("remaining", st.Queue.Len()),
	)
}
