package capture

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"
	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/session"
)

// Controller subscribes and unsubscribes a session's rolling buffer to the
// voice transport.
type Controller struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewController creates a capture controller
func NewController(log *zap.Logger) *Controller {
	if log == nil {
		log = logger.Get()
	}
	return &Controller{logger: log, now: time.Now}
}

// bufferSink feeds every participant's frames into the session buffer
// until it is closed.
type bufferSink struct {
	st *session.State

	mu     sync.Mutex
	closed bool
}

func (s *bufferSink) Write(_ string, pcm []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.st.Buffer.Write(pcm, at)
	s.st.TouchAudio(at)
}

// close drops every later write, including frames the transport decoded
// before it stopped listening.
func (s *bufferSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// NewSink returns a sink bound to the session's rolling buffer
func NewSink(st *session.State) session.FrameSink {
	return &bufferSink{st: st}
}

// Start begins buffering. It is a no-op when the transport already listens,
// and reuses the session's existing sink so buffered audio survives a restart.
func (c *Controller) Start(st *session.State) error {
	if st == nil {
		return apperrors.NewInvariantViolated("capture started without a session")
	}
	conn := st.Conn()
	if conn == nil || !conn.IsConnected() {
		return apperrors.ErrNotConnected
	}
	log := logger.ForGuild(c.logger, st.GuildID)

	if conn.IsListening() {
		st.SetBufferActive(true)
		return nil
	}

	sink := st.Sink()
	if sink == nil {
		// audio from an earlier subscription is stale
		st.Buffer.Clear()
		sink = NewSink(st)
		st.SetSink(sink)
		log.Debug("Created capture sink")
	}

	if err := conn.Listen(sink); err != nil {
		log.Error("Failed to start listening", zap.Error(err))
		return apperrors.NewTransportFailed("listen", st.GuildID, true, err)
	}

	st.SetBufferActive(true)
	st.SeedLastAudio(c.now())
	log.Info("Rolling buffer capture started")
	return nil
}

// Stop ends buffering and discards the buffer. Safe to call repeatedly.
func (c *Controller) Stop(st *session.State) {
	if st == nil {
		return
	}
	log := logger.ForGuild(c.logger, st.GuildID)
	if conn := st.Conn(); conn != nil && conn.IsListening() {
		if err := conn.StopListening(); err != nil {
			log.Warn("Failed to stop listening", zap.Error(err))
		}
	}
	if sink, ok := st.Sink().(*bufferSink); ok {
		sink.close()
	}
	st.Buffer.Clear()
	st.SetSink(nil)
	st.SetBufferActive(false)
	log.Debug("Rolling buffer capture stopped")
}
