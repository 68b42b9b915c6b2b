// Package question implements the fixed-duration voice question: record one
// speaker for a few seconds, transcribe, answer in chat and speak the answer.
package question

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"
	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/adapter"
	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/session"
)

// Rejection reasons
const (
	ReasonNotInVoice = "not_in_voice"
	ReasonNoSession  = "no_session"
	ReasonCooldown   = "cooldown"
	ReasonBusy       = "busy"
	ReasonMusic      = "music"
)

const (
	msgNotInVoice   = "ボイスチャンネルに入るのじゃ。"
	msgNoSession    = "先に `!mjoin` でわしを呼ぶのじゃ。"
	msgBusy         = "🔴 今はすでに聞いておるぞ。少し待つのじゃ。"
	msgMusic        = "🎵 音楽が流れておるから聞き取れぬ。`/stop` してから試すのじゃ。"
	msgNothingHeard = "🔇 何も聞こえなかったのじゃ。マイクを確認せよ。"
	msgNotClear     = "🔇 聞き取れなかったのじゃ。もう少しはっきり話すのじゃ。"
	msgEarsTroubled = "天界の耳が乱れておるのう。もう一度試すのじゃ。"
	msgRecordFailed = "録音に失敗したのじゃ。"
)

// Capture pauses and resumes the conversation buffer around a question
type Capture interface {
	Start(st *session.State) error
	Stop(st *session.State)
}

type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

type Chatter interface {
	Chat(ctx context.Context, question string, history []string, search bool) (string, error)
}

type Speaker interface {
	Say(ctx context.Context, st *session.State, text string) bool
}

// Request describes who is asking and where
type Request struct {
	Session     *session.State
	UserID      string
	DisplayName string
	InVoice     bool
	// History returns recent channel messages, oldest first
	History func(ctx context.Context) ([]string, error)
}

// Config holds the question timings
type Config struct {
	Duration time.Duration
	Cooldown time.Duration
	TempDir  string
}

// DefaultConfig returns a 7 second recording and a 30 second per-guild cooldown
func DefaultConfig() Config {
	return Config{
		Duration: constants.QuestionDuration,
		Cooldown: constants.QuestionCooldown,
		TempDir:  os.TempDir(),
	}
}

// Listener runs voice questions
type Listener struct {
	capture Capture
	stt     Transcriber
	llm     Chatter
	speaker Speaker
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewListener creates a voice question listener
func NewListener(capture Capture, stt Transcriber, llm Chatter, speaker Speaker, cfg Config, log *zap.Logger) *Listener {
	def := DefaultConfig()
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.TempDir == "" {
		cfg.TempDir = def.TempDir
	}
	if log == nil {
		log = logger.Get()
	}
	return &Listener{
		capture: capture,
		stt:     stt,
		llm:     llm,
		speaker: speaker,
		cfg:     cfg,
		logger:  log,
		now:     time.Now,
	}
}

// Begin checks the preconditions and claims the session's question slot.
// The returned error is an *apperrors.ErrQuestionRejected; Message turns it
// into the user-facing text.
func (l *Listener) Begin(req Request) error {
	if !req.InVoice {
		return apperrors.NewQuestionRejected(ReasonNotInVoice, 0)
	}
	st := req.Session
	if st == nil || st.Conn() == nil {
		return apperrors.NewQuestionRejected(ReasonNoSession, 0)
	}

	now := l.now()
	if left := st.QuestionCooldownLeft(now, l.cfg.Cooldown); left > 0 {
		return apperrors.NewQuestionRejected(ReasonCooldown, left)
	}
	if st.QuestionInFlight() {
		return apperrors.NewQuestionRejected(ReasonBusy, 0)
	}
	if st.MusicPlaying() {
		return apperrors.NewQuestionRejected(ReasonMusic, 0)
	}

	ok, left, busy := st.BeginQuestion(now, l.cfg.Cooldown)
	switch {
	case busy:
		return apperrors.NewQuestionRejected(ReasonBusy, 0)
	case !ok:
		return apperrors.NewQuestionRejected(ReasonCooldown, left)
	}
	return nil
}

// Message returns the chat text for a rejection from Begin
func Message(err error) string {
	var rej *apperrors.ErrQuestionRejected
	if !errors.As(err, &rej) {
		return msgRecordFailed
	}
	switch rej.Reason {
	case ReasonNotInVoice:
		return msgNotInVoice
	case ReasonNoSession:
		return msgNoSession
	case ReasonCooldown:
		return fmt.Sprintf("⏳ まだ耳が休まっておらぬ。あと **%d秒** 待つのじゃ。", int(rej.Remaining.Seconds()))
	case ReasonBusy:
		return msgBusy
	case ReasonMusic:
		return msgMusic
	default:
		return msgRecordFailed
	}
}

// Run records the caller, answers and speaks. It must follow a successful
// Begin and always releases the question slot. Every user-facing line goes
// through out.
func (l *Listener) Run(ctx context.Context, req Request, out func(string)) error {
	st := req.Session
	log := logger.ForGuild(l.logger, st.GuildID).With(logger.UserFields(req.UserID, req.DisplayName)...)
	wasBuffering := st.BufferActive()
	if wasBuffering {
		l.capture.Stop(st)
	}
	defer func() {
		st.EndQuestion()
		if wasBuffering && st.Active() && st.Connected() {
			if err := l.capture.Start(st); err != nil {
				log.Warn("Failed to resume conversation buffer", zap.Error(err))
			}
		}
	}()

	out(fmt.Sprintf("👂 **%s**、%d秒間聞いておるぞ。話すのじゃ！", req.DisplayName, int(l.cfg.Duration.Seconds())))

	pcm, err := l.record(ctx, st, req.UserID)
	if err != nil {
		log.Error("Voice question recording failed", zap.Error(err))
		out(msgRecordFailed)
		return err
	}
	if len(pcm) < constants.MinRecordingBytes {
		out(msgNothingHeard)
		return nil
	}

	text, err := l.stt.Transcribe(ctx, audio.EncodeWAV(pcm, audio.DiscordFormat))
	if err != nil {
		out(msgEarsTroubled)
		return err
	}
	if text == "" || strings.Contains(text, constants.NotUnderstoodMarker) {
		out(msgNotClear)
		return apperrors.ErrNotUnderstood
	}
	out("📝 **聞き取り結果**: " + text)

	if r := []rune(text); len(r) > constants.QuestionMaxRunes {
		text = string(r[:constants.QuestionMaxRunes])
	}
	search := adapter.WantsSearch(text)

	var history []string
	if req.History != nil {
		history, err = req.History(ctx)
		if err != nil {
			log.Warn("Failed to fetch channel history", zap.Error(err))
		}
	}

	answer, err := l.llm.Chat(ctx, text, history, search)
	if err != nil {
		out(msgEarsTroubled)
		return err
	}
	out(answer)

	if !search && !st.MusicPlaying() {
		l.speaker.Say(ctx, st, answer)
	}
	log.Info("Voice question answered", zap.Bool("search", search))
	return nil
}

// record subscribes to the caller's frames for the configured duration,
// spooling them to a temp file.
func (l *Listener) record(ctx context.Context, st *session.State, userID string) ([]byte, error) {
	conn := st.Conn()
	if conn == nil || !conn.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	path := filepath.Join(l.cfg.TempDir, fmt.Sprintf("listen_%s.pcm", uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return nil, apperrors.NewResourceFailed("recording file", err)
	}
	defer os.Remove(path)

	sink := &fileSink{userID: userID, f: f}
	if err := conn.Listen(sink); err != nil {
		f.Close()
		return nil, apperrors.NewTransportFailed("listen", st.GuildID, true, err)
	}

	rctx, cancel := context.WithTimeout(ctx, l.cfg.Duration)
	<-rctx.Done()
	cancel()

	if err := conn.StopListening(); err != nil {
		logger.ForGuild(l.logger, st.GuildID).Warn("Failed to stop listening", zap.Error(err))
	}
	if err := sink.Close(); err != nil {
		return nil, apperrors.NewResourceFailed("recording file", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewResourceFailed("recording file", err)
	}
	return data, nil
}

// fileSink appends one participant's frames to a file and drops the rest
type fileSink struct {
	userID string

	mu     sync.Mutex
	f      *os.File
	err    error
	closed bool
}

func (s *fileSink) Write(participantID string, pcm []byte, _ time.Time) {
	if participantID != s.userID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	_, s.err = s.f.Write(pcm)
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	s.closed = true
	if err := s.f.Close(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}
