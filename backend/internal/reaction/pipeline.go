package reaction

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"
	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/prefs"
	"mochigami/backend/internal/session"
	"mochigami/backend/internal/speech"
)

// Transcriber turns a WAV recording into text
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Responder generates the bot's lines
type Responder interface {
	Reply(ctx context.Context, transcript string) (string, error)
	Monologue(ctx context.Context) (string, error)
}

// Synthesizer renders text with a speaker style
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, speakerID int) ([]byte, error)
}

// Poster sends a message to a text channel. *discordgo.Session satisfies it.
type Poster interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// VoiceSource resolves the bot's current voice
type VoiceSource interface {
	BotVoice(ctx context.Context) (prefs.Voice, error)
}

// Pipeline turns drained conversation audio into a posted and spoken reaction
type Pipeline struct {
	stt    Transcriber
	llm    Responder
	tts    Synthesizer
	poster Poster
	voices VoiceSource
	format audio.Format
	logger *zap.Logger
}

// NewPipeline creates a reaction pipeline
func NewPipeline(stt Transcriber, llm Responder, tts Synthesizer, poster Poster, voices VoiceSource, log *zap.Logger) *Pipeline {
	if log == nil {
		log = logger.Get()
	}
	return &Pipeline{
		stt:    stt,
		llm:    llm,
		tts:    tts,
		poster: poster,
		voices: voices,
		format: audio.DiscordFormat,
		logger: log,
	}
}

// React transcribes the drained audio and answers it. Any failure before the
// reply is posted degrades to a short monologue.
func (p *Pipeline) React(ctx context.Context, st *session.State, pcm []byte) error {
	if st == nil {
		err := apperrors.NewInvariantViolated("reaction without a session")
		p.logger.Error("Reaction skipped", zap.Error(err))
		return err
	}
	log := logger.ForGuild(p.logger, st.GuildID)
	if id := TriggerID(ctx); id != "" {
		log = log.With(zap.String("trigger_id", id))
	}

	if len(pcm) < constants.MinTriggerBytes {
		log.Info("Too little audio to transcribe, falling back", zap.Int("bytes", len(pcm)))
		return p.Fallback(ctx, st)
	}

	wav := audio.EncodeWAV(pcm, p.format)
	start := time.Now()
	transcript, err := p.stt.Transcribe(ctx, wav)
	if err != nil {
		log.Warn("Transcription failed, falling back", zap.Error(err))
		return p.Fallback(ctx, st)
	}
	if transcript == "" || strings.Contains(transcript, constants.NotUnderstoodMarker) {
		log.Info("Nothing intelligible in buffer, falling back",
			zap.Duration("audio", p.format.Duration(len(pcm))),
		)
		return p.Fallback(ctx, st)
	}
	log.Debug("Conversation transcribed",
		zap.Int("text_length", len(transcript)),
		zap.Duration("took", time.Since(start)),
	)

	reply, err := p.llm.Reply(ctx, transcript)
	if err != nil {
		log.Warn("Reply generation failed, falling back", zap.Error(err))
		return p.Fallback(ctx, st)
	}

	if err := p.post(st, "💬 "+reply); err != nil {
		log.Warn("Failed to post reaction", zap.Error(err))
		return err
	}
	p.Say(ctx, st, reply)
	log.Info("Reacted to conversation", zap.String("reply", reply))
	return nil
}

// Fallback posts and speaks a short context-free remark
func (p *Pipeline) Fallback(ctx context.Context, st *session.State) error {
	text, err := p.llm.Monologue(ctx)
	if err != nil {
		logger.ForGuild(p.logger, st.GuildID).Warn("Fallback monologue failed",
			zap.Error(err),
		)
		return err
	}
	if err := p.Announce(ctx, st, text); err != nil {
		logger.ForGuild(p.logger, st.GuildID).Warn("Failed to post monologue",
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Announce posts text to the session's channel and speaks it
func (p *Pipeline) Announce(ctx context.Context, st *session.State, text string) error {
	if err := p.post(st, text); err != nil {
		return err
	}
	p.Say(ctx, st, text)
	return nil
}

// Say speaks text in the bot's voice
func (p *Pipeline) Say(ctx context.Context, st *session.State, text string) bool {
	speaker := constants.DefaultSpeakerID
	if p.voices != nil {
		if v, err := p.voices.BotVoice(ctx); err != nil {
			p.logger.Warn("Failed to resolve bot voice, using default", zap.Error(err))
		} else {
			speaker = v.SpeakerID
		}
	}
	return p.Speak(ctx, st, text, speaker)
}

// Speak synthesizes text and queues it for playback. Nothing is synthesized
// while music is playing. Reports whether a payload was queued.
func (p *Pipeline) Speak(ctx context.Context, st *session.State, text string, speakerID int) bool {
	if st.MusicPlaying() {
		return false
	}

	wav, err := p.tts.Synthesize(ctx, text, speakerID)
	if err != nil {
		logger.ForGuild(p.logger, st.GuildID).Warn("Speech synthesis failed",
			zap.Int("speaker_id", speakerID),
			zap.Error(err),
		)
		return false
	}

	ok := st.EnqueueSpeech(&speech.Payload{Audio: wav, Text: text})
	if !ok {
		logger.ForGuild(p.logger, st.GuildID).Debug("Speech payload discarded",
			zap.Bool("music_playing", st.MusicPlaying()),
			zap.Int("queue_length", st.Queue.Len()),
		)
	}
	return ok
}

func (p *Pipeline) post(st *session.State, content string) error {
	channelID := st.TextChannelID()
	if channelID == "" {
		return apperrors.NewDiscordChannelNotFound(channelID)
	}
	if _, err := p.poster.ChannelMessageSend(channelID, content); err != nil {
		return apperrors.NewDiscordMessageSendFailed(channelID, err)
	}
	return nil
}

type triggerKey struct{}

// WithTriggerID tags ctx with a correlation ID for one trigger sequence
func WithTriggerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, triggerKey{}, id)
}

// TriggerID returns the correlation ID set by WithTriggerID
func TriggerID(ctx context.Context) string {
	id, _ := ctx.Value(triggerKey{}).(string)
	return id
}
