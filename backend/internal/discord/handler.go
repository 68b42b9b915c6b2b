// Package discord routes gateway events (text triggers, slash commands and
// voice state changes) to the bot's voice sessions.
package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/adapter"
	"mochigami/backend/internal/music"
	"mochigami/backend/internal/prefs"
	"mochigami/backend/internal/question"
	"mochigami/backend/internal/session"
)

// API is the slice of the Discord REST surface the handler uses.
// *discordgo.Session satisfies it.
type API interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// LLM generates the lines for text triggers
type LLM interface {
	Greeting(ctx context.Context) (string, error)
	Chat(ctx context.Context, question string, history []string, search bool) (string, error)
	DiceSummary(ctx context.Context, history []string) (string, error)
}

// Speech posts and speaks lines into a session
type Speech interface {
	Announce(ctx context.Context, st *session.State, text string) error
	Say(ctx context.Context, st *session.State, text string) bool
	Speak(ctx context.Context, st *session.State, text string, speakerID int) bool
}

// Voices is the VOICEVOX speaker catalogue
type Voices interface {
	RefreshSpeakers(ctx context.Context) error
	Speaker(id int) (adapter.SpeakerStyle, bool)
	SearchSpeakers(query string, limit int) []adapter.SpeakerStyle
}

// Capture starts and stops conversation capture
type Capture interface {
	Start(st *session.State) error
	Stop(st *session.State)
}

// Music controls foreground playback
type Music interface {
	Play(ctx context.Context, st *session.State, query string) (music.Track, error)
	Stop(st *session.State) bool
	SetVolume(st *session.State, pct int) bool
	TogglePause(st *session.State) (paused bool, ok bool)
}

// Questions runs voice questions
type Questions interface {
	Begin(req question.Request) error
	Run(ctx context.Context, req question.Request, out func(string)) error
}

// Chores schedules per-session background work
type Chores interface {
	StartMealReminder(st *session.State)
	ScheduleDisconnect(st *session.State)
	CancelDisconnect(st *session.State) bool
}

// JoinFunc connects to a voice channel
type JoinFunc func(guildID, channelID string) (session.Transport, error)

// Deps are the collaborators of a Handler
type Deps struct {
	Registry  *session.Registry
	LLM       LLM
	Speech    Speech
	Voices    Voices
	Prefs     prefs.Store
	Capture   Capture
	Music     Music
	Questions Questions
	Chores    Chores
	Join      JoinFunc
	// Leave tears a session down; defaults to removing and closing it
	Leave func(st *session.State)
}

// Handler handles Discord events
type Handler struct {
	Deps
	logger *zap.Logger

	// requestTimeout bounds one trigger's LLM and synthesis work
	requestTimeout time.Duration
	now            func() time.Time
	roll           func(max int) int
}

// NewHandler creates a new Discord event handler
func NewHandler(deps Deps, log *zap.Logger) *Handler {
	if log == nil {
		log = logger.Get()
	}
	h := &Handler{
		Deps:           deps,
		logger:         log,
		requestTimeout: 2 * time.Minute,
		now:            time.Now,
		roll:           rollDie,
	}
	if h.Leave == nil {
		h.Leave = h.defaultLeave
	}
	return h
}

func (h *Handler) defaultLeave(st *session.State) {
	if _, ok := h.Registry.Remove(st.GuildID); !ok {
		return
	}
	if err := st.Close(); err != nil {
		h.logger.Warn("Failed to close session", zap.String("guild_id", st.GuildID), zap.Error(err))
	}
}

// Register attaches the handler's callbacks to the gateway session
func (h *Handler) Register(s *discordgo.Session) {
	s.AddHandler(h.HandleReady)
	s.AddHandler(h.HandleGuildCreate)
	s.AddHandler(h.HandleMessage)
	s.AddHandler(h.HandleInteraction)
	s.AddHandler(h.HandleVoiceStateUpdate)
}

// connected returns the guild's session when the bot is in voice there
func (h *Handler) connected(guildID string) (*session.State, bool) {
	st, ok := h.Registry.Get(guildID)
	if !ok || !st.Connected() {
		return nil, false
	}
	return st, true
}

// join connects to channelID and attaches the transport to the guild's
// session, replacing any previous connection.
func (h *Handler) join(guildID, voiceChannelID, textChannelID string) (*session.State, error) {
	st := h.Registry.GetOrCreate(guildID)
	// the gateway keeps one voice connection per guild, so the old one goes first
	if st.Conn() != nil {
		if err := st.Close(); err != nil {
			h.logger.Warn("Failed to close previous connection", zap.String("guild_id", guildID), zap.Error(err))
		}
	}

	conn, err := h.Join(guildID, voiceChannelID)
	if err != nil {
		h.Registry.Remove(guildID)
		return nil, err
	}
	st.Attach(conn, voiceChannelID, textChannelID)
	h.logger.Info("Voice session attached",
		append(logger.GuildFields(guildID, voiceChannelID, textChannelID), zap.Int("members", conn.MemberCount()))...,
	)
	return st, nil
}

func (h *Handler) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.requestTimeout)
}

func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user == nil && member != nil {
		user = member.User
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

// voiceChannelOf returns the voice channel the user is in, or ""
func voiceChannelOf(state *discordgo.State, guildID, userID string) string {
	if state == nil {
		return ""
	}
	vs, err := state.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}
