package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const speakerRefreshTimeout = 30 * time.Second

// HandleReady logs the session and loads the VOICEVOX speaker catalogue
func (h *Handler) HandleReady(s *discordgo.Session, r *discordgo.Ready) {
	h.logger.Info("Discord session ready",
		zap.String("user", r.User.Username),
		zap.String("user_id", r.User.ID),
		zap.Int("guilds", len(r.Guilds)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), speakerRefreshTimeout)
	defer cancel()
	if err := h.Voices.RefreshSpeakers(ctx); err != nil {
		h.logger.Warn("Failed to load VOICEVOX speakers", zap.Error(err))
	}
}

// HandleGuildCreate registers the slash commands in each guild as it
// becomes available.
func (h *Handler) HandleGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Unavailable || s.State == nil || s.State.User == nil {
		return
	}
	h.registerCommands(s, s.State.User.ID, g.ID)
}

// VoiceEvent is a voice state change reduced to what the handler acts on
type VoiceEvent struct {
	GuildID       string
	UserID        string
	Name          string
	Bot           bool
	ChannelID     string
	BeforeChannel string
	// Self is set when the change concerns the bot's own voice state
	Self bool
}

// HandleVoiceStateUpdate greets members joining the bot's channel and
// schedules a disconnect when the bot is left alone.
func (h *Handler) HandleVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	ev := VoiceEvent{
		GuildID:   v.GuildID,
		UserID:    v.UserID,
		ChannelID: v.ChannelID,
	}
	if v.BeforeUpdate != nil {
		ev.BeforeChannel = v.BeforeUpdate.ChannelID
	}
	if v.Member != nil {
		ev.Name = displayName(v.Member, nil)
		ev.Bot = v.Member.User != nil && v.Member.User.Bot
	}
	if s.State != nil && s.State.User != nil {
		ev.Self = v.UserID == s.State.User.ID
	}
	h.onVoiceState(ev)
}

func (h *Handler) onVoiceState(ev VoiceEvent) {
	st, ok := h.connected(ev.GuildID)
	if !ok {
		return
	}

	if ev.Self {
		// kicked or moved by someone else
		if ev.ChannelID == "" {
			h.logger.Info("Bot was disconnected from voice", zap.String("guild_id", ev.GuildID))
			h.Leave(st)
		}
		return
	}
	if ev.Bot {
		return
	}

	voiceCh := st.VoiceChannelID()
	if ev.ChannelID == voiceCh && ev.BeforeChannel != voiceCh {
		h.Chores.CancelDisconnect(st)
		ctx, cancel := h.requestContext()
		defer cancel()
		name := ev.Name
		if name == "" {
			name = "客人"
		}
		if err := h.Speech.Announce(ctx, st, name+"、いらっしゃいなのじゃ。"); err != nil {
			h.logger.Warn("Failed to greet member", zap.String("guild_id", ev.GuildID), zap.Error(err))
		}
	}

	if conn := st.Conn(); conn != nil && conn.MemberCount() <= 1 {
		h.Chores.ScheduleDisconnect(st)
	}
}
