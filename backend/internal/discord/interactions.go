package discord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/prefs"
	"mochigami/backend/internal/question"
)

// Slash command names
const (
	CommandMyVoice       = "マイボイス"
	CommandBotVoice      = "もちボイス"
	CommandAlbum         = "デザートアルバム"
	CommandConverseOn    = "会話オン"
	CommandConverseOff   = "会話オフ"
	CommandVoiceQuestion = "もちもち"

	voiceOptionName   = "voice"
	maxChoices        = 25
	maxChoiceNameLen  = 100
	voiceChangeSample = "声を変えたのじゃ！"
)

const albumMessage = "🎵 デザートのアルバムじゃ。聴くがよい。\n\n" +
	"🏜️ **DESERT MEMBER SONG 2024**\n" +
	"https://soundcloud.com/shouyu-mochi/sets/desert-theme-song/s-0y6FdI6ccI3?si=9a004c595feb46e7b67547a3ca0a1638&utm_source=clipboard&utm_medium=text&utm_campaign=social_sharing" +
	"\n\n🎤 **DESERT MEMBER SONG 2025**\n" +
	"https://soundcloud.com/shouyu-mochi/sets/desert-member-song-2025-test/s-klf6JFeRYpP?si=276edc9d114643028d7c334f07d9c1a7&utm_source=clipboard&utm_medium=text&utm_campaign=social_sharing"

// Commands returns the slash commands registered in every guild
func Commands() []*discordgo.ApplicationCommand {
	voiceOption := func(desc string) []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{{
			Type:         discordgo.ApplicationCommandOptionInteger,
			Name:         voiceOptionName,
			Description:  desc,
			Autocomplete: true,
		}}
	}
	return []*discordgo.ApplicationCommand{
		{Name: CommandMyVoice, Description: "自分の読み上げ声を変更", Options: voiceOption("読み上げに使う声")},
		{Name: CommandBotVoice, Description: "もち神さまの声を変更", Options: voiceOption("もち神さまの声")},
		{Name: CommandAlbum, Description: "デザートのアルバムを聴く"},
		{Name: CommandConverseOn, Description: "会話が途切れたらもち神さまが相槌を打つ"},
		{Name: CommandConverseOff, Description: "会話検知を止める"},
		{Name: CommandVoiceQuestion, Description: "声で質問する"},
	}
}

// HandleInteraction handles slash commands and their autocomplete requests
func (h *Handler) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		return
	}
	userID := interactionUserID(i.Interaction)
	h.onInteraction(s, i.Interaction, voiceChannelOf(s.State, i.GuildID, userID))
}

func (h *Handler) onInteraction(api API, i *discordgo.Interaction, callerVoice string) {
	switch i.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		h.autocompleteVoice(api, i)
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		h.logger.Debug("Slash command",
			zap.String("guild_id", i.GuildID),
			zap.String("command", data.Name),
			zap.String("user_id", interactionUserID(i)),
		)
		switch data.Name {
		case CommandMyVoice:
			h.voiceCommand(api, i, data, false)
		case CommandBotVoice:
			h.voiceCommand(api, i, data, true)
		case CommandAlbum:
			h.respond(api, i, albumMessage, false)
		case CommandConverseOn:
			h.converseOn(api, i)
		case CommandConverseOff:
			h.converseOff(api, i)
		case CommandVoiceQuestion:
			h.voiceQuestion(api, i, callerVoice)
		}
	}
}

func (h *Handler) converseOn(api API, i *discordgo.Interaction) {
	st, ok := h.connected(i.GuildID)
	if !ok {
		h.respond(api, i, notJoinedMessage, true)
		return
	}
	st.SetActive(true)
	if err := h.Capture.Start(st); err != nil {
		h.logger.Error("Failed to start conversation capture", zap.String("guild_id", i.GuildID), zap.Error(err))
		st.SetActive(false)
		h.respond(api, i, "耳が塞がっておる。もう一度試すのじゃ。", true)
		return
	}
	h.respond(api, i, "👂 会話を聞き始めるのじゃ。\n※会話が30秒途切れると、もち神さまが相槌を打つのじゃ。", false)
}

func (h *Handler) converseOff(api API, i *discordgo.Interaction) {
	if st, ok := h.Registry.Get(i.GuildID); ok {
		st.SetActive(false)
		st.ResetConversation()
		h.Capture.Stop(st)
	}
	h.respond(api, i, "🔇 会話検知を止めるのじゃ。", false)
}

func (h *Handler) voiceQuestion(api API, i *discordgo.Interaction, callerVoice string) {
	user := interactionUser(i)
	st, _ := h.connected(i.GuildID)
	req := question.Request{
		Session:     st,
		UserID:      user.ID,
		DisplayName: displayName(i.Member, user),
		InVoice:     callerVoice != "",
		History: func(ctx context.Context) ([]string, error) {
			msgs, err := api.ChannelMessages(i.ChannelID, constants.HistoryLimit, "", "", "")
			if err != nil {
				return nil, err
			}
			return reverse(formatHistory(msgs, time.Time{})), nil
		},
	}
	if err := h.Questions.Begin(req); err != nil {
		h.respond(api, i, question.Message(err), true)
		return
	}

	err := api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		h.logger.Error("Failed to defer interaction", zap.String("guild_id", i.GuildID), zap.Error(err))
	}

	ctx, cancel := h.requestContext()
	defer cancel()
	out := func(text string) {
		if _, err := api.FollowupMessageCreate(i, true, &discordgo.WebhookParams{Content: text}); err != nil {
			h.logger.Error("Failed to send followup", zap.String("guild_id", i.GuildID), zap.Error(err))
		}
	}
	if err := h.Questions.Run(ctx, req, out); err != nil {
		h.logger.Warn("Voice question failed", zap.String("guild_id", i.GuildID), zap.Error(err))
	}
}

func (h *Handler) voiceCommand(api API, i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData, bot bool) {
	ctx, cancel := h.requestContext()
	defer cancel()

	opt := findOption(data.Options, voiceOptionName)
	if opt == nil {
		h.respond(api, i, h.currentVoice(ctx, i, bot), true)
		return
	}
	if len(h.Voices.SearchSpeakers("", 1)) == 0 {
		h.respond(api, i, "⚠️ 話者一覧がまだ取得できておらぬ。少し待つのじゃ。", true)
		return
	}

	id, ok := optionInt(opt)
	style, found := h.Voices.Speaker(id)
	if !ok || !found {
		h.respond(api, i, "その声は見つからぬ。候補から選ぶのじゃ。", true)
		return
	}
	v := prefs.Voice{SpeakerID: style.ID, Name: style.FullName()}

	if !bot {
		user := interactionUser(i)
		if err := h.Prefs.SetUserVoice(ctx, user.ID, v); err != nil {
			h.logger.Error("Failed to save user voice", zap.String("user_id", user.ID), zap.Error(err))
			h.respond(api, i, "声の記録に失敗したのじゃ。", true)
			return
		}
		h.respond(api, i, fmt.Sprintf("✅ マイボイスを **%s** に設定したのじゃ！", v.Name), true)
		return
	}

	if err := h.Prefs.SetBotVoice(ctx, v); err != nil {
		h.logger.Error("Failed to save bot voice", zap.Error(err))
		h.respond(api, i, "声の記録に失敗したのじゃ。", true)
		return
	}
	h.respond(api, i, fmt.Sprintf("✅ もち神さまの声を **%s** に変更したのじゃ！", v.Name), false)
	if st, ok := h.connected(i.GuildID); ok {
		h.Speech.Speak(ctx, st, voiceChangeSample, v.SpeakerID)
	}
}

func (h *Handler) currentVoice(ctx context.Context, i *discordgo.Interaction, bot bool) string {
	if bot {
		v, err := h.Prefs.BotVoice(ctx)
		if err != nil {
			h.logger.Warn("Failed to read bot voice", zap.Error(err))
			return "🎤 **もち神さまボイス設定**\n`voice` で声を選ぶのじゃ。"
		}
		return fmt.Sprintf("🎤 **もち神さまボイス設定**\n現在の声: **%s**\n`voice` で声を選ぶのじゃ。", voiceLabel(v))
	}

	user := interactionUser(i)
	v, ok, err := h.Prefs.UserVoice(ctx, user.ID)
	if err != nil || !ok {
		return "🎤 **マイボイス設定**\n現在未設定（もち神さまの声で読み上げ中）\n`voice` で声を選ぶのじゃ。"
	}
	return fmt.Sprintf("🎤 **マイボイス設定**\n現在の設定: **%s**\n`voice` で声を選ぶのじゃ。", voiceLabel(v))
}

func voiceLabel(v prefs.Voice) string {
	if v.Name != "" {
		return v.Name
	}
	return "ID:" + strconv.Itoa(v.SpeakerID)
}

func (h *Handler) autocompleteVoice(api API, i *discordgo.Interaction) {
	data := i.ApplicationCommandData()
	query := ""
	for _, opt := range data.Options {
		if opt.Focused {
			query = fmt.Sprint(opt.Value)
		}
	}

	styles := h.Voices.SearchSpeakers(query, maxChoices)
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(styles))
	for _, st := range styles {
		name := []rune(st.FullName())
		if len(name) > maxChoiceNameLen {
			name = name[:maxChoiceNameLen]
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: string(name), Value: st.ID})
	}

	err := api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	})
	if err != nil {
		h.logger.Warn("Failed to answer autocomplete", zap.String("guild_id", i.GuildID), zap.Error(err))
	}
}

func (h *Handler) respond(api API, i *discordgo.Interaction, content string, ephemeral bool) {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		h.logger.Error("Failed to respond to interaction",
			zap.String("guild_id", i.GuildID),
			zap.Error(err),
		)
	}
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	if i.User != nil {
		return i.User
	}
	return &discordgo.User{}
}

func interactionUserID(i *discordgo.Interaction) string {
	return interactionUser(i).ID
}

func findOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range opts {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// optionInt reads an integer option. Values arrive as float64 from JSON, or
// as the raw string when the user typed instead of picking a choice.
func optionInt(o *discordgo.ApplicationCommandInteractionDataOption) (int, bool) {
	switch v := o.Value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// registerCommands overwrites the guild's slash commands
func (h *Handler) registerCommands(api CommandRegistrar, appID, guildID string) {
	cmds, err := api.ApplicationCommandBulkOverwrite(appID, guildID, Commands())
	if err != nil {
		h.logger.Error("Failed to register slash commands", zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	h.logger.Info("Registered slash commands", zap.String("guild_id", guildID), zap.Int("count", len(cmds)))
}

// CommandRegistrar registers slash commands. *discordgo.Session satisfies it.
type CommandRegistrar interface {
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}
