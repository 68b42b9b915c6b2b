package discord

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"mochigami/backend/internal/adapter"
	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/prefs"
	"mochigami/backend/internal/session"
)

const (
	greetingFallback = "わしが来てやったぞ。"
	notJoinedMessage = "先に `!mjoin` でわしを呼ぶのじゃ。"
	sochoURL         = "https://knt-a.com/fauxhollows/"
	sochoKeyword     = "ソーチョー"
	summaryWindow    = 30 * time.Minute
	summaryLimit     = 100
)

const helpText = "【使い方】\n" +
	"・もちもち、[キーワード]\n" +
	"・もちもち、ソーチョー\n" +
	"・/dice [最大値]\n" +
	"・/ダイス結果\n" +
	"・/play [URLまたはキーワード]\n" +
	"・/stop\n" +
	"・/vol [音量0-80]\n" +
	"・/もちもち (声で質問)\n" +
	"・/もちボイス (もち神さまの声を変更)\n" +
	"・/マイボイス (自分の読み上げ声を変更)\n" +
	"・/デザートアルバム\n" +
	"・/会話オン (会話が途切れたらもち神さまが相槌を打つ)\n" +
	"・/会話オフ\n" +
	"・もちもちさよなら"

// Message is one incoming guild message with what the handler needs to know
// about its author.
type Message struct {
	*discordgo.Message
	AuthorName string
	// AuthorVoice is the voice channel the author sits in, "" when none
	AuthorVoice string
}

// HandleMessage processes incoming Discord messages
func (h *Handler) HandleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	h.onMessage(s, Message{
		Message:     m.Message,
		AuthorName:  displayName(m.Member, m.Author),
		AuthorVoice: voiceChannelOf(s.State, m.GuildID, m.Author.ID),
	})
}

func (h *Handler) onMessage(api API, m Message) {
	content := strings.TrimSpace(m.Content)

	if strings.HasPrefix(content, constants.CommandPrefix) {
		h.onCommand(api, m, content)
		return
	}

	if content == constants.TriggerLeave {
		h.leaveOnRequest(api, m)
		return
	}

	st, ok := h.connected(m.GuildID)
	if !ok {
		return
	}

	switch {
	case strings.HasPrefix(content, constants.TriggerDice):
		h.rollDice(api, st, m, content)
	case content == constants.TriggerSummary:
		h.summarizeDice(api, st, m)
	case strings.HasPrefix(content, constants.TriggerChat):
		h.chat(api, st, m, strings.TrimSpace(strings.TrimPrefix(content, constants.TriggerChat)))
	default:
		h.readAloud(st, m, content)
	}
}

func (h *Handler) onCommand(api API, m Message, content string) {
	fields := strings.Fields(content)
	args := strings.TrimSpace(strings.TrimPrefix(content, fields[0]))

	switch fields[0] {
	case constants.TriggerJoin:
		h.joinCommand(api, m)
	case constants.TriggerPlay:
		h.playCommand(api, m, args)
	case constants.TriggerStop:
		h.stopCommand(api, m)
	case constants.TriggerVolume:
		h.volumeCommand(api, m, args)
	case constants.TriggerPause:
		h.pauseCommand(api, m)
	}
}

func (h *Handler) joinCommand(api API, m Message) {
	if m.AuthorVoice == "" {
		h.send(api, m.ChannelID, "ボイスチャンネルに入るのじゃ。")
		return
	}
	st, err := h.join(m.GuildID, m.AuthorVoice, m.ChannelID)
	if err != nil {
		h.logger.Error("Failed to join voice channel",
			zap.String("guild_id", m.GuildID),
			zap.String("channel_id", m.AuthorVoice),
			zap.Error(err),
		)
		h.send(api, m.ChannelID, "天界の門が開かぬ。もう一度呼ぶのじゃ。")
		return
	}
	h.Chores.StartMealReminder(st)

	ctx, cancel := h.requestContext()
	defer cancel()
	greeting, err := h.LLM.Greeting(ctx)
	if err != nil {
		h.logger.Warn("Greeting generation failed", zap.String("guild_id", m.GuildID), zap.Error(err))
		greeting = greetingFallback
	}
	h.send(api, m.ChannelID, greeting+"\n\n"+helpText)
	h.Speech.Say(ctx, st, greeting)
}

func (h *Handler) leaveOnRequest(api API, m Message) {
	st, ok := h.connected(m.GuildID)
	if !ok {
		return
	}
	h.send(api, m.ChannelID, "さらばじゃ。")
	h.Capture.Stop(st)
	h.Leave(st)
	h.logger.Info("Left voice channel on request", zap.String("guild_id", m.GuildID))
}

func (h *Handler) rollDice(api API, st *session.State, m Message, content string) {
	n := h.roll(ParseDiceMax(content))
	reaction := reactionFor(n)
	h.send(api, m.ChannelID, diceMessage(m.AuthorName, n, reaction))

	ctx, cancel := h.requestContext()
	defer cancel()
	h.Speech.Say(ctx, st, diceSpeech(n, reaction))
}

func (h *Handler) summarizeDice(api API, st *session.State, m Message) {
	msgs, err := api.ChannelMessages(m.ChannelID, summaryLimit, "", "", "")
	if err != nil {
		h.logger.Error("Failed to read channel history", zap.String("channel_id", m.ChannelID), zap.Error(err))
		h.send(api, m.ChannelID, "帳簿が開けぬ。")
		return
	}
	// ChannelMessages returns newest first, which is what the ranking wants
	history := formatHistory(msgs, h.now().Add(-summaryWindow))
	if len(history) == 0 {
		h.send(api, m.ChannelID, "直近30分間にダイスの記録はないのう。")
		return
	}

	ctx, cancel := h.requestContext()
	defer cancel()
	summary, err := h.LLM.DiceSummary(ctx, history)
	if err != nil {
		h.logger.Error("Dice summary failed", zap.String("guild_id", m.GuildID), zap.Error(err))
		h.send(api, m.ChannelID, "帳簿が開けぬ。")
		return
	}
	h.sendLong(api, m.ChannelID, summary)
	h.Speech.Say(ctx, st, lastLine(summary))
}

func (h *Handler) chat(api API, st *session.State, m Message, q string) {
	if q == "" {
		return
	}
	ctx, cancel := h.requestContext()
	defer cancel()

	if q == sochoKeyword {
		h.send(api, m.ChannelID, sochoURL)
		h.Speech.Say(ctx, st, sochoKeyword)
		return
	}
	if utf8.RuneCountInString(q) > constants.ChatMaxRunes {
		h.send(api, m.ChannelID, "長い。短くせよ。")
		return
	}

	search := adapter.WantsSearch(q)
	var history []string
	msgs, err := api.ChannelMessages(m.ChannelID, constants.HistoryLimit, "", "", "")
	if err != nil {
		h.logger.Warn("Failed to read chat history", zap.String("channel_id", m.ChannelID), zap.Error(err))
	} else {
		history = reverse(formatHistory(msgs, time.Time{}))
	}

	answer, err := h.LLM.Chat(ctx, q, history, search)
	if err != nil {
		h.logger.Error("Chat failed",
			zap.String("guild_id", m.GuildID),
			zap.Bool("search", search),
			zap.Error(err),
		)
		h.send(api, m.ChannelID, "天界の網が乱れておるのう。")
		return
	}
	h.sendLong(api, m.ChannelID, answer)
	if !search {
		h.Speech.Say(ctx, st, answer)
	}
}

func (h *Handler) readAloud(st *session.State, m Message, content string) {
	if content == "" || st.MusicPlaying() {
		return
	}
	ctx, cancel := h.requestContext()
	defer cancel()

	speaker, err := prefs.SpeakerFor(ctx, h.Prefs, m.Author.ID)
	if err != nil {
		h.logger.Warn("Failed to resolve reader voice, using default", zap.String("user_id", m.Author.ID), zap.Error(err))
		speaker = constants.DefaultSpeakerID
	}
	h.Speech.Speak(ctx, st, content, speaker)
}

func (h *Handler) playCommand(api API, m Message, query string) {
	if query == "" {
		return
	}
	st, ok := h.connected(m.GuildID)
	if !ok {
		if m.AuthorVoice == "" {
			h.send(api, m.ChannelID, "ボイスチャンネルに入るのじゃ。")
			return
		}
		var err error
		if st, err = h.join(m.GuildID, m.AuthorVoice, m.ChannelID); err != nil {
			h.logger.Error("Failed to join voice channel for music", zap.String("guild_id", m.GuildID), zap.Error(err))
			h.send(api, m.ChannelID, "天界の門が開かぬ。もう一度呼ぶのじゃ。")
			return
		}
	}

	status, err := api.ChannelMessageSend(m.ChannelID, fmt.Sprintf("「%s」のレコードを探しておる...", query))
	if err != nil {
		h.logger.Error("Failed to send message", zap.String("channel_id", m.ChannelID), zap.Error(err))
		return
	}

	ctx, cancel := h.requestContext()
	defer cancel()
	track, err := h.Music.Play(ctx, st, query)
	result := fmt.Sprintf("🎵 **再生中**: %s (音量: %d%%)", track.Title, int(st.MusicVolume()*100+0.5))
	if err != nil {
		h.logger.Warn("Music playback failed", zap.String("guild_id", m.GuildID), zap.String("query", query), zap.Error(err))
		result = "見つからなんだ、または再生できぬ。"
	}
	if _, err := api.ChannelMessageEdit(m.ChannelID, status.ID, result); err != nil {
		h.logger.Error("Failed to edit message", zap.String("channel_id", m.ChannelID), zap.Error(err))
	}
}

func (h *Handler) stopCommand(api API, m Message) {
	st, ok := h.connected(m.GuildID)
	if ok && h.Music.Stop(st) {
		h.send(api, m.ChannelID, "止めたぞ。")
		return
	}
	h.send(api, m.ChannelID, "何も流れておらぬ。")
}

func (h *Handler) volumeCommand(api API, m Message, arg string) {
	pct, err := strconv.Atoi(arg)
	if err != nil || pct < 0 || pct > constants.MaxMusicVolume {
		h.send(api, m.ChannelID, "❌ 0～80%の範囲で指定せよ。")
		return
	}
	st, ok := h.connected(m.GuildID)
	if !ok {
		h.send(api, m.ChannelID, notJoinedMessage)
		return
	}
	h.Music.SetVolume(st, pct)
	h.send(api, m.ChannelID, fmt.Sprintf("🔊 音楽の音量を **%d%%** に変更したぞ。", pct))
}

func (h *Handler) pauseCommand(api API, m Message) {
	st, ok := h.connected(m.GuildID)
	if !ok {
		return
	}
	paused, ok := h.Music.TogglePause(st)
	if !ok {
		return
	}
	if paused {
		h.send(api, m.ChannelID, "一時停止したのじゃ。")
	} else {
		h.send(api, m.ChannelID, "再開するぞ。")
	}
}

// formatHistory renders messages as "name: content" lines, keeping their
// order and dropping anything older than since.
func formatHistory(msgs []*discordgo.Message, since time.Time) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if !since.IsZero() && msg.Timestamp.Before(since) {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", displayName(msg.Member, msg.Author), msg.Content))
	}
	return out
}

func reverse(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[len(lines)-1-i] = l
	}
	return out
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "集計完了じゃ。"
}
