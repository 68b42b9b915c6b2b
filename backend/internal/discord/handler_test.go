package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"

	"mochigami/backend/internal/adapter"
	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/music"
	"mochigami/backend/internal/prefs"
	"mochigami/backend/internal/question"
	"mochigami/backend/internal/session"
	"mochigami/backend/internal/session/sessiontest"
)

type sent struct {
	channelID string
	content   string
}

type mockAPI struct {
	mu         sync.Mutex
	sent       []sent
	edits      []string
	history    []*discordgo.Message
	historyErr error
	responses  []*discordgo.InteractionResponse
	followups  []string
}

func (m *mockAPI) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{channelID, content})
	return &discordgo.Message{ID: "status-msg", ChannelID: channelID, Content: content}, nil
}

func (m *mockAPI) ChannelMessageEdit(_, _ string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockAPI) ChannelMessages(_ string, limit int, _, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	if limit < len(m.history) {
		return m.history[:limit], nil
	}
	return m.history, nil
}

func (m *mockAPI) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockAPI) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, data.Content)
	return &discordgo.Message{}, nil
}

func (m *mockAPI) contents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.content)
	}
	return out
}

func (m *mockAPI) lastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil
	}
	return m.responses[len(m.responses)-1]
}

type mockLLM struct {
	greetingErr error
	chatErr     error
	summary     string
	summaryErr  error

	question string
	history  []string
	search   bool
}

func (m *mockLLM) Greeting(context.Context) (string, error) {
	if m.greetingErr != nil {
		return "", m.greetingErr
	}
	return "待たせたのう", nil
}

func (m *mockLLM) Chat(_ context.Context, q string, history []string, search bool) (string, error) {
	m.question, m.history, m.search = q, history, search
	if m.chatErr != nil {
		return "", m.chatErr
	}
	return "タンクで行くのじゃ", nil
}

func (m *mockLLM) DiceSummary(_ context.Context, history []string) (string, error) {
	m.history = history
	return m.summary, m.summaryErr
}

type spoken struct {
	text    string
	speaker int
}

type mockSpeech struct {
	mu        sync.Mutex
	said      []string
	spoken    []spoken
	announced []string
}

func (m *mockSpeech) Announce(_ context.Context, _ *session.State, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announced = append(m.announced, text)
	return nil
}

func (m *mockSpeech) Say(_ context.Context, st *session.State, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.MusicPlaying() {
		return false
	}
	m.said = append(m.said, text)
	return true
}

func (m *mockSpeech) Speak(_ context.Context, st *session.State, text string, speakerID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.MusicPlaying() {
		return false
	}
	m.spoken = append(m.spoken, spoken{text, speakerID})
	return true
}

type mockVoices struct {
	styles []adapter.SpeakerStyle
}

func (m *mockVoices) RefreshSpeakers(context.Context) error { return nil }

func (m *mockVoices) Speaker(id int) (adapter.SpeakerStyle, bool) {
	for _, s := range m.styles {
		if s.ID == id {
			return s, true
		}
	}
	return adapter.SpeakerStyle{}, false
}

func (m *mockVoices) SearchSpeakers(query string, limit int) []adapter.SpeakerStyle {
	var out []adapter.SpeakerStyle
	for _, s := range m.styles {
		if strings.Contains(s.FullName(), query) && len(out) < limit {
			out = append(out, s)
		}
	}
	return out
}

type mockCapture struct {
	startErr error
	started  int
	stopped  int
}

func (m *mockCapture) Start(*session.State) error {
	m.started++
	return m.startErr
}

func (m *mockCapture) Stop(*session.State) { m.stopped++ }

type mockMusic struct {
	playErr error
	query   string
	playing bool
	paused  bool
	volume  int
}

func (m *mockMusic) Play(_ context.Context, st *session.State, q string) (music.Track, error) {
	m.query = q
	if m.playErr != nil {
		return music.Track{}, m.playErr
	}
	m.playing = true
	st.SetMusicPlaying(true)
	return music.Track{Title: "FF14 メインテーマ"}, nil
}

func (m *mockMusic) Stop(st *session.State) bool {
	was := m.playing
	m.playing = false
	st.SetMusicPlaying(false)
	return was
}

func (m *mockMusic) SetVolume(st *session.State, pct int) bool {
	m.volume = pct
	return st.SetMusicVolumePercent(pct)
}

func (m *mockMusic) TogglePause(*session.State) (bool, bool) {
	if !m.playing {
		return false, false
	}
	m.paused = !m.paused
	return m.paused, true
}

type mockQuestions struct {
	beginErr error
	req      question.Request
	ran      bool
}

func (m *mockQuestions) Begin(req question.Request) error {
	m.req = req
	return m.beginErr
}

func (m *mockQuestions) Run(_ context.Context, _ question.Request, out func(string)) error {
	m.ran = true
	out("📝 **聞き取り結果**: 零式")
	out("気合じゃ")
	return nil
}

type mockChores struct {
	mu        sync.Mutex
	meals     int
	scheduled int
	cancelled int
}

func (m *mockChores) StartMealReminder(*session.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meals++
}

func (m *mockChores) ScheduleDisconnect(*session.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled++
}

func (m *mockChores) CancelDisconnect(*session.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled++
	return true
}

type fixture struct {
	api       *mockAPI
	llm       *mockLLM
	speech    *mockSpeech
	voices    *mockVoices
	capture   *mockCapture
	music     *mockMusic
	questions *mockQuestions
	chores    *mockChores
	prefs     prefs.Store
	reg       *session.Registry
	conn      *sessiontest.Transport
	joins     []string
	h         *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := prefs.NewStore(prefs.StoreTypeMemory, prefs.WithDefaultSpeaker(3))
	require.NoError(t, err)

	f := &fixture{
		api:       &mockAPI{},
		llm:       &mockLLM{},
		speech:    &mockSpeech{},
		voices:    &mockVoices{styles: []adapter.SpeakerStyle{{ID: 3, Character: "ずんだもん", Style: "ノーマル"}, {ID: 8, Character: "春日部つむぎ", Style: "ノーマル"}}},
		capture:   &mockCapture{},
		music:     &mockMusic{},
		questions: &mockQuestions{},
		chores:    &mockChores{},
		prefs:     store,
		reg:       session.NewRegistry(audio.DefaultBufferConfig(), 0),
		conn:      sessiontest.NewTransport(),
	}
	f.h = NewHandler(Deps{
		Registry:  f.reg,
		LLM:       f.llm,
		Speech:    f.speech,
		Voices:    f.voices,
		Prefs:     f.prefs,
		Capture:   f.capture,
		Music:     f.music,
		Questions: f.questions,
		Chores:    f.chores,
		Join: func(guildID, channelID string) (session.Transport, error) {
			f.joins = append(f.joins, channelID)
			return f.conn, nil
		},
	}, zap.NewNop())
	f.h.roll = func(int) int { return 95 }
	return f
}

// connect puts the bot in voice channel vc for guild g1
func (f *fixture) connect() *session.State {
	st := f.reg.GetOrCreate("g1")
	st.Attach(f.conn, "vc", "tc")
	return st
}

func (f *fixture) message(content string) Message {
	return Message{
		Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: "tc",
			GuildID:   "g1",
			Content:   content,
			Author:    &discordgo.User{ID: "u1", Username: "mochi"},
		},
		AuthorName:  "もちお",
		AuthorVoice: "vc",
	}
}

func TestJoinCommand(t *testing.T) {
	f := newFixture(t)

	f.h.onMessage(f.api, f.message("!mjoin"))

	st, ok := f.reg.Get("g1")
	require.True(t, ok)
	assert.True(t, st.Connected())
	assert.Equal(t, "vc", st.VoiceChannelID())
	assert.Equal(t, "tc", st.TextChannelID())
	assert.Equal(t, 1, f.chores.meals)

	msgs := f.api.contents()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "待たせたのう\n\n【使い方】"))
	assert.Contains(t, msgs[0], "もちもちさよなら")
	assert.Equal(t, []string{"待たせたのう"}, f.speech.said)
}

func TestJoinCommand_Fallbacks(t *testing.T) {
	t.Run("greeting error", func(t *testing.T) {
		f := newFixture(t)
		f.llm.greetingErr = errors.New("quota")
		f.h.onMessage(f.api, f.message("!mjoin"))
		assert.Equal(t, []string{greetingFallback}, f.speech.said)
	})

	t.Run("author not in voice", func(t *testing.T) {
		f := newFixture(t)
		m := f.message("!mjoin")
		m.AuthorVoice = ""
		f.h.onMessage(f.api, m)
		assert.Empty(t, f.joins)
		assert.Equal(t, []string{"ボイスチャンネルに入るのじゃ。"}, f.api.contents())
	})

	t.Run("join fails", func(t *testing.T) {
		f := newFixture(t)
		f.h.Join = func(string, string) (session.Transport, error) {
			return nil, apperrors.NewTransportFailed("join", "g1", true, errors.New("timeout"))
		}
		f.h.onMessage(f.api, f.message("!mjoin"))
		_, ok := f.reg.Get("g1")
		assert.False(t, ok)
		assert.Zero(t, f.chores.meals)
	})
}

func TestLeaveTrigger(t *testing.T) {
	f := newFixture(t)

	f.h.onMessage(f.api, f.message("もちもちさよなら"))
	assert.Empty(t, f.api.contents(), "ignored when not connected")

	f.connect()
	f.h.onMessage(f.api, f.message("もちもちさよなら"))
	assert.Equal(t, []string{"さらばじゃ。"}, f.api.contents())
	assert.True(t, f.conn.Disconnected)
	_, ok := f.reg.Get("g1")
	assert.False(t, ok)
}

func TestMessagesIgnoredWhenNotConnected(t *testing.T) {
	f := newFixture(t)
	for _, content := range []string{"/dice", "/ダイス結果", "もちもち、元気？", "こんにちは"} {
		f.h.onMessage(f.api, f.message(content))
	}
	assert.Empty(t, f.api.contents())
	assert.Empty(t, f.speech.spoken)
	assert.Empty(t, f.speech.said)
}

func TestDice(t *testing.T) {
	f := newFixture(t)
	f.connect()
	var gotMax int
	f.h.roll = func(max int) int {
		gotMax = max
		return 95
	}

	f.h.onMessage(f.api, f.message("/dice 999"))

	assert.Equal(t, 999, gotMax)
	msgs := f.api.contents()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "🔮 **もちお** の目は **【 95 】** じゃ！ 「"))
	require.Len(t, f.speech.said, 1)
	assert.True(t, strings.HasPrefix(f.speech.said[0], "95。"))
}

func TestDiceSummary(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	history := []*discordgo.Message{
		{Content: "🔮 **b** の目は **【 80 】** じゃ！", Author: &discordgo.User{Username: "mochigami"}, Timestamp: now.Add(-time.Minute)},
		{Content: "/dice", Author: &discordgo.User{Username: "b"}, Timestamp: now.Add(-2 * time.Minute)},
		{Content: "昔のダイス", Author: &discordgo.User{Username: "c"}, Timestamp: now.Add(-time.Hour)},
	}

	tests := []struct {
		name      string
		history   []*discordgo.Message
		summary   string
		err       error
		wantPost  []string
		wantSaid  []string
		wantLines int
	}{
		{
			name:      "ranks recent rolls",
			history:   history,
			summary:   "🥇 1位: b 【 80 】\n\n優勝はbじゃ。",
			wantPost:  []string{"🥇 1位: b 【 80 】\n\n優勝はbじゃ。"},
			wantSaid:  []string{"優勝はbじゃ。"},
			wantLines: 2,
		},
		{
			name:     "nothing recent",
			history:  history[2:],
			wantPost: []string{"直近30分間にダイスの記録はないのう。"},
		},
		{
			name:      "llm error",
			history:   history,
			err:       errors.New("boom"),
			wantPost:  []string{"帳簿が開けぬ。"},
			wantLines: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.connect()
			f.h.now = func() time.Time { return now }
			f.api.history = tt.history
			f.llm.summary, f.llm.summaryErr = tt.summary, tt.err

			f.h.onMessage(f.api, f.message("/ダイス結果"))

			assert.Equal(t, tt.wantPost, f.api.contents())
			assert.Equal(t, tt.wantSaid, f.speech.said)
			if tt.wantLines > 0 {
				require.Len(t, f.llm.history, tt.wantLines)
				assert.Equal(t, "mochigami: 🔮 **b** の目は **【 80 】** じゃ！", f.llm.history[0], "newest first")
			}
		})
	}
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	f.connect()
	f.api.history = []*discordgo.Message{
		{Content: "もちもち、タンクとヒーラーどっち？", Author: &discordgo.User{Username: "a"}},
		{Content: "ルレ行こう", Author: &discordgo.User{Username: "b"}},
	}

	f.h.onMessage(f.api, f.message("もちもち、タンクとヒーラーどっち？"))

	assert.Equal(t, "タンクとヒーラーどっち？", f.llm.question)
	assert.Equal(t, []string{"b: ルレ行こう", "a: もちもち、タンクとヒーラーどっち？"}, f.llm.history, "oldest first")
	assert.False(t, f.llm.search)
	assert.Equal(t, []string{"タンクで行くのじゃ"}, f.api.contents())
	assert.Equal(t, []string{"タンクで行くのじゃ"}, f.speech.said)
}

func TestChat_Variants(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		chatErr  error
		wantPost []string
		wantSaid []string
		search   bool
	}{
		{name: "empty question", content: "もちもち、"},
		{
			name:     "faux hollows",
			content:  "もちもち、ソーチョー",
			wantPost: []string{"https://knt-a.com/fauxhollows/"},
			wantSaid: []string{"ソーチョー"},
		},
		{
			name:     "too long",
			content:  "もちもち、" + strings.Repeat("あ", 51),
			wantPost: []string{"長い。短くせよ。"},
		},
		{
			name:     "search answers are not spoken",
			content:  "もちもち、最新パッチ教えて",
			wantPost: []string{"タンクで行くのじゃ"},
			search:   true,
		},
		{
			name:     "llm error",
			content:  "もちもち、元気？",
			chatErr:  errors.New("503"),
			wantPost: []string{"天界の網が乱れておるのう。"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.connect()
			f.llm.chatErr = tt.chatErr

			f.h.onMessage(f.api, f.message(tt.content))

			assert.Equal(t, tt.wantPost, f.api.contents())
			assert.Equal(t, tt.wantSaid, f.speech.said)
			assert.Equal(t, tt.search, f.llm.search)
		})
	}
}

func TestReadAloud(t *testing.T) {
	f := newFixture(t)
	st := f.connect()

	f.h.onMessage(f.api, f.message("こんばんは"))
	require.NoError(t, f.prefs.SetUserVoice(context.Background(), "u1", prefs.Voice{SpeakerID: 8}))
	f.h.onMessage(f.api, f.message("ただいま"))
	st.SetMusicPlaying(true)
	f.h.onMessage(f.api, f.message("聞こえない"))

	assert.Equal(t, []spoken{{"こんばんは", 3}, {"ただいま", 8}}, f.speech.spoken)
	assert.Empty(t, f.api.contents())
}

func TestPlayCommand(t *testing.T) {
	t.Run("joins and plays", func(t *testing.T) {
		f := newFixture(t)
		f.h.onMessage(f.api, f.message("!play 極ティターニア"))

		assert.Equal(t, []string{"vc"}, f.joins)
		assert.Equal(t, "極ティターニア", f.music.query)
		assert.Equal(t, []string{"「極ティターニア」のレコードを探しておる..."}, f.api.contents())
		assert.Equal(t, []string{"🎵 **再生中**: FF14 メインテーマ (音量: 20%)"}, f.api.edits)
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t)
		f.connect()
		f.music.playErr = apperrors.NewResourceFailed("music source", errors.New("no results"))
		f.h.onMessage(f.api, f.message("!play ???"))
		assert.Equal(t, []string{"見つからなんだ、または再生できぬ。"}, f.api.edits)
	})

	t.Run("author not in voice", func(t *testing.T) {
		f := newFixture(t)
		m := f.message("!play bgm")
		m.AuthorVoice = ""
		f.h.onMessage(f.api, m)
		assert.Equal(t, []string{"ボイスチャンネルに入るのじゃ。"}, f.api.contents())
		assert.Empty(t, f.music.query)
	})
}

func TestMusicControls(t *testing.T) {
	f := newFixture(t)
	f.connect()

	f.h.onMessage(f.api, f.message("!stop"))
	f.h.onMessage(f.api, f.message("!play bgm"))
	f.h.onMessage(f.api, f.message("!pause"))
	f.h.onMessage(f.api, f.message("!pause"))
	f.h.onMessage(f.api, f.message("!vol 90"))
	f.h.onMessage(f.api, f.message("!vol abc"))
	f.h.onMessage(f.api, f.message("!vol 50"))
	f.h.onMessage(f.api, f.message("!stop"))

	assert.Equal(t, []string{
		"何も流れておらぬ。",
		"「bgm」のレコードを探しておる...",
		"一時停止したのじゃ。",
		"再開するぞ。",
		"❌ 0～80%の範囲で指定せよ。",
		"❌ 0～80%の範囲で指定せよ。",
		"🔊 音楽の音量を **50%** に変更したぞ。",
		"止めたぞ。",
	}, f.api.contents())
	assert.Equal(t, 50, f.music.volume)
}

func TestVolume_NotJoined(t *testing.T) {
	f := newFixture(t)

	f.h.onMessage(f.api, f.message("!vol 50"))

	assert.Equal(t, []string{"先に `!mjoin` でわしを呼ぶのじゃ。"}, f.api.contents())
	assert.Equal(t, 0, f.music.volume)
	_, ok := f.h.Registry.Get("g1")
	assert.False(t, ok, "no session created for a guild the bot is not in")
}

func TestVoiceState(t *testing.T) {
	tests := []struct {
		name          string
		ev            VoiceEvent
		members       int
		wantAnnounced []string
		wantCancelled int
		wantScheduled int
		wantLeft      bool
	}{
		{
			name:          "member joins",
			ev:            VoiceEvent{GuildID: "g1", UserID: "u2", Name: "しょうゆ", ChannelID: "vc"},
			members:       2,
			wantAnnounced: []string{"しょうゆ、いらっしゃいなのじゃ。"},
			wantCancelled: 1,
		},
		{
			name:    "bot joins",
			ev:      VoiceEvent{GuildID: "g1", UserID: "b2", Name: "music bot", Bot: true, ChannelID: "vc"},
			members: 3,
		},
		{
			name:    "member moves within channel",
			ev:      VoiceEvent{GuildID: "g1", UserID: "u2", ChannelID: "vc", BeforeChannel: "vc"},
			members: 2,
		},
		{
			name:          "last member leaves",
			ev:            VoiceEvent{GuildID: "g1", UserID: "u2", BeforeChannel: "vc"},
			members:       1,
			wantScheduled: 1,
		},
		{
			name:     "bot kicked",
			ev:       VoiceEvent{GuildID: "g1", UserID: "bot", Self: true, BeforeChannel: "vc"},
			members:  1,
			wantLeft: true,
		},
		{
			name:    "other guild",
			ev:      VoiceEvent{GuildID: "g2", UserID: "u2", ChannelID: "vc"},
			members: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.connect()
			f.conn.SetMembers(tt.members)

			f.h.onVoiceState(tt.ev)

			assert.Equal(t, tt.wantAnnounced, f.speech.announced)
			assert.Equal(t, tt.wantCancelled, f.chores.cancelled)
			assert.Equal(t, tt.wantScheduled, f.chores.scheduled)
			_, ok := f.reg.Get("g1")
			assert.Equal(t, !tt.wantLeft, ok)
		})
	}
}
