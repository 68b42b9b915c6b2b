package constants

import "time"

// Discord constants
const (
	// DiscordMaxMessageLength is the maximum character limit for Discord messages
	DiscordMaxMessageLength = 2000
	// HistoryLimit is how many recent channel messages are sent along with a question
	HistoryLimit = 15
)

// PCM format delivered by the voice transport
const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 2
	// BytesPerSecond of stereo 16-bit 48kHz PCM
	BytesPerSecond = SampleRate * Channels * BytesPerSample
	// FrameSamples is one 20ms opus frame per channel
	FrameSamples = 960
)

// Conversation detection
const (
	MonitorInterval = 5 * time.Second
	QueueInterval   = 1 * time.Second

	DefaultBufferWindow    = 60 * time.Second
	DefaultSilentThreshold = 30 * time.Second
	DefaultCooldown        = 20 * time.Minute
	DefaultRestartAfter    = 19 * time.Minute
	DefaultGapThreshold    = 1 * time.Second
	DefaultSilenceBurst    = 500 * time.Millisecond

	// MinTriggerBytes below which drained audio is not worth transcribing
	MinTriggerBytes = 1000
	// MaxQueueSize caps pending synthesized payloads per session
	MaxQueueSize = 16
)

// Voice question
const (
	QuestionDuration  = 7 * time.Second
	QuestionCooldown  = 30 * time.Second
	QuestionMaxRunes  = 100
	MinRecordingBytes = 1000
)

// DefaultSpeakerID is the VOICEVOX style used until another is chosen
const DefaultSpeakerID = 3

// Music
const (
	DefaultMusicVolume = 0.2
	MaxMusicVolume     = 80
)

// Chores
const (
	DisconnectDelay     = 60 * time.Second
	MonologueInterval   = 60 * time.Minute
	MonologueMinDelay   = 900 * time.Second
	MonologueMaxDelay   = 3000 * time.Second
	MealReminderEvery   = 30 * time.Minute
	MealReminderInitial = 40 * time.Minute
)

// Text triggers
const (
	TriggerChat    = "もちもち、"
	TriggerDice    = "/dice"
	TriggerSummary = "/ダイス結果"
	TriggerLeave   = "もちもちさよなら"
	TriggerJoin    = "!mjoin"
	TriggerPlay    = "!play"
	TriggerStop    = "!stop"
	TriggerVolume  = "!vol"
	TriggerPause   = "!pause"
	CommandPrefix  = "!"

	ChatMaxRunes   = 50
	DefaultDiceMax = 100
)

// NotUnderstoodMarker is what the transcriber answers with when nothing was intelligible
const NotUnderstoodMarker = "聞き取れなかった"

// SearchKeywords switch a question to the long search-style answer
var SearchKeywords = []string{"調べて", "最新", "パッチ", "ニュース", "情報", "アップデート", "攻略", "ギミック", "スキル回し", "どうすれば", "教えて"}
