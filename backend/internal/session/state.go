package session

import (
	"context"
	"sync"
	"time"

	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/constants"
	"mochigami/backend/internal/speech"
)

// State is everything the bot knows about one voice session. Buffer and
// Queue carry their own locks; every other field goes through the accessors.
type State struct {
	GuildID string
	Buffer  *audio.RollingBuffer
	Queue   *speech.Queue

	mu             sync.Mutex
	textChannelID  string
	voiceChannelID string
	conn           Transport
	sink           FrameSink

	active          bool
	bufferActive    bool
	musicPlaying    bool
	lastTriggeredAt time.Time
	lastAudioAt     time.Time
	musicVolume     float64

	questionInFlight bool
	lastQuestionAt   time.Time

	chores map[string]context.CancelFunc
}

// NewState creates an idle session for guildID
func NewState(guildID string, bufCfg audio.BufferConfig, queueSize int) *State {
	return &State{
		GuildID:     guildID,
		Buffer:      audio.NewRollingBuffer(bufCfg),
		Queue:       speech.NewQueue(queueSize),
		musicVolume: constants.DefaultMusicVolume,
		chores:      make(map[string]context.CancelFunc),
	}
}

// Attach binds a fresh voice connection and resets the per-join settings
func (s *State) Attach(conn Transport, voiceChannelID, textChannelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.voiceChannelID = voiceChannelID
	s.textChannelID = textChannelID
	s.musicVolume = constants.DefaultMusicVolume
	s.active = false
	s.lastTriggeredAt = time.Time{}
	s.musicPlaying = false
}

func (s *State) Conn() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *State) TextChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textChannelID
}

func (s *State) VoiceChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceChannelID
}

// Connected reports whether a live transport is attached
func (s *State) Connected() bool {
	conn := s.Conn()
	return conn != nil && conn.IsConnected()
}

func (s *State) Sink() FrameSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *State) SetSink(sink FrameSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *State) SetActive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = v
}

func (s *State) BufferActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferActive
}

func (s *State) SetBufferActive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferActive = v
}

func (s *State) MusicPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.musicPlaying
}

func (s *State) SetMusicPlaying(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.musicPlaying = v
}

// LastTriggeredAt returns the time of the last reaction; zero when unset
func (s *State) LastTriggeredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTriggeredAt
}

func (s *State) SetLastTriggeredAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTriggeredAt = t
}

// LastAudioAt returns when audio was last observed; zero when unset
func (s *State) LastAudioAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAudioAt
}

func (s *State) SetLastAudioAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAudioAt = t
}

// TouchAudio records a received frame. Called from the receive goroutine.
func (s *State) TouchAudio(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastAudioAt) {
		s.lastAudioAt = at
	}
	s.mu.Unlock()
}

// SeedLastAudio sets lastAudioAt only if it is unset
func (s *State) SeedLastAudio(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAudioAt.IsZero() {
		s.lastAudioAt = now
	}
}

// ResetConversation clears the conversation-mode timestamps
func (s *State) ResetConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTriggeredAt = time.Time{}
	s.lastAudioAt = time.Time{}
}

// MusicVolume is the playback gain for foreground music, 0.0 to 0.8
func (s *State) MusicVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.musicVolume
}

// SetMusicVolumePercent stores a percentage in [0, MaxMusicVolume]
func (s *State) SetMusicVolumePercent(pct int) bool {
	if pct < 0 || pct > constants.MaxMusicVolume {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.musicVolume = float64(pct) / 100.0
	return true
}

// BeginQuestion claims the voice-question slot. It fails when the cooldown
// has not elapsed (returning what is left) or another question is running.
func (s *State) BeginQuestion(now time.Time, cooldown time.Duration) (ok bool, remaining time.Duration, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastQuestionAt.IsZero() {
		if left := cooldown - now.Sub(s.lastQuestionAt); left > 0 {
			return false, left, false
		}
	}
	if s.questionInFlight {
		return false, 0, true
	}
	s.questionInFlight = true
	s.lastQuestionAt = now
	return true, 0, false
}

// QuestionCooldownLeft reports how long until another question may start
func (s *State) QuestionCooldownLeft(now time.Time, cooldown time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastQuestionAt.IsZero() {
		return 0
	}
	if left := cooldown - now.Sub(s.lastQuestionAt); left > 0 {
		return left
	}
	return 0
}

// EndQuestion releases the voice-question slot
func (s *State) EndQuestion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questionInFlight = false
}

func (s *State) QuestionInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questionInFlight
}

// EnqueueSpeech queues a synthesized payload unless music is playing
func (s *State) EnqueueSpeech(p *speech.Payload) bool {
	return s.Queue.Enqueue(p, s.MusicPlaying())
}

// SetChore registers the cancel func of a named background job, cancelling
// any previous job under the same name.
func (s *State) SetChore(name string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.chores[name]; ok {
		prev()
	}
	s.chores[name] = cancel
}

// CancelChore stops a named job and reports whether one was pending
func (s *State) CancelChore(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.chores[name]
	if !ok {
		return false
	}
	cancel()
	delete(s.chores, name)
	return true
}

// HasChore reports whether a named job is registered
func (s *State) HasChore(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chores[name]
	return ok
}

// Close tears the session down: chores cancelled, capture and playback
// stopped, queue drained, transport disconnected.
func (s *State) Close() error {
	s.mu.Lock()
	chores := s.chores
	s.chores = make(map[string]context.CancelFunc)
	conn := s.conn
	s.conn = nil
	s.sink = nil
	s.active = false
	s.bufferActive = false
	s.musicPlaying = false
	s.lastTriggeredAt = time.Time{}
	s.lastAudioAt = time.Time{}
	s.mu.Unlock()

	for _, cancel := range chores {
		cancel()
	}
	s.Queue.Drain()
	s.Buffer.Clear()

	if conn == nil {
		return nil
	}
	if conn.IsListening() {
		_ = conn.StopListening()
	}
	conn.StopPlayback()
	return conn.Disconnect()
}

// Snapshot is a point-in-time copy of the session for status reporting
type Snapshot struct {
	GuildID         string    `json:"guildId"`
	TextChannelID   string    `json:"textChannelId"`
	VoiceChannelID  string    `json:"voiceChannelId"`
	Connected       bool      `json:"connected"`
	Active          bool      `json:"active"`
	BufferActive    bool      `json:"bufferActive"`
	MusicPlaying    bool      `json:"musicPlaying"`
	LastTriggeredAt time.Time `json:"lastTriggeredAt,omitempty"`
	LastAudioAt     time.Time `json:"lastAudioAt,omitempty"`
	BufferedChunks  int       `json:"bufferedChunks"`
	QueueLength     int       `json:"queueLength"`
	MusicVolume     float64   `json:"musicVolume"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		GuildID:         s.GuildID,
		TextChannelID:   s.textChannelID,
		VoiceChannelID:  s.voiceChannelID,
		Active:          s.active,
		BufferActive:    s.bufferActive,
		MusicPlaying:    s.musicPlaying,
		LastTriggeredAt: s.lastTriggeredAt,
		LastAudioAt:     s.lastAudioAt,
		MusicVolume:     s.musicVolume,
	}
	conn := s.conn
	s.mu.Unlock()

	snap.Connected = conn != nil && conn.IsConnected()
	snap.BufferedChunks = s.Buffer.Len()
	snap.QueueLength = s.Queue.Len()
	return snap
}
