package music

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"
	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/session"
)

// Streamer opens a remote audio URL as an OGG/opus stream
type Streamer interface {
	StreamURL(ctx context.Context, url string, volume float64) (io.ReadCloser, error)
}

// Player plays foreground music into a session. While a track is playing the
// session's MusicPlaying flag is set, which pauses conversation detection and
// discards queued speech.
type Player struct {
	resolver Resolver
	streamer Streamer
	logger   *zap.Logger

	mu   sync.Mutex
	gens map[string]int
}

// NewPlayer creates a music player
func NewPlayer(resolver Resolver, streamer Streamer, log *zap.Logger) *Player {
	if log == nil {
		log = logger.Get()
	}
	return &Player{
		resolver: resolver,
		streamer: streamer,
		logger:   log,
		gens:     make(map[string]int),
	}
}

// Play resolves query and starts streaming it at the session volume,
// replacing whatever is playing.
func (p *Player) Play(ctx context.Context, st *session.State, query string) (Track, error) {
	conn := st.Conn()
	if conn == nil || !conn.IsConnected() {
		return Track{}, apperrors.ErrNotConnected
	}

	track, err := p.resolver.Resolve(ctx, query)
	if err != nil {
		return Track{}, apperrors.NewResourceFailed("music source", err)
	}

	conn.StopPlayback()

	// the stream outlives the command that started it
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := p.streamer.StreamURL(streamCtx, track.URL, st.MusicVolume())
	if err != nil {
		cancel()
		st.SetMusicPlaying(false)
		return Track{}, apperrors.NewResourceFailed("ffmpeg", err)
	}

	gen := p.next(st.GuildID)
	st.SetMusicPlaying(true)
	// queued speech is useless once music starts
	st.Queue.Drain()

	err = conn.StartStream(streamCtx, stream, func(err error) {
		cancel()
		if p.current(st.GuildID) == gen {
			st.SetMusicPlaying(false)
		}
		logger.ForGuild(p.logger, st.GuildID).Info("Music finished",
			zap.String("title", track.Title),
			zap.NamedError("reason", err),
		)
	})
	if err != nil {
		cancel()
		st.SetMusicPlaying(false)
		return Track{}, apperrors.NewTransportFailed("stream", st.GuildID, true, err)
	}

	logger.ForGuild(p.logger, st.GuildID).Info("Playing music",
		zap.String("title", track.Title),
		zap.String("duration", track.Duration),
		zap.Float64("volume", st.MusicVolume()),
	)
	return track, nil
}

// Stop ends the current playback. It reports false when nothing was playing.
func (p *Player) Stop(st *session.State) bool {
	conn := st.Conn()
	if conn == nil || !conn.IsPlaying() {
		return false
	}
	p.next(st.GuildID)
	conn.StopPlayback()
	st.SetMusicPlaying(false)
	return true
}

// SetVolume changes the music volume in percent (0..80). The new volume
// applies from the next track.
func (p *Player) SetVolume(st *session.State, pct int) bool {
	return st.SetMusicVolumePercent(pct)
}

// TogglePause pauses or resumes playback. ok is false when nothing is playing.
func (p *Player) TogglePause(st *session.State) (paused bool, ok bool) {
	conn := st.Conn()
	if conn == nil || !conn.IsPlaying() {
		return false, false
	}
	return conn.TogglePause(), true
}

// Forget drops per-guild bookkeeping once a session is gone
func (p *Player) Forget(guildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.gens, guildID)
}

func (p *Player) next(guildID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[guildID]++
	return p.gens[guildID]
}

func (p *Player) current(guildID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gens[guildID]
}
