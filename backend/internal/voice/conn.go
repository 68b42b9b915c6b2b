package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"
	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/session"
)

const (
	readyTimeout = 5 * time.Second
	sendTimeout  = 5 * time.Second
)

// Conn is a discordgo voice connection exposed as a session.Transport.
// Received opus is decoded per SSRC and handed to the subscribed sink;
// playback is ffmpeg-encoded OGG/opus pushed into OpusSend.
type Conn struct {
	guildID   string
	channelID string
	converter *audio.Converter
	decoder   *audio.Decoder
	logger    *zap.Logger

	// hooks onto the underlying connection
	opusSend   chan<- []byte
	speaking   func(bool) error
	ready      func() bool
	members    func() int
	disconnect func() error

	mu        sync.Mutex
	ssrcUsers map[uint32]string
	sink      session.FrameSink
	closed    bool
	recvStop  context.CancelFunc

	playMu     sync.Mutex
	playing    bool
	paused     bool
	resume     chan struct{}
	playCancel context.CancelFunc
	playGen    int
}

var _ session.Transport = (*Conn)(nil)

// Join connects to a voice channel and starts the receive loop
func Join(s *discordgo.Session, guildID, channelID string, converter *audio.Converter, log *zap.Logger) (*Conn, error) {
	if s == nil {
		return nil, apperrors.ErrDiscordSessionUnavailable
	}
	if log == nil {
		log = logger.Get()
	}

	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, apperrors.NewTransportFailed("join", guildID, true, err)
	}

	// Wait for voice connection to be ready
	deadline := time.Now().Add(readyTimeout)
	for !isReady(vc) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if !isReady(vc) {
		log.Warn("Voice connection not ready after timeout, continuing anyway",
			zap.String("guild_id", guildID),
			zap.Duration("timeout", readyTimeout),
		)
	}

	c := newConn(guildID, channelID, converter, log)
	c.opusSend = vc.OpusSend
	c.speaking = vc.Speaking
	c.ready = func() bool { return isReady(vc) }
	c.members = func() int { return countMembers(s, guildID, channelID) }
	c.disconnect = vc.Disconnect

	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		c.MapSSRC(uint32(su.SSRC), su.UserID)
	})

	if vc.OpusRecv != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.recvStop = cancel
		go c.receive(ctx, vc.OpusRecv)
	} else {
		log.Warn("Voice connection has no receive channel", zap.String("guild_id", guildID))
	}

	log.Info("Joined voice channel",
		zap.String("guild_id", guildID),
		zap.String("channel_id", channelID),
	)
	return c, nil
}

func newConn(guildID, channelID string, converter *audio.Converter, log *zap.Logger) *Conn {
	return &Conn{
		guildID:    guildID,
		channelID:  channelID,
		converter:  converter,
		decoder:    audio.NewDecoder(),
		logger:     log,
		speaking:   func(bool) error { return nil },
		ready:      func() bool { return true },
		members:    func() int { return 0 },
		disconnect: func() error { return nil },
		ssrcUsers:  make(map[uint32]string),
	}
}

func isReady(vc *discordgo.VoiceConnection) bool {
	vc.RLock()
	defer vc.RUnlock()
	return vc.Ready
}

// countMembers counts voice states in the channel, the bot's own included
func countMembers(s *discordgo.Session, guildID, channelID string) int {
	guild, err := s.State.Guild(guildID)
	if err != nil || guild == nil {
		return 0
	}
	return membersIn(guild, channelID)
}

func membersIn(guild *discordgo.Guild, channelID string) int {
	n := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			n++
		}
	}
	return n
}

// ChannelID returns the voice channel this connection is in
func (c *Conn) ChannelID() string {
	return c.channelID
}

// MapSSRC records which user is sending on ssrc
func (c *Conn) MapSSRC(ssrc uint32, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.ssrcUsers[ssrc]; ok && prev != userID {
		c.decoder.Forget(ssrc)
	}
	c.ssrcUsers[ssrc] = userID
}

func (c *Conn) userFor(ssrc uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ssrcUsers[ssrc]; ok {
		return id
	}
	return fmt.Sprintf("ssrc:%d", ssrc)
}

func (c *Conn) receive(ctx context.Context, recv <-chan *discordgo.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			c.handlePacket(uint32(pkt.SSRC), pkt.Opus, time.Now())
		}
	}
}

func (c *Conn) handlePacket(ssrc uint32, opusFrame []byte, at time.Time) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil || len(opusFrame) == 0 {
		return
	}

	pcm, err := c.decoder.Decode(ssrc, opusFrame)
	if err != nil {
		c.logger.Debug("Dropping undecodable frame",
			zap.String("guild_id", c.guildID),
			zap.Uint32("ssrc", ssrc),
			zap.Error(err),
		)
		return
	}
	sink.Write(c.userFor(ssrc), pcm, at)
}

// Listen subscribes sink to every participant's decoded audio
func (c *Conn) Listen(sink session.FrameSink) error {
	if sink == nil {
		return apperrors.NewInvariantViolated("listen with nil sink")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperrors.ErrNotConnected
	}
	c.sink = sink
	return nil
}

// StopListening drops the current sink and decoder state
func (c *Conn) StopListening() error {
	c.mu.Lock()
	c.sink = nil
	c.mu.Unlock()
	c.decoder.Reset()
	return nil
}

func (c *Conn) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink != nil
}

// StartPlayback encodes a WAV payload and starts sending it. Any current
// playback is stopped first.
func (c *Conn) StartPlayback(ctx context.Context, wav []byte, volume float64) error {
	if !c.IsConnected() {
		return apperrors.ErrNotConnected
	}
	pctx, cancel := context.WithCancel(context.Background())
	ogg, err := c.converter.ToOggOpus(pctx, bytes.NewReader(wav), volume)
	if err != nil {
		cancel()
		return apperrors.NewTransportFailed("playback", c.guildID, true, err)
	}
	return c.startStream(pctx, cancel, ogg, nil)
}

// StartStream sends an OGG/opus stream; onDone runs when it ends for any reason
func (c *Conn) StartStream(ctx context.Context, ogg io.ReadCloser, onDone func(error)) error {
	if !c.IsConnected() {
		ogg.Close()
		return apperrors.ErrNotConnected
	}
	pctx, cancel := context.WithCancel(context.Background())
	return c.startStream(pctx, cancel, ogg, onDone)
}

func (c *Conn) startStream(ctx context.Context, cancel context.CancelFunc, ogg io.ReadCloser, onDone func(error)) error {
	c.StopPlayback()

	c.playMu.Lock()
	c.playGen++
	gen := c.playGen
	c.playing = true
	c.paused = false
	c.playCancel = cancel
	c.playMu.Unlock()

	go func() {
		err := c.send(ctx, ogg)
		ogg.Close()
		cancel()

		c.playMu.Lock()
		if c.playGen == gen {
			c.playing = false
			c.paused = false
			c.playCancel = nil
		}
		c.playMu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("Playback ended with error",
				zap.String("guild_id", c.guildID),
				zap.Error(err),
			)
		}
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

// send pushes opus packets until the stream ends or ctx is cancelled
func (c *Conn) send(ctx context.Context, ogg io.Reader) error {
	reader := audio.NewOggReader(ogg)

	c.speaking(true)
	defer c.speaking(false)

	for {
		if wait := c.pauseWait(); wait != nil {
			c.speaking(false)
			select {
			case <-wait:
				c.speaking(true)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		packet, err := reader.NextPacket()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case c.opusSend <- packet:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendTimeout):
			return fmt.Errorf("timeout sending audio")
		}
	}
}

func (c *Conn) pauseWait() <-chan struct{} {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	if !c.paused {
		return nil
	}
	return c.resume
}

// StopPlayback cancels the current playback, if any
func (c *Conn) StopPlayback() {
	c.playMu.Lock()
	cancel := c.playCancel
	c.playCancel = nil
	c.playing = false
	if c.paused {
		c.paused = false
		close(c.resume)
	}
	c.playMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// TogglePause pauses or resumes the current playback and reports whether it
// is now paused. Without playback it does nothing.
func (c *Conn) TogglePause() bool {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	if !c.playing {
		return false
	}
	if c.paused {
		c.paused = false
		close(c.resume)
		return false
	}
	c.paused = true
	c.resume = make(chan struct{})
	return true
}

func (c *Conn) IsPlaying() bool {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	return c.playing
}

// IsPaused reports whether playback is paused
func (c *Conn) IsPaused() bool {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	return c.paused
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.ready()
}

func (c *Conn) MemberCount() int {
	return c.members()
}

// Disconnect stops everything and leaves the channel. Safe to call twice.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.sink = nil
	stop := c.recvStop
	c.mu.Unlock()

	c.StopPlayback()
	if stop != nil {
		stop()
	}
	c.decoder.Reset()

	if err := c.disconnect(); err != nil {
		return apperrors.NewTransportFailed("disconnect", c.guildID, false, err)
	}
	c.logger.Info("Left voice channel",
		zap.String("guild_id", c.guildID),
		zap.String("channel_id", c.channelID),
	)
	return nil
}
