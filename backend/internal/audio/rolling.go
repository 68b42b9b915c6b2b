package audio

import (
	"sync"
	"time"

	"mochigami/backend/internal/constants"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate     int
	Channels       int
	BytesPerSample int
}

// DiscordFormat is the PCM layout produced by the opus decoder.
var DiscordFormat = Format{
	SampleRate:     constants.SampleRate,
	Channels:       constants.Channels,
	BytesPerSample: constants.BytesPerSample,
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BytesPerSample
}

// FrameSize is the size in bytes of one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.BytesPerSample
}

// Duration returns how long n bytes of PCM last.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the frame-aligned byte length of d.
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%f.FrameSize()
}

// BufferConfig configures a RollingBuffer
type BufferConfig struct {
	// Window is how long chunks are retained
	Window time.Duration
	// GapThreshold is the pause length above which a silence burst is inserted
	GapThreshold time.Duration
	// SilenceBurst is the length of zeroed audio inserted for each long pause
	SilenceBurst time.Duration
	Format       Format
}

// DefaultBufferConfig returns the stock 60s window with 1s gaps and 0.5s bursts
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Window:       constants.DefaultBufferWindow,
		GapThreshold: constants.DefaultGapThreshold,
		SilenceBurst: constants.DefaultSilenceBurst,
		Format:       DiscordFormat,
	}
}

type chunk struct {
	at  time.Time
	pcm []byte
}

// RollingBuffer keeps the last Window of PCM chunks from every speaker,
// interleaved by arrival time.
type RollingBuffer struct {
	cfg        BufferConfig
	mu         sync.Mutex
	chunks     []chunk
	chunkCount int
}

// NewRollingBuffer creates an empty buffer. Zero config fields take defaults.
func NewRollingBuffer(cfg BufferConfig) *RollingBuffer {
	def := DefaultBufferConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = def.GapThreshold
	}
	if cfg.SilenceBurst < 0 {
		cfg.SilenceBurst = 0
	}
	if cfg.Format.BytesPerSecond() == 0 {
		cfg.Format = def.Format
	}
	return &RollingBuffer{cfg: cfg}
}

// Config returns the buffer configuration.
func (b *RollingBuffer) Config() BufferConfig {
	return b.cfg
}

// Write stores a copy of pcm received at the given time and prunes anything
// older than the window.
func (b *RollingBuffer) Write(pcm []byte, at time.Time) {
	stored := make([]byte, len(pcm))
	copy(stored, pcm)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk{at: at, pcm: stored})
	b.chunkCount++

	cutoff := at.Add(-b.cfg.Window)
	// compact in place so the backing array does not grow without bound
	kept := b.chunks[:0]
	for _, c := range b.chunks {
		if !c.at.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(b.chunks); i++ {
		b.chunks[i] = chunk{}
	}
	b.chunks = kept
}

// IsEmpty reports whether the buffer holds no chunks.
func (b *RollingBuffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks) == 0
}

// Len returns the number of retained chunks.
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// ChunkCount returns how many chunks were written since the last Clear.
func (b *RollingBuffer) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunkCount
}

// Oldest returns the arrival time of the oldest retained chunk.
func (b *RollingBuffer) Oldest() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return time.Time{}, false
	}
	return b.chunks[0].at, true
}

// DrainToBytes linearizes the retained chunks into one PCM stream, inserting
// a silence burst wherever a chunk starts more than GapThreshold after the
// previous one ended. The buffer is left untouched.
func (b *RollingBuffer) DrainToBytes() []byte {
	b.mu.Lock()
	snapshot := make([]chunk, len(b.chunks))
	copy(snapshot, b.chunks)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	burst := b.cfg.Format.Bytes(b.cfg.SilenceBurst)
	total := 0
	for _, c := range snapshot {
		total += len(c.pcm)
	}
	out := make([]byte, 0, total+burst*4)

	var prevEnd time.Time
	for i, c := range snapshot {
		if i > 0 && c.at.Sub(prevEnd) > b.cfg.GapThreshold && burst > 0 {
			out = append(out, make([]byte, burst)...)
		}
		out = append(out, c.pcm...)
		prevEnd = c.at.Add(b.cfg.Format.Duration(len(c.pcm)))
	}
	return out
}

// Clear drops every chunk and resets the chunk counter.
func (b *RollingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.chunkCount = 0
}
