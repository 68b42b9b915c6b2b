package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hraban/opus"

	"mochigami/backend/internal/constants"
)

// maxFrameSamples covers the longest opus frame (120ms) per channel
const maxFrameSamples = constants.SampleRate * 120 / 1000

// Decoder turns received opus frames into stereo s16le PCM. Each speaker
// (SSRC) keeps its own libopus state.
type Decoder struct {
	mu       sync.Mutex
	decoders map[uint32]*opus.Decoder
	pcm      []int16
}

// NewDecoder creates an empty decoder set
func NewDecoder() *Decoder {
	return &Decoder{
		decoders: make(map[uint32]*opus.Decoder),
		pcm:      make([]int16, maxFrameSamples*constants.Channels),
	}
}

// Decode decodes one opus packet from ssrc. The returned slice is freshly
// allocated and owned by the caller.
func (d *Decoder) Decode(ssrc uint32, packet []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dec, ok := d.decoders[ssrc]
	if !ok {
		var err error
		dec, err = opus.NewDecoder(constants.SampleRate, constants.Channels)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus decoder: %w", err)
		}
		d.decoders[ssrc] = dec
	}

	n, err := dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode ssrc %d: %w", ssrc, err)
	}

	samples := d.pcm[:n*constants.Channels]
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

// Forget drops the decoder state for ssrc.
func (d *Decoder) Forget(ssrc uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.decoders, ssrc)
}

// Reset drops every decoder.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoders = make(map[uint32]*opus.Decoder)
}
