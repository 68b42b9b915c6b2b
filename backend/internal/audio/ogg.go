package audio

import (
	"fmt"
	"io"
)

const oggHeaderSize = 27

// OggReader pulls opus packets out of an OGG stream such as ffmpeg's
// "-f ogg -c:a libopus" output.
type OggReader struct {
	r       io.Reader
	header  []byte
	pending [][]byte
	partial []byte
	pages   int
}

// NewOggReader wraps r.
func NewOggReader(r io.Reader) *OggReader {
	return &OggReader{
		r:      r,
		header: make([]byte, oggHeaderSize),
	}
}

// NextPacket returns the next complete packet. The OpusHead and OpusTags
// header packets are skipped. io.EOF is returned at the end of the stream.
func (o *OggReader) NextPacket() ([]byte, error) {
	for len(o.pending) == 0 {
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
	p := o.pending[0]
	o.pending = o.pending[1:]
	return p, nil
}

func (o *OggReader) readPage() error {
	if _, err := io.ReadFull(o.r, o.header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	if string(o.header[0:4]) != "OggS" {
		return fmt.Errorf("invalid OGG header")
	}
	o.pages++

	segCount := int(o.header[26])
	if segCount == 0 {
		return nil
	}
	segTable := make([]byte, segCount)
	if _, err := io.ReadFull(o.r, segTable); err != nil {
		return err
	}

	for _, segLen := range segTable {
		if segLen > 0 {
			seg := make([]byte, segLen)
			if _, err := io.ReadFull(o.r, seg); err != nil {
				return err
			}
			o.partial = append(o.partial, seg...)
		}
		// a lacing value below 255 terminates the packet
		if segLen < 255 {
			if len(o.partial) > 0 && !isOpusHeader(o.partial) {
				o.pending = append(o.pending, o.partial)
			}
			o.partial = nil
		}
	}
	return nil
}

func isOpusHeader(p []byte) bool {
	if len(p) < 8 {
		return false
	}
	s := string(p[:8])
	return s == "OpusHead" || s == "OpusTags"
}
