package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// Converter runs ffmpeg to turn playable audio into the OGG/opus stream the
// voice connection sends.
type Converter struct {
	ffmpegPath string
}

// NewConverter creates a converter using the given ffmpeg binary
func NewConverter(ffmpegPath string) *Converter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Converter{
		ffmpegPath: ffmpegPath,
	}
}

// ToOggOpus converts any container ffmpeg understands (the synthesizer
// returns WAV) into 48kHz stereo OGG/opus with 20ms frames.
func (c *Converter) ToOggOpus(ctx context.Context, input io.Reader, volume float64) (io.ReadCloser, error) {
	args := []string{"-i", "pipe:0"}
	args = append(args, opusOutputArgs(volume)...)

	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	cmd.Stdin = input
	return startPipe(cmd)
}

// StreamURL reads a remote media URL (resolved by yt-dlp) and re-encodes it
// the same way. Reconnect flags keep long streams alive.
func (c *Converter) StreamURL(ctx context.Context, url string, volume float64) (io.ReadCloser, error) {
	args := []string{
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", url,
		"-vn",
	}
	args = append(args, opusOutputArgs(volume)...)

	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	return startPipe(cmd)
}

func opusOutputArgs(volume float64) []string {
	return []string{
		"-filter:a", "volume=" + strconv.FormatFloat(volume, 'f', 2, 64),
		"-f", "ogg",
		"-c:a", "libopus",
		"-ar", "48000",
		"-ac", "2",
		"-b:a", "96k",
		"-application", "audio",
		"-frame_duration", "20",
		"pipe:1",
	}
}

func startPipe(cmd *exec.Cmd) (io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	cmd.Stderr = io.Discard // Suppress ffmpeg output

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &cmdReadCloser{
		Reader: stdout,
		cmd:    cmd,
	}, nil
}

// cmdReadCloser wraps a Reader and ensures the command is cleaned up
type cmdReadCloser struct {
	io.Reader
	cmd *exec.Cmd
}

func (c *cmdReadCloser) Close() error {
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
