package music

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultYtdlp   = "yt-dlp"
	resolveTimeout = 30 * time.Second
	unknownTitle   = "不明な曲"
)

// Track is a playable audio stream
type Track struct {
	URL      string
	Title    string
	Duration string
}

// Resolver turns a query or page URL into a direct stream URL
type Resolver interface {
	Resolve(ctx context.Context, query string) (Track, error)
}

// Ytdlp resolves tracks by running yt-dlp
type Ytdlp struct {
	path string
}

// NewYtdlp creates a resolver using the given executable
func NewYtdlp(path string) *Ytdlp {
	if path == "" {
		path = defaultYtdlp
	}
	return &Ytdlp{path: path}
}

// SearchQuery is what yt-dlp is asked for: URLs as-is, anything else as a
// single YouTube search biased toward background music.
func SearchQuery(query string) string {
	query = strings.TrimSpace(query)
	if strings.HasPrefix(query, "http") {
		return query
	}
	return fmt.Sprintf("ytsearch:%s bgm", query)
}

type videoInfo struct {
	URL      string      `json:"url"`
	Title    string      `json:"title"`
	Duration float64     `json:"duration"`
	Entries  []videoInfo `json:"entries"`
}

func (y *Ytdlp) Resolve(ctx context.Context, query string) (Track, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.path, "-j", "--no-playlist", "-f", "bestaudio/best", SearchQuery(query))
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return Track{}, fmt.Errorf("yt-dlp failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseInfo(output)
}

// parseInfo reads the first JSON document yt-dlp printed
func parseInfo(output []byte) (Track, error) {
	line := strings.TrimSpace(string(output))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return Track{}, fmt.Errorf("yt-dlp returned nothing")
	}

	var info videoInfo
	if err := json.Unmarshal([]byte(line), &info); err != nil {
		return Track{}, fmt.Errorf("failed to parse yt-dlp output: %w", err)
	}
	if len(info.Entries) > 0 {
		info = info.Entries[0]
	}
	if info.URL == "" {
		return Track{}, fmt.Errorf("no stream url in yt-dlp output")
	}
	if info.Title == "" {
		info.Title = unknownTitle
	}
	return Track{URL: info.URL, Title: info.Title, Duration: formatDuration(info.Duration)}, nil
}

// formatDuration formats seconds as MM:SS or H:MM:SS
func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "Unknown"
	}
	s := int(seconds)
	hours := s / 3600
	minutes := (s % 3600) / 60
	secs := s % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%02d", minutes, secs)
}
